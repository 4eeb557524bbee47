package router

import (
	"context"
	"errors"
	"testing"

	"github.com/pstjuste/litter/internal/logging"
	"github.com/pstjuste/litter/pkg/wire"
)

type recordingBroadcaster struct {
	broadcasts int
	unicasts   []Addr
}

func (b *recordingBroadcaster) Broadcast(ctx context.Context, payload []byte) error {
	b.broadcasts++
	return nil
}

func (b *recordingBroadcaster) Unicast(ctx context.Context, payload []byte, dest Addr) error {
	b.unicasts = append(b.unicasts, dest)
	return nil
}

func newTestRouter(self wire.UID) *Router {
	return New(self, nil, logging.NewNop())
}

func reqEnvelope(hto, hfrom, hid string, ttl int) *wire.Envelope {
	return &wire.Envelope{Headers: &wire.Headers{
		Hto: hto, Hfrom: wire.UID(hfrom), Hid: hid, Htype: wire.HtypeReq, Httl: ttl,
	}}
}

func TestSendNegativeTTLIsANoOp(t *testing.T) {
	r := newTestRouter("user_a")
	b := &recordingBroadcaster{}
	env := reqEnvelope("user_b", "user_a", "id1", -1)

	if err := r.Send(context.Background(), b, env, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if b.broadcasts != 0 || len(b.unicasts) != 0 {
		t.Errorf("expired ttl should not dispatch, got %d broadcasts, %d unicasts", b.broadcasts, len(b.unicasts))
	}
}

func TestSendToSelfIsANoOp(t *testing.T) {
	r := newTestRouter("user_a")
	b := &recordingBroadcaster{}
	env := reqEnvelope("user_a", "user_b", "id1", 1)

	if err := r.Send(context.Background(), b, env, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if b.broadcasts != 0 || len(b.unicasts) != 0 {
		t.Errorf("hto == self should not dispatch")
	}
}

func TestSendHtoAnyWithEmptyTableFails(t *testing.T) {
	r := newTestRouter("user_a")
	b := &recordingBroadcaster{}
	env := reqEnvelope(wire.HtoAny, "user_a", "id1", 1)

	err := r.Send(context.Background(), b, env, nil)
	if !errors.Is(err, ErrEmptyTable) {
		t.Fatalf("send to any with empty table = %v, want ErrEmptyTable", err)
	}
}

func TestSendToUnknownUIDFails(t *testing.T) {
	r := newTestRouter("user_a")
	b := &recordingBroadcaster{}
	env := reqEnvelope("user_b", "user_a", "id1", 1)

	err := r.Send(context.Background(), b, env, nil)
	if !errors.Is(err, ErrUnknownDestination) {
		t.Fatalf("send to unlearned uid = %v, want ErrUnknownDestination", err)
	}
}

func TestSendToAllBroadcasts(t *testing.T) {
	r := newTestRouter("user_a")
	b := &recordingBroadcaster{}
	env := reqEnvelope(wire.HtoAll, "user_a", "id1", 1)

	if err := r.Send(context.Background(), b, env, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if b.broadcasts != 1 {
		t.Fatalf("broadcasts = %d, want 1", b.broadcasts)
	}
	if env.Headers.Httl != 0 {
		t.Errorf("httl = %d, want decremented to 0", env.Headers.Httl)
	}
}

func TestSendLearnsRouteAndAnswersUnicast(t *testing.T) {
	r := newTestRouter("user_a")
	b := &recordingBroadcaster{}
	source := Addr{IP: "10.0.0.5", Port: 9}

	// user_b's req teaches the router where user_b lives.
	incoming := reqEnvelope(wire.HtoAll, "user_b", "id1", 2)
	if err := r.Send(context.Background(), b, incoming, &source); err != nil {
		t.Fatalf("send: %v", err)
	}

	// A reply addressed to user_b should now resolve to the learned addr.
	reply := &wire.Envelope{Headers: &wire.Headers{
		Hto: "user_b", Hfrom: "user_a", Hid: "id1", Htype: wire.HtypeRep, Httl: 4,
	}}
	if err := r.Send(context.Background(), b, reply, nil); err != nil {
		t.Fatalf("send reply: %v", err)
	}
	if len(b.unicasts) != 1 || b.unicasts[0] != source {
		t.Fatalf("unicasts = %v, want one send to %v", b.unicasts, source)
	}
}

func TestShouldProcessDropsLoopbackSourceFromSelf(t *testing.T) {
	r := New("user_a", []string{"192.168.1.5"}, logging.NewNop())
	b := &recordingBroadcaster{}
	env := reqEnvelope(wire.HtoAll, "user_a", "id1", 2)
	source := Addr{IP: "192.168.1.5", Port: 50000}

	if r.ShouldProcess(context.Background(), b, env, &source) {
		t.Fatal("should not process our own multicast echo")
	}
}

func TestShouldProcessSuppressesDuplicateRequest(t *testing.T) {
	r := newTestRouter("user_a")
	b := &recordingBroadcaster{}
	source := Addr{IP: "10.0.0.9", Port: 1}

	first := reqEnvelope(wire.HtoAll, "user_b", "id1", 2)
	if !r.ShouldProcess(context.Background(), b, first, &source) {
		t.Fatal("first delivery of a request should be processed")
	}

	replay := reqEnvelope(wire.HtoAll, "user_b", "id1", 2)
	if r.ShouldProcess(context.Background(), b, replay, &source) {
		t.Fatal("replayed request with the same hid should be suppressed")
	}
}

func TestShouldProcessForwardsThenDecrementsIsUndoneLocally(t *testing.T) {
	r := newTestRouter("user_a")
	b := &recordingBroadcaster{}
	source := Addr{IP: "10.0.0.9", Port: 1}
	env := reqEnvelope(wire.HtoAll, "user_b", "id1", 2)

	ok := r.ShouldProcess(context.Background(), b, env, &source)
	if !ok {
		t.Fatal("want processed locally")
	}
	if env.Headers.Httl != 2 {
		t.Errorf("httl seen by local processing = %d, want the original 2 (forward must not mutate it)", env.Headers.Httl)
	}
	if b.broadcasts != 1 {
		t.Errorf("want envelope forwarded once, got %d broadcasts", b.broadcasts)
	}
}
