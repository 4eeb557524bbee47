package engine

import (
	"testing"

	"github.com/pstjuste/litter/internal/logging"
	"github.com/pstjuste/litter/internal/store"
	"github.com/pstjuste/litter/pkg/wire"
)

func sequence(start int64) func() int64 {
	t := start
	return func() int64 {
		t++
		return t
	}
}

func newTestEngine(t *testing.T, self wire.UID) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(self, ":memory:", 10, logging.NewNop(), sequence(0))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	e := New(self, st, logging.NewNop())
	return e, st
}

// TestScenarioS1LocalPostAnsweredOverGenPull is spec scenario S1: a
// local post followed by a peer's pull advertisement (what its
// gen_pull trigger actually puts on the wire) should come back as a
// reply addressed to that peer.
func TestScenarioS1LocalPostAnsweredOverGenPull(t *testing.T) {
	e, st := newTestEngine(t, "usera")

	if _, err := st.PostLocal("hello"); err != nil {
		t.Fatalf("post local: %v", err)
	}

	req := wire.Envelope{
		M:       wire.MethodPull,
		Query:   &wire.Query{M: wire.MethodPull, UID: "userb", Friends: wire.EncodePullFriends(nil)},
		Headers: &wire.Headers{Hto: wire.HtoAll, Hfrom: "userb", Hid: "req1", Htype: wire.HtypeReq, Httl: 2},
	}
	resp, err := e.Process(req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if resp == nil {
		t.Fatal("want a response")
	}
	if len(resp.Posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(resp.Posts))
	}
	if resp.Posts[0][0] != wire.UID("usera") || resp.Posts[0][4] != "hello" {
		t.Errorf("post tuple = %v, want usera/hello", resp.Posts[0])
	}
	if resp.Headers.Hto != "userb" || resp.Headers.Hfrom != "usera" || resp.Headers.Htype != wire.HtypeRep {
		t.Errorf("reply headers = %+v", resp.Headers)
	}
}

// TestScenarioS2EmptyPullBootstrap is spec scenario S2: an empty
// friends advertisement returns every locally-authored post.
func TestScenarioS2EmptyPullBootstrap(t *testing.T) {
	e, st := newTestEngine(t, "usera")
	st.PostLocal("p1")
	st.PostLocal("p2")

	req := wire.Envelope{
		Query:   &wire.Query{M: wire.MethodPull, UID: "userb", Friends: wire.EncodePullFriends(nil)},
		Headers: &wire.Headers{Hto: "usera", Hfrom: "userb", Hid: "req2", Htype: wire.HtypeReq, Httl: 2},
	}
	resp, err := e.Process(req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(resp.Posts) != 2 {
		t.Fatalf("posts = %d, want 2", len(resp.Posts))
	}
}

func TestIngestSwallowsDuplicatePosts(t *testing.T) {
	e, _ := newTestEngine(t, "usera")

	p := wire.Post{UID: "userb", PostID: 1, TxTime: 10, Msg: "hi"}
	p.HashID = wire.ComputeHashID(p.UID, p.Msg, p.TxTime, p.PostID)
	tuple := p.ToTuple()

	env := wire.Envelope{Posts: []wire.PostTuple{tuple}}
	if _, err := e.Process(env); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if _, err := e.Process(env); err != nil {
		t.Fatalf("duplicate ingest should be swallowed, got: %v", err)
	}
}

func TestUnknownMethodIsRejected(t *testing.T) {
	e, _ := newTestEngine(t, "usera")
	env := wire.Envelope{M: "not_a_real_method"}
	if _, err := e.Process(env); err != ErrUnknownMethod {
		t.Fatalf("process unknown method = %v, want ErrUnknownMethod", err)
	}
}

func TestPostMethodAuthorsLocallyAndReturnsTuple(t *testing.T) {
	e, _ := newTestEngine(t, "usera")
	env := wire.Envelope{Query: &wire.Query{M: wire.MethodPost, Msg: "hi there"}}

	resp, err := e.Process(env)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(resp.Posts) != 1 || resp.Posts[0][4] != "hi there" {
		t.Fatalf("posts = %v, want one tuple with msg 'hi there'", resp.Posts)
	}
	if resp.Headers != nil {
		t.Errorf("local post reply should carry no headers, got %+v", resp.Headers)
	}
}

func TestGetReturnsNoHeaders(t *testing.T) {
	e, st := newTestEngine(t, "usera")
	st.PostLocal("hello")

	resp, err := e.Process(wire.Envelope{Query: &wire.Query{M: wire.MethodGet, Limit: 10}})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if resp.Headers != nil {
		t.Errorf("get response should have no headers")
	}
	if len(resp.Posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(resp.Posts))
	}
}
