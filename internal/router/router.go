// Package router implements LitterRouter: the stateless-per-packet
// overlay router described in spec section 4.2, with TTL-bounded
// forwarding, loop suppression, and learned next-hop tables. Grounded
// on original_source/litterrouter.py's LitterRouter and generalized
// from the teacher's Transport interface split
// (pkg/mcast/core/transport.go).
package router

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/pstjuste/litter/internal/logging"
	"github.com/pstjuste/litter/pkg/wire"
)

// Broadcaster is the transport capability the router dispatches
// through: broadcast on every configured interface, or unicast to a
// specific learned address. Implemented by the UDP transport adapter;
// the router never owns a socket itself (spec section 9 ownership note).
type Broadcaster interface {
	Broadcast(ctx context.Context, payload []byte) error
	Unicast(ctx context.Context, payload []byte, dest Addr) error
}

// Router decides, for every envelope, whether it should be processed
// locally and/or forwarded one hop onward, learning next hops from
// observed traffic as it goes.
type Router struct {
	self       wire.UID
	localAddrs map[string]bool // interface IPs recognized as "our own echo"

	mu        sync.Mutex
	addrs     []Addr
	uidToAddr map[wire.UID]Addr
	midToAddr map[string]Addr

	rng *rand.Rand
	log logging.Logger
}

// New creates a Router for the local identity self. localIPs are the
// addresses of interfaces the node listens on, used to recognize and
// drop our own multicast echo.
func New(self wire.UID, localIPs []string, log logging.Logger) *Router {
	locals := make(map[string]bool, len(localIPs))
	for _, ip := range localIPs {
		locals[ip] = true
	}
	return &Router{
		self:       self,
		localAddrs: locals,
		uidToAddr:  make(map[wire.UID]Addr),
		midToAddr:  make(map[string]Addr),
		rng:        rand.New(rand.NewSource(1)),
		log:        log,
	}
}

// ShouldProcess decides whether an arriving envelope should be handled
// locally. As a side effect it also forwards the envelope one hop
// onward when appropriate — the router is responsible for both
// decisions from the same observed packet, per spec section 4.2.
func (r *Router) ShouldProcess(ctx context.Context, b Broadcaster, env *wire.Envelope, source *Addr) bool {
	if source != nil && r.localAddrs[source.IP] {
		return false
	}

	h := env.Headers
	if h != nil && h.Htype == wire.HtypeReq {
		r.mu.Lock()
		_, dup := r.midToAddr[h.Hid]
		r.mu.Unlock()
		if dup {
			return false
		}
	}

	if h != nil {
		savedTTL := h.Httl
		if err := r.Send(ctx, b, env, source); err != nil {
			r.log.Warnf("router: forward failed: %v", err)
		}
		// forwarding must not change the local-processing view of ttl
		h.Httl = savedTTL
	}

	return true
}

// Send resolves and dispatches the envelope to its next hop, and
// unconditionally learns a route from source (if any) regardless of
// whether the forward itself succeeded. Returns a *Error (never fatal)
// when no next hop could be resolved or the table was empty.
func (r *Router) Send(ctx context.Context, b Broadcaster, env *wire.Envelope, source *Addr) error {
	h := env.Headers
	if h == nil {
		return nil
	}

	var sendErr error
	if r.shouldSend(h) {
		sendErr = r.dispatch(ctx, b, env, h)
	}

	if source != nil && !source.IsLoopback() {
		r.learnRoute(h, *source)
	}

	return sendErr
}

func (r *Router) shouldSend(h *wire.Headers) bool {
	if h.Httl < 0 || h.Hto == string(r.self) {
		return false
	}
	if h.Htype == wire.HtypeReq {
		r.mu.Lock()
		_, known := r.midToAddr[h.Hid]
		r.mu.Unlock()
		if known {
			return false
		}
	}
	return true
}

func (r *Router) dispatch(ctx context.Context, b Broadcaster, env *wire.Envelope, h *wire.Headers) error {
	var dest Addr
	var broadcast bool
	var err error

	switch {
	case h.Hto == wire.HtoAny && h.Htype == wire.HtypeReq:
		dest, err = r.randomAddr()
	case h.Hto == wire.HtoAll && h.Htype == wire.HtypeReq:
		broadcast = true
	default:
		dest, err = r.lookupAddr(wire.UID(h.Hto), h.Hid)
	}
	if err != nil {
		return &Error{Err: err}
	}

	h.Httl--
	if h.Httl < 0 {
		return nil
	}

	payload, encErr := env.Encode()
	if encErr != nil {
		return fmt.Errorf("router: encode: %w", encErr)
	}

	if broadcast {
		return b.Broadcast(ctx, payload)
	}
	return b.Unicast(ctx, payload, dest)
}

func (r *Router) randomAddr() (Addr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.addrs) == 0 {
		return Addr{}, ErrEmptyTable
	}
	return r.addrs[r.rng.Intn(len(r.addrs))], nil
}

func (r *Router) lookupAddr(hto wire.UID, hid string) (Addr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if addr, ok := r.midToAddr[hid]; ok {
		return addr, nil
	}
	if addr, ok := r.uidToAddr[hto]; ok {
		return addr, nil
	}
	return Addr{}, ErrUnknownDestination
}

// learnRoute records source as the upstream address for h.Hfrom, and
// (for requests) for h.Hid, used for both reply steering and loop
// suppression.
func (r *Router) learnRoute(h *wire.Headers, source Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.uidToAddr[h.Hfrom] = source
	if h.Htype == wire.HtypeReq {
		r.midToAddr[h.Hid] = source
	}
	for _, a := range r.addrs {
		if a == source {
			return
		}
	}
	r.addrs = append(r.addrs, source)
}
