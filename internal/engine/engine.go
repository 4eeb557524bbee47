// Package engine implements the protocol engine: the request/response
// taxonomy and anti-entropy logic from spec section 4.3, generalizing
// the teacher's Deliverable/Commit split
// (pkg/mcast/core/deliver.go) to litter's gen_pull/pull/gen_gap/gap/
// gen_push/push/get method set.
package engine

import (
	"github.com/google/uuid"

	"github.com/pstjuste/litter/internal/config"
	"github.com/pstjuste/litter/internal/logging"
	"github.com/pstjuste/litter/internal/store"
	"github.com/pstjuste/litter/pkg/wire"
)

// Storage is the subset of store.Store the engine depends on.
type Storage interface {
	PostRemote(p wire.Post) (wire.Post, error)
	PostLocal(msg string) (wire.Post, error)
	Get(uid *wire.UID, begin, until int64, limit int) ([]wire.Post, error)
	Pull(peerUID wire.UID, friends []wire.PullFriend) ([]wire.Post, error)
	Gap(peerUID wire.UID, gaps wire.GapFriends) ([]wire.Post, error)
	GenPull() ([]wire.PullFriend, error)
	GenGap() (wire.GapFriends, error)
}

// Engine holds the local store and builds protocol responses.
type Engine struct {
	self   wire.UID
	store  Storage
	reqTTL int
	repTTL int
	newID  func() string
	log    logging.Logger

	// OnDuplicate and OnGapServed are optional observability hooks,
	// wired to metrics counters by the node package; nil is fine.
	OnDuplicate func()
	OnGapServed func()

	// OnPosted is called after a local post is authored via the "post"
	// method, wired by the node package to enqueue an immediate
	// gen_push trigger rather than waiting for the next scheduled
	// anti-entropy tick; nil is fine.
	OnPosted func()
}

// New creates an Engine for the local identity self, backed by st.
func New(self wire.UID, st Storage, log logging.Logger) *Engine {
	return &Engine{
		self:   self,
		store:  st,
		reqTTL: config.DefaultReqTTL,
		repTTL: config.DefaultRepTTL,
		newID:  func() string { return uuid.NewString() },
		log:    log,
	}
}

// Process handles a single arrived (or self-triggered) envelope,
// ingesting any carried posts, dispatching on the effective method,
// and returning the response envelope to hand back to the router. A
// nil response means nothing needs to be sent back (e.g. an inbound
// push, which only needed its posts ingested).
func (e *Engine) Process(env wire.Envelope) (*wire.Envelope, error) {
	if err := e.ingest(env.Posts); err != nil {
		return nil, err
	}

	method := env.EffectiveMethod()
	switch method {
	case wire.MethodGenPull:
		return e.genPull()
	case wire.MethodPull:
		return e.pull(env)
	case wire.MethodGenGap:
		return e.genGap()
	case wire.MethodGap:
		return e.gap(env)
	case wire.MethodGenPush:
		return e.genPush()
	case wire.MethodPush:
		return nil, nil
	case wire.MethodGet:
		return e.get(env)
	case wire.MethodPost:
		return e.post(env)
	case "":
		// An envelope carrying only posts (no method) just needed ingestion.
		return nil, nil
	default:
		return nil, ErrUnknownMethod
	}
}

// ingest stores each carried post tuple, silently swallowing
// duplicate-hashid errors per spec's convergence semantics.
func (e *Engine) ingest(posts []wire.PostTuple) error {
	for _, t := range posts {
		p, err := wire.PostFromTuple(t[:])
		if err != nil {
			return err
		}
		if _, err := e.store.PostRemote(p); err != nil {
			if store.IsDuplicate(err) {
				if e.OnDuplicate != nil {
					e.OnDuplicate()
				}
				continue
			}
			return err
		}
	}
	return nil
}

// genPull builds and broadcasts this node's own FriendTime
// advertisement. The emitted envelope is tagged "pull", not
// "gen_pull": gen_pull is purely the local trigger name (fired by the
// scheduler), never a method a peer dispatches on — what peers receive
// and answer is the pull advertisement itself.
func (e *Engine) genPull() (*wire.Envelope, error) {
	friends, err := e.store.GenPull()
	if err != nil {
		return nil, err
	}
	env := &wire.Envelope{
		M: wire.MethodPull,
		Query: &wire.Query{
			M:       wire.MethodPull,
			UID:     e.self,
			Friends: wire.EncodePullFriends(friends),
		},
		Headers: e.requestHeaders(wire.HtoAll),
	}
	return env, nil
}

func (e *Engine) pull(env wire.Envelope) (*wire.Envelope, error) {
	peerUID, friends, err := e.queryPullFriends(env)
	if err != nil {
		return nil, err
	}
	posts, err := e.store.Pull(peerUID, friends)
	if err != nil {
		return nil, err
	}
	return e.reply(env, posts), nil
}

func (e *Engine) queryPullFriends(env wire.Envelope) (wire.UID, []wire.PullFriend, error) {
	if env.Query == nil {
		return e.replySource(env), nil, nil
	}
	friends, err := wire.DecodePullFriends(env.Query.Friends)
	if err != nil {
		return "", nil, err
	}
	peerUID := env.Query.UID
	if peerUID == "" {
		peerUID = e.replySource(env)
	}
	return peerUID, friends, nil
}

// genGap builds and broadcasts a description of this node's missing
// postid ranges, tagged "gap" for the same reason genPull tags its
// output "pull": gen_gap is a local trigger name only.
func (e *Engine) genGap() (*wire.Envelope, error) {
	gaps, err := e.store.GenGap()
	if err != nil {
		return nil, err
	}
	env := &wire.Envelope{
		M: wire.MethodGap,
		Query: &wire.Query{
			M:       wire.MethodGap,
			UID:     e.self,
			Friends: wire.EncodeGapFriends(gaps),
		},
		Headers: e.requestHeaders(wire.HtoAll),
	}
	return env, nil
}

func (e *Engine) gap(env wire.Envelope) (*wire.Envelope, error) {
	peerUID := e.replySource(env)
	var gaps wire.GapFriends
	var err error
	if env.Query != nil {
		if env.Query.UID != "" {
			peerUID = env.Query.UID
		}
		gaps, err = wire.DecodeGapFriends(env.Query.Friends)
		if err != nil {
			return nil, err
		}
	}
	posts, err := e.store.Gap(peerUID, gaps)
	if err != nil {
		return nil, err
	}
	if e.OnGapServed != nil {
		e.OnGapServed()
	}
	return e.reply(env, posts), nil
}

func (e *Engine) genPush() (*wire.Envelope, error) {
	self := e.self
	posts, err := e.store.Get(&self, 0, 0, 1)
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, nil
	}
	env := &wire.Envelope{
		M:       wire.MethodPush,
		Posts:   tuples(posts),
		Headers: e.requestHeaders(wire.HtoAll),
	}
	return env, nil
}

func (e *Engine) get(env wire.Envelope) (*wire.Envelope, error) {
	var uid *wire.UID
	begin, until, limit := int64(0), int64(0), 0
	if env.Query != nil {
		if env.Query.UID != "" {
			u := env.Query.UID
			uid = &u
		}
		begin, until, limit = env.Query.Begin, env.Query.Until, env.Query.Limit
	}
	posts, err := e.store.Get(uid, begin, until, limit)
	if err != nil {
		return nil, err
	}
	return &wire.Envelope{Posts: tuples(posts)}, nil
}

// PostLocal inserts a post authored by this node. It does not fire
// OnPosted; the "post" method below does.
func (e *Engine) PostLocal(msg string) (wire.Post, error) {
	return e.store.PostLocal(msg)
}

// post handles the HTTP-only "post" method (client.py's kwargs['m'] =
// 'post'): author a local post and hand it straight back, with no
// headers, since this reply never travels the multicast fabric itself.
// OnPosted fires a gen_push trigger so the new post is broadcast right
// away instead of waiting for the next scheduled anti-entropy tick.
func (e *Engine) post(env wire.Envelope) (*wire.Envelope, error) {
	msg := ""
	if env.Query != nil {
		msg = env.Query.Msg
	}
	p, err := e.store.PostLocal(msg)
	if err != nil {
		return nil, err
	}
	if e.OnPosted != nil {
		e.OnPosted()
	}
	return &wire.Envelope{Posts: []wire.PostTuple{p.ToTuple()}}, nil
}

func (e *Engine) reply(in wire.Envelope, posts []wire.Post) *wire.Envelope {
	return &wire.Envelope{
		Posts:   tuples(posts),
		Headers: e.replyHeaders(in.Headers),
	}
}

// replySource returns the uid to address a reply's FriendTime
// bookkeeping to: the incoming headers' hfrom, if present.
func (e *Engine) replySource(in wire.Envelope) wire.UID {
	if in.Headers != nil {
		return in.Headers.Hfrom
	}
	return ""
}

func (e *Engine) requestHeaders(hto string) *wire.Headers {
	return &wire.Headers{
		Hto:   hto,
		Hfrom: e.self,
		Hid:   e.newID(),
		Htype: wire.HtypeReq,
		Httl:  e.reqTTL,
	}
}

func (e *Engine) replyHeaders(in *wire.Headers) *wire.Headers {
	hto := wire.HtoAny
	hid := e.newID()
	if in != nil {
		if in.Hfrom != "" {
			hto = string(in.Hfrom)
		}
		hid = in.Hid
	}
	return &wire.Headers{
		Hto:   hto,
		Hfrom: e.self,
		Hid:   hid,
		Htype: wire.HtypeRep,
		Httl:  e.repTTL,
	}
}

func tuples(posts []wire.Post) []wire.PostTuple {
	out := make([]wire.PostTuple, len(posts))
	for i, p := range posts {
		out[i] = p.ToTuple()
	}
	return out
}
