// Package node wires the store, router, engine, transports, and
// scheduler into the running gossip node described in spec section 5:
// a single ingress queue feeding one worker goroutine that owns the
// store and router, with UDP and HTTP acceptors feeding it and a
// response emitter pacing outbound posts. Grounded on
// pkg/mcast/core/peer.go's Peer (context+cancel lifecycle, channel-fed
// worker loop) generalized from consensus delivery to anti-entropy
// gossip.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pstjuste/litter/internal/config"
	"github.com/pstjuste/litter/internal/engine"
	"github.com/pstjuste/litter/internal/logging"
	"github.com/pstjuste/litter/internal/metrics"
	"github.com/pstjuste/litter/internal/router"
	"github.com/pstjuste/litter/internal/scheduler"
	"github.com/pstjuste/litter/internal/store"
	"github.com/pstjuste/litter/internal/transport"
	"github.com/pstjuste/litter/internal/transport/httpnet"
	"github.com/pstjuste/litter/internal/transport/udpnet"
	"github.com/pstjuste/litter/pkg/wire"

	"github.com/prometheus/client_golang/prometheus"
)

const ingressBuffer = 256

// errorReporter is implemented by senders that can carry an
// out-of-band failure back to their caller (today, only the HTTP
// acceptor's sender; UDP has no such channel and the error is only
// logged). Mirrors original_source/litter.py's
// "if isinstance(sender, HTTPSender): sender.send_error(ex)" branch.
type errorReporter interface {
	ReplyError(err error)
}

// udpTransport is the subset of *udpnet.Transport the worker depends
// on, kept as an interface so the dispatch logic can be exercised
// without binding a real multicast socket.
type udpTransport interface {
	router.Broadcaster
	Listen(ctx context.Context, out chan<- transport.Inbound)
	Close() error
	WakeListener() error
	LocalIPs() []string
}

// Node owns every long-lived component of one running litter instance.
type Node struct {
	cfg *config.Config
	log logging.Logger

	store  *store.Store
	router *router.Router
	engine *engine.Engine
	mx     *metrics.Collector

	udp  udpTransport
	http *httpnet.Transport
	sch  *scheduler.Scheduler

	ingress chan transport.Inbound

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a Node from cfg but does not yet start any goroutine
// or network listener; call Run for that.
func New(cfg *config.Config, log logging.Logger, reg *prometheus.Registry) (*Node, error) {
	self := wire.UID(cfg.Self)

	dbPath := filepath.Join(cfg.DataDir, cfg.Self+".db")
	st, err := store.Open(self, dbPath, cfg.GetLimit, log.WithField("component", "store"), nowUnix)
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	udpTransport, err := udpnet.New(cfg.MulticastAddr, cfg.MulticastPort, cfg.Interfaces, log.WithField("component", "udpnet"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("node: open udp transport: %w", err)
	}

	rt := router.New(self, udpTransport.LocalIPs(), log.WithField("component", "router"))
	eng := engine.New(self, st, log.WithField("component", "engine"))
	mx := metrics.New(reg)
	eng.OnDuplicate = mx.DuplicatesSwallowed.Inc
	eng.OnGapServed = mx.GapsServed.Inc

	ingress := make(chan transport.Inbound, ingressBuffer)

	httpTransport := httpnet.New(
		fmt.Sprintf(":%d", cfg.HTTPPort),
		ingress,
		config.HTTPReplyTimeout,
		log.WithField("component", "httpnet"),
	)

	sch := scheduler.New(cfg.SchedulerPeriod, ingress, log.WithField("component", "scheduler"))

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		cfg:     cfg,
		log:     log,
		store:   st,
		router:  rt,
		engine:  eng,
		mx:      mx,
		udp:     udpTransport,
		http:    httpTransport,
		sch:     sch,
		ingress: ingress,
		ctx:     ctx,
		cancel:  cancel,
	}
	eng.OnPosted = n.triggerGenPush
	return n, nil
}

func nowUnix() int64 { return time.Now().Unix() }

// Run starts every background goroutine: the UDP listener, the HTTP
// acceptor, the scheduler, and the single worker that drains the
// ingress queue. It returns once all of them have been launched;
// Stop() blocks until they have all exited.
func (n *Node) Run() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.udp.Listen(n.ctx, n.ingress)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.http.ListenAndServe(); err != nil {
			n.log.Errorf("node: http server: %v", err)
		}
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.sch.Run(n.ctx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.worker()
	}()
}

// Stop cancels every background goroutine and blocks until they have
// all exited, then closes the store. The UDP listener and HTTP server
// need a nudge past their blocking reads: WakeListener sends the empty
// datagram that ends the UDP read loop, and http.Server.Shutdown stops
// the HTTP acceptor.
func (n *Node) Stop() error {
	n.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.http.Shutdown(shutdownCtx); err != nil {
		n.log.Warnf("node: http shutdown: %v", err)
	}
	if err := n.udp.WakeListener(); err != nil {
		n.log.Warnf("node: wake udp listener: %v", err)
	}

	n.wg.Wait()
	return n.store.Close()
}

// worker drains the ingress queue, routing and processing one envelope
// at a time. A single worker owns both the store and the router,
// keeping their state machines free of locking by construction, the
// same trade the original made with its single WorkerThread.
func (n *Node) worker() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case in, ok := <-n.ingress:
			if !ok {
				return
			}
			n.handle(in)
		}
	}
}

func (n *Node) handle(in transport.Inbound) {
	env, err := wire.Decode(in.Payload)
	if err != nil {
		n.log.Warnf("node: decode envelope: %v", err)
		n.reportError(in.Sender, err)
		return
	}

	var source *router.Addr
	if in.Sender != nil {
		if addr, ok := in.Sender.Addr(); ok {
			source = &addr
		}
	}

	if !n.router.ShouldProcess(n.ctx, n.udp, &env, source) {
		n.mx.EnvelopesDropped.Inc()
		return
	}

	resp, err := n.engine.Process(env)
	if err != nil {
		n.log.Warnf("node: process %s: %v", env.EffectiveMethod(), err)
		n.mx.StoreErrors.WithLabelValues(storeErrKind(err)).Inc()
		n.reportError(in.Sender, err)
		return
	}
	if len(env.Posts) > 0 {
		n.mx.PostsStored.Add(float64(len(env.Posts)))
	}
	if resp == nil {
		return
	}

	n.emit(in.Sender, *resp)
}

// emit delivers a response produced locally by the engine: HTTP
// senders get one batched reply written straight back; everyone else
// gets the reply fanned out through the router, with multi-post
// replies split into individually-paced datagrams per spec section 5's
// response emitter ("writes outbound posts one by one with a small
// inter-packet delay... for HTTP replies, posts are batched").
func (n *Node) emit(sender transport.Sender, resp wire.Envelope) {
	if sender != nil && sender.IsHTTP() {
		data, err := resp.Encode()
		if err != nil {
			n.log.Warnf("node: encode http reply: %v", err)
			return
		}
		if err := sender.ReplyDirect(n.ctx, data); err != nil {
			n.log.Warnf("node: reply http sender: %v", err)
		}
		return
	}

	var source *router.Addr
	if sender != nil {
		if addr, ok := sender.Addr(); ok {
			source = &addr
		}
	}

	if len(resp.Posts) <= 1 {
		n.send(resp, source)
		return
	}
	for _, t := range resp.Posts {
		chunk := resp
		chunk.Posts = []wire.PostTuple{t}
		if resp.Headers != nil {
			h := *resp.Headers
			chunk.Headers = &h
		}
		n.send(chunk, source)
		time.Sleep(config.ResponsePaceDelay)
	}
}

func (n *Node) send(env wire.Envelope, source *router.Addr) {
	if err := n.router.Send(n.ctx, n.udp, &env, source); err != nil {
		n.log.Warnf("node: send response: %v", err)
		n.mx.RouterErrors.WithLabelValues(routerErrKind(err)).Inc()
		return
	}
	n.mx.EnvelopesForwarded.Inc()
}

// triggerGenPush enqueues a self-triggered gen_push envelope, the same
// way the scheduler enqueues gen_pull/gen_gap, so a freshly authored
// local post is broadcast immediately instead of waiting for the next
// scheduled anti-entropy tick.
func (n *Node) triggerGenPush() {
	env := wire.Envelope{M: wire.MethodGenPush}
	payload, err := env.Encode()
	if err != nil {
		n.log.Warnf("node: encode gen_push trigger: %v", err)
		return
	}
	select {
	case n.ingress <- transport.Inbound{Payload: payload, Sender: nil}:
	case <-n.ctx.Done():
	}
}

func (n *Node) reportError(sender transport.Sender, err error) {
	if sender == nil {
		return
	}
	if er, ok := sender.(errorReporter); ok {
		er.ReplyError(err)
	}
}

func storeErrKind(err error) string {
	var se *store.Error
	if !errors.As(err, &se) {
		return "unknown"
	}
	switch se.Kind {
	case store.Duplicate:
		return "duplicate"
	case store.Oversize:
		return "oversize"
	case store.BadPostID:
		return "bad_postid"
	case store.HashMismatch:
		return "hash_mismatch"
	default:
		return "integrity"
	}
}

func routerErrKind(err error) string {
	switch {
	case errors.Is(err, router.ErrEmptyTable):
		return "empty_table"
	case errors.Is(err, router.ErrUnknownDestination):
		return "unknown_destination"
	default:
		return "unknown"
	}
}

// EnsureDataDir creates the configured data directory if it doesn't
// already exist, so Store.Open's sqlite file can be created under it.
func EnsureDataDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
