// Package scheduler periodically injects gen_pull/gen_gap envelopes
// into the node's ingress pipeline to drive anti-entropy, grounded on
// original_source/litter.py's main-loop MulticastServer.discover poke
// (the original's timer-driven push of gen_pull requests onto the
// worker queue), generalized to a single time.Ticker.
package scheduler

import (
	"context"
	"time"

	"github.com/pstjuste/litter/internal/logging"
	"github.com/pstjuste/litter/internal/transport"
	"github.com/pstjuste/litter/pkg/wire"
)

// Scheduler ticks every Period, enqueuing both a gen_pull and a gen_gap
// envelope with no originating sender.
type Scheduler struct {
	Period  time.Duration
	Ingress chan<- transport.Inbound
	log     logging.Logger
}

// New builds a Scheduler that enqueues onto ingress every period.
func New(period time.Duration, ingress chan<- transport.Inbound, log logging.Logger) *Scheduler {
	return &Scheduler{Period: period, Ingress: ingress, log: log}
}

// Run blocks ticking until ctx is canceled, firing both a gen_pull and
// a gen_gap trigger every period, matching original_source/litter.py's
// main loop (queue.put(pull_data); queue.put(gap_data); sleep(period)).
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.trigger(ctx, wire.MethodGenPull)
			s.trigger(ctx, wire.MethodGenGap)
		}
	}
}

// trigger enqueues a self-triggered envelope naming method, with no
// Sender: the engine dispatches purely on EffectiveMethod, and the
// router treats a nil source as never-our-own-echo.
func (s *Scheduler) trigger(ctx context.Context, method string) {
	env := wire.Envelope{M: method}
	payload, err := env.Encode()
	if err != nil {
		s.log.Warnf("scheduler: encode %s: %v", method, err)
		return
	}
	select {
	case s.Ingress <- transport.Inbound{Payload: payload, Sender: nil}:
	case <-ctx.Done():
	}
}
