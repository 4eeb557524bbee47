// Package metrics exposes the node's Prometheus counters, supplementing
// the original implementation's bare print/logging statements with the
// corpus's dominant observability stack.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector bundles every counter the node increments while
// processing envelopes.
type Collector struct {
	PostsStored       prometheus.Counter
	DuplicatesSwallowed prometheus.Counter
	GapsServed        prometheus.Counter
	EnvelopesForwarded prometheus.Counter
	EnvelopesDropped  prometheus.Counter
	StoreErrors       *prometheus.CounterVec
	RouterErrors      *prometheus.CounterVec
}

// New creates a Collector and registers its metrics with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		PostsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "litter_posts_stored_total",
			Help: "Posts accepted into the local store, own and remote.",
		}),
		DuplicatesSwallowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "litter_duplicates_swallowed_total",
			Help: "Post inserts rejected as duplicate hashid and swallowed.",
		}),
		GapsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "litter_gaps_served_total",
			Help: "Gap windows served in response to inbound gap requests.",
		}),
		EnvelopesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "litter_envelopes_forwarded_total",
			Help: "Envelopes forwarded one hop by the router.",
		}),
		EnvelopesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "litter_envelopes_dropped_total",
			Help: "Envelopes dropped by the router: own multicast echoes and duplicate requests.",
		}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "litter_store_errors_total",
			Help: "Store errors by kind, excluding swallowed duplicates.",
		}, []string{"kind"}),
		RouterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "litter_router_errors_total",
			Help: "Router errors by kind: empty_table, unknown_destination.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		c.PostsStored,
		c.DuplicatesSwallowed,
		c.GapsServed,
		c.EnvelopesForwarded,
		c.EnvelopesDropped,
		c.StoreErrors,
		c.RouterErrors,
	)
	return c
}
