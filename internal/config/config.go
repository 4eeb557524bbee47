// Package config holds the flat configuration struct assembled from
// CLI flags, following the struct-with-defaults style used across the
// example corpus's service entrypoints.
package config

import "time"

const (
	// DefaultMulticastAddr is the multicast group litter nodes join.
	DefaultMulticastAddr = "239.192.1.100"
	// DefaultMulticastPort is the UDP port for the multicast group.
	DefaultMulticastPort = 50000
	// DefaultHTTPPort is the collaborator HTTP surface's default port.
	DefaultHTTPPort = 8080
	// DefaultSchedulerPeriod is how often gen_pull/gen_gap fire.
	DefaultSchedulerPeriod = 60 * time.Second
	// DefaultGetLimit is the default row cap for Store.Get.
	DefaultGetLimit = 10
	// MaxMessageLen is the maximum code point length of a post's msg.
	MaxMessageLen = 140
	// DefaultReqTTL is httl for gen_* requests.
	DefaultReqTTL = 2
	// DefaultRepTTL is httl for replies.
	DefaultRepTTL = 4
	// ResponsePaceDelay is the inter-packet delay used by the response
	// emitter when writing posts one at a time over UDP.
	ResponsePaceDelay = 100 * time.Millisecond
	// HTTPReplyTimeout bounds how long the HTTP acceptor waits for the
	// worker's response before failing with 500.
	HTTPReplyTimeout = 2 * time.Second
)

// Config is the node's runtime configuration, built from CLI flags.
type Config struct {
	// Self is this node's uid, defaults to the host name.
	Self string

	// Interfaces are the network interface names to bind/join on.
	Interfaces []string

	// HTTPPort is the HTTP collaborator's listen port.
	HTTPPort int

	// MulticastAddr/MulticastPort select the multicast group.
	MulticastAddr string
	MulticastPort int

	// SchedulerPeriod controls gen_pull/gen_gap cadence.
	SchedulerPeriod time.Duration

	// GetLimit is the default row cap honored by Store.Get.
	GetLimit int

	// DataDir is where the per-identity sqlite database file lives.
	DataDir string

	// Debug toggles debug-level logging.
	Debug bool
}

// Default returns a Config with every field at its documented default,
// except Self and Interfaces which the caller must still fill in.
func Default() *Config {
	return &Config{
		HTTPPort:        DefaultHTTPPort,
		MulticastAddr:   DefaultMulticastAddr,
		MulticastPort:   DefaultMulticastPort,
		SchedulerPeriod: DefaultSchedulerPeriod,
		GetLimit:        DefaultGetLimit,
		DataDir:         ".",
	}
}
