// Package transport defines the small capability shared by every
// concrete transport adapter: something that carried a payload into
// the node and that a reply can be written back through. This is the
// "duck-typed Sender base class" design note from spec section 9,
// realized as a capability interface instead of inheritance.
package transport

import (
	"context"

	"github.com/pstjuste/litter/internal/router"
)

// Sender is implemented by both the UDP and HTTP transport adapters.
type Sender interface {
	// Addr returns the remote address to learn a route from, if any.
	// HTTP senders return their client address; UDP senders their
	// datagram source. ok is false when no address applies (e.g. an
	// HTTP client address that could not be parsed).
	Addr() (router.Addr, bool)

	// IsHTTP distinguishes the synchronous HTTP collaborator channel
	// from an async UDP peer, since the two are replied to differently
	// (spec section 5: HTTP replies are batched and written at once;
	// UDP replies are paced one post at a time).
	IsHTTP() bool

	// ReplyDirect writes data straight back to this sender, bypassing
	// the router. Used for synchronous HTTP replies.
	ReplyDirect(ctx context.Context, data []byte) error
}

// Inbound pairs a received payload with the sender it arrived on,
// exactly the (data, sender) tuple the original queued.
type Inbound struct {
	Payload []byte
	Sender  Sender
}
