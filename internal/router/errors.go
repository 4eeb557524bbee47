package router

import "errors"

// ErrEmptyTable is returned when an "any" request has no known peers
// to choose a next hop from.
var ErrEmptyTable = errors.New("router: empty routing table")

// ErrUnknownDestination is returned when a directed reply's hto/hid
// cannot be resolved to a learned address.
var ErrUnknownDestination = errors.New("router: unknown destination")

// Error wraps the two router failure modes from spec section 7. These
// are never fatal: callers log and drop the forward, but local
// processing may still proceed.
type Error struct {
	Err error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }
