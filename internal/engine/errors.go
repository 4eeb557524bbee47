package engine

import "errors"

// ErrUnknownMethod is returned when an envelope's effective method
// doesn't match any entry in the taxonomy from spec section 4.3.
var ErrUnknownMethod = errors.New("engine: unknown method")
