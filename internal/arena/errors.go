package arena

import "errors"

// ErrBadSlice indicates a slice whose bounds do not fit its arena.
// This is a protocol violation: the message must be rejected before any
// domain processing and must not alter destination state.
var ErrBadSlice = errors.New("slice out of arena bounds")
