// Package arena implements the flat-buffer byte layout shared by all
// batched request and response payloads.
//
// An Arena is an append-only byte buffer scoped to a single
// request/response pair. A Slice is a half-open (begin, end) offset pair
// into that buffer. Zero-length slices mean "absent or empty" - there is
// no separate null marker. Slices may alias overlapping or identical
// ranges; the Builder exploits this to deduplicate repeated values.
//
// Every slice delivered alongside an arena must be validated against the
// arena's bounds before any domain logic touches it. A slice whose bounds
// exceed the arena is a protocol violation, not a recoverable condition.
package arena

import "fmt"

// Slice is a half-open byte range [Begin, End) into an Arena.
// A zero-length slice (Begin == End) represents an absent or empty value.
type Slice struct {
	Begin uint32 `json:"begin"`
	End   uint32 `json:"end"`
}

// IsEmpty reports whether the slice addresses zero bytes.
func (s Slice) IsEmpty() bool {
	return s.Begin == s.End
}

// Len returns the number of bytes the slice addresses.
// Returns 0 for inverted slices; Check catches those separately.
func (s Slice) Len() int {
	if s.End < s.Begin {
		return 0
	}
	return int(s.End - s.Begin)
}

// Arena is an append-only byte buffer backing variable-length payloads.
type Arena []byte

// Check validates that the slice lies within the arena's bounds.
// It must be called before Bytes for any slice received off the wire.
func (a Arena) Check(s Slice) error {
	if s.End < s.Begin {
		return fmt.Errorf("%w: inverted slice [%d, %d)", ErrBadSlice, s.Begin, s.End)
	}
	if int(s.End) > len(a) {
		return fmt.Errorf("%w: slice [%d, %d) exceeds arena length %d",
			ErrBadSlice, s.Begin, s.End, len(a))
	}
	return nil
}

// CheckAll validates every slice in order, returning the index of the
// first violation wrapped into the error.
func (a Arena) CheckAll(slices []Slice) error {
	for i, s := range slices {
		if err := a.Check(s); err != nil {
			return fmt.Errorf("slice %d: %w", i, err)
		}
	}
	return nil
}

// Bytes returns the byte range the slice addresses, without copying.
// The caller must have validated the slice via Check or CheckAll first;
// Bytes panics on out-of-bounds slices rather than corrupting reads.
func (a Arena) Bytes(s Slice) []byte {
	return a[s.Begin:s.End]
}

// Add appends b to the arena and returns the slice addressing it.
func (a *Arena) Add(b []byte) Slice {
	begin := uint32(len(*a))
	*a = append(*a, b...)
	return Slice{Begin: begin, End: uint32(len(*a))}
}
