package arena

// Builder accumulates values into an arena and emits their slices in
// insertion order. Identical values are deduplicated: the second Add of
// equal bytes returns a slice aliasing the first occurrence's range.
//
// Builder is not safe for concurrent use. Each request/response pair gets
// its own Builder.
type Builder struct {
	arena Arena
	seen  map[string]Slice
}

// NewBuilder returns a Builder with an empty arena.
func NewBuilder() *Builder {
	return &Builder{seen: make(map[string]Slice)}
}

// Add appends value to the arena, or aliases a previously added equal
// value, and returns its slice.
func (b *Builder) Add(value []byte) Slice {
	if len(value) == 0 {
		return Slice{}
	}
	if s, ok := b.seen[string(value)]; ok {
		return s
	}
	s := b.arena.Add(value)
	b.seen[string(value)] = s
	return s
}

// Arena returns the accumulated arena. The Builder must not be reused
// for a different message after Arena is taken.
func (b *Builder) Arena() Arena {
	return b.arena
}
