package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const target = `table: orders_mat`

func TestRegistry_StartAndGet(t *testing.T) {
	r := NewRegistry(NewFixedGenerator("h-1"))

	s, err := r.Start("sqlite:///tmp/dest.db", target, "caller-1")
	require.NoError(t, err)
	assert.Equal(t, "h-1", s.Handle)
	assert.Equal(t, "caller-1", s.CallerID)
	assert.Equal(t, "orders_mat", s.Resource.Table)

	got, err := r.Get("h-1")
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestRegistry_Get_UnknownHandle(t *testing.T) {
	r := NewRegistry(UUIDv7Generator{})

	_, err := r.Get("never-issued")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestRegistry_Start_RejectsBadInputs(t *testing.T) {
	r := NewRegistry(UUIDv7Generator{})

	_, err := r.Start("ep", target, "")
	require.Error(t, err, "empty caller identity")

	_, err = r.Start("ep", `delta_updates: true`, "caller-1")
	require.Error(t, err, "resource spec without table")
}

func TestRegistry_ConcurrentSessionsSameTarget(t *testing.T) {
	// Many sessions for the same (endpoint, target) are expected;
	// the registry never arbitrates writers.
	r := NewRegistry(UUIDv7Generator{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.Start("ep", target, fmt.Sprintf("caller-%d", i%4))
			assert.NoError(t, err)
			_, err = r.Get(s.Handle)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, r.Len())
}

func TestRegistry_Drop(t *testing.T) {
	r := NewRegistry(NewFixedGenerator("h-1"))
	s, err := r.Start("ep", target, "caller-1")
	require.NoError(t, err)

	r.Drop(s.Handle)
	_, err = r.Get(s.Handle)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestSession_FenceEpoch(t *testing.T) {
	s := &Session{}
	assert.Equal(t, int64(0), s.FenceEpoch(), "never fenced")

	s.SetFenceEpoch(3)
	assert.Equal(t, int64(3), s.FenceEpoch())
}

func TestSession_AlwaysEmptyHintDiscipline(t *testing.T) {
	r := NewRegistry(NewFixedGenerator("h-1", "h-2"))

	std, err := r.Start("ep", `table: t`, "c")
	require.NoError(t, err)
	assert.False(t, std.MayClaimAlwaysEmpty(), "standard resources never claim the hint")

	delta, err := r.Start("ep", "table: t\ndelta_updates: true", "c")
	require.NoError(t, err)
	assert.True(t, delta.MayClaimAlwaysEmpty())

	// Once a non-empty Load happened, the hint is off for good.
	delta.NoteLoaded()
	assert.False(t, delta.MayClaimAlwaysEmpty())
}

func TestFixedGenerator_PanicsWhenExhausted(t *testing.T) {
	g := NewFixedGenerator("only-one")
	assert.Equal(t, "only-one", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}

func TestUUIDv7Generator_UniqueHandles(t *testing.T) {
	g := UUIDv7Generator{}
	a, b := g.Generate(), g.Generate()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}
