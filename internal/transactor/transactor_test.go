package transactor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/weft/internal/apply"
	"github.com/roach88/weft/internal/arena"
	"github.com/roach88/weft/internal/fence"
	"github.com/roach88/weft/internal/schema"
	"github.com/roach88/weft/internal/session"
	"github.com/roach88/weft/internal/store"
	"github.com/roach88/weft/internal/tuple"
)

// fixture wires a destination store, an applied orders table, a session
// registry, and a fencer - the collaborators every transactor test needs.
type fixture struct {
	store    *store.Store
	registry *session.Registry
	fencer   *fence.Fencer
	tr       *Transactor
}

const ordersDoc = `
name: acme/orders
keys: [order_id]
projections:
  - field: order_id
    type: string
    ptr: /order_id
  - field: total
    type: number
    ptr: /total
`

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "dest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	c, err := schema.ParseCollection([]byte(ordersDoc))
	require.NoError(t, err)
	_, err = apply.New(s).Apply(context.Background(), "orders_mat", c, []string{"order_id", "total"}, false)
	require.NoError(t, err)

	return &fixture{
		store:    s,
		registry: session.NewRegistry(session.UUIDv7Generator{}),
		fencer:   fence.New(s),
		tr:       New(s),
	}
}

// fencedSession starts a session for callerID and establishes its fence.
func (f *fixture) fencedSession(t *testing.T, callerID string) *session.Session {
	t.Helper()
	sess, err := f.registry.Start("ep", `table: orders_mat`, callerID)
	require.NoError(t, err)
	fc, err := f.fencer.Establish(context.Background(), "orders_mat", callerID)
	require.NoError(t, err)
	sess.SetFenceEpoch(fc.Epoch)
	return sess
}

// storeOne runs a full single-document Store stream and returns the
// commit error, if any.
func (f *fixture) storeOne(t *testing.T, sess *session.Session, orderID string, total float64, doc string, exists bool, checkpoint string) error {
	t.Helper()
	ctx := context.Background()

	stream, err := f.tr.BeginStore(ctx, sess, Start{
		KeyFields:      []string{"order_id"},
		ValueFields:    []string{"total"},
		FlowCheckpoint: []byte(checkpoint),
	})
	require.NoError(t, err)

	var a arena.Arena
	chunk := Continue{
		Keys:   []arena.Slice{a.Add(tuple.MustPack(orderID))},
		Values: []arena.Slice{a.Add(tuple.MustPack(total))},
		Docs:   []arena.Slice{a.Add([]byte(doc))},
		Exists: []bool{exists},
	}
	chunk.Arena = a
	require.NoError(t, stream.Continue(ctx, chunk))

	_, err = stream.Commit(ctx)
	if err != nil {
		stream.Abort()
	}
	return err
}

// loadOne loads a single key and returns the document bytes.
func (f *fixture) loadOne(t *testing.T, sess *session.Session, orderID string) []byte {
	t.Helper()
	var a arena.Arena
	key := a.Add(tuple.MustPack(orderID))
	resp, err := f.tr.Load(context.Background(), sess, LoadRequest{Arena: a, Keys: []arena.Slice{key}})
	require.NoError(t, err)
	require.Len(t, resp.Docs, 1)
	return resp.Arena.Bytes(resp.Docs[0])
}

func TestLoad_MissingKeysAreEmpty(t *testing.T) {
	f := newFixture(t)
	sess := f.fencedSession(t, "c1")

	doc := f.loadOne(t, sess, "never-stored")
	assert.Empty(t, doc, "missing key maps to an explicit empty result")
}

func TestLoad_BoundsViolationRejectedFirst(t *testing.T) {
	f := newFixture(t)
	sess := f.fencedSession(t, "c1")

	req := LoadRequest{
		Arena: arena.Arena([]byte("ab")),
		Keys:  []arena.Slice{{Begin: 0, End: 99}},
	}
	_, err := f.tr.Load(context.Background(), sess, req)
	require.Error(t, err)
	assert.True(t, IsProtocolError(err))
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeInvalidSlice, pe.Code)
}

func TestLoad_OrderedOneToOne(t *testing.T) {
	f := newFixture(t)
	sess := f.fencedSession(t, "c1")

	require.NoError(t, f.storeOne(t, sess, "ord-1", 10, `{"order_id":"ord-1"}`, false, "ck-1"))
	require.NoError(t, f.storeOne(t, sess, "ord-3", 30, `{"order_id":"ord-3"}`, false, "ck-2"))

	var a arena.Arena
	keys := []arena.Slice{
		a.Add(tuple.MustPack("ord-3")),
		a.Add(tuple.MustPack("ord-2")), // missing
		a.Add(tuple.MustPack("ord-1")),
	}
	resp, err := f.tr.Load(context.Background(), sess, LoadRequest{Arena: a, Keys: keys})
	require.NoError(t, err)
	require.Len(t, resp.Docs, 3)
	assert.Equal(t, `{"order_id":"ord-3"}`, string(resp.Arena.Bytes(resp.Docs[0])))
	assert.True(t, resp.Docs[1].IsEmpty())
	assert.Equal(t, `{"order_id":"ord-1"}`, string(resp.Arena.Bytes(resp.Docs[2])))
	assert.False(t, resp.AlwaysEmpty)
}

func TestLoad_IdempotentWithoutInterveningStore(t *testing.T) {
	f := newFixture(t)
	sess := f.fencedSession(t, "c1")
	require.NoError(t, f.storeOne(t, sess, "ord-1", 10, `{"v":1}`, false, "ck-1"))

	first := f.loadOne(t, sess, "ord-1")
	second := f.loadOne(t, sess, "ord-1")
	assert.Equal(t, first, second)
}

func TestStore_ExistsFlagInsertThenUpdate(t *testing.T) {
	f := newFixture(t)
	sess := f.fencedSession(t, "c1")

	require.NoError(t, f.storeOne(t, sess, "ord-1", 10, `{"v":1}`, false, "ck-1"))
	assert.Equal(t, `{"v":1}`, string(f.loadOne(t, sess, "ord-1")),
		"stored with exists=false, load returns the document")

	// Same key with exists=true is accepted; no exists precondition error.
	require.NoError(t, f.storeOne(t, sess, "ord-1", 20, `{"v":2}`, true, "ck-2"))
	assert.Equal(t, `{"v":2}`, string(f.loadOne(t, sess, "ord-1")))
}

func TestStore_StaleExistsFlagUpserts(t *testing.T) {
	// A caller whose exists flags lag behind destination state must not
	// trip the primary key; the insert path is an upsert.
	f := newFixture(t)
	sess := f.fencedSession(t, "c1")
	ctx := context.Background()

	require.NoError(t, f.storeOne(t, sess, "ord-dup", 10, `{"v":"old"}`, false, "ck-1"))

	stream, err := f.tr.BeginStore(ctx, sess, Start{
		KeyFields:      []string{"order_id"},
		ValueFields:    []string{"total"},
		FlowCheckpoint: []byte("ck-2"),
	})
	require.NoError(t, err)

	var a arena.Arena
	chunk := Continue{
		Keys: []arena.Slice{
			a.Add(tuple.MustPack("ord-new")),
			a.Add(tuple.MustPack("ord-dup")),
		},
		Values: []arena.Slice{
			a.Add(tuple.MustPack(1.0)),
			a.Add(tuple.MustPack(2.0)),
		},
		Docs: []arena.Slice{
			a.Add([]byte(`{"v":"new"}`)),
			a.Add([]byte(`{"v":"dup2"}`)),
		},
		Exists: []bool{false, false},
	}
	chunk.Arena = a
	require.NoError(t, stream.Continue(ctx, chunk))
	_, err = stream.Commit(ctx)
	require.NoError(t, err)

	assert.Equal(t, `{"v":"new"}`, string(f.loadOne(t, sess, "ord-new")))
	assert.Equal(t, `{"v":"dup2"}`, string(f.loadOne(t, sess, "ord-dup")))
}

func TestStore_FailedChunkLeavesNothingVisible(t *testing.T) {
	// A chunk whose later document fails to stage must not let an
	// earlier document of the same chunk reach the destination: the
	// failure poisons the stream and Commit is rejected.
	f := newFixture(t)
	sess := f.fencedSession(t, "c1")
	ctx := context.Background()

	stream, err := f.tr.BeginStore(ctx, sess, Start{
		KeyFields:      []string{"order_id"},
		ValueFields:    []string{"total"},
		FlowCheckpoint: []byte("ck-partial"),
	})
	require.NoError(t, err)

	var a arena.Arena
	chunk := Continue{
		Keys: []arena.Slice{
			a.Add(tuple.MustPack("ord-a")),
			a.Add(tuple.MustPack("ord-b")),
		},
		Values: []arena.Slice{
			a.Add(tuple.MustPack(1.0)),
			a.Add(tuple.MustPack(2.0, 3.0)), // wrong arity
		},
		Docs: []arena.Slice{
			a.Add([]byte(`{"v":"a"}`)),
			a.Add([]byte(`{"v":"b"}`)),
		},
		Exists: []bool{false, false},
	}
	chunk.Arena = a
	err = stream.Continue(ctx, chunk)
	require.Error(t, err)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeCountMismatch, pe.Code)

	_, err = stream.Commit(ctx)
	require.Error(t, err)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeStreamClosed, pe.Code)

	assert.Empty(t, f.loadOne(t, sess, "ord-a"), "first document of the failed chunk must not land")
	fc, err := f.fencer.Read(ctx, "orders_mat", "c1")
	require.NoError(t, err)
	assert.Empty(t, fc.Checkpoint, "checkpoint of the failed stream must not land")
}

func TestStore_RequiresFence(t *testing.T) {
	f := newFixture(t)
	sess, err := f.registry.Start("ep", `table: orders_mat`, "c1")
	require.NoError(t, err)

	_, err = f.tr.BeginStore(context.Background(), sess, Start{KeyFields: []string{"order_id"}})
	require.Error(t, err)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeFenceRequired, pe.Code)
}

func TestStore_FieldMismatchRejectedAtStart(t *testing.T) {
	f := newFixture(t)
	sess := f.fencedSession(t, "c1")

	_, err := f.tr.BeginStore(context.Background(), sess, Start{
		KeyFields:   []string{"order_id"},
		ValueFields: []string{"unapplied_field"},
	})
	require.Error(t, err)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeFieldMismatch, pe.Code)
}

func TestStore_ChunkCountMismatch(t *testing.T) {
	f := newFixture(t)
	sess := f.fencedSession(t, "c1")
	ctx := context.Background()

	stream, err := f.tr.BeginStore(ctx, sess, Start{
		KeyFields: []string{"order_id"}, ValueFields: []string{"total"},
	})
	require.NoError(t, err)
	defer stream.Abort()

	var a arena.Arena
	err = stream.Continue(ctx, Continue{
		Arena:  a,
		Keys:   []arena.Slice{{}},
		Values: []arena.Slice{},
		Docs:   []arena.Slice{{}},
		Exists: []bool{false},
	})
	require.Error(t, err)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeCountMismatch, pe.Code)
}

func TestStore_ContinueAfterCommitRejected(t *testing.T) {
	f := newFixture(t)
	sess := f.fencedSession(t, "c1")
	ctx := context.Background()

	stream, err := f.tr.BeginStore(ctx, sess, Start{
		KeyFields: []string{"order_id"}, ValueFields: []string{"total"},
	})
	require.NoError(t, err)
	_, err = stream.Commit(ctx)
	require.NoError(t, err)

	err = stream.Continue(ctx, Continue{})
	require.Error(t, err)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeStreamClosed, pe.Code)
}

func TestStore_AbortLeavesNoVisibleEffect(t *testing.T) {
	f := newFixture(t)
	sess := f.fencedSession(t, "c1")
	ctx := context.Background()

	stream, err := f.tr.BeginStore(ctx, sess, Start{
		KeyFields:      []string{"order_id"},
		ValueFields:    []string{"total"},
		FlowCheckpoint: []byte("never-committed"),
	})
	require.NoError(t, err)

	var a arena.Arena
	chunk := Continue{
		Keys:   []arena.Slice{a.Add(tuple.MustPack("ord-9"))},
		Values: []arena.Slice{a.Add(tuple.MustPack(9.0))},
		Docs:   []arena.Slice{a.Add([]byte(`{"v":9}`))},
		Exists: []bool{false},
	}
	chunk.Arena = a
	require.NoError(t, stream.Continue(ctx, chunk))

	// Caller abandons the stream before the terminal response.
	stream.Abort()

	assert.Empty(t, f.loadOne(t, sess, "ord-9"), "rolled back document must not be visible")
	fc, err := f.fencer.Read(ctx, "orders_mat", "c1")
	require.NoError(t, err)
	assert.Empty(t, fc.Checkpoint, "rolled back checkpoint must not be visible")
}

func TestStore_ZombieSessionCannotCommit(t *testing.T) {
	f := newFixture(t)

	first := f.fencedSession(t, "c1")
	require.NoError(t, f.storeOne(t, first, "ord-1", 10, `{"v":1}`, false, "ckpt-1"))

	// A second session fences the same caller identity; the first is now
	// a zombie.
	second := f.fencedSession(t, "c1")

	err := f.storeOne(t, first, "ord-2", 20, `{"v":2}`, false, "ckpt-stale")
	require.Error(t, err)
	assert.ErrorIs(t, err, fence.ErrSuperseded)

	// The zombie's write never reached the destination.
	assert.Empty(t, f.loadOne(t, second, "ord-2"))
	fc, err := f.fencer.Read(context.Background(), "orders_mat", "c1")
	require.NoError(t, err)
	assert.Equal(t, []byte("ckpt-1"), fc.Checkpoint)

	// The live session commits fine.
	require.NoError(t, f.storeOne(t, second, "ord-2", 20, `{"v":2}`, false, "ckpt-2"))
}

func TestStore_DriverCheckpointReturned(t *testing.T) {
	f := newFixture(t)
	sess := f.fencedSession(t, "c1")
	ctx := context.Background()

	stream, err := f.tr.BeginStore(ctx, sess, Start{
		KeyFields: []string{"order_id"}, ValueFields: []string{"total"},
	})
	require.NoError(t, err)

	ckpt, err := stream.Commit(ctx)
	require.NoError(t, err)

	elements, err := tuple.Unpack(ckpt)
	require.NoError(t, err)
	require.Len(t, elements, 2)
	assert.Equal(t, "orders_mat", elements[0])
	assert.Equal(t, sess.FenceEpoch(), elements[1])
}

func TestLoad_DeltaUpdatesAlwaysEmptyHint(t *testing.T) {
	f := newFixture(t)
	sess, err := f.registry.Start("ep", "table: orders_mat\ndelta_updates: true", "c-delta")
	require.NoError(t, err)

	var a arena.Arena
	key := a.Add(tuple.MustPack("ord-1"))
	resp, err := f.tr.Load(context.Background(), sess, LoadRequest{Arena: a, Keys: []arena.Slice{key}})
	require.NoError(t, err)
	assert.True(t, resp.AlwaysEmpty)
	require.Len(t, resp.Docs, 1)
	assert.True(t, resp.Docs[0].IsEmpty())
}

func TestStore_DeltaUpdatesSkipsFencing(t *testing.T) {
	// Destinations without exactly-once support degrade to
	// at-least-once: no fence, commits still land.
	f := newFixture(t)
	sess, err := f.registry.Start("ep", "table: orders_mat\ndelta_updates: true", "c-delta")
	require.NoError(t, err)

	require.NoError(t, f.storeOne(t, sess, "ord-d", 5, `{"v":"d"}`, false, ""))

	reader := f.fencedSession(t, "c-reader")
	assert.Equal(t, `{"v":"d"}`, string(f.loadOne(t, reader, "ord-d")))
}
