package transactor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/weft/internal/apply"
	"github.com/roach88/weft/internal/arena"
	"github.com/roach88/weft/internal/fence"
	"github.com/roach88/weft/internal/session"
	"github.com/roach88/weft/internal/tuple"
)

// streamState is the explicit state of one Store stream.
type streamState int

const (
	// stateAccumulating accepts Continue chunks. A stream only exists in
	// this state or a terminal one; AwaitingStart is represented by the
	// stream not existing yet, so a Continue without Start has nothing to
	// address and fails at the dispatch layer with MISSING_START.
	stateAccumulating streamState = iota + 1
	stateCommitted
	stateAborted
)

// Start opens a Store stream: the selected field lists and the flow
// checkpoint that will commit atomically with the staged documents.
type Start struct {
	// KeyFields are the selected key fields, in the order their values
	// appear in each packed key tuple.
	KeyFields []string
	// ValueFields are the selected non-key fields, in the order their
	// values appear in each packed values tuple.
	ValueFields []string
	// FlowCheckpoint is the producer-side progress token persisted
	// atomically with the documents.
	FlowCheckpoint []byte
}

// Continue is one staged chunk: parallel per-document lists over one
// arena.
type Continue struct {
	Arena  arena.Arena
	Keys   []arena.Slice // packed key tuples
	Values []arena.Slice // packed projection-value tuples; empty slice = no values
	Docs   []arena.Slice // full documents
	Exists []bool        // whether the key was previously loaded/stored
}

// StoreStream accumulates one Store transaction. All staged rows plus
// the checkpoint pair commit atomically, or nothing does.
type StoreStream struct {
	transactor *Transactor
	sess       *session.Session
	start      Start
	tx         *sql.Tx
	insert     *sql.Stmt
	update     *sql.Stmt
	state      streamState
	staged     int
}

// BeginStore validates Start against the destination shape and the
// session's fencing obligations, opens the destination transaction, and
// returns the stream in its accumulating state.
func (t *Transactor) BeginStore(ctx context.Context, sess *session.Session, start Start) (*StoreStream, error) {
	if !sess.Resource.DeltaUpdates && sess.FenceEpoch() == 0 {
		return nil, NewProtocolError(ErrCodeFenceRequired,
			"session %s must fence before storing to %q", sess.Handle, sess.Resource.Table)
	}

	table := sess.Resource.Table
	cols, err := t.store.TableColumns(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[c.Name] = true
	}
	for _, f := range append(append([]string{}, start.KeyFields...), start.ValueFields...) {
		if !have[f] {
			return nil, NewProtocolError(ErrCodeFieldMismatch,
				"selected field %q has no column in %q; apply must run first", f, table)
		}
	}

	tx, err := t.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}

	s := &StoreStream{
		transactor: t,
		sess:       sess,
		start:      start,
		tx:         tx,
		state:      stateAccumulating,
	}
	if err := s.prepare(ctx, table); err != nil {
		tx.Rollback()
		return nil, err
	}
	return s, nil
}

// prepare builds the insert and update statements for the stream's field
// selection.
func (s *StoreStream) prepare(ctx context.Context, table string) error {
	fields := append(append([]string{}, s.start.KeyFields...), s.start.ValueFields...)

	cols := []string{apply.KeyColumn}
	for _, f := range fields {
		cols = append(cols, quoteIdent(f))
	}
	cols = append(cols, apply.DocColumn)

	// The insert is an upsert on the packed key. A caller whose exists
	// flag is stale must not trip the primary key; the row is simply
	// overwritten.
	conflict := make([]string, 0, len(s.start.ValueFields)+1)
	for _, f := range s.start.ValueFields {
		conflict = append(conflict, quoteIdent(f)+" = excluded."+quoteIdent(f))
	}
	conflict = append(conflict, apply.DocColumn+" = excluded."+apply.DocColumn)
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		quoteIdent(table),
		strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
		apply.KeyColumn,
		strings.Join(conflict, ", "))

	sets := make([]string, 0, len(s.start.ValueFields)+1)
	for _, f := range s.start.ValueFields {
		sets = append(sets, quoteIdent(f)+" = ?")
	}
	sets = append(sets, apply.DocColumn+" = ?")
	updateSQL := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		quoteIdent(table),
		strings.Join(sets, ", "),
		apply.KeyColumn)

	var err error
	if s.insert, err = s.tx.PrepareContext(ctx, insertSQL); err != nil {
		return fmt.Errorf("store: prepare insert: %w", err)
	}
	if s.update, err = s.tx.PrepareContext(ctx, updateSQL); err != nil {
		return fmt.Errorf("store: prepare update: %w", err)
	}
	return nil
}

// Continue stages one chunk of documents inside the stream's transaction.
// Any staging failure poisons the stream: the transaction rolls back and
// no later Commit can expose rows staged before the failure.
func (s *StoreStream) Continue(ctx context.Context, chunk Continue) error {
	if s.state != stateAccumulating {
		return NewProtocolError(ErrCodeStreamClosed, "continue on a closed stream")
	}
	if err := s.checkChunk(chunk); err != nil {
		return err
	}

	for i := range chunk.Docs {
		if err := s.stageDocument(ctx, chunk, i); err != nil {
			s.abort()
			return err
		}
	}
	s.staged += len(chunk.Docs)
	return nil
}

// checkChunk validates bounds and list parallelism before any staging.
// No partial effect: a bad chunk stages nothing.
func (s *StoreStream) checkChunk(chunk Continue) error {
	n := len(chunk.Docs)
	if len(chunk.Keys) != n || len(chunk.Values) != n || len(chunk.Exists) != n {
		return NewProtocolError(ErrCodeCountMismatch,
			"parallel lists differ: %d keys, %d values, %d docs, %d exists",
			len(chunk.Keys), len(chunk.Values), n, len(chunk.Exists))
	}
	for _, slices := range [][]arena.Slice{chunk.Keys, chunk.Values, chunk.Docs} {
		if err := chunk.Arena.CheckAll(slices); err != nil {
			return NewProtocolError(ErrCodeInvalidSlice, "store chunk: %v", err)
		}
	}
	return nil
}

// stageDocument writes one document row through the insert or update
// statement, as chosen by its exists flag.
func (s *StoreStream) stageDocument(ctx context.Context, chunk Continue, i int) error {
	packedKey := []byte(chunk.Arena.Bytes(chunk.Keys[i]))
	doc := []byte(chunk.Arena.Bytes(chunk.Docs[i]))

	keyVals, err := unpackN(packedKey, len(s.start.KeyFields))
	if err != nil {
		return NewProtocolError(ErrCodeCountMismatch, "document %d key tuple: %v", i, err)
	}
	valueVals, err := unpackN(chunk.Arena.Bytes(chunk.Values[i]), len(s.start.ValueFields))
	if err != nil {
		return NewProtocolError(ErrCodeCountMismatch, "document %d values tuple: %v", i, err)
	}

	if chunk.Exists[i] {
		args := append(valueVals, doc, packedKey)
		if _, err := s.update.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("store: update document: %w", err)
		}
		return nil
	}

	args := append([]any{packedKey}, keyVals...)
	args = append(args, valueVals...)
	args = append(args, doc)
	if _, err := s.insert.ExecContext(ctx, args...); err != nil {
		return fmt.Errorf("store: insert document: %w", err)
	}
	return nil
}

// Commit re-checks the fence epoch and makes the staged rows plus both
// checkpoints durable as one transaction. On a stale epoch the
// transaction rolls back, nothing reaches the destination, and the
// returned error is fence.ErrSuperseded: the session is a zombie.
//
// The returned bytes are the driver checkpoint for the caller's own
// bookkeeping.
func (s *StoreStream) Commit(ctx context.Context) ([]byte, error) {
	if s.state != stateAccumulating {
		return nil, NewProtocolError(ErrCodeStreamClosed, "commit on a closed stream")
	}

	epoch := s.sess.FenceEpoch()
	if !s.sess.Resource.DeltaUpdates {
		err := fence.CommitCheckpoint(ctx, s.tx,
			s.sess.Resource.Table, s.sess.CallerID, epoch, s.start.FlowCheckpoint)
		if err != nil {
			s.abort()
			return nil, err
		}
	}

	if err := s.tx.Commit(); err != nil {
		s.state = stateAborted
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	s.state = stateCommitted

	slog.Info("store committed",
		"handle", s.sess.Handle,
		"caller_id", s.sess.CallerID,
		"target", s.sess.Resource.Table,
		"epoch", epoch,
		"documents", s.staged,
	)
	return tuple.MustPack(s.sess.Resource.Table, epoch), nil
}

// Abort rolls the stream's transaction back. Safe to call on an already
// closed stream; abandonment must never leave a partial write.
func (s *StoreStream) Abort() {
	if s.state != stateAccumulating {
		return
	}
	s.abort()
	slog.Debug("store aborted",
		"handle", s.sess.Handle,
		"staged", s.staged,
	)
}

func (s *StoreStream) abort() {
	s.tx.Rollback()
	s.state = stateAborted
}

// unpackN unpacks a tuple and verifies its arity.
func unpackN(packed []byte, want int) ([]any, error) {
	if len(packed) == 0 && want == 0 {
		return nil, nil
	}
	vals, err := tuple.Unpack(packed)
	if err != nil {
		return nil, err
	}
	if len(vals) != want {
		return nil, fmt.Errorf("tuple has %d elements, selection names %d", len(vals), want)
	}
	return vals, nil
}

// quoteIdent quotes a SQL identifier, doubling embedded quotes.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
