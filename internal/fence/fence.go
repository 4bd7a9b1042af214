// Package fence implements the concurrency-control core: at most one
// effective writer per caller identity at any instant, even while stale
// zombie sessions from crashed or partitioned processes linger.
//
// The fence record lives in the destination database, keyed by
// (target, caller identity). Establishing a fence reads the last
// committed flow checkpoint and advances the epoch in one serializable
// transaction; every later commit presents its remembered epoch, and the
// conditional UPDATE's rows-affected count is the compare-and-swap that
// rejects superseded writers.
//
// The linchpin invariant: once Establish returns epoch E for a caller
// identity, no commit with any other epoch for that identity succeeds
// afterward, under arbitrary interleaving of concurrent processes. No
// in-process lock is involved; writers may live in separate processes.
package fence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/weft/internal/store"
)

// ErrSuperseded indicates a commit attempt with a stale epoch: a later
// fence has claimed the caller identity. Fatal to the session - the
// caller must start a new session and re-fence. Distinct from ordinary
// I/O failure and never safe to retry blindly.
var ErrSuperseded = errors.New("session superseded by a newer fence")

// Fence is an established write authority for one caller identity.
type Fence struct {
	Target   string
	CallerID string
	// Epoch is the authority token presented at commit time. Epochs
	// advance monotonically per (target, caller identity).
	Epoch int64
	// Checkpoint is the flow checkpoint of the most recent committed
	// store, empty if nothing ever committed.
	Checkpoint []byte
}

// Fencer establishes and checks fences against the destination.
type Fencer struct {
	store *store.Store
}

// New returns a Fencer over the destination store.
func New(s *store.Store) *Fencer {
	return &Fencer{store: s}
}

// Establish claims write authority for (target, callerID): it creates the
// fence record on first contact, or atomically advances the epoch and
// returns the last committed checkpoint. Any session holding an earlier
// epoch is a zombie from this point on; its commits will fail.
//
// The read and the epoch bump are one transaction. Establish is naturally
// idempotent in the retry sense: re-running it after a transient failure
// just claims a fresh epoch.
func (f *Fencer) Establish(ctx context.Context, target, callerID string) (*Fence, error) {
	tx, err := f.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("fence: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO weft_fences (target, caller_id, epoch, checkpoint)
		VALUES (?, ?, 1, x'')
		ON CONFLICT(target, caller_id) DO UPDATE SET epoch = epoch + 1
	`, target, callerID)
	if err != nil {
		return nil, fmt.Errorf("fence: advance epoch: %w", err)
	}

	fc := &Fence{Target: target, CallerID: callerID}
	err = tx.QueryRowContext(ctx, `
		SELECT epoch, checkpoint FROM weft_fences
		WHERE target = ? AND caller_id = ?
	`, target, callerID).Scan(&fc.Epoch, &fc.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("fence: read record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("fence: commit: %w", err)
	}

	slog.Debug("fence established",
		"target", target,
		"caller_id", callerID,
		"epoch", fc.Epoch,
	)
	return fc, nil
}

// CommitCheckpoint writes the flow checkpoint into the fence record
// inside the caller's transaction, conditioned on the epoch still
// matching. Zero rows affected means a later fence superseded this
// session: the caller must roll back its transaction so no partial write
// reaches the destination.
func CommitCheckpoint(ctx context.Context, tx *sql.Tx, target, callerID string, epoch int64, checkpoint []byte) error {
	if checkpoint == nil {
		checkpoint = []byte{} // column is NOT NULL; empty means "none"
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE weft_fences SET checkpoint = ?
		WHERE target = ? AND caller_id = ? AND epoch = ?
	`, checkpoint, target, callerID, epoch)
	if err != nil {
		return fmt.Errorf("fence check: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fence check: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: epoch %d for caller %q on %q",
			ErrSuperseded, epoch, callerID, target)
	}
	return nil
}

// Read returns the current fence record, or nil if none exists. Used by
// tests and diagnostics; the protocol itself only reads through
// Establish.
func (f *Fencer) Read(ctx context.Context, target, callerID string) (*Fence, error) {
	fc := &Fence{Target: target, CallerID: callerID}
	err := f.store.DB().QueryRowContext(ctx, `
		SELECT epoch, checkpoint FROM weft_fences
		WHERE target = ? AND caller_id = ?
	`, target, callerID).Scan(&fc.Epoch, &fc.Checkpoint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fence: read record: %w", err)
	}
	return fc, nil
}
