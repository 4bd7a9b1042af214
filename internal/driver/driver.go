// Package driver wires the session registry, validator, applier, fencing
// coordinator, and transactor over one destination store, exposing the
// full materialization protocol surface.
//
// Every operation except StartSession takes an opaque session handle.
// The driver keeps at most one active Store stream per session and
// dispatches Continue/Commit messages to it; a Continue with no active
// stream is the protocol's "Continue before Start" violation.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/weft/internal/apply"
	"github.com/roach88/weft/internal/constraint"
	"github.com/roach88/weft/internal/fence"
	"github.com/roach88/weft/internal/schema"
	"github.com/roach88/weft/internal/session"
	"github.com/roach88/weft/internal/store"
	"github.com/roach88/weft/internal/transactor"
	"github.com/roach88/weft/internal/validate"
)

// Driver serves the materialization protocol against one destination.
// Safe for concurrent use by many sessions.
type Driver struct {
	store    *store.Store
	registry *session.Registry
	applier  *apply.Applier
	fencer   *fence.Fencer
	tr       *transactor.Transactor

	mu      sync.Mutex
	streams map[string]*transactor.StoreStream // handle -> active Store stream
}

// Option configures a Driver.
type Option func(*Driver)

// WithHandleGenerator substitutes the session handle generator.
// Tests use session.NewFixedGenerator for deterministic handles.
func WithHandleGenerator(gen session.HandleGenerator) Option {
	return func(d *Driver) {
		d.registry = session.NewRegistry(gen)
	}
}

// New creates a Driver over an opened destination store.
func New(s *store.Store, opts ...Option) *Driver {
	d := &Driver{
		store:    s,
		registry: session.NewRegistry(session.UUIDv7Generator{}),
		applier:  apply.New(s),
		fencer:   fence.New(s),
		tr:       transactor.New(s),
		streams:  make(map[string]*transactor.StoreStream),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open creates a Driver over the destination database at path.
func Open(path string, opts ...Option) (*Driver, error) {
	s, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	return New(s, opts...), nil
}

// Close aborts any live streams and closes the destination.
func (d *Driver) Close() error {
	d.mu.Lock()
	for handle, stream := range d.streams {
		if stream != nil {
			stream.Abort()
		}
		delete(d.streams, handle)
	}
	d.mu.Unlock()
	return d.store.Close()
}

// StartSession binds (endpoint, target, caller identity) to a fresh
// opaque handle. The target is a resource spec document.
func (d *Driver) StartSession(ctx context.Context, endpoint, target, callerID string) (string, error) {
	sess, err := d.registry.Start(endpoint, target, callerID)
	if err != nil {
		return "", err
	}
	slog.Info("session started",
		"handle", sess.Handle,
		"endpoint", endpoint,
		"target", sess.Resource.Table,
		"caller_id", callerID,
	)
	return sess.Handle, nil
}

// Validate computes the constraint set for a candidate collection schema
// against the session target's current physical shape. Pure read; safe
// to call speculatively before Apply.
func (d *Driver) Validate(ctx context.Context, handle string, collectionDoc []byte) (constraint.Set, error) {
	sess, err := d.registry.Get(handle)
	if err != nil {
		return nil, err
	}
	collection, err := schema.ParseCollection(collectionDoc)
	if err != nil {
		return nil, err
	}
	existing, err := d.store.TableColumns(ctx, sess.Resource.Table)
	if err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return validate.Validate(existing, collection), nil
}

// Apply materializes (or, with dryRun, previews) the destination shape
// for the selected fields. The selection must be admissible under the
// current constraint set. An empty action description means the shape
// already matched.
func (d *Driver) Apply(ctx context.Context, handle string, collectionDoc []byte, selected []string, dryRun bool) (string, error) {
	sess, err := d.registry.Get(handle)
	if err != nil {
		return "", err
	}
	collection, err := schema.ParseCollection(collectionDoc)
	if err != nil {
		return "", err
	}
	existing, err := d.store.TableColumns(ctx, sess.Resource.Table)
	if err != nil {
		return "", fmt.Errorf("apply: %w", err)
	}
	set := validate.Validate(existing, collection)
	if err := set.SelectionError(selected); err != nil {
		return "", fmt.Errorf("apply: %w", err)
	}
	return d.applier.Apply(ctx, sess.Resource.Table, collection, selected, dryRun)
}

// Fence establishes this session's exclusive write epoch for its caller
// identity and returns the last committed flow checkpoint. Any session
// holding an earlier epoch becomes a zombie.
//
// The caller's driver checkpoint is accepted for its own recovery
// bookkeeping; this engine derives its state entirely from the fence
// record and does not consume it.
//
// For delta-updates resources Fence is a no-op returning an empty
// checkpoint: the destination degrades to at-least-once by design of the
// resource, not as an error state.
func (d *Driver) Fence(ctx context.Context, handle string, driverCheckpoint []byte) ([]byte, error) {
	sess, err := d.registry.Get(handle)
	if err != nil {
		return nil, err
	}
	if sess.Resource.DeltaUpdates {
		return nil, nil
	}
	fc, err := d.fencer.Establish(ctx, sess.Resource.Table, sess.CallerID)
	if err != nil {
		return nil, err
	}
	sess.SetFenceEpoch(fc.Epoch)
	return fc.Checkpoint, nil
}

// Load resolves a batch of packed keys to documents, 1:1 and ordered.
func (d *Driver) Load(ctx context.Context, handle string, req transactor.LoadRequest) (*transactor.LoadResponse, error) {
	sess, err := d.registry.Get(handle)
	if err != nil {
		return nil, err
	}
	return d.tr.Load(ctx, sess, req)
}

// StoreStart opens the session's Store stream. A second Start while a
// stream is active is a protocol violation.
func (d *Driver) StoreStart(ctx context.Context, handle string, start transactor.Start) error {
	sess, err := d.registry.Get(handle)
	if err != nil {
		return err
	}

	// Reserve the handle before opening the stream, so a concurrent
	// second Start fails here instead of racing past the check and
	// orphaning an open transaction.
	d.mu.Lock()
	if _, active := d.streams[handle]; active {
		d.mu.Unlock()
		return transactor.NewProtocolError(transactor.ErrCodeDuplicateStart,
			"session %s already has an open store stream", handle)
	}
	d.streams[handle] = nil
	d.mu.Unlock()

	stream, err := d.tr.BeginStore(ctx, sess, start)

	d.mu.Lock()
	if err != nil {
		delete(d.streams, handle)
		d.mu.Unlock()
		return err
	}
	d.streams[handle] = stream
	d.mu.Unlock()
	return nil
}

// StoreContinue stages one chunk on the session's active stream.
func (d *Driver) StoreContinue(ctx context.Context, handle string, chunk transactor.Continue) error {
	stream, err := d.activeStream(handle)
	if err != nil {
		return err
	}
	if err := stream.Continue(ctx, chunk); err != nil {
		// The stream is already poisoned; drop it so the handle can
		// start over.
		d.StoreAbort(handle)
		return err
	}
	return nil
}

// StoreCommit commits the session's active stream and returns the driver
// checkpoint. A fencing conflict is fatal to the session: its handle is
// dropped and the caller must start over with a fresh session and Fence.
func (d *Driver) StoreCommit(ctx context.Context, handle string) ([]byte, error) {
	stream, err := d.activeStream(handle)
	if err != nil {
		return nil, err
	}

	ckpt, err := stream.Commit(ctx)

	d.mu.Lock()
	delete(d.streams, handle)
	d.mu.Unlock()

	if errors.Is(err, fence.ErrSuperseded) {
		d.registry.Drop(handle)
		slog.Warn("zombie session dropped",
			"handle", handle,
		)
	}
	return ckpt, err
}

// StoreAbort rolls back the session's active stream, if any. Abandoned
// streams must never leave a partial write.
func (d *Driver) StoreAbort(handle string) {
	d.mu.Lock()
	stream, ok := d.streams[handle]
	if ok && stream == nil {
		// A Start is still opening this stream; its completion owns the
		// reservation.
		d.mu.Unlock()
		return
	}
	delete(d.streams, handle)
	d.mu.Unlock()
	if ok {
		stream.Abort()
	}
}

// activeStream resolves the session's open stream, distinguishing an
// unknown handle from a Continue-before-Start violation.
func (d *Driver) activeStream(handle string) (*transactor.StoreStream, error) {
	if _, err := d.registry.Get(handle); err != nil {
		return nil, err
	}
	d.mu.Lock()
	stream, ok := d.streams[handle]
	d.mu.Unlock()
	if !ok || stream == nil {
		return nil, transactor.NewProtocolError(transactor.ErrCodeMissingStart,
			"session %s has no open store stream", handle)
	}
	return stream, nil
}
