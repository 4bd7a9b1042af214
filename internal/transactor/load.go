package transactor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/weft/internal/apply"
	"github.com/roach88/weft/internal/arena"
	"github.com/roach88/weft/internal/session"
	"github.com/roach88/weft/internal/store"
)

// Transactor executes Load batches and Store streams against one
// destination store. Safe for concurrent use by many sessions; shared
// state lives in the destination, not here.
type Transactor struct {
	store *store.Store
}

// New returns a Transactor over the destination store.
func New(s *store.Store) *Transactor {
	return &Transactor{store: s}
}

// LoadRequest is an ordered batch of packed key tuples.
type LoadRequest struct {
	Arena arena.Arena
	Keys  []arena.Slice
}

// LoadResponse carries documents 1:1 with the request keys. A missing
// key yields an empty slice - an explicit empty result, not an error.
type LoadResponse struct {
	Arena arena.Arena
	Docs  []arena.Slice

	// AlwaysEmpty is the sticky hint that all future Loads for this
	// session will be empty. Purely an optimization; callers must be
	// correct without it, and it is only ever claimed for genuinely
	// stable destination properties (delta-updates resources).
	AlwaysEmpty bool
}

// Load resolves each packed key to its stored document. Results are
// ordered 1:1 with keys. Loading the same key twice with no intervening
// Store returns identical results.
func (t *Transactor) Load(ctx context.Context, sess *session.Session, req LoadRequest) (*LoadResponse, error) {
	// Bounds validation precedes all domain logic.
	if err := req.Arena.CheckAll(req.Keys); err != nil {
		return nil, NewProtocolError(ErrCodeInvalidSlice, "load keys: %v", err)
	}

	resp := &LoadResponse{
		Docs:        make([]arena.Slice, 0, len(req.Keys)),
		AlwaysEmpty: sess.MayClaimAlwaysEmpty(),
	}

	// Delta-updates resources never have prior documents to load.
	if sess.Resource.DeltaUpdates {
		for range req.Keys {
			resp.Docs = append(resp.Docs, arena.Slice{})
		}
		return resp, nil
	}

	table := sess.Resource.Table
	cols, err := t.store.TableColumns(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	if len(cols) == 0 {
		// Target not materialized yet; every key is absent.
		for range req.Keys {
			resp.Docs = append(resp.Docs, arena.Slice{})
		}
		return resp, nil
	}

	stmt, err := t.store.DB().PrepareContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s = ?`,
		apply.DocColumn, quoteIdent(table), apply.KeyColumn))
	if err != nil {
		return nil, fmt.Errorf("load: prepare: %w", err)
	}
	defer stmt.Close()

	builder := arena.NewBuilder()
	found := 0
	for _, key := range req.Keys {
		var doc []byte
		err := stmt.QueryRowContext(ctx, []byte(req.Arena.Bytes(key))).Scan(&doc)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			resp.Docs = append(resp.Docs, arena.Slice{})
		case err != nil:
			return nil, fmt.Errorf("load: query key: %w", err)
		default:
			resp.Docs = append(resp.Docs, builder.Add(doc))
			found++
		}
	}
	resp.Arena = builder.Arena()

	if found > 0 {
		// The hint may never regress from "never empty" to "always
		// empty" once a non-empty result went out.
		sess.NoteLoaded()
		resp.AlwaysEmpty = false
	}

	slog.Debug("load served",
		"handle", sess.Handle,
		"keys", len(req.Keys),
		"found", found,
	)
	return resp, nil
}
