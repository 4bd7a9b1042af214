// Package apply materializes the destination's physical schema for a
// selected field set, or previews the action without running it.
//
// Every mutation is an idempotent "ensure this shape exists" statement:
// CREATE TABLE IF NOT EXISTS for new targets, guarded ADD COLUMN for
// widening existing ones. A partially failed apply converges when retried
// with the same inputs instead of duplicating effects.
package apply

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/weft/internal/schema"
	"github.com/roach88/weft/internal/store"
	"github.com/roach88/weft/internal/validate"
)

// KeyColumn is the packed key-tuple column every materialized table
// carries as its primary key.
const KeyColumn = "weft_key"

// DocColumn is the full-document column every materialized table carries.
const DocColumn = "weft_doc"

// Applier computes and executes destination DDL.
type Applier struct {
	store *store.Store
}

// New returns an Applier over the destination store.
func New(s *store.Store) *Applier {
	return &Applier{store: s}
}

// Plan computes the DDL statements needed to bring table to the shape
// implied by the selected fields. An empty plan means the shape already
// matches (no-op). Plan is pure: it never touches the destination.
func Plan(table string, collection *schema.Collection, selected []string, existing []store.Column) ([]string, error) {
	if len(existing) == 0 {
		stmt, err := createTable(table, collection, selected)
		if err != nil {
			return nil, err
		}
		return []string{stmt}, nil
	}

	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[c.Name] = true
	}

	var stmts []string
	for _, field := range selected {
		if have[field] {
			continue
		}
		p := collection.Projection(field)
		if p == nil {
			return nil, fmt.Errorf("selected field %q has no projection", field)
		}
		colType := validate.ColumnType(p.Type)
		if colType == "" {
			return nil, fmt.Errorf("selected field %q has unsupported type %q", field, p.Type)
		}
		stmts = append(stmts, fmt.Sprintf(
			"ALTER TABLE %s ADD COLUMN %s %s;", quoteIdent(table), quoteIdent(field), colType))
	}
	return stmts, nil
}

// Apply runs Plan and, unless dryRun is set, executes the statements in a
// single destination transaction. It returns the action description: the
// planned DDL joined by newlines, empty for a no-op.
func (a *Applier) Apply(ctx context.Context, table string, collection *schema.Collection, selected []string, dryRun bool) (string, error) {
	existing, err := a.store.TableColumns(ctx, table)
	if err != nil {
		return "", fmt.Errorf("apply: %w", err)
	}

	stmts, err := Plan(table, collection, selected, existing)
	if err != nil {
		return "", fmt.Errorf("apply: %w", err)
	}
	action := strings.Join(stmts, "\n")
	if dryRun || len(stmts) == 0 {
		return action, nil
	}

	tx, err := a.store.BeginTx(ctx)
	if err != nil {
		return "", fmt.Errorf("apply: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return "", fmt.Errorf("apply: execute %q: %w", stmt, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("apply: commit: %w", err)
	}
	return action, nil
}

// createTable renders the CREATE TABLE statement for a fresh target.
// Column order is deterministic: packed key, selected fields in selection
// order, then the document column.
func createTable(table string, collection *schema.Collection, selected []string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", quoteIdent(table))
	fmt.Fprintf(&b, "\t%s BLOB NOT NULL PRIMARY KEY,\n", KeyColumn)

	for _, field := range selected {
		p := collection.Projection(field)
		if p == nil {
			return "", fmt.Errorf("selected field %q has no projection", field)
		}
		colType := validate.ColumnType(p.Type)
		if colType == "" {
			return "", fmt.Errorf("selected field %q has unsupported type %q", field, p.Type)
		}
		notNull := ""
		if collection.IsKey(field) {
			notNull = " NOT NULL"
		}
		fmt.Fprintf(&b, "\t%s %s%s,\n", quoteIdent(field), colType, notNull)
	}

	fmt.Fprintf(&b, "\t%s BLOB NOT NULL\n);", DocColumn)
	return b.String(), nil
}

// quoteIdent quotes a SQL identifier, doubling embedded quotes.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
