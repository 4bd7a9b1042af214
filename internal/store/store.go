package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial metadata schema (weft_fences)
const currentSchemaVersion = 1

// Store is the SQLite destination engine.
type Store struct {
	db *sql.DB
}

// Open creates or opens the destination database at path, applying the
// required pragmas and the driver metadata schema.
//
// This function is idempotent - safe to call multiple times against the
// same path.
func Open(path string) (*Store, error) {
	// busy_timeout and synchronous are per-connection settings; they must
	// ride the DSN so every pooled connection gets them, not just the one
	// a PRAGMA statement happens to land on.
	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on",
		path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// WAL allows concurrent readers while one writer holds a long-lived
	// Store transaction. Writers serialize on busy_timeout, so the pool
	// must not be capped at a single connection: a session waiting for
	// the pool's only connection would wait forever, outside SQLite's
	// timeout.
	db.SetMaxIdleConns(4)

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB. The fencer, applier, and transactor
// run their statements through it; prefer their methods elsewhere.
func (s *Store) DB() *sql.DB {
	return s.db
}

// BeginTx opens a destination transaction.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// Column is one column of a destination table's physical shape.
type Column struct {
	Name string
	Type string // declared SQLite type, upper case
}

// TableColumns returns the columns of a destination table in declaration
// order, or an empty slice if the table does not exist. Validation reads
// the destination's physical shape through this.
func (s *Store) TableColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, UPPER(type) FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, fmt.Errorf("table columns: %w", err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("table columns: %w", err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("table columns: %w", err)
	}
	return cols, nil
}

// applySchema creates the metadata tables if they don't exist.
// Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}

	return nil
}
