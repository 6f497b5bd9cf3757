// Package store provides persistent state for the bakery daemon.
// Uses pure-Go SQLite (modernc.org/sqlite) — no cgo required.
//
// The store owns all persisted state: pies, slices, slice resources and
// the audit log. Every exported operation is a self-contained transaction;
// composite workflows (slice creation, cascading pie deletion) run as a
// single transaction so partial results are never visible.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// schemaVersion is the current schema version, kept in PRAGMA user_version.
const schemaVersion = 2

// ErrNotFound is returned when a pie or slice lookup finds no row.
var ErrNotFound = errors.New("not found")

// ConflictError reports a uniqueness violation.
type ConflictError struct {
	// Field names the violated constraint, e.g. "slug", "host",
	// "allocated_port".
	Field string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s", e.Field)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// Store wraps the SQLite database holding bakery state.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at the given path and
// migrates it to the current schema version.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them; a
	// plain Exec would configure only the connection it happens to run
	// on, leaving foreign keys off elsewhere in the pool. WAL for
	// concurrent reads, busy_timeout so concurrent writers queue
	// instead of failing.
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}

	switch {
	case version == 0:
		return s.createSchema()
	case version == 1:
		return s.migrateV1ToV2()
	case version == schemaVersion:
		return nil
	default:
		return fmt.Errorf("unknown schema version %d (current is %d)", version, schemaVersion)
	}
}

func (s *Store) createSchema() error {
	stmts := []string{`
		CREATE TABLE IF NOT EXISTS pies (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			slug       TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		)`, `
		CREATE TABLE IF NOT EXISTS slices (
			id         TEXT PRIMARY KEY,
			pie_id     TEXT NOT NULL REFERENCES pies(id) ON DELETE CASCADE,
			ordinal    INTEGER NOT NULL,
			host       TEXT NOT NULL UNIQUE,
			status     TEXT NOT NULL,
			created_at TEXT NOT NULL,
			stopped_at TEXT,
			UNIQUE (pie_id, ordinal)
		)`, `
		CREATE TABLE IF NOT EXISTS slice_resources (
			id              TEXT PRIMARY KEY,
			slice_id        TEXT NOT NULL REFERENCES slices(id) ON DELETE CASCADE,
			key             TEXT NOT NULL,
			allocated_port  INTEGER NOT NULL UNIQUE,
			protocol        TEXT NOT NULL,
			expose          TEXT NOT NULL,
			route_host      TEXT UNIQUE,
			is_primary_http INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			UNIQUE (slice_id, key)
		)`, `
		CREATE TABLE IF NOT EXISTS audit_log (
			id         TEXT PRIMARY KEY,
			pie_id     TEXT REFERENCES pies(id) ON DELETE SET NULL,
			slice_id   TEXT REFERENCES slices(id) ON DELETE SET NULL,
			kind       TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)`,
		`PRAGMA user_version = 2`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateV1ToV2 rebuilds the slices table without the legacy repo_path,
// worktree_path and branch columns. The rebuild copies retained columns
// and verifies referential integrity before committing; a failed check
// aborts the whole migration.
//
// Foreign keys are switched off for the migration connection: with them
// on, dropping the old slices table would fire the implicit delete and
// cascade away every slice_resources row. The closing foreign_key_check
// is what guarantees integrity instead.
func (s *Store) migrateV1ToV2() error {
	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = OFF`); err != nil {
		return fmt.Errorf("disable foreign keys: %w", err)
	}
	defer conn.ExecContext(ctx, `PRAGMA foreign_keys = ON`)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		CREATE TABLE slices_new (
			id         TEXT PRIMARY KEY,
			pie_id     TEXT NOT NULL REFERENCES pies(id) ON DELETE CASCADE,
			ordinal    INTEGER NOT NULL,
			host       TEXT NOT NULL UNIQUE,
			status     TEXT NOT NULL,
			created_at TEXT NOT NULL,
			stopped_at TEXT,
			UNIQUE (pie_id, ordinal)
		)
	`); err != nil {
		return fmt.Errorf("create slices_new: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO slices_new (id, pie_id, ordinal, host, status, created_at, stopped_at)
		SELECT id, pie_id, ordinal, host, status, created_at, stopped_at FROM slices
	`); err != nil {
		return fmt.Errorf("copy slices: %w", err)
	}
	if _, err := tx.Exec(`DROP TABLE slices`); err != nil {
		return fmt.Errorf("drop legacy slices: %w", err)
	}
	if _, err := tx.Exec(`ALTER TABLE slices_new RENAME TO slices`); err != nil {
		return fmt.Errorf("rename slices_new: %w", err)
	}

	rows, err := tx.Query(`PRAGMA foreign_key_check`)
	if err != nil {
		return fmt.Errorf("foreign key check: %w", err)
	}
	violations := rows.Next()
	rows.Close()
	if violations {
		return fmt.Errorf("foreign key check failed after migration")
	}

	if _, err := tx.Exec(`PRAGMA user_version = 2`); err != nil {
		return err
	}
	return tx.Commit()
}

// withTx runs fn inside a transaction, committing on nil error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// translateErr maps SQLite uniqueness violations to ConflictError.
// All other database errors are surfaced as-is.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return err
	}
	// "UNIQUE constraint failed: pies.slug (2067)" — name the violated
	// constraint after the column(s) it covers.
	field := "unique"
	switch {
	case strings.Contains(msg, "pies.slug"):
		field = "slug"
	case strings.Contains(msg, "slices.host"):
		field = "host"
	case strings.Contains(msg, "slices.pie_id"):
		field = "ordinal"
	case strings.Contains(msg, "slice_resources.allocated_port"):
		field = "allocated_port"
	case strings.Contains(msg, "slice_resources.route_host"):
		field = "route_host"
	case strings.Contains(msg, "slice_resources.slice_id"):
		field = "key"
	}
	return &ConflictError{Field: field}
}
