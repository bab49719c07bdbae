// Package store opens the per-tenant SQLite stores and owns the control
// store's schema: SyncLocks, ChangeLog, _SyncConfig (sync anchor), SyncLog,
// ImportRuns and SystemVersion.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var controlSchemaSQL string

// Schema version tracking for the control store:
// 0 - Initial schema (pre-migration)
// 1 - SyncLocks gained the SyncStatus column
const currentControlVersion = 1

// Store wraps one SQLite database file (a local or network replica).
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens a replica database at the given path.
//
// The connection is configured with WAL journaling, a 5-second busy timeout
// and a single-writer pool. Safe to call repeatedly.
func Open(path string) (*Store, error) {
	return open(path, "WAL")
}

// OpenNetwork creates or opens a replica that lives on the network share.
// Network filesystems cannot host WAL's shared-memory index, so the
// connection keeps a rollback journal instead.
func OpenNetwork(path string) (*Store, error) {
	return open(path, "TRUNCATE")
}

func open(path, journalMode string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database %s: %w", path, err)
	}

	// SQLite allows one writer at a time; a wider pool only produces
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db, journalMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas on %s: %w", path, err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func applyPragmas(db *sql.DB, journalMode string) error {
	pragmas := []string{
		"PRAGMA journal_mode = " + journalMode,
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// ControlStore is the per-tenant coordination database. It lives on the
// network share next to the network replica and is contended across
// machines, so all access stays short and parameterized.
type ControlStore struct {
	*Store
}

// OpenControl creates or opens the control store and applies its schema and
// migrations. Idempotent; missing tables and columns are created on first
// use, existing ones are never dropped or reshaped.
func OpenControl(path string) (*ControlStore, error) {
	// WAL requires shared-memory coordination that network filesystems do
	// not provide; the control store keeps a rollback journal.
	s, err := open(path, "TRUNCATE")
	if err != nil {
		return nil, err
	}
	if err := applyControlSchema(s.db); err != nil {
		s.Close()
		return nil, fmt.Errorf("apply control schema on %s: %w", path, err)
	}
	return &ControlStore{Store: s}, nil
}

func applyControlSchema(db *sql.DB) error {
	if _, err := db.Exec(controlSchemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	if err := runControlMigrations(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// runControlMigrations applies incremental upgrades keyed on user_version.
func runControlMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateControlToV1(db); err != nil {
			return err
		}
		version = 1
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentControlVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateControlToV1 adds SyncStatus to SyncLocks tables created before the
// column existed. New databases get it from schema.sql.
func migrateControlToV1(db *sql.DB) error {
	has, err := hasColumn(db, "SyncLocks", "SyncStatus")
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	if has {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE SyncLocks ADD COLUMN SyncStatus TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("migrate to v1: add SyncStatus: %w", err)
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// AppendSyncLog records an audit entry. Best-effort paths call this and
// discard the error themselves; the write itself always reports failures.
func (c *ControlStore) AppendSyncLog(ctx context.Context, operation, status, details string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO SyncLog (Operation, Status, Details, Timestamp)
		VALUES (?, ?, ?, datetime('now'))
	`, operation, status, details)
	if err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	return nil
}

// RecordImportRun inserts a completed import-run row.
func (c *ControlStore) RecordImportRun(ctx context.Context, source string, added, updated, deleted int) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO ImportRuns (Source, RowsAdded, RowsUpdated, RowsDeleted, StartedAt, FinishedAt)
		VALUES (?, ?, ?, ?, datetime('now'), datetime('now'))
	`, source, added, updated, deleted)
	if err != nil {
		return fmt.Errorf("record import run: %w", err)
	}
	return nil
}

// SystemVersion returns the recorded version for a component ("" when unset).
func (c *ControlStore) SystemVersion(ctx context.Context, component string) (string, error) {
	var v string
	err := c.db.QueryRowContext(ctx,
		`SELECT Version FROM SystemVersion WHERE Component = ?`, component).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read system version: %w", err)
	}
	return v, nil
}

// SetSystemVersion upserts the version for a component.
func (c *ControlStore) SetSystemVersion(ctx context.Context, component, version string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO SystemVersion (Component, Version) VALUES (?, ?)
		ON CONFLICT(Component) DO UPDATE SET Version = excluded.Version
	`, component, version)
	if err != nil {
		return fmt.Errorf("set system version: %w", err)
	}
	return nil
}
