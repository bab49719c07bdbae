// Package changelog maintains the per-tenant change log: an append-only
// record of local INSERT/UPDATE/DELETE operations awaiting replay onto the
// network replica.
//
// The authoritative log lives in the control store, shared across
// workstations, so the replicator on any machine can see what is pending.
package changelog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/PocKeTio/RT2-sub005/internal/store"
)

// Operation is a logged mutation kind.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

func (op Operation) valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Entry is one change-log row. Identity is assigned by the control store.
type Entry struct {
	ID           int64
	TableName    string
	RecordID     string
	Operation    Operation
	Timestamp    string
	Synchronized bool
}

// Pending describes a mutation to append: (table, record id, operation).
type Pending struct {
	TableName string
	RecordID  string
	Operation Operation
}

// Log provides change-log access on a control store.
type Log struct {
	db *sql.DB
}

// New binds a log to the control store.
func New(c *store.ControlStore) *Log {
	return &Log{db: c.DB()}
}

// Append inserts a single entry. Failures propagate to the caller.
func (l *Log) Append(ctx context.Context, table, recordID string, op Operation) error {
	if !op.valid() {
		return fmt.Errorf("append change log: invalid operation %q", op)
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ChangeLog (TableName, RecordId, Operation, Timestamp, Synchronized)
		VALUES (?, ?, ?, datetime('now'), 0)
	`, table, recordID, string(op))
	if err != nil {
		return fmt.Errorf("append change log: %w", err)
	}
	return nil
}

// AppendBatch inserts all entries in one transaction. Either every entry is
// logged or none is.
func (l *Log) AppendBatch(ctx context.Context, entries []Pending) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if !e.Operation.valid() {
			return fmt.Errorf("append change log batch: invalid operation %q", e.Operation)
		}
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append change log batch: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ChangeLog (TableName, RecordId, Operation, Timestamp, Synchronized)
		VALUES (?, ?, ?, datetime('now'), 0)
	`)
	if err != nil {
		return fmt.Errorf("append change log batch: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.TableName, e.RecordID, string(e.Operation)); err != nil {
			return fmt.Errorf("append change log batch: insert (%s, %s): %w", e.TableName, e.RecordID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append change log batch: commit: %w", err)
	}
	return nil
}

// ListUnsynced returns pending entries ordered by id ascending (FIFO).
func (l *Log) ListUnsynced(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT Id, TableName, RecordId, Operation, Timestamp, Synchronized
		FROM ChangeLog
		WHERE Synchronized = 0
		ORDER BY Id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list unsynced: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			op     string
			synced int
		)
		if err := rows.Scan(&e.ID, &e.TableName, &e.RecordID, &op, &e.Timestamp, &synced); err != nil {
			return nil, fmt.Errorf("list unsynced: scan: %w", err)
		}
		e.Operation = Operation(op)
		e.Synchronized = synced != 0
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unsynced: %w", err)
	}
	return out, nil
}

// CountUnsynced returns the number of pending entries.
func (l *Log) CountUnsynced(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ChangeLog WHERE Synchronized = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unsynced: %w", err)
	}
	return n, nil
}

// markChunk keeps IN lists comfortably under SQLite's parameter limit.
const markChunk = 200

// MarkSynced flags the listed ids as synchronized. All-or-nothing: either
// every id is flagged or the transaction rolls back.
func (l *Log) MarkSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark synced: begin tx: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(ids); start += markChunk {
		end := start + markChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE ChangeLog SET Synchronized = 1 WHERE Id IN (`+placeholders+`)`, args...)
		if err != nil {
			return fmt.Errorf("mark synced: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark synced: rows affected: %w", err)
		}
		if affected != int64(len(chunk)) {
			return fmt.Errorf("mark synced: %d of %d ids matched", affected, len(chunk))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mark synced: commit: %w", err)
	}
	return nil
}
