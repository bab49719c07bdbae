package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// anchorKey is the _SyncConfig row holding the last successful
// local-from-network refresh time.
const anchorKey = "LastSyncTimestamp"

// Anchor reads the sync anchor from the control store.
// Returns ok=false when no anchor has been written yet.
func (c *ControlStore) Anchor(ctx context.Context) (time.Time, bool, error) {
	return readAnchor(ctx, c.db)
}

// AdvanceAnchor moves the sync anchor forward to t. Regressions are
// silently ignored: the anchor only ever advances on success.
func (c *ControlStore) AdvanceAnchor(ctx context.Context, t time.Time) error {
	return advanceAnchor(ctx, c.db, t)
}

// AdvanceAnchorWithFallback advances the anchor on the control store and,
// when that write fails, mirrors the value into the local replica's
// _SyncConfig so a later cycle can reconcile. Readers always prefer the
// control-store value.
func (c *ControlStore) AdvanceAnchorWithFallback(ctx context.Context, t time.Time, local *Store) error {
	err := c.AdvanceAnchor(ctx, t)
	if err == nil || local == nil {
		return err
	}
	slog.Warn("anchor write on control store failed, falling back to local replica",
		"control", c.path, "error", err)
	if fbErr := writeLocalAnchor(ctx, local.db, t); fbErr != nil {
		return fmt.Errorf("anchor fallback also failed: %v (control store: %w)", fbErr, err)
	}
	return nil
}

func readAnchor(ctx context.Context, db *sql.DB) (time.Time, bool, error) {
	var raw string
	err := db.QueryRowContext(ctx,
		`SELECT ConfigValue FROM _SyncConfig WHERE ConfigKey = ?`, anchorKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read sync anchor: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse sync anchor %q: %w", raw, err)
	}
	return t.UTC(), true, nil
}

func advanceAnchor(ctx context.Context, db *sql.DB, t time.Time) error {
	prev, ok, err := readAnchor(ctx, db)
	if err != nil {
		return err
	}
	if ok && !t.After(prev) {
		return nil
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO _SyncConfig (ConfigKey, ConfigValue) VALUES (?, ?)
		ON CONFLICT(ConfigKey) DO UPDATE SET ConfigValue = excluded.ConfigValue
	`, anchorKey, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("advance sync anchor: %w", err)
	}
	return nil
}

// writeLocalAnchor stores the fallback copy in the local replica, creating
// the _SyncConfig table on first use.
func writeLocalAnchor(ctx context.Context, db *sql.DB, t time.Time) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _SyncConfig (
			ConfigKey   TEXT PRIMARY KEY,
			ConfigValue TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create local _SyncConfig: %w", err)
	}
	return advanceAnchor(ctx, db, t)
}
