package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recon.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpenControl_CreatesCoordinationTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.db")

	c, err := OpenControl(path)
	if err != nil {
		t.Fatalf("OpenControl() failed: %v", err)
	}
	defer c.Close()

	tables := []string{"SyncLocks", "ChangeLog", "_SyncConfig", "SyncLog", "ImportRuns", "SystemVersion"}
	for _, table := range tables {
		var name string
		err := c.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestOpenControl_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.db")

	for i := 0; i < 3; i++ {
		c, err := OpenControl(path)
		if err != nil {
			t.Fatalf("OpenControl() iteration %d failed: %v", i, err)
		}
		c.Close()
	}
}

func TestOpenControl_UpgradesLegacySyncLocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.db")

	// Simulate a database created before SyncStatus existed.
	legacy, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	_, err = legacy.db.Exec(`CREATE TABLE SyncLocks (
		LockID TEXT PRIMARY KEY, Reason TEXT, CreatedAt DATETIME,
		ExpiresAt DATETIME, MachineName TEXT, ProcessId INTEGER
	)`)
	if err != nil {
		t.Fatalf("create legacy table: %v", err)
	}
	legacy.Close()

	c, err := OpenControl(path)
	if err != nil {
		t.Fatalf("OpenControl() failed: %v", err)
	}
	defer c.Close()

	has, err := hasColumn(c.db, "SyncLocks", "SyncStatus")
	if err != nil {
		t.Fatalf("hasColumn: %v", err)
	}
	if !has {
		t.Error("SyncStatus column was not added by migration")
	}
}

func TestAnchor_EmptyThenAdvance(t *testing.T) {
	c := openTestControl(t)
	ctx := context.Background()

	_, ok, err := c.Anchor(ctx)
	if err != nil {
		t.Fatalf("Anchor: %v", err)
	}
	if ok {
		t.Fatal("expected no anchor in fresh store")
	}

	t1 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	if err := c.AdvanceAnchor(ctx, t1); err != nil {
		t.Fatalf("AdvanceAnchor: %v", err)
	}

	got, ok, err := c.Anchor(ctx)
	if err != nil || !ok {
		t.Fatalf("Anchor after advance: ok=%v err=%v", ok, err)
	}
	if !got.Equal(t1) {
		t.Errorf("anchor = %v, want %v", got, t1)
	}
}

func TestAnchor_NeverRegresses(t *testing.T) {
	c := openTestControl(t)
	ctx := context.Background()

	t2 := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	t1 := t2.Add(-time.Hour)

	if err := c.AdvanceAnchor(ctx, t2); err != nil {
		t.Fatalf("AdvanceAnchor: %v", err)
	}
	if err := c.AdvanceAnchor(ctx, t1); err != nil {
		t.Fatalf("AdvanceAnchor (regression attempt): %v", err)
	}

	got, _, err := c.Anchor(ctx)
	if err != nil {
		t.Fatalf("Anchor: %v", err)
	}
	if !got.Equal(t2) {
		t.Errorf("anchor regressed to %v, want %v", got, t2)
	}
}

func TestSystemVersion_RoundTrip(t *testing.T) {
	c := openTestControl(t)
	ctx := context.Background()

	v, err := c.SystemVersion(ctx, "core")
	if err != nil {
		t.Fatalf("SystemVersion: %v", err)
	}
	if v != "" {
		t.Errorf("expected empty version, got %q", v)
	}

	if err := c.SetSystemVersion(ctx, "core", "1.2.0"); err != nil {
		t.Fatalf("SetSystemVersion: %v", err)
	}
	if err := c.SetSystemVersion(ctx, "core", "1.3.0"); err != nil {
		t.Fatalf("SetSystemVersion (upsert): %v", err)
	}

	v, err = c.SystemVersion(ctx, "core")
	if err != nil {
		t.Fatalf("SystemVersion: %v", err)
	}
	if v != "1.3.0" {
		t.Errorf("version = %q, want 1.3.0", v)
	}
}

func TestAppendSyncLog(t *testing.T) {
	c := openTestControl(t)
	ctx := context.Background()

	if err := c.AppendSyncLog(ctx, "push", "success", "3 entries"); err != nil {
		t.Fatalf("AppendSyncLog: %v", err)
	}

	var count int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM SyncLog`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("SyncLog count = %d, want 1", count)
	}
}

// openTestControl creates a control store in a temp dir.
func openTestControl(t *testing.T) *ControlStore {
	t.Helper()
	c, err := OpenControl(filepath.Join(t.TempDir(), "control.db"))
	if err != nil {
		t.Fatalf("OpenControl() failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}
