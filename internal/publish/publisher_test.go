package publish

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeDB(t *testing.T, path, marker string) {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS Marker (Val TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM Marker`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO Marker (Val) VALUES (?)`, marker)
	require.NoError(t, err)
}

func readMarker(t *testing.T, path string) string {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	var v string
	require.NoError(t, db.QueryRow(`SELECT Val FROM Marker`).Scan(&v))
	return v
}

func testPublisher(t *testing.T, opts ...Option) (*Publisher, string, string) {
	t.Helper()
	dir := t.TempDir()
	localDir := filepath.Join(dir, "local")
	netDir := filepath.Join(dir, "net")
	require.NoError(t, os.MkdirAll(localDir, 0o755))
	require.NoError(t, os.MkdirAll(netDir, 0o755))

	paths := Paths{
		Local: map[Kind]string{
			KindReconciliation: filepath.Join(localDir, "recon.db"),
			KindAmbre:          filepath.Join(localDir, "ambre.db"),
			KindDW:             filepath.Join(localDir, "dw.db"),
		},
		Network: map[Kind]string{
			KindReconciliation: filepath.Join(netDir, "recon.db"),
			KindAmbre:          filepath.Join(netDir, "ambre.db"),
			KindDW:             filepath.Join(netDir, "dw.db"),
		},
	}
	return New(paths, opts...), localDir, netDir
}

func TestPublish_ReplacesNetworkCopy(t *testing.T) {
	p, localDir, netDir := testPublisher(t)
	ctx := context.Background()

	makeDB(t, filepath.Join(localDir, "recon.db"), "v1")
	require.NoError(t, p.PublishLocalToNetwork(ctx, KindReconciliation))
	assert.Equal(t, "v1", readMarker(t, filepath.Join(netDir, "recon.db")))

	makeDB(t, filepath.Join(localDir, "recon.db"), "v2")
	require.NoError(t, p.PublishLocalToNetwork(ctx, KindReconciliation))
	assert.Equal(t, "v2", readMarker(t, filepath.Join(netDir, "recon.db")))
}

func TestPublish_KeepsOneDailyBackup(t *testing.T) {
	fixed := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	p, localDir, netDir := testPublisher(t, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	makeDB(t, filepath.Join(localDir, "recon.db"), "v1")
	require.NoError(t, p.PublishLocalToNetwork(ctx, KindReconciliation))

	// First publish had no target to back up.
	saved := filepath.Join(netDir, savedDirName, "recon_2024-03-15.db")
	_, err := os.Stat(saved)
	assert.True(t, os.IsNotExist(err))

	makeDB(t, filepath.Join(localDir, "recon.db"), "v2")
	require.NoError(t, p.PublishLocalToNetwork(ctx, KindReconciliation))
	assert.Equal(t, "v1", readMarker(t, saved))

	// Same-day publish keeps the first backup.
	makeDB(t, filepath.Join(localDir, "recon.db"), "v3")
	require.NoError(t, p.PublishLocalToNetwork(ctx, KindReconciliation))
	assert.Equal(t, "v1", readMarker(t, saved))
}

func TestPublish_RejectsReadOnlyReplica(t *testing.T) {
	p, _, _ := testPublisher(t)
	err := p.PublishLocalToNetwork(context.Background(), KindDW)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only")
}

func TestPublish_NopCompactorUsesRawFile(t *testing.T) {
	p, localDir, netDir := testPublisher(t, WithCompactor(NopCompactor{}))
	makeDB(t, filepath.Join(localDir, "recon.db"), "raw")
	require.NoError(t, p.PublishLocalToNetwork(context.Background(), KindReconciliation))
	assert.Equal(t, "raw", readMarker(t, filepath.Join(netDir, "recon.db")))
}

func TestPublish_RawCopyCarriesWALCommits(t *testing.T) {
	p, localDir, netDir := testPublisher(t, WithCompactor(NopCompactor{}))
	ctx := context.Background()

	local := filepath.Join(localDir, "recon.db")
	holder, err := sql.Open("sqlite3", local+"?_journal_mode=WAL")
	require.NoError(t, err)
	defer holder.Close()
	_, err = holder.Exec(`CREATE TABLE Marker (Val TEXT)`)
	require.NoError(t, err)
	_, err = holder.Exec(`INSERT INTO Marker (Val) VALUES ('in-wal')`)
	require.NoError(t, err)

	// The writer stays open, so the committed row still lives in the -wal
	// sidecar when the raw copy runs.
	require.NoError(t, p.PublishLocalToNetwork(ctx, KindReconciliation))
	assert.Equal(t, "in-wal", readMarker(t, filepath.Join(netDir, "recon.db")))
}

func TestRefresh_CopiesNetworkAndAdvancesAnchor(t *testing.T) {
	var advanced time.Time
	p, localDir, netDir := testPublisher(t, WithAnchorAdvance(
		func(_ context.Context, ts time.Time) error {
			advanced = ts
			return nil
		}))
	ctx := context.Background()

	makeDB(t, filepath.Join(netDir, "recon.db"), "net")
	require.NoError(t, p.RefreshLocalFromNetwork(ctx, KindReconciliation))
	assert.Equal(t, "net", readMarker(t, filepath.Join(localDir, "recon.db")))
	assert.False(t, advanced.IsZero(), "anchor must advance after refresh")
}

func TestRefresh_SnapshotRefreshAdvancesAnchor(t *testing.T) {
	var advanced int
	p, _, netDir := testPublisher(t, WithAnchorAdvance(
		func(context.Context, time.Time) error {
			advanced++
			return nil
		}))
	ctx := context.Background()

	makeDB(t, filepath.Join(netDir, "ambre.db"), "net")
	require.NoError(t, p.RefreshLocalFromNetwork(ctx, KindAmbre))
	assert.Equal(t, 1, advanced, "anchor must advance after a snapshot refresh too")
}

func TestRefresh_MissingNetworkFileFails(t *testing.T) {
	p, _, _ := testPublisher(t)
	err := p.RefreshLocalFromNetwork(context.Background(), KindReconciliation)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestRefresh_PreservesModTime(t *testing.T) {
	p, _, netDir := testPublisher(t)
	ctx := context.Background()

	makeDB(t, filepath.Join(netDir, "recon.db"), "net")
	require.NoError(t, p.RefreshLocalFromNetwork(ctx, KindReconciliation))
	assert.True(t, p.ReplicaCurrent(KindReconciliation),
		"local must match network on size and mtime after refresh")
}

func TestEnsureLocalSnapshots_RefreshesStaleOnly(t *testing.T) {
	p, localDir, netDir := testPublisher(t)
	ctx := context.Background()

	makeDB(t, filepath.Join(netDir, "ambre.db"), "fresh")
	makeDB(t, filepath.Join(localDir, "ambre.db"), "stale-and-longer")

	require.NoError(t, p.EnsureLocalSnapshotsUpToDate(ctx))
	assert.Equal(t, "fresh", readMarker(t, filepath.Join(localDir, "ambre.db")))

	// A second pass sees matching stats and leaves the file alone.
	info1, err := os.Stat(filepath.Join(localDir, "ambre.db"))
	require.NoError(t, err)
	require.NoError(t, p.EnsureLocalSnapshotsUpToDate(ctx))
	info2, err := os.Stat(filepath.Join(localDir, "ambre.db"))
	require.NoError(t, err)
	assert.Equal(t, info1.ModTime(), info2.ModTime())
}

func TestStageAndReplace_FailedStageLeavesTargetIntact(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.db")
	makeDB(t, target, "original")

	err := stageAndReplace(filepath.Join(dir, "does-not-exist"), target)
	require.Error(t, err)
	assert.Equal(t, "original", readMarker(t, target))

	// No staging debris left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp_")
	}
}

func TestStageAndReplace_KeepsBackupSideFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.db")
	src := filepath.Join(dir, "src.db")
	makeDB(t, target, "old")
	makeDB(t, src, "new")

	require.NoError(t, stageAndReplace(src, target))
	assert.Equal(t, "new", readMarker(t, target))
	assert.Equal(t, "old", readMarker(t, target+".bak"))
}

func TestStageAndReplace_IgnoresLeftoverStagingFiles(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.db")
	src := filepath.Join(dir, "src.db")
	makeDB(t, src, "new")

	// Debris from a crashed earlier run.
	require.NoError(t, os.WriteFile(target+".tmp_deadbeef", []byte("torn"), 0o644))

	require.NoError(t, stageAndReplace(src, target))
	assert.Equal(t, "new", readMarker(t, target))
}

func TestIsExclusivelyOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "probe.db")
	makeDB(t, path, "x")
	ctx := context.Background()

	assert.False(t, IsExclusivelyOpen(ctx, path))

	holder, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer holder.Close()
	conn, err := holder.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.ExecContext(ctx, `BEGIN IMMEDIATE`)
	require.NoError(t, err)

	assert.True(t, IsExclusivelyOpen(ctx, path))

	_, err = conn.ExecContext(ctx, `ROLLBACK`)
	require.NoError(t, err)
	assert.False(t, IsExclusivelyOpen(ctx, path))
}

func TestSQLiteCompactor_ProducesReadableCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	makeDB(t, src, "compacted")

	tmp, err := SQLiteCompactor{}.CompactAndRepair(context.Background(), src)
	require.NoError(t, err)
	require.NotEmpty(t, tmp)
	defer os.Remove(tmp)

	assert.Equal(t, "compacted", readMarker(t, tmp))
}

func TestSQLiteCompactor_FailsOnCorruptFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "garbage.db")
	require.NoError(t, os.WriteFile(src, []byte("not a database"), 0o644))

	_, err := SQLiteCompactor{}.CompactAndRepair(context.Background(), src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("compact %s", "garbage.db"))
}
