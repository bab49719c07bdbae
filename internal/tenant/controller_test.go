package tenant

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PocKeTio/RT2-sub005/internal/publish"
	"github.com/PocKeTio/RT2-sub005/internal/row"
	"github.com/PocKeTio/RT2-sub005/internal/store"
)

const reconDDL = `CREATE TABLE IF NOT EXISTS Recon (
	ID INTEGER PRIMARY KEY,
	Label TEXT,
	CRC INTEGER,
	LastModified DATETIME,
	IsDeleted BOOLEAN
)`

func newController(t *testing.T) (*Controller, string, string) {
	t.Helper()
	base := t.TempDir()
	dataDir := filepath.Join(base, "local")
	netDir := filepath.Join(base, "share")
	require.NoError(t, os.MkdirAll(netDir, 0o755))

	c, err := NewController(mapParams{
		"datadirectory":            dataDir,
		"countrydatabasedirectory": netDir,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, dataDir, netDir
}

func reconRow(id int64, label string) *row.Entity {
	e := row.NewEntity("Recon")
	e.Set("ID", id)
	e.Set("Label", label)
	return e
}

func TestSetCurrentTenant_WiresStores(t *testing.T) {
	c, dataDir, netDir := newController(t)
	ctx := context.Background()

	require.NoError(t, c.SetCurrentTenant(ctx, "FR"))
	assert.Equal(t, "FR", c.CurrentTenant())
	assert.True(t, c.IsNetworkSyncAvailable())

	assert.FileExists(t, filepath.Join(dataDir, "DB_FR.db"))
	assert.FileExists(t, filepath.Join(netDir, "DB_FR_sync.db"))

	dsn, err := c.ConnectionString(publish.KindReconciliation, false)
	require.NoError(t, err)
	assert.Contains(t, dsn, filepath.Join(dataDir, "DB_FR.db"))
	dsn, err = c.ConnectionString(publish.KindReconciliation, true)
	require.NoError(t, err)
	assert.Contains(t, dsn, filepath.Join(netDir, "DB_FR.db"))

	active, err := c.IsGlobalLockActive(ctx)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestSetCurrentTenant_SeedsLocalFromNetwork(t *testing.T) {
	c, _, netDir := newController(t)
	ctx := context.Background()

	seed, err := store.OpenNetwork(filepath.Join(netDir, "DB_DE.db"))
	require.NoError(t, err)
	_, err = seed.DB().Exec(reconDDL)
	require.NoError(t, err)
	_, err = seed.DB().Exec(`INSERT INTO Recon (ID, Label) VALUES (1, 'seeded')`)
	require.NoError(t, err)
	require.NoError(t, seed.Close())

	require.NoError(t, c.SetCurrentTenant(ctx, "DE"))

	local, err := c.Local()
	require.NoError(t, err)
	var label string
	require.NoError(t, local.DB().QueryRow(`SELECT Label FROM Recon WHERE ID = 1`).Scan(&label))
	assert.Equal(t, "seeded", label)
}

func TestSetCurrentTenant_LocalOnlyWhenShareUnreachable(t *testing.T) {
	base := t.TempDir()
	c, err := NewController(mapParams{
		"datadirectory":            filepath.Join(base, "local"),
		"countrydatabasedirectory": filepath.Join(base, "no-such-share"),
	})
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.SetCurrentTenant(ctx, "FR"))
	assert.False(t, c.IsNetworkSyncAvailable())

	_, err = c.Synchronize(ctx)
	assert.ErrorIs(t, err, ErrSyncUnavailable)

	// Lock state and status degrade to inert answers, not errors.
	active, err := c.IsGlobalLockActive(ctx)
	require.NoError(t, err)
	assert.False(t, active)
	status, err := c.CurrentSyncStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, status)
}

func TestApplyImportBatch_PublishesAndRecordsRun(t *testing.T) {
	c, dataDir, netDir := newController(t)
	ctx := context.Background()

	require.NoError(t, c.SetCurrentTenant(ctx, "FR"))
	ambre, err := store.Open(filepath.Join(dataDir, "Ambre_FR.db"))
	require.NoError(t, err)
	_, err = ambre.DB().Exec(reconDDL)
	require.NoError(t, err)
	require.NoError(t, ambre.Close())

	res, err := c.ApplyImportBatch(ctx, "ambre-2024-03", []*row.Entity{
		reconRow(1, "a"), reconRow(2, "b"),
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)

	// The ambre replica is published wholesale; the reconciliation replica
	// is untouched.
	net, err := store.OpenNetwork(filepath.Join(netDir, "Ambre_FR.db"))
	require.NoError(t, err)
	defer net.Close()
	var n int
	require.NoError(t, net.DB().QueryRow(`SELECT COUNT(*) FROM Recon`).Scan(&n))
	assert.Equal(t, 2, n)
	assert.NoFileExists(t, filepath.Join(netDir, "DB_FR.db"))

	// The run is recorded and the change log stays empty.
	control, err := store.OpenControl(filepath.Join(netDir, "DB_FR_sync.db"))
	require.NoError(t, err)
	defer control.Close()
	var runs, pending int
	require.NoError(t, control.DB().QueryRow(`SELECT COUNT(*) FROM ImportRuns`).Scan(&runs))
	assert.Equal(t, 1, runs)
	require.NoError(t, control.DB().QueryRow(
		`SELECT COUNT(*) FROM ChangeLog WHERE Synchronized = 0`).Scan(&pending))
	assert.Equal(t, 0, pending)

	// And the lock was released.
	active, err := c.IsGlobalLockActive(ctx)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestSynchronize_FastPathAfterConvergence(t *testing.T) {
	c, _, _ := newController(t)
	ctx := context.Background()

	require.NoError(t, c.SetCurrentTenant(ctx, "FR"))
	local, err := c.Local()
	require.NoError(t, err)
	_, err = local.DB().Exec(reconDDL)
	require.NoError(t, err)

	require.NoError(t, c.Publish(ctx, publish.KindReconciliation))

	// First pass converges local onto the published (compacted) network copy.
	res, err := c.Synchronize(ctx)
	require.NoError(t, err)

	res, err = c.Synchronize(ctx)
	require.NoError(t, err)
	assert.True(t, res.NoOp, "second synchronize must take the fast path")

	_, ok := c.LastSyncTime("FR")
	assert.True(t, ok)
}

func TestSynchronize_RequiresTenant(t *testing.T) {
	c, _, _ := newController(t)
	_, err := c.Synchronize(context.Background())
	assert.ErrorIs(t, err, ErrNoTenant)
}

func TestSwitchingTenantTearsDownPrevious(t *testing.T) {
	c, dataDir, _ := newController(t)
	ctx := context.Background()

	require.NoError(t, c.SetCurrentTenant(ctx, "FR"))
	require.NoError(t, c.SetCurrentTenant(ctx, "DE"))

	assert.Equal(t, "DE", c.CurrentTenant())
	assert.FileExists(t, filepath.Join(dataDir, "DB_FR.db"))
	assert.FileExists(t, filepath.Join(dataDir, "DB_DE.db"))

	dsn, err := c.ConnectionString(publish.KindReconciliation, false)
	require.NoError(t, err)
	assert.Contains(t, dsn, "DB_DE.db")
}

func TestListTenants_PrefersDeclaredList(t *testing.T) {
	base := t.TempDir()
	netDir := filepath.Join(base, "share")
	require.NoError(t, os.MkdirAll(netDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(netDir, "DB_XX.db"), nil, 0o644))

	c, err := NewController(mapParams{
		"datadirectory":            filepath.Join(base, "local"),
		"countrydatabasedirectory": netDir,
		"tenants":                  "FR, DE",
	})
	require.NoError(t, err)
	defer c.Close()

	tenants, err := c.ListTenants()
	require.NoError(t, err)
	assert.Equal(t, []string{"DE", "FR"}, tenants, "declared list wins over the share scan")
}
