package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PocKeTio/RT2-sub005/internal/batch"
	"github.com/PocKeTio/RT2-sub005/internal/changelog"
	"github.com/PocKeTio/RT2-sub005/internal/lock"
	"github.com/PocKeTio/RT2-sub005/internal/publish"
	"github.com/PocKeTio/RT2-sub005/internal/replicate"
	"github.com/PocKeTio/RT2-sub005/internal/row"
	"github.com/PocKeTio/RT2-sub005/internal/store"
)

// ErrNoTenant reports an operation that needs a selected tenant.
var ErrNoTenant = errors.New("no tenant selected")

// ErrSyncUnavailable reports that the network share is unreachable, so
// only local work is possible.
var ErrSyncUnavailable = errors.New("network sync unavailable")

// Controller owns the per-tenant wiring: local and control stores, the
// global lock manager, the publisher and the replicator. One tenant is
// active at a time; switching tenants tears the previous wiring down.
type Controller struct {
	params   Params
	settings Settings
	now      func() time.Time

	mu          sync.Mutex
	current     string
	paths       publish.Paths
	controlPath string
	local       *store.Store
	control     *store.ControlStore
	log         *changelog.Log
	locks       *lock.Manager
	pub         *publish.Publisher
	rep         *replicate.Replicator
	lastSync    map[string]time.Time
}

type ControllerOption func(*Controller)

// WithControllerClock overrides the time source.
func WithControllerClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// NewController resolves settings from the parameter source.
func NewController(p Params, opts ...ControllerOption) (*Controller, error) {
	settings, err := ResolveSettings(p)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		params:   p,
		settings: settings,
		now:      time.Now,
		lastSync: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// tenantPaths derives the replica layout for a tenant:
//
//	reconciliation  {prefix}{tenant}.db
//	ambre           {ambrePrefix}{tenant}.db
//	datawarehouse   {dwPrefix}{tenant}.db
//	control store   {prefix}{tenant}{controlSuffix}.db (network side only)
func (c *Controller) tenantPaths(tenantID string) (publish.Paths, string) {
	recon := c.settings.Prefix + tenantID + ".db"
	ambre := c.settings.AmbrePrefix + tenantID + ".db"
	dw := c.settings.DWPrefix + tenantID + ".db"

	paths := publish.Paths{
		Local: map[publish.Kind]string{
			publish.KindReconciliation: filepath.Join(c.settings.DataDirectory, recon),
			publish.KindAmbre:          filepath.Join(c.settings.DataDirectory, ambre),
			publish.KindDW:             filepath.Join(c.settings.DataDirectory, dw),
		},
		Network: map[publish.Kind]string{
			publish.KindReconciliation: filepath.Join(c.settings.NetworkDirectory, recon),
			publish.KindAmbre:          filepath.Join(c.settings.NetworkDirectory, ambre),
			publish.KindDW:             filepath.Join(c.settings.NetworkDirectory, dw),
		},
	}
	controlPath := filepath.Join(c.settings.NetworkDirectory,
		c.settings.Prefix+tenantID+c.settings.ControlSuffix+".db")
	return paths, controlPath
}

// SetCurrentTenant switches the controller to a tenant: tears down the
// previous wiring, seeds the local replica from the network when needed,
// opens the stores and pushes any backlog left from an offline session.
//
// An unreachable network share is not fatal; the tenant comes up in
// local-only mode and replication resumes on a later switch or sync.
func (c *Controller) SetCurrentTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("set current tenant: empty tenant id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCurrentLocked()

	paths, controlPath := c.tenantPaths(tenantID)
	if err := os.MkdirAll(c.settings.DataDirectory, 0o755); err != nil {
		return fmt.Errorf("set current tenant %s: %w", tenantID, err)
	}

	var (
		control *store.ControlStore
		err     error
	)
	if _, statErr := os.Stat(c.settings.NetworkDirectory); statErr == nil {
		control, err = store.OpenControl(controlPath)
		if err != nil {
			slog.Warn("control store unavailable, running local-only",
				"tenant", tenantID, "path", controlPath, "error", err)
			control = nil
		}
	} else {
		slog.Warn("network share unreachable, running local-only",
			"tenant", tenantID, "dir", c.settings.NetworkDirectory)
	}

	// Seed before the local store opens a connection to the file.
	seedPub := publish.New(paths)
	localRecon := paths.Local[publish.KindReconciliation]
	networkRecon := paths.Network[publish.KindReconciliation]
	if _, err := os.Stat(localRecon); os.IsNotExist(err) {
		if _, err := os.Stat(networkRecon); err == nil {
			if err := seedPub.RefreshLocalFromNetwork(ctx, publish.KindReconciliation); err != nil {
				return fmt.Errorf("set current tenant %s: seed local replica: %w", tenantID, err)
			}
		}
	}

	local, err := store.Open(localRecon)
	if err != nil {
		if control != nil {
			control.Close()
		}
		return fmt.Errorf("set current tenant %s: %w", tenantID, err)
	}

	c.current = tenantID
	c.paths = paths
	c.controlPath = controlPath
	c.local = local
	c.control = control

	if control != nil {
		c.wireSyncLocked()

		// Backlog from offline work; failure just leaves it pending.
		if _, err := c.rep.PushPending(ctx, false); err != nil && !errors.Is(err, replicate.ErrPushInProgress) {
			slog.Warn("startup push failed", "tenant", tenantID, "error", err)
		}
		if c.reconStaleLocked() {
			if err := c.refreshLocalReconLocked(ctx); err != nil {
				slog.Warn("startup refresh failed", "tenant", tenantID, "error", err)
			}
		}
		c.refreshSnapshotsLocked(ctx)
	} else {
		c.log = nil
		c.locks = nil
		c.pub = seedPub
		c.rep = nil
	}

	slog.Info("tenant selected", "tenant", tenantID, "network_sync", control != nil)
	return nil
}

// wireSyncLocked (re)builds the sync components around the current control
// and local stores. The replicator carries no publisher: the controller owns
// the local file swap, which must happen on a closed connection.
func (c *Controller) wireSyncLocked() {
	control := c.control
	c.log = changelog.New(control)
	if c.locks == nil {
		c.locks = lock.NewManager(c.controlPath)
	}
	c.pub = publish.New(c.paths, publish.WithAnchorAdvance(
		func(ctx context.Context, t time.Time) error {
			return control.AdvanceAnchorWithFallback(ctx, t, c.local)
		}))
	c.rep = replicate.New(replicate.Config{
		TenantID:    c.current,
		Local:       c.local.DB(),
		NetworkPath: c.paths.Network[publish.KindReconciliation],
		Log:         c.log,
		Locks:       c.locks,
		Tables:      c.settings.SyncTables,
	})
}

// refreshSnapshotsLocked brings the read-only replicas up to date, in
// parallel and best-effort.
func (c *Controller) refreshSnapshotsLocked(ctx context.Context) {
	pub := c.pub
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range []publish.Kind{publish.KindAmbre, publish.KindDW} {
		kind := kind
		g.Go(func() error {
			if _, err := os.Stat(c.paths.Network[kind]); err != nil {
				return nil
			}
			if pub.ReplicaCurrent(kind) {
				return nil
			}
			if err := pub.RefreshLocalFromNetwork(gctx, kind); err != nil {
				slog.Warn("snapshot refresh failed", "kind", kind, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

func (c *Controller) closeCurrentLocked() {
	if c.locks != nil {
		c.locks.Close()
		c.locks = nil
	}
	if c.local != nil {
		c.local.Close()
		c.local = nil
	}
	if c.control != nil {
		c.control.Close()
		c.control = nil
	}
	c.log = nil
	c.pub = nil
	c.rep = nil
	c.current = ""
}

// Close tears down the active tenant's wiring.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCurrentLocked()
	return nil
}

// CurrentTenant returns the active tenant id ("" when none).
func (c *Controller) CurrentTenant() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Local returns the active tenant's local store.
func (c *Controller) Local() (*store.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return nil, ErrNoTenant
	}
	return c.local, nil
}

// ConnectionString returns the sqlite DSN for one replica, local or
// network side.
func (c *Controller) ConnectionString(kind publish.Kind, network bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == "" {
		return "", ErrNoTenant
	}
	side := c.paths.Local
	if network {
		side = c.paths.Network
	}
	path, ok := side[kind]
	if !ok || path == "" {
		return "", fmt.Errorf("connection string: no path for %q", kind)
	}
	return "file:" + path + "?_busy_timeout=5000", nil
}

// Paths returns the active tenant's replica layout.
func (c *Controller) Paths() (publish.Paths, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == "" {
		return publish.Paths{}, ErrNoTenant
	}
	return c.paths, nil
}

// IsNetworkSyncAvailable reports whether the control store opened, i.e.
// whether replication can run at all.
func (c *Controller) IsNetworkSyncAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.control != nil
}

// IsGlobalLockActive reports whether any workstation holds the tenant's
// global lock. Local-only mode reports false.
func (c *Controller) IsGlobalLockActive(ctx context.Context) (bool, error) {
	c.mu.Lock()
	locks := c.locks
	c.mu.Unlock()
	if locks == nil {
		return false, nil
	}
	return locks.IsActive(ctx)
}

// CurrentSyncStatus returns the SyncStatus of the live lease ("" when the
// lock is free or the tenant runs local-only).
func (c *Controller) CurrentSyncStatus(ctx context.Context) (string, error) {
	c.mu.Lock()
	locks := c.locks
	c.mu.Unlock()
	if locks == nil {
		return "", nil
	}
	return locks.Status(ctx)
}

// LastSyncTime returns when a tenant last completed Synchronize in this
// process.
func (c *Controller) LastSyncTime(tenantID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.lastSync[tenantID]
	return t, ok
}

// PendingChanges returns the number of unsynchronized change-log entries
// (0 in local-only mode).
func (c *Controller) PendingChanges(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == "" {
		return 0, ErrNoTenant
	}
	if c.log == nil {
		return 0, nil
	}
	return c.log.CountUnsynced(ctx)
}

// ListTenants returns the declared tenant list when the parameter source
// carries one, otherwise it scans the network share for reconciliation
// databases.
func (c *Controller) ListTenants() ([]string, error) {
	declared, err := c.params.Tenants()
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	if len(declared) > 0 {
		out := append([]string(nil), declared...)
		sort.Strings(out)
		return out, nil
	}

	entries, err := os.ReadDir(c.settings.NetworkDirectory)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, c.settings.Prefix) || !strings.HasSuffix(name, ".db") {
			continue
		}
		if strings.HasSuffix(name, c.settings.ControlSuffix+".db") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, c.settings.Prefix), ".db")
		if id != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Publish pushes a local replica to the network under the global lock.
func (c *Controller) Publish(ctx context.Context, kind publish.Kind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == "" {
		return ErrNoTenant
	}
	if c.control == nil {
		return ErrSyncUnavailable
	}
	h, err := c.locks.Acquire(ctx, fmt.Sprintf("Publish %s %s", kind, c.current), 30*time.Second, 0)
	if err != nil {
		return fmt.Errorf("publish %s: %w", c.current, err)
	}
	defer h.Release(context.WithoutCancel(ctx))
	return c.pub.PublishLocalToNetwork(ctx, kind)
}

// SyncAnchor reads the tenant's sync anchor from the control store.
// ok=false when no refresh has completed yet or the tenant runs
// local-only.
func (c *Controller) SyncAnchor(ctx context.Context) (time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == "" {
		return time.Time{}, false, ErrNoTenant
	}
	if c.control == nil {
		return time.Time{}, false, nil
	}
	return c.control.Anchor(ctx)
}

// SyncTables returns the configured replication table filter (empty means
// every table with a change-log entry replicates).
func (c *Controller) SyncTables() []string {
	return append([]string(nil), c.settings.SyncTables...)
}

// SyncResult summarizes one Synchronize call.
type SyncResult struct {
	NoOp   bool
	Pushed replicate.Result
}

// Synchronize pushes pending changes and brings the local replica up to
// date. When nothing is pending and the local copy already matches the
// network, it returns a no-op without touching the lock.
func (c *Controller) Synchronize(ctx context.Context) (SyncResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == "" {
		return SyncResult{}, ErrNoTenant
	}
	if c.control == nil {
		return SyncResult{}, ErrSyncUnavailable
	}

	pending, err := c.log.CountUnsynced(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("synchronize: %w", err)
	}
	if pending == 0 && !c.reconStaleLocked() {
		c.lastSync[c.current] = c.now()
		return SyncResult{NoOp: true}, nil
	}

	var res SyncResult
	if pending > 0 {
		pushed, err := c.rep.PushPending(ctx, false)
		if err != nil {
			return SyncResult{}, fmt.Errorf("synchronize: %w", err)
		}
		res.Pushed = pushed
	}
	if c.reconStaleLocked() {
		if err := c.refreshLocalReconLocked(ctx); err != nil {
			return SyncResult{}, fmt.Errorf("synchronize: %w", err)
		}
	}

	c.lastSync[c.current] = c.now()
	return res, nil
}

// reconStaleLocked reports whether a network reconciliation copy exists and
// differs from the local one.
func (c *Controller) reconStaleLocked() bool {
	if _, err := os.Stat(c.paths.Network[publish.KindReconciliation]); err != nil {
		return false
	}
	return !c.pub.ReplicaCurrent(publish.KindReconciliation)
}

// refreshLocalReconLocked replaces the local replica file with the network
// copy. The connection closes first so the swap happens on a quiesced file,
// then every component holding the old connection is rebuilt.
func (c *Controller) refreshLocalReconLocked(ctx context.Context) error {
	if err := c.local.Close(); err != nil {
		return err
	}
	refreshErr := c.pub.RefreshLocalFromNetwork(ctx, publish.KindReconciliation)

	local, openErr := store.Open(c.paths.Local[publish.KindReconciliation])
	if openErr != nil {
		return openErr
	}
	c.local = local
	if c.control != nil {
		c.wireSyncLocked()
	}
	return refreshErr
}

// ApplyImportBatch writes an import to the local ambre replica under the
// global lock with change logging suppressed, records the run and publishes
// the result to the network. Bulk loads replace the network copy wholesale
// instead of replaying row by row.
func (c *Controller) ApplyImportBatch(ctx context.Context, source string, toAdd, toUpdate, toArchive []*row.Entity) (batch.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == "" {
		return batch.Result{}, ErrNoTenant
	}

	var handle *lock.Handle
	if c.locks != nil {
		var err error
		handle, err = c.locks.Acquire(ctx, "Import "+source, 30*time.Second, 0)
		if err != nil {
			return batch.Result{}, fmt.Errorf("apply import %s: %w", source, err)
		}
		defer handle.Release(context.WithoutCancel(ctx))
	}

	ambre, err := store.Open(c.paths.Local[publish.KindAmbre])
	if err != nil {
		return batch.Result{}, fmt.Errorf("apply import %s: %w", source, err)
	}

	w := batch.NewWriter(ambre.DB(), c.log, batch.WithClock(c.now))
	res, err := w.Apply(ctx, toAdd, toUpdate, toArchive, true)
	// The publish step copies the file, so the connection closes first.
	closeErr := ambre.Close()
	if err != nil {
		return batch.Result{}, fmt.Errorf("apply import %s: %w", source, err)
	}
	if closeErr != nil {
		return batch.Result{}, fmt.Errorf("apply import %s: %w", source, closeErr)
	}

	if c.control != nil {
		if err := c.control.RecordImportRun(ctx, source, res.Added, res.Updated, res.Archived); err != nil {
			slog.Warn("record import run failed", "source", source, "error", err)
		}
		if err := c.pub.PublishLocalToNetwork(ctx, publish.KindAmbre); err != nil {
			return res, fmt.Errorf("apply import %s: publish: %w", source, err)
		}
	}

	slog.Info("import applied", "tenant", c.current, "source", source,
		"added", res.Added, "updated", res.Updated, "archived", res.Archived)
	return res, nil
}
