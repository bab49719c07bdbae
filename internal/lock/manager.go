// Package lock implements the per-tenant global lock: an exclusive lease
// persisted as a row in the control store's SyncLocks table, renewed by a
// heartbeat and reclaimed via expiry when its owner dies.
//
// At most one non-expired lock row exists per tenant at any instant. Other
// workstations observe the lease (and its SyncStatus column) by polling.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/PocKeTio/RT2-sub005/internal/store"
)

const (
	// DefaultExpiry applies when the caller passes zero.
	DefaultExpiry = 180 * time.Second

	// minExpiry is the floor a lease is clamped to once acquired.
	minExpiry = 30 * time.Second

	// pollInterval paces the acquisition loop and WaitForRelease.
	pollInterval = 300 * time.Millisecond

	// StatusAcquired is written to SyncStatus on a fresh lease.
	StatusAcquired = "Acquired"

	// sqlTimeLayout is fixed-width so lexicographic comparison in SQL
	// matches chronological order.
	sqlTimeLayout = "2006-01-02 15:04:05.000"
)

// ErrTimeout reports that the wait budget elapsed while the lock stayed
// held (or the control store stayed unreachable).
var ErrTimeout = errors.New("global lock acquisition timed out")

// errContended marks a poll attempt that found a live lease.
var errContended = errors.New("global lock held by another owner")

// Manager coordinates the global lock for one tenant.
type Manager struct {
	controlPath string
	machine     string
	pid         int
	now         func() time.Time
	alive       func(pid int) bool
	noHeartbeat bool

	mu sync.Mutex
	cs *store.ControlStore
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source. Tests use this to drive expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIdentity overrides the machine/process identity recorded on the lease.
func WithIdentity(machine string, pid int) Option {
	return func(m *Manager) { m.machine = machine; m.pid = pid }
}

// WithProcessProbe overrides the liveness probe used for stale self-locks.
func WithProcessProbe(alive func(pid int) bool) Option {
	return func(m *Manager) { m.alive = alive }
}

// WithoutHeartbeat disables lease renewal. Tests use this to let a lease
// expire naturally.
func WithoutHeartbeat() Option {
	return func(m *Manager) { m.noHeartbeat = true }
}

// NewManager creates a manager bound to a tenant's control store path.
func NewManager(controlPath string, opts ...Option) *Manager {
	host, _ := os.Hostname()
	m := &Manager{
		controlPath: controlPath,
		machine:     host,
		pid:         os.Getpid(),
		now:         time.Now,
		alive:       processAlive,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// control opens (once) the control store used for all lock operations. The
// connection requests immediate transactions so the count-then-insert step
// holds the write lock for its whole duration.
func (m *Manager) control() (*store.ControlStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cs != nil {
		return m.cs, nil
	}
	cs, err := store.OpenControl(m.controlPath + "?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open control store: %w", err)
	}
	m.cs = cs
	return cs, nil
}

// Close releases the cached control-store connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cs == nil {
		return nil
	}
	err := m.cs.Close()
	m.cs = nil
	return err
}

// Acquire obtains the exclusive lease, polling every 300ms until the wait
// budget elapses. waitBudget zero fails fast; expiry zero takes the default
// and is clamped to at least 30 seconds. Transient control-store errors
// count against the budget.
func (m *Manager) Acquire(ctx context.Context, reason string, waitBudget, expiry time.Duration) (*Handle, error) {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if expiry < minExpiry {
		expiry = minExpiry
	}

	cs, err := m.control()
	if err != nil {
		if waitBudget <= 0 {
			return nil, fmt.Errorf("acquire global lock: %w", err)
		}
		// Keep retrying the open inside the budget.
	}

	var lockID string
	attempt := func(ctx context.Context) error {
		if cs == nil {
			cs, err = m.control()
			if err != nil {
				return retry.RetryableError(fmt.Errorf("open control store: %w", err))
			}
		}
		id, acquired, err := m.tryAcquire(ctx, cs.DB(), reason, expiry)
		if err != nil {
			return retry.RetryableError(err)
		}
		if !acquired {
			return retry.RetryableError(errContended)
		}
		lockID = id
		return nil
	}

	if waitBudget <= 0 {
		if err := attempt(ctx); err != nil {
			return nil, fmt.Errorf("acquire global lock: %w: %v", ErrTimeout, errors.Unwrap(err))
		}
	} else {
		backoff := retry.WithMaxDuration(waitBudget, retry.NewConstant(pollInterval))
		if err := retry.Do(ctx, backoff, attempt); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("acquire global lock: %w", ctx.Err())
			}
			return nil, fmt.Errorf("acquire global lock: %w: %v", ErrTimeout, err)
		}
	}

	h := &Handle{manager: m, lockID: lockID, expiry: expiry}
	if !m.noHeartbeat {
		h.startHeartbeat()
	}
	slog.Info("global lock acquired",
		"lock_id", lockID, "reason", reason, "expiry", expiry, "machine", m.machine, "pid", m.pid)
	return h, nil
}

// tryAcquire performs one poll step: purge expired rows, purge stale
// self-locks, then insert when no live lease remains.
func (m *Manager) tryAcquire(ctx context.Context, db *sql.DB, reason string, expiry time.Duration) (string, bool, error) {
	now := m.now().UTC()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin lock tx: %w", err)
	}
	defer tx.Rollback()

	// Expiry-based recovery of crashed owners anywhere on the network.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM SyncLocks WHERE ExpiresAt IS NOT NULL AND ExpiresAt < ?`,
		now.Format(sqlTimeLayout)); err != nil {
		return "", false, fmt.Errorf("purge expired locks: %w", err)
	}

	// Same-machine recovery: reclaim rows whose process no longer runs
	// here, without waiting for expiry. Best effort.
	if err := m.purgeStaleSelfLocks(ctx, tx); err != nil {
		slog.Warn("stale self-lock purge failed", "error", err)
	}

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM SyncLocks WHERE ExpiresAt IS NULL OR ExpiresAt >= ?`,
		now.Format(sqlTimeLayout)).Scan(&active)
	if err != nil {
		return "", false, fmt.Errorf("count active locks: %w", err)
	}
	if active > 0 {
		// Commit so the purges above stick even when contended.
		if err := tx.Commit(); err != nil {
			return "", false, fmt.Errorf("commit lock probe: %w", err)
		}
		return "", false, nil
	}

	lockID := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO SyncLocks (LockID, Reason, CreatedAt, ExpiresAt, MachineName, ProcessId, SyncStatus)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, lockID, reason,
		now.Format(sqlTimeLayout),
		now.Add(expiry).Format(sqlTimeLayout),
		m.machine, m.pid, StatusAcquired)
	if err != nil {
		return "", false, fmt.Errorf("insert lock row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit lock insert: %w", err)
	}
	return lockID, true, nil
}

func (m *Manager) purgeStaleSelfLocks(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT LockID, ProcessId FROM SyncLocks WHERE MachineName = ?`, m.machine)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var (
			id  string
			pid int
		)
		if err := rows.Scan(&id, &pid); err != nil {
			rows.Close()
			return err
		}
		if pid != m.pid && !m.alive(pid) {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM SyncLocks WHERE LockID = ?`, id); err != nil {
			return err
		}
		slog.Info("purged stale self-lock", "lock_id", id, "machine", m.machine)
	}
	return nil
}

// IsActive reports whether any non-expired lease exists for the tenant.
func (m *Manager) IsActive(ctx context.Context) (bool, error) {
	cs, err := m.control()
	if err != nil {
		return false, fmt.Errorf("lock active check: %w", err)
	}
	var n int
	err = cs.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM SyncLocks WHERE ExpiresAt IS NULL OR ExpiresAt >= ?`,
		m.now().UTC().Format(sqlTimeLayout)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lock active check: %w", err)
	}
	return n > 0, nil
}

// Status returns the SyncStatus of the current lease ("" when unlocked).
func (m *Manager) Status(ctx context.Context) (string, error) {
	cs, err := m.control()
	if err != nil {
		return "", fmt.Errorf("lock status: %w", err)
	}
	var status string
	err = cs.DB().QueryRowContext(ctx, `
		SELECT SyncStatus FROM SyncLocks
		WHERE ExpiresAt IS NULL OR ExpiresAt >= ?
		ORDER BY CreatedAt DESC LIMIT 1
	`, m.now().UTC().Format(sqlTimeLayout)).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lock status: %w", err)
	}
	return status, nil
}

// WaitForRelease polls until no live lease remains or the timeout elapses.
// Returns true when the lock is free.
func (m *Manager) WaitForRelease(ctx context.Context, poll, timeout time.Duration) (bool, error) {
	if poll <= 0 {
		poll = pollInterval
	}
	deadline := m.now().Add(timeout)
	for {
		active, err := m.IsActive(ctx)
		if err != nil {
			return false, err
		}
		if !active {
			return true, nil
		}
		if timeout >= 0 && !m.now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(poll):
		}
	}
}

// processAlive reports whether a pid corresponds to a live process on this
// machine. Signal 0 probes existence without delivering anything; EPERM
// still proves the process exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(sigProbe)
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false
	}
	return isPermissionDenied(err)
}
