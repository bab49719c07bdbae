package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handle is a held lease. Release is idempotent and stops the heartbeat
// deterministically before deleting the lock row.
type Handle struct {
	manager *Manager
	lockID  string
	expiry  time.Duration

	mu       sync.Mutex
	released bool
	hbCancel context.CancelFunc
	hbDone   chan struct{}
}

// LockID returns the lease's unique id.
func (h *Handle) LockID() string {
	return h.lockID
}

// heartbeatPeriod clamps expiry/2 into [15s, 120s].
func heartbeatPeriod(expiry time.Duration) time.Duration {
	p := expiry / 2
	if p < 15*time.Second {
		p = 15 * time.Second
	}
	if p > 120*time.Second {
		p = 120 * time.Second
	}
	return p
}

// startHeartbeat spawns the renewal task. Renewal failures are swallowed:
// a missed beat only risks expiry-based reclamation, which is the designed
// crash recovery path anyway.
func (h *Handle) startHeartbeat() {
	ctx, cancel := context.WithCancel(context.Background())
	h.hbCancel = cancel
	h.hbDone = make(chan struct{})

	go func() {
		defer close(h.hbDone)
		ticker := time.NewTicker(heartbeatPeriod(h.expiry))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := h.renew(ctx); err != nil {
					slog.Warn("lock heartbeat failed", "lock_id", h.lockID, "error", err)
				}
			}
		}
	}()
}

func (h *Handle) renew(ctx context.Context) error {
	cs, err := h.manager.control()
	if err != nil {
		return err
	}
	next := h.manager.now().UTC().Add(h.expiry).Format(sqlTimeLayout)
	_, err = cs.DB().ExecContext(ctx,
		`UPDATE SyncLocks SET ExpiresAt = ? WHERE LockID = ?`, next, h.lockID)
	return err
}

// SetStatus updates the SyncStatus column of this lease, the side channel
// the UI polls during replication.
func (h *Handle) SetStatus(ctx context.Context, status string) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return fmt.Errorf("set lock status: lease already released")
	}
	h.mu.Unlock()

	cs, err := h.manager.control()
	if err != nil {
		return fmt.Errorf("set lock status: %w", err)
	}
	_, err = cs.DB().ExecContext(ctx,
		`UPDATE SyncLocks SET SyncStatus = ? WHERE LockID = ?`, status, h.lockID)
	if err != nil {
		return fmt.Errorf("set lock status: %w", err)
	}
	return nil
}

// Release deletes the lock row. Safe to call more than once; the heartbeat
// is stopped before the row disappears so a renewal can never resurrect it.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	cancel, done := h.hbCancel, h.hbDone
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	cs, err := h.manager.control()
	if err != nil {
		return fmt.Errorf("release global lock: %w", err)
	}
	if _, err := cs.DB().ExecContext(ctx,
		`DELETE FROM SyncLocks WHERE LockID = ?`, h.lockID); err != nil {
		return fmt.Errorf("release global lock: %w", err)
	}
	slog.Info("global lock released", "lock_id", h.lockID)
	return nil
}
