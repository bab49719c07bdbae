// Package replicate replays the pending change log onto the network replica.
//
// A push runs under the tenant's global lock, applies every pending entry in
// FIFO order inside one network transaction, marks the replayed entries
// synchronized and refreshes the local replica from the freshly written
// network copy.
package replicate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/PocKeTio/RT2-sub005/internal/changelog"
	"github.com/PocKeTio/RT2-sub005/internal/lock"
	"github.com/PocKeTio/RT2-sub005/internal/publish"
	"github.com/PocKeTio/RT2-sub005/internal/row"
	"github.com/PocKeTio/RT2-sub005/internal/schema"
	"github.com/PocKeTio/RT2-sub005/internal/store"
)

const (
	// pushCooldown suppresses back-to-back pushes; bursts of local writes
	// coalesce into the next cycle.
	pushCooldown = 5 * time.Second

	// replayBudget bounds how long one push may hold the global lock.
	replayBudget = 5 * time.Minute

	// lockWaitBudget bounds how long a push waits for a contended lock. It
	// matches replayBudget: a waiter outlasts any lease the holder renews
	// for a full replay cycle.
	lockWaitBudget = 5 * time.Minute
)

// Progress strings published through the lease's SyncStatus column.
const (
	StatusPushing    = "Pushing"
	StatusRefreshing = "Refreshing"
	StatusDone       = "Done"
)

// ErrPushInProgress reports that this process is already pushing.
var ErrPushInProgress = errors.New("push already in progress")

// Result summarizes one push cycle.
type Result struct {
	Replayed int // entries applied to the network replica
	Skipped  int // entries whose source row vanished locally
}

// Config wires a replicator to one tenant's stores.
type Config struct {
	TenantID    string
	Local       *sql.DB
	NetworkPath string
	Log         *changelog.Log
	Locks       *lock.Manager
	Publisher   *publish.Publisher // optional; skips the refresh step when nil
	Tables      []string           // optional eligibility filter; empty means every table
}

// Replicator pushes a tenant's pending changes to the network replica.
type Replicator struct {
	cfg  Config
	now  func() time.Time
	gate *semaphore.Weighted

	mu       sync.Mutex
	lastPush time.Time
}

type Option func(*Replicator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Replicator) { r.now = now }
}

func New(cfg Config, opts ...Option) *Replicator {
	r := &Replicator{
		cfg:  cfg,
		now:  time.Now,
		gate: semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PushPending replays all pending change-log entries onto the network
// replica. At most one push runs per process; a second concurrent call
// fails with ErrPushInProgress. Pushes within the cooldown window of the
// previous one return an empty result without doing work.
//
// assumeLockHeld skips lock acquisition for callers that already hold the
// tenant's global lock.
func (r *Replicator) PushPending(ctx context.Context, assumeLockHeld bool) (Result, error) {
	if !r.gate.TryAcquire(1) {
		return Result{}, ErrPushInProgress
	}
	defer r.gate.Release(1)

	r.mu.Lock()
	inCooldown := !r.lastPush.IsZero() && r.now().Sub(r.lastPush) < pushCooldown
	r.mu.Unlock()
	if inCooldown {
		slog.Debug("push skipped, cooling down", "tenant", r.cfg.TenantID)
		return Result{}, nil
	}

	entries, err := r.cfg.Log.ListUnsynced(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("push pending: %w", err)
	}
	if len(entries) == 0 {
		return Result{}, nil
	}

	var handle *lock.Handle
	if !assumeLockHeld {
		handle, err = r.cfg.Locks.Acquire(ctx, "Push pending changes", lockWaitBudget, replayBudget)
		if err != nil {
			return Result{}, fmt.Errorf("push pending: %w", err)
		}
		defer handle.Release(context.WithoutCancel(ctx))
		r.setStatus(ctx, handle, StatusPushing)
	}

	res, synced, err := r.replay(ctx, entries)
	if err != nil {
		return Result{}, fmt.Errorf("push pending: %w", err)
	}
	if len(synced) > 0 {
		if err := r.cfg.Log.MarkSynced(ctx, synced); err != nil {
			return Result{}, fmt.Errorf("push pending: %w", err)
		}
	}

	if r.cfg.Publisher != nil {
		r.setStatus(ctx, handle, StatusRefreshing)
		if err := r.cfg.Publisher.RefreshLocalFromNetwork(ctx, publish.KindReconciliation); err != nil {
			// Pushed data is already safe on the network; the local copy
			// catches up on the next cycle.
			slog.Warn("post-push refresh failed", "tenant", r.cfg.TenantID, "error", err)
		}
	}
	r.setStatus(ctx, handle, StatusDone)

	r.mu.Lock()
	r.lastPush = r.now()
	r.mu.Unlock()

	slog.Info("push complete",
		"tenant", r.cfg.TenantID, "replayed", res.Replayed, "skipped", res.Skipped)
	return res, nil
}

func (r *Replicator) setStatus(ctx context.Context, h *lock.Handle, status string) {
	if h == nil {
		return
	}
	if err := h.SetStatus(ctx, status); err != nil {
		slog.Warn("lock status update failed", "status", status, "error", err)
	}
}

// replay applies the entries in one network transaction and returns the ids
// to mark synchronized. Entries whose source row vanished locally are
// counted as skipped but still marked, so they never replay again.
func (r *Replicator) replay(ctx context.Context, entries []changelog.Entry) (Result, []int64, error) {
	net, err := store.OpenNetwork(r.cfg.NetworkPath)
	if err != nil {
		return Result{}, nil, fmt.Errorf("open network replica: %w", err)
	}
	defer net.Close()

	netInsp := schema.NewInspector(net.DB())
	localInsp := schema.NewInspector(r.cfg.Local)

	// Warm the descriptor cache before the transaction starts. The network
	// pool has a single connection; a PRAGMA probe issued mid-transaction
	// would wait forever on the connection the transaction holds.
	seen := make(map[string]struct{})
	for _, e := range entries {
		if !r.tableEligible(e.TableName) {
			continue
		}
		key := strings.ToLower(e.TableName)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if _, err := netInsp.Describe(ctx, e.TableName); err != nil {
			return Result{}, nil, fmt.Errorf("describe network table %s: %w", e.TableName, err)
		}
	}

	tx, err := net.DB().BeginTx(ctx, nil)
	if err != nil {
		return Result{}, nil, fmt.Errorf("begin network tx: %w", err)
	}
	defer tx.Rollback()

	deadline := r.now().Add(replayBudget)
	var (
		res    Result
		synced []int64
	)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return Result{}, nil, err
		}
		if !r.now().Before(deadline) {
			slog.Warn("replay budget exhausted",
				"tenant", r.cfg.TenantID, "done", len(synced), "pending", len(entries)-len(synced))
			break
		}

		if !r.tableEligible(e.TableName) {
			res.Skipped++
			synced = append(synced, e.ID)
			continue
		}

		applied, err := r.replayEntry(ctx, tx, netInsp, localInsp, e)
		if err != nil {
			return Result{}, nil, fmt.Errorf("replay entry %d (%s %s/%s): %w",
				e.ID, e.Operation, e.TableName, e.RecordID, err)
		}
		if applied {
			res.Replayed++
		} else {
			res.Skipped++
		}
		synced = append(synced, e.ID)
	}

	if err := tx.Commit(); err != nil {
		return Result{}, nil, fmt.Errorf("commit network tx: %w", err)
	}
	return res, synced, nil
}

// tableEligible applies the configured table filter. Ineligible entries are
// marked synchronized without replaying, so the queue stays clean.
func (r *Replicator) tableEligible(table string) bool {
	if len(r.cfg.Tables) == 0 {
		return true
	}
	for _, t := range r.cfg.Tables {
		if strings.EqualFold(t, table) {
			return true
		}
	}
	return false
}

func (r *Replicator) replayEntry(ctx context.Context, tx *sql.Tx, netInsp, localInsp *schema.Inspector, e changelog.Entry) (bool, error) {
	desc, err := netInsp.Describe(ctx, e.TableName)
	if err != nil {
		return false, err
	}

	switch e.Operation {
	case changelog.OpDelete:
		return true, r.replayDelete(ctx, tx, desc, e.RecordID)
	case changelog.OpInsert, changelog.OpUpdate:
		return r.replayUpsert(ctx, tx, desc, localInsp, e)
	default:
		return false, fmt.Errorf("unknown operation %q", e.Operation)
	}
}

// replayDelete archives the record on the network replica. Soft delete when
// the table carries tombstone columns, physical delete otherwise. A record
// already gone is not an error.
func (r *Replicator) replayDelete(ctx context.Context, tx *sql.Tx, desc *schema.TableDescriptor, recordID string) error {
	t0 := r.now().UTC()

	hasIsDeleted := desc.HasColumn(row.ColIsDeleted)
	hasDeleteDate := desc.HasColumn(row.ColDeleteDate)
	if !hasIsDeleted && !hasDeleteDate {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`,
			schema.QuoteIdent(desc.Name), schema.QuoteIdent(desc.PK)), recordID)
		return err
	}

	var (
		sets []string
		args []any
	)
	if hasIsDeleted {
		sets = append(sets, schema.QuoteIdent(row.ColIsDeleted)+" = 1")
	}
	if hasDeleteDate {
		v, err := row.BindValue(desc.DeclaredType(row.ColDeleteDate), t0)
		if err != nil {
			return err
		}
		sets = append(sets, schema.QuoteIdent(row.ColDeleteDate)+" = ?")
		args = append(args, v)
	}
	if desc.HasColumn(row.ColLastModified) {
		v, err := row.BindValue(desc.DeclaredType(row.ColLastModified), t0)
		if err != nil {
			return err
		}
		sets = append(sets, schema.QuoteIdent(row.ColLastModified)+" = ?")
		args = append(args, v)
	}
	args = append(args, recordID)

	_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE %s = ?`,
		schema.QuoteIdent(desc.Name), strings.Join(sets, ", "), schema.QuoteIdent(desc.PK)), args...)
	return err
}

// replayUpsert copies the current local row to the network replica. The
// local row is the source of truth; the logged operation only hints at
// intent, so a record that already exists remotely is updated either way.
func (r *Replicator) replayUpsert(ctx context.Context, tx *sql.Tx, desc *schema.TableDescriptor, localInsp *schema.Inspector, e changelog.Entry) (bool, error) {
	values, err := r.loadLocalRow(ctx, localInsp, e.TableName, e.RecordID)
	if err != nil {
		return false, err
	}
	if values == nil {
		// Deleted locally after the entry was logged.
		return false, nil
	}

	var exists int
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = ?`,
		schema.QuoteIdent(desc.Name), schema.QuoteIdent(desc.PK)), e.RecordID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("probe existing record: %w", err)
	}

	if exists > 0 {
		return true, r.updateNetworkRow(ctx, tx, desc, values, e.RecordID)
	}
	return true, r.insertNetworkRow(ctx, tx, desc, values)
}

func (r *Replicator) updateNetworkRow(ctx context.Context, tx *sql.Tx, desc *schema.TableDescriptor, values map[string]any, recordID string) error {
	var (
		sets []string
		args []any
	)
	for _, col := range desc.Columns {
		if strings.EqualFold(col, desc.PK) {
			continue
		}
		v, ok := values[strings.ToLower(col)]
		if !ok {
			continue
		}
		bound, err := row.BindValue(desc.DeclaredType(col), v)
		if err != nil {
			return err
		}
		sets = append(sets, schema.QuoteIdent(col)+" = ?")
		args = append(args, bound)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, recordID)

	_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE %s = ?`,
		schema.QuoteIdent(desc.Name), strings.Join(sets, ", "), schema.QuoteIdent(desc.PK)), args...)
	return err
}

func (r *Replicator) insertNetworkRow(ctx context.Context, tx *sql.Tx, desc *schema.TableDescriptor, values map[string]any) error {
	var (
		cols         []string
		placeholders []string
		args         []any
	)
	for _, col := range desc.Columns {
		v, ok := values[strings.ToLower(col)]
		if !ok {
			continue
		}
		bound, err := row.BindValue(desc.DeclaredType(col), v)
		if err != nil {
			return err
		}
		cols = append(cols, schema.QuoteIdent(col))
		placeholders = append(placeholders, "?")
		args = append(args, bound)
	}
	if len(cols) == 0 {
		return fmt.Errorf("no transferable columns")
	}

	_, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		schema.QuoteIdent(desc.Name), strings.Join(cols, ", "), strings.Join(placeholders, ", ")), args...)
	return err
}

// loadLocalRow reads the full local row by primary key and returns its
// values keyed by lowercased column name, decoded per declared type. A nil
// map means the row does not exist.
func (r *Replicator) loadLocalRow(ctx context.Context, insp *schema.Inspector, table, recordID string) (map[string]any, error) {
	desc, err := insp.Describe(ctx, table)
	if err != nil {
		return nil, err
	}

	rows, err := r.cfg.Local.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s WHERE %s = ?`,
		schema.QuoteIdent(desc.Name), schema.QuoteIdent(desc.PK)), recordID)
	if err != nil {
		return nil, fmt.Errorf("read local row: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("read local row: %w", err)
		}
		return nil, nil
	}

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read local row: %w", err)
	}
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("read local row: %w", err)
	}

	values := make(map[string]any, len(cols))
	for i, col := range cols {
		v, err := row.ReadValue(desc.DeclaredType(col), raw[i])
		if err != nil {
			return nil, fmt.Errorf("read local row: column %s: %w", col, err)
		}
		values[strings.ToLower(col)] = v
	}
	return values, nil
}
