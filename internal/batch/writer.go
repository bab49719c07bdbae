// Package batch applies reconciliation mutations (adds, updates and
// archives) to a tenant's local store in one transaction, with prepared
// statements cached per (table, operation, column signature) and a CRC
// short circuit that turns no-op updates into no work at all.
package batch

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PocKeTio/RT2-sub005/internal/changelog"
	"github.com/PocKeTio/RT2-sub005/internal/row"
	"github.com/PocKeTio/RT2-sub005/internal/schema"
)

// crcFetchChunk bounds the IN list of the CRC prefetch.
const crcFetchChunk = 200

// Result summarizes one Apply call.
type Result struct {
	Added    int
	Updated  int
	Skipped  int // no-op updates short-circuited by CRC
	Archived int
}

// Writer applies entity batches to one store. Construct one writer per
// tenant store; the change log always records against the tenant's control
// store.
type Writer struct {
	db   *sql.DB
	insp *schema.Inspector
	log  *changelog.Log
	now  func() time.Time
}

// Option configures a Writer.
type Option func(*Writer)

// WithClock overrides the batch timestamp source.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// NewWriter creates a writer over the store connection. log may be nil only
// when every Apply call suppresses the change log (the import path).
func NewWriter(db *sql.DB, log *changelog.Log, opts ...Option) *Writer {
	w := &Writer{db: db, insp: schema.NewInspector(db), log: log, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// prepared is one preprocessed row ready for binding.
type prepared struct {
	desc   *schema.TableDescriptor
	ent    *row.Entity
	pkVal  any
	pkKey  string  // normalized record id, change-log key
	newCRC *uint32 // set when the table carries a CRC column
}

// Apply executes the three lists in a single transaction on the store:
// INSERTs, then UPDATEs, then archives. Empty input is a no-op.
//
// After a successful commit the accumulated (table, record, op) tuples are
// appended to the change log in one call, unless suppressChangeLog is set
// (bulk imports publish whole files instead of replaying rows). A failed
// transaction rolls back and emits no change-log entries.
func (w *Writer) Apply(ctx context.Context, toAdd, toUpdate, toArchive []*row.Entity, suppressChangeLog bool) (Result, error) {
	var res Result
	if len(toAdd) == 0 && len(toUpdate) == 0 && len(toArchive) == 0 {
		return res, nil
	}
	if !suppressChangeLog && w.log == nil {
		return res, fmt.Errorf("apply batch: change log required but not configured")
	}

	// One timestamp for the whole batch.
	t0 := w.now().UTC()

	adds, err := w.prepareAll(ctx, toAdd, changelog.OpInsert, t0)
	if err != nil {
		return res, err
	}
	updates, err := w.prepareAll(ctx, toUpdate, changelog.OpUpdate, t0)
	if err != nil {
		return res, err
	}
	archives, err := w.prepareAll(ctx, toArchive, changelog.OpDelete, t0)
	if err != nil {
		return res, err
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("apply batch: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmts := newStmtCache(tx)
	defer stmts.closeAll()

	var logged []changelog.Pending

	for _, p := range adds {
		if err := w.execInsert(ctx, stmts, p); err != nil {
			return Result{}, err
		}
		res.Added++
		logged = append(logged, changelog.Pending{TableName: p.ent.Table, RecordID: p.pkKey, Operation: changelog.OpInsert})
	}

	skipped, updated, updLog, err := w.execUpdates(ctx, tx, stmts, updates)
	if err != nil {
		return Result{}, err
	}
	res.Skipped = skipped
	res.Updated = updated
	logged = append(logged, updLog...)

	for _, p := range archives {
		if err := w.execArchive(ctx, stmts, p, t0); err != nil {
			return Result{}, err
		}
		res.Archived++
		logged = append(logged, changelog.Pending{TableName: p.ent.Table, RecordID: p.pkKey, Operation: changelog.OpDelete})
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("apply batch: commit: %w", err)
	}

	if !suppressChangeLog && len(logged) > 0 {
		if err := w.log.AppendBatch(ctx, logged); err != nil {
			return Result{}, fmt.Errorf("apply batch: record change log: %w", err)
		}
	}

	slog.Debug("batch applied",
		"added", res.Added, "updated", res.Updated, "skipped", res.Skipped,
		"archived", res.Archived, "log_suppressed", suppressChangeLog)
	return res, nil
}

func (w *Writer) prepareAll(ctx context.Context, entities []*row.Entity, op changelog.Operation, t0 time.Time) ([]*prepared, error) {
	out := make([]*prepared, 0, len(entities))
	for _, e := range entities {
		p, err := w.prepareEntity(ctx, e, op, t0)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// prepareEntity clones the entity, drops columns the table does not carry,
// applies metadata defaults and computes the business CRC.
func (w *Writer) prepareEntity(ctx context.Context, e *row.Entity, op changelog.Operation, t0 time.Time) (*prepared, error) {
	desc, err := w.insp.Describe(ctx, e.Table)
	if err != nil {
		return nil, fmt.Errorf("apply batch: %w", err)
	}

	ent := e.Clone()
	for _, name := range ent.Names() {
		if !desc.HasColumn(name) {
			slog.Debug("dropping unknown column", "table", e.Table, "column", name)
			ent.Delete(name)
		}
	}

	pkVal, ok := ent.Get(desc.PK)
	if !ok || pkVal == nil {
		return nil, fmt.Errorf("apply batch: table %s: row is missing primary key %s", e.Table, desc.PK)
	}

	if op != changelog.OpDelete {
		if desc.HasColumn(row.ColLastModified) {
			ent.Set(row.ColLastModified, t0)
		}
		if op == changelog.OpInsert {
			if desc.HasColumn(row.ColIsDeleted) {
				ent.Set(row.ColIsDeleted, false)
			} else if desc.HasColumn(row.ColDeleteDate) {
				ent.Set(row.ColDeleteDate, nil)
			}
		}
	}

	p := &prepared{
		desc:  desc,
		ent:   ent,
		pkVal: pkVal,
		pkKey: row.NormalizeForChecksum(pkVal),
	}

	if op != changelog.OpDelete && desc.HasColumn(row.ColCRC) {
		crc := row.Checksum(ent, row.ProjectColumns(desc.Columns, desc.PK))
		ent.Set(row.ColCRC, int64(crc))
		p.newCRC = &crc
	}

	return p, nil
}

func (w *Writer) execInsert(ctx context.Context, stmts *stmtCache, p *prepared) error {
	cols := signatureColumns(p.ent.Names())
	stmt, err := stmts.get(ctx, cacheKey(p.ent.Table, "INSERT", cols), func() string {
		return buildInsertSQL(p.ent.Table, cols)
	})
	if err != nil {
		return fmt.Errorf("apply batch: prepare insert %s: %w", p.ent.Table, err)
	}

	args, err := bindColumns(p, cols)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, args...); err != nil {
		return fmt.Errorf("apply batch: insert %s[%s]: %w", p.ent.Table, p.pkKey, err)
	}
	return nil
}

// execUpdates runs the update phase: prefetch stored CRCs per table, skip
// rows whose projection is unchanged, execute the rest.
func (w *Writer) execUpdates(ctx context.Context, tx *sql.Tx, stmts *stmtCache, updates []*prepared) (skipped, updated int, logged []changelog.Pending, err error) {
	byTable := make(map[string][]*prepared)
	var tables []string
	for _, p := range updates {
		key := strings.ToLower(p.ent.Table)
		if _, seen := byTable[key]; !seen {
			tables = append(tables, key)
		}
		byTable[key] = append(byTable[key], p)
	}

	for _, table := range tables {
		rows := byTable[table]
		desc := rows[0].desc
		hasCRC := desc.HasColumn(row.ColCRC)

		var stored map[string]*uint32
		if hasCRC {
			stored, err = fetchStoredCRCs(ctx, tx, desc, rows)
			if err != nil {
				return 0, 0, nil, err
			}
		}

		for _, p := range rows {
			if hasCRC {
				old, exists := stored[p.pkKey]
				if !exists {
					return 0, 0, nil, fmt.Errorf("apply batch: update %s[%s]: unknown primary key", p.ent.Table, p.pkKey)
				}
				if old != nil && p.newCRC != nil && *old == *p.newCRC {
					skipped++
					continue
				}
			}

			setCols := updateSetColumns(p)
			stmt, err := stmts.get(ctx, cacheKey(p.ent.Table, "UPDATE", setCols), func() string {
				return buildUpdateSQL(p.ent.Table, setCols, p.desc.PK, hasCRC)
			})
			if err != nil {
				return 0, 0, nil, fmt.Errorf("apply batch: prepare update %s: %w", p.ent.Table, err)
			}

			args, err := bindColumns(p, setCols)
			if err != nil {
				return 0, 0, nil, err
			}
			pkArg, err := row.BindValue(p.desc.DeclaredType(p.desc.PK), p.pkVal)
			if err != nil {
				return 0, 0, nil, fmt.Errorf("apply batch: bind %s key: %w", p.ent.Table, err)
			}
			args = append(args, pkArg)
			if hasCRC {
				var crcArg any
				if p.newCRC != nil {
					crcArg = int64(*p.newCRC)
				}
				args = append(args, crcArg, crcArg)
			}

			sqlRes, err := stmt.ExecContext(ctx, args...)
			if err != nil {
				return 0, 0, nil, fmt.Errorf("apply batch: update %s[%s]: %w", p.ent.Table, p.pkKey, err)
			}
			affected, err := sqlRes.RowsAffected()
			if err != nil {
				return 0, 0, nil, fmt.Errorf("apply batch: update %s[%s]: rows affected: %w", p.ent.Table, p.pkKey, err)
			}
			if affected == 0 {
				if hasCRC {
					// The row existed during prefetch; a concurrent
					// writer must have landed the same CRC first.
					skipped++
					continue
				}
				return 0, 0, nil, fmt.Errorf("apply batch: update %s[%s]: unknown primary key", p.ent.Table, p.pkKey)
			}
			updated++
			logged = append(logged, changelog.Pending{TableName: p.ent.Table, RecordID: p.pkKey, Operation: changelog.OpUpdate})
		}
	}
	return skipped, updated, logged, nil
}

func (w *Writer) execArchive(ctx context.Context, stmts *stmtCache, p *prepared, t0 time.Time) error {
	desc := p.desc
	hasIsDeleted := desc.HasColumn(row.ColIsDeleted)
	hasDeleteDate := desc.HasColumn(row.ColDeleteDate)
	hasLastModified := desc.HasColumn(row.ColLastModified)

	pkArg, err := row.BindValue(desc.DeclaredType(desc.PK), p.pkVal)
	if err != nil {
		return fmt.Errorf("apply batch: bind %s key: %w", p.ent.Table, err)
	}

	var (
		stmt *sql.Stmt
		args []any
	)
	if hasIsDeleted || hasDeleteDate {
		stmt, err = stmts.get(ctx, cacheKey(p.ent.Table, "ARCHIVE", nil), func() string {
			return buildSoftDeleteSQL(p.ent.Table, hasIsDeleted, hasDeleteDate, hasLastModified, desc.PK)
		})
		if err != nil {
			return fmt.Errorf("apply batch: prepare archive %s: %w", p.ent.Table, err)
		}
		t0Text := t0.Format(time.RFC3339Nano)
		if hasDeleteDate {
			args = append(args, t0Text)
		}
		if hasLastModified {
			args = append(args, t0Text)
		}
		args = append(args, pkArg)
	} else {
		stmt, err = stmts.get(ctx, cacheKey(p.ent.Table, "DELETE", nil), func() string {
			return buildHardDeleteSQL(p.ent.Table, desc.PK)
		})
		if err != nil {
			return fmt.Errorf("apply batch: prepare delete %s: %w", p.ent.Table, err)
		}
		args = []any{pkArg}
	}

	sqlRes, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return fmt.Errorf("apply batch: archive %s[%s]: %w", p.ent.Table, p.pkKey, err)
	}
	affected, err := sqlRes.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply batch: archive %s[%s]: rows affected: %w", p.ent.Table, p.pkKey, err)
	}
	if affected == 0 {
		return fmt.Errorf("apply batch: archive %s[%s]: unknown primary key", p.ent.Table, p.pkKey)
	}
	return nil
}

// updateSetColumns lists the columns an UPDATE writes: every known column
// except the primary key, in signature order.
func updateSetColumns(p *prepared) []string {
	var cols []string
	for _, c := range p.ent.Names() {
		if strings.EqualFold(c, p.desc.PK) {
			continue
		}
		cols = append(cols, c)
	}
	return signatureColumns(cols)
}

// bindColumns binds the listed columns of the entity through declared-type
// coercion.
func bindColumns(p *prepared, cols []string) ([]any, error) {
	args := make([]any, 0, len(cols))
	for _, c := range cols {
		v, _ := p.ent.Get(c)
		bound, err := row.BindValue(p.desc.DeclaredType(c), v)
		if err != nil {
			return nil, fmt.Errorf("apply batch: bind %s.%s: %w", p.ent.Table, c, err)
		}
		args = append(args, bound)
	}
	return args, nil
}

// fetchStoredCRCs prefetches (pk, CRC) for every key in the table's update
// set, in chunks, so no-op updates can be skipped without a per-row probe.
func fetchStoredCRCs(ctx context.Context, tx *sql.Tx, desc *schema.TableDescriptor, rows []*prepared) (map[string]*uint32, error) {
	out := make(map[string]*uint32, len(rows))

	for start := 0; start < len(rows); start += crcFetchChunk {
		end := start + crcFetchChunk
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		args := make([]any, 0, len(chunk))
		for _, p := range chunk {
			bound, err := row.BindValue(desc.DeclaredType(desc.PK), p.pkVal)
			if err != nil {
				return nil, fmt.Errorf("apply batch: bind %s key: %w", desc.Name, err)
			}
			args = append(args, bound)
		}

		query := buildCRCFetchSQL(desc.Name, desc.PK, len(chunk))
		dbRows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("apply batch: prefetch CRCs for %s: %w", desc.Name, err)
		}
		for dbRows.Next() {
			var (
				pk  any
				crc sql.NullInt64
			)
			if err := dbRows.Scan(&pk, &crc); err != nil {
				dbRows.Close()
				return nil, fmt.Errorf("apply batch: prefetch CRCs for %s: scan: %w", desc.Name, err)
			}
			key := row.NormalizeForChecksum(pk)
			if crc.Valid {
				v := uint32(crc.Int64)
				out[key] = &v
			} else {
				out[key] = nil
			}
		}
		closeErr := dbRows.Err()
		dbRows.Close()
		if closeErr != nil {
			return nil, fmt.Errorf("apply batch: prefetch CRCs for %s: %w", desc.Name, closeErr)
		}
	}
	return out, nil
}

// stmtCache holds prepared statements for one transaction, keyed by
// (table, op, column signature).
type stmtCache struct {
	tx    *sql.Tx
	stmts map[string]*sql.Stmt
}

func newStmtCache(tx *sql.Tx) *stmtCache {
	return &stmtCache{tx: tx, stmts: make(map[string]*sql.Stmt)}
}

func (c *stmtCache) get(ctx context.Context, key string, build func() string) (*sql.Stmt, error) {
	if s, ok := c.stmts[key]; ok {
		return s, nil
	}
	s, err := c.tx.PrepareContext(ctx, build())
	if err != nil {
		return nil, err
	}
	c.stmts[key] = s
	return s, nil
}

func (c *stmtCache) closeAll() {
	for _, s := range c.stmts {
		s.Close()
	}
}
