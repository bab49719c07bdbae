// Package schema introspects target-store tables: column set, primary key
// and declared column types. Descriptors are memoized per inspector so a
// higher-level operation (batch apply, push cycle) probes each table once.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
)

// TableDescriptor is the result of introspecting one table.
type TableDescriptor struct {
	Name    string
	Columns []string          // declaration order
	PK      string            // resolved primary-key column
	Types   map[string]string // column -> declared storage type (lowercased keys)
}

// HasColumn reports whether the table carries the column, case-insensitively.
func (d *TableDescriptor) HasColumn(name string) bool {
	_, ok := d.Types[strings.ToLower(name)]
	return ok
}

// DeclaredType returns the declared type of a column ("" when absent).
func (d *TableDescriptor) DeclaredType(name string) string {
	return d.Types[strings.ToLower(name)]
}

// Inspector resolves table descriptors against one live connection.
//
// Descriptors are cached for the inspector's lifetime; create a fresh
// inspector (or call Invalidate) after reconnecting or after DDL.
type Inspector struct {
	db *sql.DB

	mu    sync.Mutex
	cache map[string]*TableDescriptor
}

// NewInspector creates an inspector bound to the connection.
func NewInspector(db *sql.DB) *Inspector {
	return &Inspector{db: db, cache: make(map[string]*TableDescriptor)}
}

// Invalidate drops all memoized descriptors.
func (i *Inspector) Invalidate() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cache = make(map[string]*TableDescriptor)
}

// Describe returns the descriptor for a table.
//
// The primary key resolves in order: declared primary key, first column of
// the first unique index, a column literally named ID, the first column.
// Unknown tables (or tables reporting zero columns) are an error.
func (i *Inspector) Describe(ctx context.Context, table string) (*TableDescriptor, error) {
	key := strings.ToLower(table)

	i.mu.Lock()
	if d, ok := i.cache[key]; ok {
		i.mu.Unlock()
		return d, nil
	}
	i.mu.Unlock()

	d, err := i.describe(ctx, table)
	if err != nil {
		return nil, err
	}

	i.mu.Lock()
	i.cache[key] = d
	i.mu.Unlock()
	return d, nil
}

func (i *Inspector) describe(ctx context.Context, table string) (*TableDescriptor, error) {
	d := &TableDescriptor{Name: table, Types: make(map[string]string)}

	rows, err := i.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer rows.Close()

	var declaredPK string
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("describe %s: scan column: %w", table, err)
		}
		d.Columns = append(d.Columns, name)
		d.Types[strings.ToLower(name)] = typ
		if pk == 1 && declaredPK == "" {
			declaredPK = name
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	if len(d.Columns) == 0 {
		return nil, fmt.Errorf("describe %s: table not found or has no columns", table)
	}

	d.PK = declaredPK
	if d.PK == "" {
		uniq, err := i.firstUniqueIndexColumn(ctx, table)
		if err != nil {
			return nil, err
		}
		d.PK = uniq
	}
	if d.PK == "" {
		for _, c := range d.Columns {
			if strings.EqualFold(c, "ID") {
				d.PK = c
				break
			}
		}
	}
	if d.PK == "" {
		d.PK = d.Columns[0]
	}

	return d, nil
}

// firstUniqueIndexColumn returns the first column of the first unique index
// on the table ("" when none exists).
func (i *Inspector) firstUniqueIndexColumn(ctx context.Context, table string) (string, error) {
	rows, err := i.db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%s)", quoteIdent(table)))
	if err != nil {
		return "", fmt.Errorf("index_list %s: %w", table, err)
	}
	defer rows.Close()

	var indexName string
	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return "", fmt.Errorf("index_list %s: scan: %w", table, err)
		}
		if unique == 1 {
			indexName = name
			break
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("index_list %s: %w", table, err)
	}
	if indexName == "" {
		return "", nil
	}

	var col string
	irows, err := i.db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%s)", quoteIdent(indexName)))
	if err != nil {
		return "", fmt.Errorf("index_info %s: %w", indexName, err)
	}
	defer irows.Close()
	for irows.Next() {
		var (
			seqno int
			cid   int
			name  sql.NullString
		)
		if err := irows.Scan(&seqno, &cid, &name); err != nil {
			return "", fmt.Errorf("index_info %s: scan: %w", indexName, err)
		}
		if col == "" && name.Valid {
			col = name.String
		}
	}
	if err := irows.Err(); err != nil {
		return "", fmt.Errorf("index_info %s: %w", indexName, err)
	}
	return col, nil
}

// quoteIdent quotes an identifier for interpolation into PRAGMA and DDL
// text, where placeholders are not accepted.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteIdent exposes identifier quoting for statement builders.
func QuoteIdent(name string) string {
	return quoteIdent(name)
}
