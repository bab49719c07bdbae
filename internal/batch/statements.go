package batch

import (
	"sort"
	"strings"

	"github.com/PocKeTio/RT2-sub005/internal/schema"
)

// signatureColumns returns the entity's columns in a deterministic order so
// statements with the same shape share one cache slot.
func signatureColumns(cols []string) []string {
	out := make([]string, len(cols))
	copy(out, cols)
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i]) < strings.ToLower(out[j])
	})
	return out
}

// cacheKey identifies a prepared statement: table, operation and column
// signature.
func cacheKey(table, op string, cols []string) string {
	return table + "|" + op + "|" + strings.ToLower(strings.Join(cols, ","))
}

// buildInsertSQL renders INSERT INTO t (c1, c2, …) VALUES (?, ?, …).
func buildInsertSQL(table string, cols []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(schema.QuoteIdent(table))
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(schema.QuoteIdent(c))
	}
	b.WriteString(") VALUES (")
	for i := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("?")
	}
	b.WriteString(")")
	return b.String()
}

// buildUpdateSQL renders UPDATE t SET … WHERE pk = ?, with the CRC guard
// appended when the table carries a CRC column:
//
//	pk = ? AND (CRC <> ? OR CRC IS NULL OR ? IS NULL)
//
// The guard makes a concurrent no-op update affect zero rows instead of
// rewriting identical values.
func buildUpdateSQL(table string, setCols []string, pk string, withCRCGuard bool) string {
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(schema.QuoteIdent(table))
	b.WriteString(" SET ")
	for i, c := range setCols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(schema.QuoteIdent(c))
		b.WriteString(" = ?")
	}
	b.WriteString(" WHERE ")
	b.WriteString(schema.QuoteIdent(pk))
	b.WriteString(" = ?")
	if withCRCGuard {
		b.WriteString(" AND (CRC <> ? OR CRC IS NULL OR ? IS NULL)")
	}
	return b.String()
}

// buildSoftDeleteSQL renders the archive UPDATE for tables carrying
// IsDeleted and/or DeleteDate (plus LastModified when present).
func buildSoftDeleteSQL(table string, hasIsDeleted, hasDeleteDate, hasLastModified bool, pk string) string {
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(schema.QuoteIdent(table))
	b.WriteString(" SET ")
	first := true
	set := func(col, expr string) {
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(schema.QuoteIdent(col))
		b.WriteString(" = ")
		b.WriteString(expr)
	}
	if hasIsDeleted {
		set("IsDeleted", "1")
	}
	if hasDeleteDate {
		set("DeleteDate", "?")
	}
	if hasLastModified {
		set("LastModified", "?")
	}
	b.WriteString(" WHERE ")
	b.WriteString(schema.QuoteIdent(pk))
	b.WriteString(" = ?")
	return b.String()
}

// buildHardDeleteSQL renders the physical DELETE used when the table has
// neither soft-delete column.
func buildHardDeleteSQL(table, pk string) string {
	return "DELETE FROM " + schema.QuoteIdent(table) + " WHERE " + schema.QuoteIdent(pk) + " = ?"
}

// buildCRCFetchSQL renders the chunked prefetch of stored CRCs:
// SELECT pk, CRC FROM t WHERE pk IN (?, ?, …).
func buildCRCFetchSQL(table, pk string, n int) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(schema.QuoteIdent(pk))
	b.WriteString(", CRC FROM ")
	b.WriteString(schema.QuoteIdent(table))
	b.WriteString(" WHERE ")
	b.WriteString(schema.QuoteIdent(pk))
	b.WriteString(" IN (")
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("?")
	}
	b.WriteString(")")
	return b.String()
}
