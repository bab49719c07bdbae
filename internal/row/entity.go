package row

import "strings"

// Metadata column names recognized by the writer and replicator. Tables are
// not required to carry any of them; presence is detected per table via the
// schema inspector.
const (
	ColLastModified = "LastModified"
	ColIsDeleted    = "IsDeleted"
	ColDeleteDate   = "DeleteDate"
	ColCRC          = "CRC"
	ColCreationDate = "CreationDate"
	ColModifiedBy   = "ModifiedBy"
	ColVersion      = "Version"
)

// Entity is an ordered-by-nothing bag of column values destined for (or read
// from) a single table row. Column names are case-insensitive, matching the
// storage engine's behavior; the first writer of a column fixes its spelling.
type Entity struct {
	Table   string
	Columns map[string]any
}

// NewEntity creates an empty entity for the given table.
func NewEntity(table string) *Entity {
	return &Entity{Table: table, Columns: make(map[string]any)}
}

// key returns the stored spelling of name, or name itself if absent.
func (e *Entity) key(name string) string {
	if _, ok := e.Columns[name]; ok {
		return name
	}
	for k := range e.Columns {
		if strings.EqualFold(k, name) {
			return k
		}
	}
	return name
}

// Get returns the value for a column, case-insensitively.
func (e *Entity) Get(name string) (any, bool) {
	v, ok := e.Columns[e.key(name)]
	return v, ok
}

// Has reports whether the entity carries the column.
func (e *Entity) Has(name string) bool {
	_, ok := e.Get(name)
	return ok
}

// Set stores a value under the column name, replacing any existing value
// regardless of case.
func (e *Entity) Set(name string, v any) {
	e.Columns[e.key(name)] = v
}

// Delete removes a column, case-insensitively. Missing columns are a no-op.
func (e *Entity) Delete(name string) {
	delete(e.Columns, e.key(name))
}

// Names returns the column names in map order. Callers needing a stable
// order must sort.
func (e *Entity) Names() []string {
	names := make([]string, 0, len(e.Columns))
	for k := range e.Columns {
		names = append(names, k)
	}
	return names
}

// Clone returns a shallow copy of the entity.
func (e *Entity) Clone() *Entity {
	c := NewEntity(e.Table)
	for k, v := range e.Columns {
		c.Columns[k] = v
	}
	return c
}
