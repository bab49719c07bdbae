// Package row holds the dynamic row model shared by the batch writer and
// the replicator: a schema-free column bag (Entity), coercion between Go
// values and declared column storage types, and the business checksum used
// to short-circuit no-op updates.
//
// Nothing in this package touches a database. Binding decisions are always
// driven by the declared column type reported by the schema inspector,
// never by the Go dynamic type of the value being bound.
package row
