// Package tenant selects the active tenant and wires its stores, lock
// manager, publisher and replicator together.
package tenant

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Configuration keys. Directory keys are required; the rest have defaults.
const (
	KeyDataDirectory            = "DataDirectory"
	KeyCountryDatabaseDirectory = "CountryDatabaseDirectory"
	KeyCountryDatabasePrefix    = "CountryDatabasePrefix"
	KeyAmbreDatabasePrefix      = "AmbreDatabasePrefix"
	KeyDWDatabasePrefix         = "DWDatabasePrefix"
	KeyControlDatabaseSuffix    = "ControlDatabaseSuffix"
	KeySyncTables               = "SyncTables"
	KeyTenants                  = "Tenants"

	defaultDatabasePrefix = "DB_"
	defaultAmbrePrefix    = "Ambre_"
	defaultDWPrefix       = "DW_"
	defaultControlSuffix  = "_sync"
)

// Params supplies configuration values by key, case-insensitively, and the
// declared tenant list (may be empty when tenants are discovered from the
// share instead).
type Params interface {
	Get(key string) (string, bool)
	Tenants() ([]string, error)
}

// FileParams reads configuration from a flat YAML mapping.
type FileParams struct {
	values map[string]string
}

// LoadFileParams parses a YAML file of string key/value pairs.
func LoadFileParams(path string) (*FileParams, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read params file: %w", err)
	}
	var values map[string]string
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("parse params file %s: %w", path, err)
	}
	p := &FileParams{values: make(map[string]string, len(values))}
	for k, v := range values {
		p.values[strings.ToLower(k)] = v
	}
	return p, nil
}

func (p *FileParams) Get(key string) (string, bool) {
	v, ok := p.values[strings.ToLower(key)]
	return v, ok
}

// Tenants returns the comma-separated Tenants key, if present.
func (p *FileParams) Tenants() ([]string, error) {
	raw, ok := p.Get(KeyTenants)
	if !ok {
		return nil, nil
	}
	return splitList(raw), nil
}

// StoreParams reads configuration from the referential database's
// Parameters table (ParamKey, ParamValue). Rows load once, on first access.
type StoreParams struct {
	db *sql.DB

	once   sync.Once
	values map[string]string
}

func NewStoreParams(db *sql.DB) *StoreParams {
	return &StoreParams{db: db}
}

func (p *StoreParams) Get(key string) (string, bool) {
	p.once.Do(p.load)
	v, ok := p.values[strings.ToLower(key)]
	return v, ok
}

// Tenants lists the referential Tenants table.
func (p *StoreParams) Tenants() ([]string, error) {
	rows, err := p.db.Query(`SELECT TenantId FROM Tenants ORDER BY TenantId`)
	if err != nil {
		return nil, fmt.Errorf("list referential tenants: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list referential tenants: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list referential tenants: %w", err)
	}
	return out, nil
}

func (p *StoreParams) load() {
	p.values = make(map[string]string)
	rows, err := p.db.Query(`SELECT ParamKey, ParamValue FROM Parameters`)
	if err != nil {
		slog.Warn("load referential parameters failed", "error", err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			slog.Warn("scan referential parameter failed", "error", err)
			return
		}
		p.values[strings.ToLower(k)] = v
	}
	if err := rows.Err(); err != nil {
		slog.Warn("load referential parameters failed", "error", err)
	}
}

// Settings is the resolved directory layout shared by every tenant.
type Settings struct {
	DataDirectory    string   // local working directory
	NetworkDirectory string   // network share holding the tenant databases
	Prefix           string   // reconciliation database file prefix
	AmbrePrefix      string   // ambre snapshot file prefix
	DWPrefix         string   // datawarehouse snapshot file prefix
	ControlSuffix    string   // control store file suffix (before .db)
	SyncTables       []string // tables eligible for replication ("" = all)
}

// ResolveSettings validates required keys and applies defaults.
func ResolveSettings(p Params) (Settings, error) {
	var s Settings
	var ok bool

	if s.DataDirectory, ok = p.Get(KeyDataDirectory); !ok || s.DataDirectory == "" {
		return Settings{}, fmt.Errorf("resolve settings: %s is required", KeyDataDirectory)
	}
	if s.NetworkDirectory, ok = p.Get(KeyCountryDatabaseDirectory); !ok || s.NetworkDirectory == "" {
		return Settings{}, fmt.Errorf("resolve settings: %s is required", KeyCountryDatabaseDirectory)
	}
	s.Prefix = getOrDefault(p, KeyCountryDatabasePrefix, defaultDatabasePrefix)
	s.AmbrePrefix = getOrDefault(p, KeyAmbreDatabasePrefix, defaultAmbrePrefix)
	s.DWPrefix = getOrDefault(p, KeyDWDatabasePrefix, defaultDWPrefix)
	s.ControlSuffix = getOrDefault(p, KeyControlDatabaseSuffix, defaultControlSuffix)
	if raw, ok := p.Get(KeySyncTables); ok {
		s.SyncTables = splitList(raw)
	}
	return s, nil
}

func getOrDefault(p Params, key, def string) string {
	if v, ok := p.Get(key); ok && v != "" {
		return v
	}
	return def
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
