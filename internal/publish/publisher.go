// Package publish moves database files between the local working directory
// and the network share. Every replacement goes through a staged copy and an
// atomic rename, so readers of either side always see a whole file.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Kind names one of the replicated database files.
type Kind string

const (
	KindReconciliation Kind = "reconciliation"
	KindAmbre          Kind = "ambre"
	KindDW             Kind = "dw"
)

const savedDirName = "Saved"

// Paths holds the local and network location of each replica.
type Paths struct {
	Local   map[Kind]string
	Network map[Kind]string
}

// Publisher copies replicas between the local disk and the network share.
type Publisher struct {
	paths     Paths
	compactor Compactor
	anchor    func(ctx context.Context, t time.Time) error
	now       func() time.Time
}

type Option func(*Publisher)

// WithCompactor overrides the default SQLiteCompactor.
func WithCompactor(c Compactor) Option {
	return func(p *Publisher) { p.compactor = c }
}

// WithAnchorAdvance installs a callback invoked with the refresh time after
// a successful RefreshLocalFromNetwork.
func WithAnchorAdvance(fn func(ctx context.Context, t time.Time) error) Option {
	return func(p *Publisher) { p.anchor = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

func New(paths Paths, opts ...Option) *Publisher {
	p := &Publisher{
		paths:     paths,
		compactor: SQLiteCompactor{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) locate(kind Kind) (local, network string, err error) {
	local, ok := p.paths.Local[kind]
	if !ok || local == "" {
		return "", "", fmt.Errorf("no local path configured for %q", kind)
	}
	network, ok = p.paths.Network[kind]
	if !ok || network == "" {
		return "", "", fmt.Errorf("no network path configured for %q", kind)
	}
	return local, network, nil
}

// PublishLocalToNetwork pushes the local replica to the network share.
// The existing network file is backed up into Saved/ once per day, the
// source is compacted when the compactor supports it, and the target is
// replaced atomically.
func (p *Publisher) PublishLocalToNetwork(ctx context.Context, kind Kind) error {
	if kind == KindDW {
		return fmt.Errorf("publish %q: datawarehouse replica is read-only", kind)
	}
	local, network, err := p.locate(kind)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if _, err := os.Stat(local); err != nil {
		return fmt.Errorf("publish %q: local replica missing: %w", kind, err)
	}

	if _, err := os.Stat(network); err == nil {
		if err := p.dailyBackup(network); err != nil {
			slog.Warn("daily backup failed", "kind", kind, "error", err)
		}
	}

	source := local
	tmp, err := p.compactor.CompactAndRepair(ctx, local)
	switch {
	case err != nil:
		slog.Warn("compaction failed, publishing raw file", "kind", kind, "error", err)
	case tmp != "":
		source = tmp
		defer os.Remove(tmp)
	}

	if source == local {
		// A raw file copy misses committed frames still sitting in the WAL
		// sidecar when another connection holds the file open.
		if err := checkpointWAL(ctx, local); err != nil {
			slog.Warn("wal checkpoint before raw publish failed", "kind", kind, "error", err)
		}
	}

	if err := stageAndReplace(source, network); err != nil {
		return fmt.Errorf("publish %q: %w", kind, err)
	}
	slog.Info("published replica", "kind", kind, "target", network)
	return nil
}

// RefreshLocalFromNetwork replaces the local replica with the network copy.
// The network file must exist and must not be exclusively open elsewhere.
// On success the sync anchor advances to the refresh time.
func (p *Publisher) RefreshLocalFromNetwork(ctx context.Context, kind Kind) error {
	local, network, err := p.locate(kind)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	if _, err := os.Stat(network); err != nil {
		return fmt.Errorf("refresh %q: network replica missing: %w", kind, err)
	}
	if IsExclusivelyOpen(ctx, network) {
		return fmt.Errorf("refresh %q: network replica is exclusively open", kind)
	}

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return fmt.Errorf("refresh %q: %w", kind, err)
	}
	if err := stageAndReplace(network, local); err != nil {
		return fmt.Errorf("refresh %q: %w", kind, err)
	}
	slog.Info("refreshed replica", "kind", kind, "target", local)

	if p.anchor != nil {
		if err := p.anchor(ctx, p.now().UTC()); err != nil {
			return fmt.Errorf("refresh %q: advance anchor: %w", kind, err)
		}
	}
	return nil
}

// EnsureLocalSnapshotsUpToDate refreshes the read-only replicas whose local
// copy no longer matches the network on {size, mtime}. Failures are logged
// and do not stop the other replicas.
func (p *Publisher) EnsureLocalSnapshotsUpToDate(ctx context.Context) error {
	for _, kind := range []Kind{KindAmbre, KindDW} {
		local, network, err := p.locate(kind)
		if err != nil {
			slog.Debug("snapshot not configured", "kind", kind)
			continue
		}
		if _, err := os.Stat(network); err != nil {
			slog.Debug("snapshot missing on network", "kind", kind)
			continue
		}
		if sameFileStat(local, network) {
			continue
		}
		if err := p.RefreshLocalFromNetwork(ctx, kind); err != nil {
			slog.Warn("snapshot refresh failed", "kind", kind, "error", err)
		}
	}
	return nil
}

// ReplicaCurrent reports whether the local copy matches the network copy on
// {size, lastWriteUtc}. Either side missing counts as out of date.
func (p *Publisher) ReplicaCurrent(kind Kind) bool {
	local, network, err := p.locate(kind)
	if err != nil {
		return false
	}
	return sameFileStat(local, network)
}

// dailyBackup copies the network file into Saved/{base}_{YYYY-MM-DD}{ext}
// next to it. At most one backup per calendar day is kept.
func (p *Publisher) dailyBackup(network string) error {
	dir := filepath.Join(filepath.Dir(network), savedDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	base := filepath.Base(network)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	name := fmt.Sprintf("%s_%s%s", stem, p.now().UTC().Format("2006-01-02"), ext)
	target := filepath.Join(dir, name)

	if _, err := os.Stat(target); err == nil {
		return nil
	}
	return copyFile(network, target)
}
