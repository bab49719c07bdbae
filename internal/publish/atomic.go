package publish

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// stageAndReplace copies src into a staging file on the target's volume and
// renames it over the target. Rename on the same filesystem is atomic, so
// the target is always either the old file or the new one, never a torn
// mixture.
//
// When the target already exists, its previous content survives as a
// side-file {target}.bak.
func stageAndReplace(src, target string) error {
	staging := fmt.Sprintf("%s.tmp_%s", target, uuid.NewString()[:8])

	if err := copyFile(src, staging); err != nil {
		os.Remove(staging)
		return fmt.Errorf("stage %s: %w", filepath.Base(target), err)
	}

	if _, err := os.Stat(target); err == nil {
		bak := target + ".bak"
		os.Remove(bak)
		// Hard link keeps the prior version reachable without a second
		// copy. Filesystems without link support just lose the side-file.
		if err := os.Link(target, bak); err != nil {
			slog.Debug("backup side-file not created", "target", target, "error", err)
		}
	}

	if err := os.Rename(staging, target); err != nil {
		os.Remove(staging)
		return fmt.Errorf("replace %s: %w", filepath.Base(target), err)
	}
	return nil
}

// copyFile copies src to dst and preserves the source's modification time,
// so replicas refreshed from the network compare equal on {size, mtime}.
func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// sameFileStat reports whether two files agree on {size, lastWriteUtc}.
// Missing files never compare equal.
func sameFileStat(a, b string) bool {
	ia, err := os.Stat(a)
	if err != nil {
		return false
	}
	ib, err := os.Stat(b)
	if err != nil {
		return false
	}
	return ia.Size() == ib.Size() && ia.ModTime().UTC().Equal(ib.ModTime().UTC())
}
