package publish

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Compactor produces a compacted copy of a database file. Implementations
// return the temp file path, or "" when compaction is unavailable and the
// caller should fall back to the raw source.
type Compactor interface {
	CompactAndRepair(ctx context.Context, source string) (string, error)
}

// SQLiteCompactor compacts with VACUUM INTO, which also verifies the file
// is a readable database.
type SQLiteCompactor struct{}

// CompactAndRepair writes a compacted copy next to the source and returns
// its path. The caller removes the temp file when done.
func (SQLiteCompactor) CompactAndRepair(ctx context.Context, source string) (string, error) {
	db, err := sql.Open("sqlite3", source)
	if err != nil {
		return "", fmt.Errorf("compact %s: %w", filepath.Base(source), err)
	}
	defer db.Close()

	tmp := fmt.Sprintf("%s.compact_%s", source, uuid.NewString()[:8])
	// VACUUM INTO refuses to overwrite.
	os.Remove(tmp)

	if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, tmp); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("compact %s: %w", filepath.Base(source), err)
	}
	return tmp, nil
}

// NopCompactor reports compaction unavailable; the publisher uses the raw
// source file.
type NopCompactor struct{}

func (NopCompactor) CompactAndRepair(context.Context, string) (string, error) {
	return "", nil
}

// checkpointWAL folds any write-ahead frames into the main database file so
// a raw file copy carries every committed transaction. A no-op for files in
// rollback-journal mode.
func checkpointWAL(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", filepath.Base(path), err)
	}
	defer db.Close()

	var busy, logFrames, moved int
	err = db.QueryRowContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`).Scan(&busy, &logFrames, &moved)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", filepath.Base(path), err)
	}
	if busy != 0 {
		return fmt.Errorf("checkpoint %s: wal readers active", filepath.Base(path))
	}
	return nil
}
