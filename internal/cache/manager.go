// Package cache mediates the dependency cache. Correctness of a build
// never depends on cache presence, only its speed: restores may miss and
// saves may fail without failing the owning job.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Manager is the cache contract the executors depend on.
type Manager interface {
	// Key derives the deterministic cache key for an operating system.
	Key(osName string) (string, error)
	// Restore materializes a prior entry. A miss is (false, "", nil):
	// a signal to rebuild from scratch, not an error.
	Restore(ctx context.Context, key string) (bool, string, error)
	// Save persists path as a new entry under key. Last writer wins:
	// concurrent saves for one key are content-equivalent by construction.
	Save(ctx context.Context, key, path string) error
}

// FSManager stores cache blobs as directories under dir and records
// entries in the sqlite cache index.
type FSManager struct {
	dir       string
	lockFiles []string
	db        *sql.DB
	logger    *slog.Logger
	now       func() time.Time
}

var _ Manager = (*FSManager)(nil)

// NewFSManager creates a filesystem cache rooted at dir, keyed by the
// given dependency lock files.
func NewFSManager(dir string, lockFiles []string, db *sql.DB, logger *slog.Logger) (*FSManager, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is empty")
	}
	return &FSManager{
		dir:       filepath.Clean(dir),
		lockFiles: lockFiles,
		db:        db,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Key implements Manager.
func (m *FSManager) Key(osName string) (string, error) {
	return Key(osName, m.lockFiles)
}

// Restore implements Manager. Index rows without a backing blob directory
// count as misses; eviction of blobs is the storage backend's business.
func (m *FSManager) Restore(ctx context.Context, key string) (bool, string, error) {
	if key == "" {
		return false, "", fmt.Errorf("cache key is empty")
	}

	var blobPath string
	err := m.db.QueryRowContext(ctx, `SELECT blob_path FROM cache_index WHERE key = ?;`, key).Scan(&blobPath)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("query cache index: %w", err)
	}

	info, err := os.Stat(blobPath)
	if err != nil || !info.IsDir() {
		m.logger.Warn("cache index entry has no backing blob, treating as miss", "key", key, "blob_path", blobPath)
		return false, "", nil
	}
	return true, blobPath, nil
}

// Save implements Manager. The blob is staged beside its final location
// and swapped in, so a concurrent restore never sees a half-written entry.
func (m *FSManager) Save(ctx context.Context, key, path string) error {
	if key == "" {
		return fmt.Errorf("cache key is empty")
	}

	dest := filepath.Join(m.dir, key)
	staging := dest + ".staging"

	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clear staging directory: %w", err)
	}
	if err := copyTree(ctx, path, staging); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("stage cache blob: %w", err)
	}
	if err := os.RemoveAll(dest); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("replace cache blob: %w", err)
	}
	if err := os.Rename(staging, dest); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("publish cache blob: %w", err)
	}

	_, err := m.db.ExecContext(ctx, `
INSERT INTO cache_index(key, blob_path, created_at) VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET blob_path = excluded.blob_path, created_at = excluded.created_at;
`, key, dest, m.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record cache entry: %w", err)
	}
	return nil
}

func copyTree(ctx context.Context, srcDir, dstDir string) error {
	srcInfo, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("stat source directory: %w", err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %q is not a directory", srcDir)
	}

	if err := os.MkdirAll(filepath.Dir(dstDir), 0o755); err != nil {
		return fmt.Errorf("create destination parent: %w", err)
	}
	if err := os.Mkdir(dstDir, srcInfo.Mode().Perm()); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == srcDir {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		dstPath := filepath.Join(dstDir, relPath)

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}

		switch {
		case d.IsDir():
			return os.Mkdir(dstPath, info.Mode().Perm())
		case info.Mode().IsRegular():
			return copyFile(path, dstPath, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %q: %w", path, err)
			}
			return os.Symlink(target, dstPath)
		default:
			return fmt.Errorf("unsupported file type for %q (%s)", path, info.Mode().Type())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
