package cache

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeci/lattice/internal/storage"
)

func testManager(t *testing.T) (*FSManager, string) {
	t.Helper()
	dir := t.TempDir()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(dir, "state", "lattice.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	lock := writeLockFile(t, dir, "Cargo.lock", "serde = \"1.0\"\n")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m, err := NewFSManager(filepath.Join(dir, "cache"), []string{lock}, db, logger)
	require.NoError(t, err)
	return m, dir
}

func TestRestoreMissIsNotAnError(t *testing.T) {
	t.Parallel()

	m, _ := testManager(t)

	found, path, err := m.Restore(context.Background(), "linux-deadbeef")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, path)
}

func TestSaveThenRestore(t *testing.T) {
	t.Parallel()

	m, dir := testManager(t)
	ctx := context.Background()

	work := filepath.Join(dir, "target")
	require.NoError(t, os.MkdirAll(filepath.Join(work, "deps"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(work, "deps", "libserde.rlib"), []byte("obj"), 0o644))

	key, err := m.Key("linux")
	require.NoError(t, err)

	require.NoError(t, m.Save(ctx, key, work))

	found, path, err := m.Restore(ctx, key)
	require.NoError(t, err)
	require.True(t, found)

	data, err := os.ReadFile(filepath.Join(path, "deps", "libserde.rlib"))
	require.NoError(t, err)
	assert.Equal(t, []byte("obj"), data)
}

func TestSaveLastWriterWins(t *testing.T) {
	t.Parallel()

	m, dir := testManager(t)
	ctx := context.Background()

	first := filepath.Join(dir, "first")
	require.NoError(t, os.MkdirAll(first, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(first, "marker"), []byte("one"), 0o644))

	second := filepath.Join(dir, "second")
	require.NoError(t, os.MkdirAll(second, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(second, "marker"), []byte("two"), 0o644))

	key, err := m.Key("linux")
	require.NoError(t, err)

	require.NoError(t, m.Save(ctx, key, first))
	require.NoError(t, m.Save(ctx, key, second))

	found, path, err := m.Restore(ctx, key)
	require.NoError(t, err)
	require.True(t, found)

	data, err := os.ReadFile(filepath.Join(path, "marker"))
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)
}

func TestRestoreMissingBlobIsAMiss(t *testing.T) {
	t.Parallel()

	m, dir := testManager(t)
	ctx := context.Background()

	work := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(work, 0o755))

	key, err := m.Key("linux")
	require.NoError(t, err)
	require.NoError(t, m.Save(ctx, key, work))

	// Blob evicted behind the index's back.
	found, path, err := m.Restore(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, os.RemoveAll(path))

	found, _, err = m.Restore(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSaveMissingSourceFails(t *testing.T) {
	t.Parallel()

	m, dir := testManager(t)

	err := m.Save(context.Background(), "linux-cafe", filepath.Join(dir, "does-not-exist"))
	assert.Error(t, err)
}

func TestSaveEmptyKeyFails(t *testing.T) {
	t.Parallel()

	m, dir := testManager(t)
	assert.Error(t, m.Save(context.Background(), "", dir))

	_, _, err := m.Restore(context.Background(), "")
	assert.Error(t, err)
}
