package cache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLockFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestKeyIsDeterministic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	lock := writeLockFile(t, dir, "Cargo.lock", "serde = \"1.0\"\n")

	a, err := Key("linux", []string{lock})
	require.NoError(t, err)
	b, err := Key("linux", []string{lock})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "linux-"))
}

func TestKeyChangesWithContent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	lock := writeLockFile(t, dir, "Cargo.lock", "serde = \"1.0\"\n")

	before, err := Key("linux", []string{lock})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(lock, []byte("serde = \"1.1\"\n"), 0o644))
	after, err := Key("linux", []string{lock})
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
}

func TestKeyChangesWithOS(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	lock := writeLockFile(t, dir, "Cargo.lock", "tokio = \"1\"\n")

	linux, err := Key("linux", []string{lock})
	require.NoError(t, err)
	macos, err := Key("macos", []string{lock})
	require.NoError(t, err)

	assert.NotEqual(t, linux, macos)
}

func TestKeyChangesWithPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := writeLockFile(t, dir, "Cargo.lock", "same\n")
	b := writeLockFile(t, dir, "other.lock", "same\n")

	keyA, err := Key("linux", []string{a})
	require.NoError(t, err)
	keyB, err := Key("linux", []string{b})
	require.NoError(t, err)

	assert.NotEqual(t, keyA, keyB)
}

func TestKeyErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	lock := writeLockFile(t, dir, "Cargo.lock", "x\n")

	_, err := Key("", []string{lock})
	assert.Error(t, err)

	_, err = Key("linux", nil)
	assert.Error(t, err)

	_, err = Key("linux", []string{filepath.Join(dir, "missing.lock")})
	assert.Error(t, err)
}
