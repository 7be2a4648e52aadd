package local

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutWritesUnderTaskIdentity(t *testing.T) {
	t.Parallel()

	store, err := New(t.TempDir())
	require.NoError(t, err)

	path, written, err := store.Put("task-1", "/images/logo.png", []byte{0x89, 0x50})
	require.NoError(t, err)
	require.True(t, written)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte{0x89, 0x50}, data)
	require.Equal(t, filepath.Join("task-1", "images", "logo.png"), mustRel(t, store.baseDir, path))
}

func TestPutSkipsExistingFile(t *testing.T) {
	t.Parallel()

	store, err := New(t.TempDir())
	require.NoError(t, err)

	path, written, err := store.Put("task-1", "/file.bin", []byte("first"))
	require.NoError(t, err)
	require.True(t, written)

	_, written, err = store.Put("task-1", "/file.bin", []byte("second"))
	require.NoError(t, err)
	require.False(t, written)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "first", string(data))
}

func TestPutNormalizesDoubledSeparators(t *testing.T) {
	t.Parallel()

	store, err := New(t.TempDir())
	require.NoError(t, err)

	path, written, err := store.Put("task-1", "//a//b.dat", []byte("x"))
	require.NoError(t, err)
	require.True(t, written)
	require.Equal(t, filepath.Join("task-1", "a", "b.dat"), mustRel(t, store.baseDir, path))
}

func TestPutRejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := New(t.TempDir())
	require.NoError(t, err)

	// path.Clean collapses the traversal inside the task directory, so the
	// result must still live under the root.
	p, _, err := store.Put("task-1", "/../../../etc/passwd", []byte("x"))
	if err == nil {
		require.Contains(t, p, store.baseDir)
	}
}

func mustRel(t *testing.T, base, target string) string {
	t.Helper()
	rel, err := filepath.Rel(base, target)
	require.NoError(t, err)
	return rel
}
