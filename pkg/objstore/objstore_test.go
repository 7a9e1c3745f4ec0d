package objstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitGCS(t *testing.T) {
	bucket, object, err := SplitGCS("gs://my-bucket/path/to/obj.txt")
	require.NoError(t, err)
	assert.Equal(t, "my-bucket", bucket)
	assert.Equal(t, "path/to/obj.txt", object)

	bucket, object, err = SplitGCS("gs://only-bucket")
	require.NoError(t, err)
	assert.Equal(t, "only-bucket", bucket)
	assert.Equal(t, "", object)

	_, _, err = SplitGCS("/local/path")
	assert.Error(t, err)

	_, _, err = SplitGCS("gs://")
	assert.Error(t, err)
}

func TestLocalPath(t *testing.T) {
	p, ok := LocalPath("file:///tmp/x")
	assert.True(t, ok)
	assert.Equal(t, "/tmp/x", p)

	p, ok = LocalPath("/tmp/y")
	assert.True(t, ok)
	assert.Equal(t, "/tmp/y", p)

	_, ok = LocalPath("gs://bucket/z")
	assert.False(t, ok)
}

func TestLocalCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	store := NewLocalStore()
	dst := filepath.Join(dir, "nested", "deep", "dst.txt")
	require.NoError(t, store.Copy(context.Background(), src, "file://"+dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestLocalCopyMissing(t *testing.T) {
	store := NewLocalStore()
	err := store.Copy(context.Background(), filepath.Join(t.TempDir(), "absent"), filepath.Join(t.TempDir(), "out"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalSyncDir(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("b"), 0o644))

	dst := filepath.Join(t.TempDir(), "mirror")
	store := NewLocalStore()
	require.NoError(t, store.SyncDir(context.Background(), src, dst))

	data, err := os.ReadFile(filepath.Join(dst, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
}

func TestLocalGlob(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.bam", "b.bam", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "d.bam"), 0o755))

	store := NewLocalStore()
	matches, err := store.Glob(context.Background(), filepath.Join(dir, "*.bam"))
	require.NoError(t, err)
	// Directories never match a file wildcard.
	assert.Len(t, matches, 2)
}

func TestLocalExists(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.txt"), nil, 0o644))

	store := NewLocalStore()
	ok, err := store.Exists(context.Background(), filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(context.Background(), filepath.Join(dir, "*.txt"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(context.Background(), filepath.Join(dir, "missing.txt"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRouterDispatch(t *testing.T) {
	router := NewRouter(nil, NewLocalStore())

	dir := t.TempDir()
	require.NoError(t, router.WriteObject(context.Background(), filepath.Join(dir, "x.txt"), []byte("x")))

	ok, err := router.Exists(context.Background(), filepath.Join(dir, "x.txt"))
	require.NoError(t, err)
	assert.True(t, ok)

	// gs:// with no cloud client configured is an error, not a panic.
	_, err = router.Exists(context.Background(), "gs://bucket/obj")
	assert.Error(t, err)
}
