package metadata

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileStoreCommitAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.log")
	store, err := OpenFileStore(path)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	rec := Record{Hash: "abc123", Filename: "report.pdf", Location: "10.0.0.5:5369", StorageID: "sid-1"}
	require.NoError(t, store.LogAddFile(ctx, rec))

	got, err := store.QueryByHash(ctx, "abc123")
	require.NoError(t, err)
	require.Equal(t, rec.Filename, got.Filename)

	hash, err := store.QueryHashByStorageID(ctx, "sid-1")
	require.NoError(t, err)
	require.Equal(t, "abc123", hash)
}

func TestFileStoreReplaysLogOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.log")
	store, err := OpenFileStore(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.LogAddFile(ctx, Record{Hash: "h1", Filename: "a", Location: "l", StorageID: "s1"}))
	require.NoError(t, store.Close())

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.QueryByHash(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, "a", got.Filename)
}

func TestFileStoreUploadLockExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.log")
	store, err := OpenFileStore(path)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	ok, err := store.TryAcquireUploadLock(ctx, "h1", "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.TryAcquireUploadLock(ctx, "h1", "node-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.ReleaseUploadLock(ctx, "h1", "node-a"))

	ok, err = store.TryAcquireUploadLock(ctx, "h1", "node-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFileStoreUploadLockExpires(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.log")
	store, err := OpenFileStore(path)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	ok, err := store.TryAcquireUploadLock(ctx, "h1", "node-a", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.TryAcquireUploadLock(ctx, "h1", "node-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired lock must not block a new acquirer")
}

func TestCachedStoreFillsReverseIndexOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.log")
	backend, err := OpenFileStore(path)
	require.NoError(t, err)
	defer backend.Close()

	cached, err := NewCachedStore(backend, 16, false)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, cached.LogAddFile(ctx, Record{Hash: "h1", Filename: "a", Location: "l", StorageID: "s1"}))

	hash, err := cached.QueryHashByStorageID(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "h1", hash)
}

func TestCachedStoreDisabledBypassesCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.log")
	backend, err := OpenFileStore(path)
	require.NoError(t, err)
	defer backend.Close()

	cached, err := NewCachedStore(backend, 16, true)
	require.NoError(t, err)
	require.Nil(t, cached.byHash)
}
