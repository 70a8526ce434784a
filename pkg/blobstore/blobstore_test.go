package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func sha256Hex(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func TestPutGetRoundTrip(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore([]string{root}, nil)
	require.NoError(t, err)

	content := []byte("the quick brown fox")
	hash := sha256Hex(content)

	require.NoError(t, store.Put(context.Background(), hash, int64(len(content)), bytes.NewReader(content)))

	r, size, err := store.Get(context.Background(), hash)
	require.NoError(t, err)
	defer r.Close()
	require.EqualValues(t, len(content), size)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestPutRejectsMalformedHash(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore([]string{root}, nil)
	require.NoError(t, err)

	err = store.Put(context.Background(), "../secret", 4, bytes.NewReader([]byte("aaaa")))
	require.ErrorIs(t, err, ErrBadHash)
}

func TestPutRejectsShortUploadAndLeavesNoTempOrFinalFile(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore([]string{root}, nil)
	require.NoError(t, err)

	content := []byte("the quick brown fox")
	hash := sha256Hex(content)

	// The declared size exceeds what the reader actually has, modeling
	// a client that disconnects mid-upload.
	err = store.Put(context.Background(), hash, int64(len(content))+10, bytes.NewReader(content))
	require.Error(t, err)

	_, _, err = store.Get(context.Background(), hash)
	require.ErrorIs(t, err, ErrNotFound)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp", "incomplete upload must not leave a temp file behind")
	}
}

func TestPutDeduplicates(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore([]string{root}, nil)
	require.NoError(t, err)

	content := []byte("duplicate me")
	hash := sha256Hex(content)

	require.NoError(t, store.Put(context.Background(), hash, int64(len(content)), bytes.NewReader(content)))
	require.NoError(t, store.Put(context.Background(), hash, int64(len(content)), bytes.NewReader(content)))

	r, _, err := store.Get(context.Background(), hash)
	require.NoError(t, err)
	r.Close()
}

func TestConcurrentPutOfSameContentHasOneWinner(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore([]string{root}, nil)
	require.NoError(t, err)

	content := []byte("race condition content")
	hash := sha256Hex(content)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.Put(context.Background(), hash, int64(len(content)), bytes.NewReader(content))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	r, _, err := store.Get(context.Background(), hash)
	require.NoError(t, err)
	r.Close()
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore([]string{root}, nil)
	require.NoError(t, err)

	_, _, err = store.Get(context.Background(), "000000000000000000000000000000000000000000000000000000000000000a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestValidateHashRejectsPathTraversal(t *testing.T) {
	for _, bad := range []string{"../../etc/passwd", "short", "", "zz" + string(make([]byte, 62))} {
		require.Error(t, ValidateHash(bad))
	}
}

func TestListHashesAndDelete(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore([]string{root}, nil)
	require.NoError(t, err)

	h1, h2 := sha256Hex([]byte("aaaa")), sha256Hex([]byte("bbbb"))
	require.NoError(t, store.Put(context.Background(), h1, 4, bytes.NewReader([]byte("aaaa"))))
	require.NoError(t, store.Put(context.Background(), h2, 4, bytes.NewReader([]byte("bbbb"))))

	hashes, err := store.ListHashes(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{h1, h2}, hashes)

	require.NoError(t, store.Delete(context.Background(), h1))

	hashes, err = store.ListHashes(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{h2}, hashes)

	_, _, err = store.Get(context.Background(), h1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIndexFallsBackOnMiss(t *testing.T) {
	root := t.TempDir()
	indexPath := t.TempDir()
	idx, err := OpenIndex(indexPath)
	require.NoError(t, err)
	defer idx.Close()

	store, err := NewFSStore([]string{root}, idx)
	require.NoError(t, err)

	content := []byte("indexed content")
	hash := sha256Hex(content)
	require.NoError(t, store.Put(context.Background(), hash, int64(len(content)), bytes.NewReader(content)))

	got, ok := idx.Get(hash)
	require.True(t, ok)
	require.Equal(t, root, got)

	idx.Delete(hash)
	r, _, err := store.Get(context.Background(), hash)
	require.NoError(t, err)
	r.Close()
}
