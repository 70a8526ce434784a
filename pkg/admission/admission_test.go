package admission

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hashgrid/pkg/metadata"
)

// failingLogStore wraps a real metadata.Store and forces LogAddFile to
// fail, so tests can exercise the durability-error branch of Commit
// without a fault-injecting metadata backend.
type failingLogStore struct {
	metadata.Store
}

func (f failingLogStore) LogAddFile(ctx context.Context, rec metadata.Record) error {
	return errors.New("injected durability failure")
}

func newTestController(t *testing.T) (*Controller, metadata.Store) {
	path := filepath.Join(t.TempDir(), "metadata.log")
	store, err := metadata.OpenFileStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := NewController(store, "node-a", 10*time.Minute, time.Hour, 30*time.Minute)
	t.Cleanup(c.Stop)
	return c, store
}

func TestPreUploadAllowsNewHash(t *testing.T) {
	c, _ := newTestController(t)
	d, _, err := c.PreUpload(context.Background(), "hash1")
	require.NoError(t, err)
	require.Equal(t, DecisionAllow, d)
}

func TestPreUploadWaitsWhilePending(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	d, _, err := c.PreUpload(ctx, "hash1")
	require.NoError(t, err)
	require.Equal(t, DecisionAllow, d)

	d, _, err = c.PreUpload(ctx, "hash1")
	require.NoError(t, err)
	require.Equal(t, DecisionWait, d)
}

func TestPreUploadExistsAfterCommit(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	_, _, err := c.PreUpload(ctx, "hash1")
	require.NoError(t, err)

	_, err = c.Commit(ctx, "hash1", "file.bin", "10.0.0.1:5369")
	require.NoError(t, err)

	d, loc, err := c.PreUpload(ctx, "hash1")
	require.NoError(t, err)
	require.Equal(t, DecisionExists, d)
	require.Equal(t, "10.0.0.1:5369", loc)
}

func TestCommitIsIdempotent(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	_, _, err := c.PreUpload(ctx, "hash1")
	require.NoError(t, err)

	id1, err := c.Commit(ctx, "hash1", "file.bin", "10.0.0.1:5369")
	require.NoError(t, err)

	id2, err := c.Commit(ctx, "hash1", "file.bin", "10.0.0.1:5369")
	require.NoError(t, err)

	require.Equal(t, id1, id2)
}

func TestCommitFailureStillClearsPending(t *testing.T) {
	store, err := metadata.OpenFileStore(filepath.Join(t.TempDir(), "metadata.log"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := NewController(failingLogStore{store}, "node-a", 10*time.Minute, time.Hour, 30*time.Minute)
	t.Cleanup(c.Stop)
	ctx := context.Background()

	_, _, err = c.PreUpload(ctx, "hash1")
	require.NoError(t, err)

	_, err = c.Commit(ctx, "hash1", "file.bin", "10.0.0.1:5369")
	require.Error(t, err)

	d, _, err := c.PreUpload(ctx, "hash1")
	require.NoError(t, err)
	require.Equal(t, DecisionAllow, d, "a failed commit must not leave the hash stuck in pending")
}

func TestChooseDataNodeWeighted(t *testing.T) {
	nodes := []DataNode{
		{Address: "a", FreeSpace: 100},
		{Address: "b", FreeSpace: 0},
	}
	rng := rand.New(rand.NewSource(1))

	counts := map[string]int{}
	for i := 0; i < 100; i++ {
		n, ok := ChooseDataNode(nodes, rng)
		require.True(t, ok)
		counts[n.Address]++
	}
	require.Equal(t, 100, counts["a"])
}

func TestChooseDataNodeUniformFallback(t *testing.T) {
	nodes := []DataNode{{Address: "a"}, {Address: "b"}}
	rng := rand.New(rand.NewSource(1))

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		n, ok := ChooseDataNode(nodes, rng)
		require.True(t, ok)
		seen[n.Address] = true
	}
	require.True(t, len(seen) > 0)
}

func TestChooseDataNodeEmpty(t *testing.T) {
	_, ok := ChooseDataNode(nil, rand.New(rand.NewSource(1)))
	require.False(t, ok)
}
