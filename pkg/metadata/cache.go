package metadata

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// CachedStore fronts a backend Store with a write-through LRU: reads
// check the cache before the backend and fill it on a miss; writes go
// to the backend first and only then populate the cache, in both the
// forward (hash -> record) and reverse (storageId -> hash) direction,
// so QueryHashByStorageID never falls back to a linear scan.
//
// A Disabled cache bypasses both caches entirely and talks straight to
// the backend, for deployments that would rather trade latency for a
// simpler cache-invalidation story.
type CachedStore struct {
	backend Store

	disabled bool
	byHash   *lru.Cache
	byStore  *lru.Cache
}

func NewCachedStore(backend Store, size int, disabled bool) (*CachedStore, error) {
	if disabled {
		return &CachedStore{backend: backend, disabled: true}, nil
	}

	byHash, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	byStore, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{backend: backend, byHash: byHash, byStore: byStore}, nil
}

func (c *CachedStore) QueryByHash(ctx context.Context, hash string) (*Record, error) {
	if c.disabled {
		return c.backend.QueryByHash(ctx, hash)
	}

	if v, ok := c.byHash.Get(hash); ok {
		rec := v.(Record)
		return &rec, nil
	}

	rec, err := c.backend.QueryByHash(ctx, hash)
	if err != nil {
		return nil, err
	}

	c.byHash.Add(hash, *rec)
	c.byStore.Add(rec.StorageID, rec.Hash)
	return rec, nil
}

func (c *CachedStore) QueryHashByStorageID(ctx context.Context, storageID string) (string, error) {
	if c.disabled {
		return c.backend.QueryHashByStorageID(ctx, storageID)
	}

	if v, ok := c.byStore.Get(storageID); ok {
		return v.(string), nil
	}

	hash, err := c.backend.QueryHashByStorageID(ctx, storageID)
	if err != nil {
		return "", err
	}
	c.byStore.Add(storageID, hash)
	return hash, nil
}

func (c *CachedStore) LogAddFile(ctx context.Context, rec Record) error {
	if err := c.backend.LogAddFile(ctx, rec); err != nil {
		return err
	}
	if !c.disabled {
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		c.byHash.Add(rec.Hash, rec)
		c.byStore.Add(rec.StorageID, rec.Hash)
	}
	return nil
}

func (c *CachedStore) TryAcquireUploadLock(ctx context.Context, hash, nodeID string, ttl time.Duration) (bool, error) {
	return c.backend.TryAcquireUploadLock(ctx, hash, nodeID, ttl)
}

func (c *CachedStore) ReleaseUploadLock(ctx context.Context, hash, nodeID string) error {
	return c.backend.ReleaseUploadLock(ctx, hash, nodeID)
}

func (c *CachedStore) Recover(ctx context.Context) ([]Record, error) {
	return c.backend.Recover(ctx)
}

func (c *CachedStore) Close() error {
	return c.backend.Close()
}
