// Package metadata implements the (filename, content-hash, location,
// storageId) bookkeeping that the name service commits once a data
// service has acknowledged a successful upload.
//
// Two backends satisfy Store: a flat append-only log for single-Name-
// service deployments, and a relational backend for deployments that
// run several Name services against one shared database. CachedStore
// fronts either backend with a write-through LRU.
package metadata

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("metadata: record not found")
	ErrLockHeld  = errors.New("metadata: upload lock already held")
)

// Record is one committed (filename, hash, location, storageId) tuple.
type Record struct {
	Hash      string
	Filename  string
	Location  string // data service address the blob lives at
	StorageID string
	CreatedAt time.Time
}

// Store is the persistence capability the admission controller and
// name service dispatcher depend on. Implementations must be safe for
// concurrent use.
type Store interface {
	// QueryByHash returns the committed record for hash, or
	// (nil, ErrNotFound).
	QueryByHash(ctx context.Context, hash string) (*Record, error)

	// QueryHashByStorageID resolves a client-facing storageId back to
	// its content hash, or ErrNotFound.
	QueryHashByStorageID(ctx context.Context, storageID string) (string, error)

	// LogAddFile durably commits rec. Callers must have already
	// received a successful upload acknowledgement from the data
	// service named in rec.Location before calling this.
	LogAddFile(ctx context.Context, rec Record) error

	// TryAcquireUploadLock attempts to take the cluster-wide upload
	// lock for hash on behalf of nodeID, valid for ttl. It returns
	// false (not an error) if another node currently holds it.
	TryAcquireUploadLock(ctx context.Context, hash, nodeID string, ttl time.Duration) (bool, error)

	// ReleaseUploadLock releases a lock this node holds. Releasing a
	// lock that has already expired or was never held is not an error.
	ReleaseUploadLock(ctx context.Context, hash, nodeID string) error

	// Recover returns every committed record, used to rebuild any
	// in-memory reverse indexes on startup.
	Recover(ctx context.Context) ([]Record, error)

	Close() error
}
