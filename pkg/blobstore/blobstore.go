// Package blobstore implements content-addressed storage for the data
// service: blobs are written under a SHA-256 hash of their plaintext
// content, sharded two levels deep, and made visible only by an atomic
// rename once the hash is known.
package blobstore

import (
	"context"
	"errors"
	"io"
	"regexp"
)

var (
	ErrNotFound   = errors.New("blobstore: blob not found")
	ErrBadHash    = errors.New("blobstore: malformed hash")
	ErrPathEscape = errors.New("blobstore: resolved path escapes storage root")
)

// hashPattern matches 64-character hex SHA-256 digests, in either case,
// which this store addresses blobs by; it also doubles as the path-traversal guard since
// a value that matches can never contain "/" or "..".
var hashPattern = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

// ValidateHash rejects anything that isn't a well-formed hex digest
// before it is ever used to build a filesystem or object-store path.
func ValidateHash(hash string) error {
	if !hashPattern.MatchString(hash) {
		return ErrBadHash
	}
	return nil
}

// Shard returns the two-level directory components for a hash:
// H[0:2], H[2:4]. Callers join these with the storage root and the
// full hash to get the final blob path or object key.
func Shard(hash string) (string, string) {
	return hash[0:2], hash[2:4]
}

// Store is the capability a data service exposes over the wire
// protocol's UPLOAD/DOWNLOAD commands.
//
// Put stores r under the caller-supplied, already-validated hash: the
// uploaded stream is the encrypted blob, while hash addresses the
// plaintext, so the store must never derive hash from the stream
// itself. The blob becomes visible under hash only once the stream is
// fully received and atomically renamed into place; if a blob with
// that hash already exists, Put discards the new copy (deduplication
// short-circuit).
//
// Get returns a reader for the blob addressed by hash, along with its
// size, or ErrNotFound.
type Store interface {
	Put(ctx context.Context, hash string, size int64, r io.Reader) error
	Get(ctx context.Context, hash string) (io.ReadCloser, int64, error)
	Exists(ctx context.Context, hash string) (bool, error)
	FreeSpace(ctx context.Context) (int64, error)
}

// GCStore is the optional capability a Store implements when it can
// enumerate and remove blobs outside the normal Put/Get path. The
// reconciliation collector uses it to find and delete blobs this node
// holds that no name service still has a committed record for.
type GCStore interface {
	ListHashes(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, hash string) error
}
