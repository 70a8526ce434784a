package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"hashgrid/internal/logger"
)

// FSStore stores blobs under one or more local directory roots, each
// sharded two levels deep by hash prefix. Roots are probed in order on
// read; writes pick the root with the most free space.
//
// fileLock serializes the check-then-rename sequence across the whole
// store, matching the single static monitor the original ingest path
// synchronizes on: two uploads of the same content racing to become the
// canonical file must never both win.
type FSStore struct {
	roots []string
	index *Index

	fileLock sync.Mutex
}

func NewFSStore(roots []string, index *Index) (*FSStore, error) {
	if len(roots) == 0 {
		return nil, errors.New("blobstore: at least one storage root is required")
	}
	for _, r := range roots {
		if err := os.MkdirAll(r, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create storage root %s", r)
		}
	}
	return &FSStore{roots: roots, index: index}, nil
}

func (s *FSStore) blobPath(root, hash string) string {
	d1, d2 := Shard(hash)
	return filepath.Join(root, d1, d2, hash)
}

// validatePath re-derives the path from its hash and confirms the
// result is still lexically inside root, guarding against a hash value
// that slipped past ValidateHash some other way (defense in depth for
// any code path that builds a path without going through blobPath).
func (s *FSStore) validatePath(root, path string) error {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	pathAbs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(rootAbs, pathAbs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ErrPathEscape
	}
	return nil
}

func (s *FSStore) Put(ctx context.Context, hash string, size int64, r io.Reader) error {
	if err := ValidateHash(hash); err != nil {
		return err
	}

	root, err := s.pickWriteRoot(ctx)
	if err != nil {
		return err
	}

	finalPath := s.blobPath(root, hash)
	if err := s.validatePath(root, finalPath); err != nil {
		return err
	}

	tmpPath := filepath.Join(root, fmt.Sprintf(".%s.%s.tmp", hash, uuid.New().String()))
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}

	// CopyN stops at exactly size bytes and returns io.EOF if the source
	// runs dry first, so a client that disconnects mid-upload produces
	// an error here rather than a silently truncated blob.
	_, copyErr := io.CopyN(f, r, size)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(tmpPath)
		return errors.Wrap(copyErr, "incomplete upload")
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return errors.Wrap(closeErr, "close temp file")
	}

	s.fileLock.Lock()
	defer s.fileLock.Unlock()

	if _, err := os.Stat(finalPath); err == nil {
		// Another upload already committed this content; discard ours.
		os.Remove(tmpPath)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "create shard directory")
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		if _, statErr := os.Stat(finalPath); statErr == nil {
			// Another upload won the race between our Stat and Rename.
			os.Remove(tmpPath)
			return nil
		}
		os.Remove(tmpPath)
		return errors.Wrap(err, "rename into place")
	}

	if s.index != nil {
		if err := s.index.Put(hash, root); err != nil {
			logger.Warn("blobstore: failed to index %s: %v", hash, err)
		}
	}

	return nil
}

func (s *FSStore) Get(ctx context.Context, hash string) (io.ReadCloser, int64, error) {
	if err := ValidateHash(hash); err != nil {
		return nil, 0, err
	}

	if s.index != nil {
		if root, ok := s.index.Get(hash); ok {
			if f, size, err := s.openAt(root, hash); err == nil {
				return f, size, nil
			}
		}
	}

	for _, root := range s.roots {
		f, size, err := s.openAt(root, hash)
		if err == nil {
			if s.index != nil {
				_ = s.index.Put(hash, root)
			}
			return f, size, nil
		}
	}
	return nil, 0, ErrNotFound
}

func (s *FSStore) openAt(root, hash string) (*os.File, int64, error) {
	path := s.blobPath(root, hash)
	if err := s.validatePath(root, path); err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func (s *FSStore) Exists(ctx context.Context, hash string) (bool, error) {
	_, _, err := s.Get(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// pickWriteRoot selects the root with the most free space, matching
// the read-path's "probe all roots, write to the largest" strategy
// from the original ingest handler.
func (s *FSStore) pickWriteRoot(ctx context.Context) (string, error) {
	best := ""
	var bestFree int64 = -1
	for _, root := range s.roots {
		free, err := freeSpace(root)
		if err != nil {
			continue
		}
		if free > bestFree {
			bestFree = free
			best = root
		}
	}
	if best == "" {
		return "", errors.New("blobstore: no writable storage root available")
	}
	return best, nil
}

// ListHashes walks every shard directory under every root and returns
// the set of hashes currently stored, deduplicated across roots.
func (s *FSStore) ListHashes(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, root := range s.roots {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			name := d.Name()
			if strings.HasPrefix(name, ".") {
				return nil
			}
			if ValidateHash(name) != nil {
				return nil
			}
			seen[name] = struct{}{}
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "walk storage root %s", root)
		}
	}

	hashes := make([]string, 0, len(seen))
	for h := range seen {
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// Delete removes hash from every root and the index, if any. Deleting
// a hash that isn't present is not an error.
func (s *FSStore) Delete(ctx context.Context, hash string) error {
	if err := ValidateHash(hash); err != nil {
		return err
	}

	var lastErr error
	for _, root := range s.roots {
		path := s.blobPath(root, hash)
		if err := s.validatePath(root, path); err != nil {
			lastErr = err
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			lastErr = err
		}
	}

	if s.index != nil {
		if err := s.index.Delete(hash); err != nil {
			logger.Warn("blobstore: failed to unindex %s: %v", hash, err)
		}
	}

	return lastErr
}

func (s *FSStore) FreeSpace(ctx context.Context) (int64, error) {
	var total int64
	for _, root := range s.roots {
		free, err := freeSpace(root)
		if err != nil {
			continue
		}
		total += free
	}
	return total, nil
}

func freeSpace(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
