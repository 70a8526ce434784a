package blobstore

import (
	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// Index is a local hash -> storage-root accelerator backed by badger.
// It is never the source of truth: a miss or a stale hit both fall
// back to the on-disk directory probe in FSStore, so index corruption
// or loss can only slow a lookup down, never produce a wrong answer.
type Index struct {
	db *badger.DB
}

func OpenIndex(path string) (*Index, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open blob index")
	}
	return &Index{db: db}, nil
}

func (i *Index) Close() error {
	return i.db.Close()
}

func (i *Index) Put(hash, root string) error {
	return i.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(hash), []byte(root))
	})
}

func (i *Index) Get(hash string) (string, bool) {
	var root string
	err := i.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(hash))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			root = string(val)
			return nil
		})
	})
	if err != nil {
		return "", false
	}
	return root, true
}

func (i *Index) Delete(hash string) error {
	return i.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(hash))
	})
}
