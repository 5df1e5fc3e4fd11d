package precache

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// badgerStore uses the same key layout as levelStore.
type badgerStore struct {
	db *badger.DB
}

func openBadger(path string) (*badgerStore, error) {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("create database directory %s: %w", path, err)
	}
	opts := badger.DefaultOptions(path).
		WithNumVersionsToKeep(1).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &badgerStore{db: db}, nil
}

func (b *badgerStore) Close() error { return b.db.Close() }

func (b *badgerStore) Get(gen, key string) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(gen, key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (b *badgerStore) CreateGeneration(gen string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(genMarkerKey(gen), []byte{1})
	})
}

func (b *badgerStore) scanKeys(prefix []byte) ([]string, error) {
	var out []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().KeyCopy(nil)
			out = append(out, string(bytes.TrimPrefix(k, prefix)))
		}
		return nil
	})
	return out, err
}

func (b *badgerStore) Generations() ([]string, error) {
	return b.scanKeys([]byte(genMarkerPrefix))
}

func (b *badgerStore) Keys(gen string) ([]string, error) {
	return b.scanKeys(entryKeyPrefix(gen))
}

func (b *badgerStore) Write(gen string, vals map[string][]byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(genMarkerKey(gen), []byte{1}); err != nil {
			return err
		}
		for k, v := range vals {
			if err := txn.Set(entryKey(gen, k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *badgerStore) DeleteKey(gen, key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(gen, key))
	})
}

func (b *badgerStore) DropGeneration(gen string) error {
	if err := b.db.DropPrefix(entryKeyPrefix(gen)); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(genMarkerKey(gen))
	})
}
