package precache

import (
	"bytes"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout shared by the disk backends:
//
//	g:<gen>             generation marker
//	e:<gen>\x00<key>    gob-encoded CacheEntry
const (
	genMarkerPrefix = "g:"
	entryPrefix     = "e:"
)

func genMarkerKey(gen string) []byte { return []byte(genMarkerPrefix + gen) }

func entryKeyPrefix(gen string) []byte { return []byte(entryPrefix + gen + "\x00") }

func entryKey(gen, key string) []byte { return append(entryKeyPrefix(gen), key...) }

type levelStore struct {
	db *leveldb.DB
}

func openLevelDB(path string) (*levelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &levelStore{db: db}, nil
}

func (l *levelStore) Close() error { return l.db.Close() }

func (l *levelStore) Get(gen, key string) ([]byte, bool, error) {
	b, err := l.db.Get(entryKey(gen, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (l *levelStore) CreateGeneration(gen string) error {
	return l.db.Put(genMarkerKey(gen), []byte{1}, nil)
}

func (l *levelStore) Generations() ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(genMarkerPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(genMarkerPrefix))))
	}
	return out, it.Error()
}

func (l *levelStore) Keys(gen string) ([]string, error) {
	prefix := entryKeyPrefix(gen)
	it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return out, it.Error()
}

func (l *levelStore) Write(gen string, vals map[string][]byte) error {
	batch := new(leveldb.Batch)
	batch.Put(genMarkerKey(gen), []byte{1})
	for k, v := range vals {
		batch.Put(entryKey(gen, k), v)
	}
	return l.db.Write(batch, nil)
}

func (l *levelStore) DeleteKey(gen, key string) error {
	return l.db.Delete(entryKey(gen, key), nil)
}

func (l *levelStore) DropGeneration(gen string) error {
	batch := new(leveldb.Batch)
	it := l.db.NewIterator(util.BytesPrefix(entryKeyPrefix(gen)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	batch.Delete(genMarkerKey(gen))
	return l.db.Write(batch, nil)
}
