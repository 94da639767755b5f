package selection

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// ErrNotFound is returned by Store.Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// Store is the key/value storage used to persist the selection.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error

	// Delete removes the given keys in a single write. Missing keys are
	// not an error.
	Delete(keys ...string) error

	Close() error
}

// levelStore is a Store backed by goleveldb.
type levelStore struct {
	db *leveldb.DB
	wo *opt.WriteOptions
}

// OpenLevelDB opens (creating if needed) the leveldb database in dir.
func OpenLevelDB(dir string) (Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to open state db %s: %w", dir, err)
	}
	return &levelStore{db: db, wo: &opt.WriteOptions{Sync: true}}, nil
}

// NewMemStore returns a Store that lives in memory only.
func NewMemStore() Store {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		// Opening an empty memory storage does not fail.
		panic(err)
	}
	return &levelStore{db: db}
}

func (s *levelStore) Get(key string) ([]byte, error) {
	v, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *levelStore) Put(key string, value []byte) error {
	return s.db.Put([]byte(key), value, s.wo)
}

func (s *levelStore) Delete(keys ...string) error {
	b := new(leveldb.Batch)
	for _, k := range keys {
		b.Delete([]byte(k))
	}
	return s.db.Write(b, s.wo)
}

func (s *levelStore) Close() error {
	return s.db.Close()
}
