package storage

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvstorage "github.com/syndtr/goleveldb/leveldb/storage"
)

// LevelOptions configures a LevelEngine.
type LevelOptions struct {
	// CreateIfMissing creates the database directory when it doesn't exist
	CreateIfMissing bool
	// BlockCacheBytes sizes the engine's own block cache; zero keeps the
	// goleveldb default
	BlockCacheBytes int
}

// LevelEngine implements Engine on top of an embedded LevelDB database.
// LevelDB provides its own internal concurrency control.
type LevelEngine struct {
	db *leveldb.DB
}

// OpenLevelEngine opens (or creates) the database at path.
func OpenLevelEngine(path string, o LevelOptions) (*LevelEngine, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		ErrorIfMissing:     !o.CreateIfMissing,
		BlockCacheCapacity: o.BlockCacheBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelEngine{db: db}, nil
}

// OpenMemLevelEngine opens a LevelDB instance backed by memory, for tests
// and throwaway replicas.
func OpenMemLevelEngine() (*LevelEngine, error) {
	db, err := leveldb.Open(lvstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open in-memory leveldb: %w", err)
	}
	return &LevelEngine{db: db}, nil
}

func (l *LevelEngine) Get(key []byte) ([]byte, error) {
	v, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func (l *LevelEngine) Put(key, value []byte) error {
	return l.db.Put(key, value, nil)
}

// Delete removes key. LevelDB deletes are blind, so existence is checked
// first to report ErrNotFound.
func (l *LevelEngine) Delete(key []byte) error {
	ok, err := l.db.Has(key, nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return l.db.Delete(key, nil)
}

func (l *LevelEngine) Keys() ([]string, error) {
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()

	var keys []string
	for iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	return keys, iter.Error()
}

// Stats walks the whole database; it is meant for the admin surface, not
// the request path.
func (l *LevelEngine) Stats() (EngineStats, error) {
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()

	var st EngineStats
	for iter.Next() {
		st.Keys++
		st.Bytes += len(iter.Value())
	}
	return st, iter.Error()
}

func (l *LevelEngine) Close() error {
	return l.db.Close()
}
