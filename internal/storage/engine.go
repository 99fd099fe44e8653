package storage

import (
	"errors"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ErrNotFound is returned when a key doesn't exist in the store
var ErrNotFound = errors.New("key not found")

// Engine defines the ordered byte-string key-value engine a Store persists
// its records in. All implementations must be thread-safe for concurrent
// access.
type Engine interface {
	// Get retrieves a value by key
	// Returns ErrNotFound if the key doesn't exist
	Get(key []byte) ([]byte, error)

	// Put stores a value with the given key
	// Overwrites any existing value for the key
	Put(key, value []byte) error

	// Delete removes a key-value pair
	// Returns ErrNotFound if the key doesn't exist
	Delete(key []byte) error

	// Keys returns all keys in ascending byte order
	Keys() ([]string, error)

	// Stats returns storage statistics
	Stats() (EngineStats, error)

	// Close releases the engine's resources
	Close() error
}

// EngineStats contains statistics about the engine
type EngineStats struct {
	Keys  int `json:"keys"`  // Number of keys
	Bytes int `json:"bytes"` // Total size of all values in bytes
}

// MemoryPath is the store path that selects a MemoryEngine instead of an
// on-disk database. Nothing survives a restart.
const MemoryPath = ":memory:"

// MemoryEngine is an Engine over a map. Values are copied on the way in and
// out; the running byte total is kept up to date by Put and Delete.
type MemoryEngine struct {
	mu    sync.RWMutex
	vals  map[string][]byte
	bytes int
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{vals: make(map[string][]byte)}
}

func (m *MemoryEngine) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vals[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

func (m *MemoryEngine) Put(key, value []byte) error {
	v := append([]byte{}, value...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes += len(v) - len(m.vals[string(key)])
	m.vals[string(key)] = v
	return nil
}

func (m *MemoryEngine) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.vals[string(key)]
	if !ok {
		return ErrNotFound
	}
	m.bytes -= len(old)
	delete(m.vals, string(key))
	return nil
}

func (m *MemoryEngine) Keys() ([]string, error) {
	m.mu.RLock()
	keys := maps.Keys(m.vals)
	m.mu.RUnlock()
	slices.Sort(keys)
	return keys, nil
}

func (m *MemoryEngine) Stats() (EngineStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return EngineStats{Keys: len(m.vals), Bytes: m.bytes}, nil
}

func (m *MemoryEngine) Close() error { return nil }
