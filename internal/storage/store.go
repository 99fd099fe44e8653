package storage

import (
	"errors"
	"fmt"
	"sync"
)

// Store is the local persistence layer of one replica. It keeps a Record
// per key in an Engine and enforces the immutability invariant: once a
// record is stored immutable no later Put to that key succeeds. Deleting
// an immutable key is allowed.
//
// Reads go straight to the engine. Writes are serialized by writeMu so the
// immutability check and the overwrite happen as one step.
type Store struct {
	engine  Engine
	writeMu sync.Mutex
}

// NewStore wraps an engine. The Store owns the engine and closes it.
func NewStore(engine Engine) *Store {
	return &Store{engine: engine}
}

// Get returns the record for req.Key. A non-executable record requested
// with ExecOnly is reported as ErrNotFound. When req.Filename is set the
// content is also materialized there.
func (s *Store) Get(req GetRequest) (Record, error) {
	raw, err := s.engine.Get([]byte(req.Key))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get %q: %w", req.Key, err)
	}

	rec, err := decodeRecord(raw)
	if err != nil {
		return Record{}, fmt.Errorf("get %q: %w", req.Key, err)
	}

	if req.ExecOnly && !rec.Executable {
		return Record{}, ErrNotFound
	}

	if req.Filename != "" {
		if err := Materialize(rec.Content, req.Filename, req.Mode); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

// Put stores req unless the existing record is immutable, in which case it
// returns ErrImmutable and leaves the stored value untouched.
func (s *Store) Put(req PutRequest) error {
	content, err := req.Content()
	if err != nil {
		return err
	}

	val, err := encodeRecord(Record{
		Content:    content,
		Immutable:  req.Immutable,
		Executable: req.Executable,
	})
	if err != nil {
		return fmt.Errorf("put %q: %w", req.Key, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	raw, err := s.engine.Get([]byte(req.Key))
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return fmt.Errorf("put %q: %w", req.Key, err)
	default:
		existing, err := decodeRecord(raw)
		if err != nil {
			return fmt.Errorf("put %q: %w", req.Key, err)
		}
		if existing.Immutable {
			return ErrImmutable
		}
	}

	if err := s.engine.Put([]byte(req.Key), val); err != nil {
		return fmt.Errorf("put %q: %w", req.Key, err)
	}
	return nil
}

// Delete removes key, returning ErrNotFound when it is absent.
func (s *Store) Delete(key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.engine.Delete([]byte(key)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Keys lists every stored key in order.
func (s *Store) Keys() ([]string, error) {
	return s.engine.Keys()
}

// Stats reports engine-level statistics.
func (s *Store) Stats() (EngineStats, error) {
	return s.engine.Stats()
}

// Close closes the underlying engine.
func (s *Store) Close() error {
	return s.engine.Close()
}
