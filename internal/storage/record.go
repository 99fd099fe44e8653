package storage

import (
	"errors"
	"fmt"
	"os"

	cbor "github.com/fxamacker/cbor/v2"
)

var (
	// ErrImmutable is returned when writing over a record stored immutable
	ErrImmutable = errors.New("object is immutable")

	// ErrInvalidRequest is returned for requests that name no key or carry
	// both or neither of inline data and a source file
	ErrInvalidRequest = errors.New("invalid request")

	// ErrCorruptRecord is returned when a stored value does not decode
	ErrCorruptRecord = errors.New("corrupt record")
)

// Record is the metadata envelope persisted for every key.
type Record struct {
	Content    []byte `cbor:"1,keyasint"`
	Immutable  bool   `cbor:"2,keyasint,omitempty"`
	Executable bool   `cbor:"3,keyasint,omitempty"`
}

func encodeRecord(r Record) ([]byte, error) {
	return cbor.Marshal(r)
}

func decodeRecord(b []byte) (Record, error) {
	var r Record
	if err := cbor.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return r, nil
}

// GetRequest asks for one object.
type GetRequest struct {
	Key string

	// Filename, when set, receives an atomic copy of the content.
	Filename string
	// Mode is applied to Filename; zero keeps 0644.
	Mode os.FileMode

	// ExecOnly restricts the fetch to executable objects.
	ExecOnly bool
}

// PutRequest stores one object. Exactly one of Data and Filename is set;
// a nil Data with an empty Filename is an empty inline payload.
type PutRequest struct {
	Key        string
	Data       []byte
	Filename   string
	Immutable  bool
	Executable bool
}

// Validate checks the request shape.
func (r *PutRequest) Validate() error {
	if r.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidRequest)
	}
	if r.Filename != "" && r.Data != nil {
		return fmt.Errorf("%w: both data and filename set for %q", ErrInvalidRequest, r.Key)
	}
	return nil
}

// Content returns the payload, reading it from Filename when the request
// has no inline data.
func (r *PutRequest) Content() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.Filename == "" {
		return r.Data, nil
	}
	b, err := os.ReadFile(r.Filename)
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", r.Filename, err)
	}
	return b, nil
}
