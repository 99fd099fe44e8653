package shard

import (
	"errors"

	"github.com/dreamware/shardkv/internal/storage"
	"github.com/dreamware/shardkv/internal/wire"
)

var (
	// ErrConnectivity means a peer replica could not be reached, either
	// after the retry budget at startup or because its connection broke
	// during a call.
	ErrConnectivity = errors.New("peer unreachable")

	// ErrClosed is returned by a Router after Close.
	ErrClosed = errors.New("router closed")
)

// CodeOf maps an operation error to the response code sent on the wire.
func CodeOf(err error) wire.Code {
	switch {
	case err == nil:
		return wire.CodeOK
	case errors.Is(err, storage.ErrNotFound):
		return wire.CodeNotFound
	case errors.Is(err, storage.ErrImmutable):
		return wire.CodeImmutable
	case errors.Is(err, storage.ErrInvalidRequest):
		return wire.CodeInvalid
	default:
		return wire.CodeIOError
	}
}

// errorOf is the inverse of CodeOf for codes received from a peer.
func errorOf(code wire.Code) error {
	switch code {
	case wire.CodeOK:
		return nil
	case wire.CodeNotFound:
		return storage.ErrNotFound
	case wire.CodeImmutable:
		return storage.ErrImmutable
	case wire.CodeInvalid:
		return storage.ErrInvalidRequest
	default:
		return &RemoteError{Code: code}
	}
}

// RemoteError carries a failure code reported by a peer replica.
type RemoteError struct {
	Code wire.Code
}

func (e *RemoteError) Error() string {
	return "remote replica: " + e.Code.String()
}
