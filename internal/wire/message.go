package wire

import (
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

// Code is the per-request result carried in every Response.
type Code uint32

const (
	CodeOK        Code = 0
	CodeNotFound  Code = 1
	CodeImmutable Code = 2
	CodeIOError   Code = 3
	// CodeInvalid answers unknown operations and malformed requests.
	CodeInvalid Code = 4
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeNotFound:
		return "not found"
	case CodeImmutable:
		return "immutable"
	case CodeIOError:
		return "io error"
	case CodeInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("code(%d)", uint32(c))
	}
}

// Op identifies which member of a Request's tagged union is populated.
type Op int

const (
	OpUnknown Op = iota
	OpGet
	OpPut
	OpDelete
	OpExec
)

func (o Op) String() string {
	switch o {
	case OpGet:
		return "get"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpExec:
		return "exec"
	default:
		return "unknown"
	}
}

type GetOp struct {
	Key      string `cbor:"1,keyasint"`
	ExecOnly bool   `cbor:"2,keyasint,omitempty"`
}

type PutOp struct {
	Key        string `cbor:"1,keyasint"`
	Val        []byte `cbor:"2,keyasint"`
	Immutable  bool   `cbor:"3,keyasint,omitempty"`
	Executable bool   `cbor:"4,keyasint,omitempty"`
}

type DeleteOp struct {
	Key string `cbor:"1,keyasint"`
}

// ExecOp names a stored function and its arguments. The storage core does
// not run functions; it only recognises the request shape.
type ExecOp struct {
	Func          string            `cbor:"1,keyasint"`
	ImmediateArgs []string          `cbor:"2,keyasint,omitempty"`
	FileArgs      []string          `cbor:"3,keyasint,omitempty"`
	DictArgs      map[string]string `cbor:"4,keyasint,omitempty"`
}

// Request is one client or inter-replica request. Exactly one of the
// operation fields must be set.
type Request struct {
	ID     uint64    `cbor:"1,keyasint"`
	Get    *GetOp    `cbor:"2,keyasint,omitempty"`
	Put    *PutOp    `cbor:"3,keyasint,omitempty"`
	Delete *DeleteOp `cbor:"4,keyasint,omitempty"`
	Exec   *ExecOp   `cbor:"5,keyasint,omitempty"`
}

// Op reports the populated operation, or OpUnknown when none or more than
// one is set.
func (r *Request) Op() Op {
	op, n := OpUnknown, 0
	if r.Get != nil {
		op, n = OpGet, n+1
	}
	if r.Put != nil {
		op, n = OpPut, n+1
	}
	if r.Delete != nil {
		op, n = OpDelete, n+1
	}
	if r.Exec != nil {
		op, n = OpExec, n+1
	}
	if n != 1 {
		return OpUnknown
	}
	return op
}

// Response echoes the request id. Immutable and Executable describe the
// returned record and are only meaningful on a successful get.
type Response struct {
	ID         uint64 `cbor:"1,keyasint"`
	Code       Code   `cbor:"2,keyasint"`
	Val        []byte `cbor:"3,keyasint,omitempty"`
	Immutable  bool   `cbor:"4,keyasint,omitempty"`
	Executable bool   `cbor:"5,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	encMode, decMode = em, dm
}

// Marshal serializes a message payload (without the length prefix).
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes one message payload. Any failure wraps ErrProtocol.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}
