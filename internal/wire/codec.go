// Package wire implements the framed binary protocol spoken by clients and
// between replicas: every message is an 8-byte little-endian length followed
// by that many bytes of CBOR payload. There is no magic number and no
// version byte.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the width of the length prefix.
const HeaderSize = 8

// DefaultMaxFrameSize caps a declared payload length so a corrupt or
// hostile header cannot force an unbounded allocation.
const DefaultMaxFrameSize = 256 << 20

var (
	// ErrProtocol marks a stream that cannot be resynchronized; the owning
	// connection must be closed.
	ErrProtocol = errors.New("protocol error")

	ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds maximum size", ErrProtocol)
)

// ParseState is the codec's position within the current frame.
type ParseState int

const (
	AwaitingLength ParseState = iota
	AwaitingPayload
)

func (s ParseState) String() string {
	if s == AwaitingPayload {
		return "awaiting payload"
	}
	return "awaiting length"
}

// Codec turns an arbitrarily chunked byte stream into complete messages of
// type M. It never blocks and never drops bytes; a partial frame simply
// waits for more input. A Codec is owned by a single goroutine.
type Codec[M any] struct {
	buf      []byte
	off      int
	state    ParseState
	declared uint64
	maxFrame uint64
	done     []M
	err      error
}

// NewCodec returns a codec rejecting frames larger than maxFrame bytes.
// A zero maxFrame selects DefaultMaxFrameSize.
func NewCodec[M any](maxFrame uint64) *Codec[M] {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Codec[M]{maxFrame: maxFrame}
}

// Feed appends chunk to the pending bytes and decodes every frame that is
// now complete. Once Feed returns an error the codec is poisoned and every
// later call returns the same error.
func (c *Codec[M]) Feed(chunk []byte) error {
	if c.err != nil {
		return c.err
	}
	c.buf = append(c.buf, chunk...)

	for {
		progressed, err := c.step()
		if err != nil {
			c.err = err
			return err
		}
		if !progressed {
			break
		}
	}

	// compact consumed bytes
	if c.off > 0 {
		n := copy(c.buf, c.buf[c.off:])
		c.buf = c.buf[:n]
		c.off = 0
	}
	return nil
}

func (c *Codec[M]) step() (bool, error) {
	pending := c.buf[c.off:]

	switch c.state {
	case AwaitingLength:
		if len(pending) < HeaderSize {
			return false, nil
		}
		n := binary.LittleEndian.Uint64(pending[:HeaderSize])
		if n > c.maxFrame {
			return false, fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, n, c.maxFrame)
		}
		c.declared = n
		c.off += HeaderSize
		c.state = AwaitingPayload
		return true, nil

	case AwaitingPayload:
		if uint64(len(pending)) < c.declared {
			return false, nil
		}
		var msg M
		if err := Unmarshal(pending[:c.declared], &msg); err != nil {
			return false, err
		}
		c.done = append(c.done, msg)
		c.off += int(c.declared)
		c.declared = 0
		c.state = AwaitingLength
		return true, nil
	}

	return false, fmt.Errorf("%w: invalid parse state %d", ErrProtocol, c.state)
}

// Next pops the oldest completed message.
func (c *Codec[M]) Next() (M, bool) {
	var zero M
	if len(c.done) == 0 {
		return zero, false
	}
	msg := c.done[0]
	c.done[0] = zero
	c.done = c.done[1:]
	if len(c.done) == 0 {
		c.done = nil
	}
	return msg, true
}

// Pending is the number of completed messages not yet popped.
func (c *Codec[M]) Pending() int { return len(c.done) }

// Buffered is the number of received bytes not yet part of a message.
func (c *Codec[M]) Buffered() int { return len(c.buf) - c.off }

// State reports where the codec is within the current frame.
func (c *Codec[M]) State() ParseState { return c.state }

// Err returns the error that poisoned the codec, if any.
func (c *Codec[M]) Err() error { return c.err }

// EncodeFrame serializes msg and prepends its length.
func EncodeFrame(msg any) ([]byte, error) {
	payload, err := Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	frame := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint64(frame[:HeaderSize], uint64(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// WriteFrame encodes msg and writes the whole frame to w. It does not flush
// buffered writers.
func WriteFrame(w io.Writer, msg any) error {
	frame, err := EncodeFrame(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame blocks until one full message has been read from r and decodes
// it into v. It is the synchronous counterpart of Codec for simple clients.
func ReadFrame(r *bufio.Reader, maxFrame uint64, v any) error {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameSize
	}
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint64(hdr[:])
	if n > maxFrame {
		return fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, n, maxFrame)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	return Unmarshal(payload, v)
}
