package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dreamware/shardkv/internal/wire"
)

// ConnState is where a connection is in its lifecycle.
type ConnState int32

const (
	// StateAwaitingLength: between frames, waiting for a length prefix.
	StateAwaitingLength ConnState = iota
	// StateAwaitingPayload: a length was read, the payload is incomplete.
	StateAwaitingPayload
	// StateDraining: the peer closed its side; answering what was read.
	StateDraining
	// StateClosed: torn down.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAwaitingLength:
		return "awaiting length"
	case StateAwaitingPayload:
		return "awaiting payload"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// conn is the server side of one client connection.
type conn struct {
	id  string
	srv *Server
	nc  net.Conn

	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32

	// reader-owned
	codec *wire.Codec[wire.Request]
	seq   uint64

	// slots bounds requests read but not yet written
	slots chan struct{}

	mu     sync.Mutex
	ready  map[uint64]wire.Response
	notify chan struct{}

	// eof is closed by the reader when the peer half-closes; seq is final
	// from then on
	eof chan struct{}

	closeOnce sync.Once
}

func newConn(s *Server, nc net.Conn) *conn {
	ctx, cancel := context.WithCancel(s.ctx)
	return &conn{
		id:     uuid.NewString(),
		srv:    s,
		nc:     nc,
		ctx:    ctx,
		cancel: cancel,
		codec:  wire.NewCodec[wire.Request](s.cfg.MaxFrameSize),
		slots:  make(chan struct{}, s.cfg.MaxInFlight),
		ready:  make(map[uint64]wire.Response),
		notify: make(chan struct{}, 1),
		eof:    make(chan struct{}),
	}
}

func (c *conn) start() {
	go func() {
		defer c.srv.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.srv.wg.Done()
		c.writeLoop()
	}()
}

// State reports the connection's current state.
func (c *conn) State() ConnState { return ConnState(c.state.Load()) }

func (c *conn) setState(s ConnState) {
	// closed is terminal
	for {
		cur := c.state.Load()
		if ConnState(cur) == StateClosed {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

func (c *conn) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			if ferr := c.codec.Feed(buf[:n]); ferr != nil {
				c.teardown(ferr)
				return
			}
			for {
				req, ok := c.codec.Next()
				if !ok {
					break
				}
				if !c.dispatch(req) {
					return
				}
			}
			if c.codec.State() == wire.AwaitingPayload {
				c.setState(StateAwaitingPayload)
			} else {
				c.setState(StateAwaitingLength)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.setState(StateDraining)
				close(c.eof)
				return
			}
			c.teardown(err)
			return
		}
	}
}

// dispatch stamps req with the next sequence number and queues it on the
// pool. It reports false once the connection is going away.
func (c *conn) dispatch(req wire.Request) bool {
	select {
	case c.slots <- struct{}{}:
	case <-c.ctx.Done():
		return false
	}

	seq := c.seq
	c.seq++

	err := c.srv.poolFor(req).Submit(c.ctx, func() {
		c.deliver(seq, c.srv.handler.Process(c.ctx, req))
	})
	if err != nil {
		c.teardown(nil)
		return false
	}
	return true
}

// deliver parks resp until every earlier response has been written.
func (c *conn) deliver(seq uint64, resp wire.Response) {
	c.mu.Lock()
	c.ready[seq] = resp
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *conn) next(seq uint64) (wire.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, ok := c.ready[seq]
	if ok {
		delete(c.ready, seq)
	}
	return resp, ok
}

func (c *conn) writeLoop() {
	w := bufio.NewWriterSize(c.nc, writeBufferSize)
	eof := c.eof
	draining := false
	var written uint64

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.notify:
		case <-eof:
			eof = nil
			draining = true
		}

		wrote := false
		for {
			resp, ok := c.next(written)
			if !ok {
				break
			}
			if err := wire.WriteFrame(w, &resp); err != nil {
				c.teardown(err)
				return
			}
			written++
			wrote = true
			<-c.slots
		}
		if wrote {
			if err := w.Flush(); err != nil {
				c.teardown(err)
				return
			}
		}

		// c.seq is no longer written once eof is closed
		if draining && written == c.seq {
			c.teardown(nil)
			return
		}
	}
}

// teardown releases the connection exactly once, whichever goroutine
// notices the failure first.
func (c *conn) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.cancel()
		_ = c.nc.Close()
		c.srv.forget(c)

		switch {
		case cause == nil:
		case errors.Is(cause, wire.ErrProtocol):
			log.Printf("server: closing connection %s from %s: %v", c.id, c.nc.RemoteAddr(), cause)
		case errors.Is(cause, net.ErrClosed):
		default:
			log.Printf("server: connection %s from %s failed: %v", c.id, c.nc.RemoteAddr(), cause)
		}
	})
}
