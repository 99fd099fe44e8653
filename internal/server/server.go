// Package server is the TCP front end of a replica. It accepts client and
// peer connections, decodes framed requests, hands each one to a worker
// pool and writes the responses back in request order.
//
// Every connection is served by exactly two goroutines. The reader owns the
// connection's frame codec and never blocks on storage; the writer owns the
// outbound buffer. Responses travel from the pool to the writer through a
// per-connection reorder buffer keyed by request sequence number.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/shardkv/internal/wire"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("server closed")

const (
	defaultMaxInFlight = 1024
	readBufferSize     = 32 << 10
	writeBufferSize    = 32 << 10
)

// Config controls a Server. Zero values select defaults.
type Config struct {
	// Addr is the TCP address to listen on.
	Addr string
	// Workers is the pool size; default 4*GOMAXPROCS.
	Workers int
	// LocalWorkers sizes the pool running requests the handler reports as
	// Local; default Workers.
	LocalWorkers int
	// QueueSize is the number of requests queued ahead of the pool;
	// default 2*Workers.
	QueueSize int
	// MaxFrameSize caps inbound frames; default wire.DefaultMaxFrameSize.
	MaxFrameSize uint64
	// MaxInFlight bounds the unanswered requests of one connection; the
	// reader stops reading while the bound is reached.
	MaxInFlight int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4 * runtime.GOMAXPROCS(0)
	}
	if c.LocalWorkers <= 0 {
		c.LocalWorkers = c.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 2 * c.Workers
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = defaultMaxInFlight
	}
	return c
}

// Server accepts connections and dispatches their requests to a Handler.
//
// When the Handler implements Locality, requests it can answer without
// contacting another replica run on their own pool. A replica forwarding
// to a peer then never waits for a worker that is itself forwarding back,
// since everything a peer forwards is owned by the receiver.
type Server struct {
	cfg     Config
	handler Handler
	pool    *Pool
	local   *Pool

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
}

// New builds a server; nothing is bound until Listen.
func New(cfg Config, h Handler) *Server {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: h,
		pool:    NewPool(cfg.Workers, cfg.QueueSize),
		local:   NewPool(cfg.LocalWorkers, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[*conn]struct{}),
	}
}

// Listen binds the configured address. It is separate from Serve so the
// caller can bind before peers start dialing.
func (s *Server) Listen() error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	return nil
}

// Addr is the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe binds and serves until Close.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections until Close, then returns ErrServerClosed.
func (s *Server) Serve() error {
	if s.ln == nil {
		return errors.New("serve called before listen")
	}
	log.Printf("server: listening on %s (%d workers, %d local)", s.ln.Addr(), s.cfg.Workers, s.cfg.LocalWorkers)

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if tc, ok := nc.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(45 * time.Second)
		}

		c := newConn(s, nc)
		if !s.track(c) {
			_ = nc.Close()
			return ErrServerClosed
		}
		c.start()
	}
}

// poolFor picks the pool req runs on.
func (s *Server) poolFor(req wire.Request) *Pool {
	if l, ok := s.handler.(Locality); ok && l.Local(req) {
		return s.local
	}
	return s.pool
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(2) // reader and writer
	return true
}

func (s *Server) forget(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// ConnCount is the number of open connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting, tears down every connection and stops the pool.
// In-flight requests are abandoned.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.cancel()

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.teardown(nil)
	}
	s.pool.Close()
	s.local.Close()
	s.wg.Wait()
	return err
}
