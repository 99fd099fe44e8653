// Package client is a Go client for shardkv replicas. Any replica accepts
// any key; the replica forwards requests it does not own.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dreamware/shardkv/internal/storage"
	"github.com/dreamware/shardkv/internal/wire"
)

var (
	// ErrRemote wraps I/O failures and other codes a replica reported.
	ErrRemote = errors.New("replica error")

	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("client closed")
)

// Object is a fetched value with its flags.
type Object struct {
	Value      []byte
	Immutable  bool
	Executable bool
}

// PutOptions are the flags stored with a value.
type PutOptions struct {
	Immutable  bool
	Executable bool
}

// Result is one pipelined response with the time between sending its
// request and decoding the response.
type Result struct {
	Response wire.Response
	Latency  time.Duration
}

// Client holds one connection to a replica. Calls are serialized; use
// several clients for parallelism.
type Client struct {
	addr     string
	maxFrame uint64

	mu     sync.Mutex
	conn   net.Conn // nil after a failed call until the next one redials
	r      *bufio.Reader
	w      *bufio.Writer
	nextID uint64
	closed bool
}

// Dial connects to the replica at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	c := &Client{addr: addr, maxFrame: wire.DefaultMaxFrameSize}
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Addr is the replica address.
func (c *Client) Addr() string { return c.addr }

// Close closes the connection. Later calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.r, c.w = nil, nil, nil
	return err
}

// Get fetches key.
func (c *Client) Get(ctx context.Context, key string) (Object, error) {
	return c.get(ctx, key, false)
}

// GetExec fetches key only if it was stored executable; other objects are
// reported as storage.ErrNotFound.
func (c *Client) GetExec(ctx context.Context, key string) (Object, error) {
	return c.get(ctx, key, true)
}

func (c *Client) get(ctx context.Context, key string, execOnly bool) (Object, error) {
	resp, err := c.do(ctx, wire.Request{Get: &wire.GetOp{Key: key, ExecOnly: execOnly}})
	if err != nil {
		return Object{}, err
	}
	if err := ErrorOf(resp.Code); err != nil {
		return Object{}, fmt.Errorf("get %q: %w", key, err)
	}
	return Object{Value: resp.Val, Immutable: resp.Immutable, Executable: resp.Executable}, nil
}

// Put stores val under key.
func (c *Client) Put(ctx context.Context, key string, val []byte, opts PutOptions) error {
	resp, err := c.do(ctx, wire.Request{Put: &wire.PutOp{
		Key:        key,
		Val:        val,
		Immutable:  opts.Immutable,
		Executable: opts.Executable,
	}})
	if err != nil {
		return err
	}
	if err := ErrorOf(resp.Code); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) error {
	resp, err := c.do(ctx, wire.Request{Delete: &wire.DeleteOp{Key: key}})
	if err != nil {
		return err
	}
	if err := ErrorOf(resp.Code); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Do sends one raw request and returns the raw response. The request id is
// assigned by the client.
func (c *Client) Do(ctx context.Context, req wire.Request) (wire.Response, error) {
	return c.do(ctx, req)
}

func (c *Client) do(ctx context.Context, req wire.Request) (wire.Response, error) {
	results, err := c.Pipeline(ctx, []wire.Request{req})
	if err != nil {
		return wire.Response{}, err
	}
	return results[0].Response, nil
}

// Pipeline writes every request before reading any response, then reads
// exactly len(reqs) responses. Ids are reassigned so they are unique on
// this connection. Results are returned in request order.
//
// A call that fails for any reason, including ctx ending, closes the
// connection so no stale responses or deadlines leak into the next call,
// which dials again.
func (c *Client) Pipeline(ctx context.Context, reqs []wire.Request) ([]Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(reqs) == 0 {
		return nil, nil
	}
	if c.closed {
		return nil, ErrClosed
	}
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	conn := c.conn
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })

	results, err := c.roundTripLocked(reqs)
	if !stop() || err != nil {
		// the deadline may be armed even when the call succeeded
		c.dropLocked()
	}
	if err != nil {
		return nil, c.fail(ctx, err)
	}
	return results, nil
}

func (c *Client) roundTripLocked(reqs []wire.Request) ([]Result, error) {
	// in-flight request id -> position and issue time
	type pending struct {
		pos    int
		issued time.Time
	}
	inflight := make(map[uint64]pending, len(reqs))

	for i := range reqs {
		req := reqs[i]
		req.ID = c.nextID
		c.nextID++
		inflight[req.ID] = pending{pos: i, issued: time.Now()}
		if err := wire.WriteFrame(c.w, &req); err != nil {
			return nil, err
		}
	}
	if err := c.w.Flush(); err != nil {
		return nil, err
	}

	results := make([]Result, len(reqs))
	for len(inflight) > 0 {
		var resp wire.Response
		if err := wire.ReadFrame(c.r, c.maxFrame, &resp); err != nil {
			return nil, err
		}
		p, ok := inflight[resp.ID]
		if !ok {
			return nil, fmt.Errorf("%w: unexpected response id %d", wire.ErrProtocol, resp.ID)
		}
		delete(inflight, resp.ID)
		results[p.pos] = Result{Response: resp, Latency: time.Since(p.issued)}
	}
	return results, nil
}

// connectLocked dials the replica if the previous connection was dropped.
// c.mu must be held.
func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	c.w = bufio.NewWriter(conn)
	return nil
}

func (c *Client) dropLocked() {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn, c.r, c.w = nil, nil, nil
}

func (c *Client) fail(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%s: %w", c.addr, err)
}

// ErrorOf converts a response code to the matching error, nil for OK.
func ErrorOf(code wire.Code) error {
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
		return fmt.Errorf("%w: %s", ErrRemote, code)
	}
}
