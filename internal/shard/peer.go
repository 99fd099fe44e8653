package shard

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/shardkv/internal/wire"
)

const peerReadBuffer = 64 << 10

// peer is the persistent connection to one other replica. The mutex is held
// for a whole exchange so frames of two callers never interleave on the
// socket and every response is read by the caller that sent the request.
type peer struct {
	index    int
	addr     string
	retry    RetryPolicy
	maxFrame uint64

	mu    sync.Mutex
	conn  net.Conn
	w     *bufio.Writer
	codec *wire.Codec[wire.Response]
	rbuf  []byte

	// up mirrors conn != nil for readers that must not wait on mu
	up atomic.Bool
}

func newPeer(index int, addr string, retry RetryPolicy, maxFrame uint64) *peer {
	return &peer{index: index, addr: addr, retry: retry, maxFrame: maxFrame}
}

// connectLocked dials the peer, retrying with a fixed delay. p.mu must be
// held.
func (p *peer) connectLocked(ctx context.Context) error {
	if p.conn != nil {
		return nil
	}

	var d net.Dialer
	var lastErr error
	for attempt := 1; attempt <= p.retry.MaxAttempts; attempt++ {
		conn, err := d.DialContext(ctx, "tcp", p.addr)
		if err == nil {
			p.conn = conn
			p.w = bufio.NewWriter(conn)
			p.codec = wire.NewCodec[wire.Response](p.maxFrame)
			if p.rbuf == nil {
				p.rbuf = make([]byte, peerReadBuffer)
			}
			p.up.Store(true)
			if attempt > 1 {
				log.Printf("peer[%d]: connected to %s after %d attempts", p.index, p.addr, attempt)
			}
			return nil
		}
		lastErr = err

		if attempt == p.retry.MaxAttempts {
			break
		}
		log.Printf("peer[%d]: dial %s failed (attempt %d/%d): %v", p.index, p.addr, attempt, p.retry.MaxAttempts, err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: replica %d at %s: %v", ErrConnectivity, p.index, p.addr, ctx.Err())
		case <-time.After(p.retry.Delay):
		}
	}
	return fmt.Errorf("%w: replica %d at %s after %d attempts: %v", ErrConnectivity, p.index, p.addr, p.retry.MaxAttempts, lastErr)
}

// connect establishes the connection if it is not already open.
func (p *peer) connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked(ctx)
}

// dropLocked tears the connection down. The next exchange redials.
func (p *peer) dropLocked() {
	if p.conn == nil {
		return
	}
	_ = p.conn.Close()
	p.conn, p.w, p.codec = nil, nil, nil
	p.up.Store(false)
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropLocked()
}

func (p *peer) connected() bool {
	return p.up.Load()
}

// exchange pipelines reqs to the peer: every request is written before any
// response is read, then exactly len(reqs) responses are drained. Request
// ids must be distinct; responses are returned in request order regardless
// of the order they arrived in.
//
// Any transport or framing failure drops the connection and is reported as
// ErrConnectivity.
func (p *peer) exchange(ctx context.Context, reqs []wire.Request) ([]wire.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connectLocked(ctx); err != nil {
		return nil, err
	}

	pos := make(map[uint64]int, len(reqs))
	for i, req := range reqs {
		pos[req.ID] = i
	}

	// unblock a pending read or write when the caller gives up
	conn := p.conn
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })

	resps, err := p.roundTripLocked(reqs, pos)
	if !stop() && err == nil {
		// the deadline may already be armed; do not reuse this socket
		p.dropLocked()
	}
	if err != nil {
		p.dropLocked()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, fmt.Errorf("%w: replica %d at %s: %v", ErrConnectivity, p.index, p.addr, err)
	}
	return resps, nil
}

func (p *peer) roundTripLocked(reqs []wire.Request, pos map[uint64]int) ([]wire.Response, error) {
	for i := range reqs {
		if err := wire.WriteFrame(p.w, &reqs[i]); err != nil {
			return nil, err
		}
	}
	if err := p.w.Flush(); err != nil {
		return nil, err
	}

	resps := make([]wire.Response, len(reqs))
	seen := make([]bool, len(reqs))
	got := 0
	for got < len(reqs) {
		resp, ok := p.codec.Next()
		if ok {
			i, known := pos[resp.ID]
			if !known || seen[i] {
				return nil, fmt.Errorf("%w: unexpected response id %d", wire.ErrProtocol, resp.ID)
			}
			resps[i], seen[i] = resp, true
			got++
			continue
		}

		n, err := p.conn.Read(p.rbuf)
		if n > 0 {
			if ferr := p.codec.Feed(p.rbuf[:n]); ferr != nil {
				return nil, ferr
			}
		}
		if err != nil {
			if p.codec.Pending() > 0 {
				continue
			}
			return nil, fmt.Errorf("read after %d of %d responses: %w", got, len(reqs), err)
		}
	}
	return resps, nil
}
