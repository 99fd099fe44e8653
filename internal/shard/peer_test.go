package shard

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardkv/internal/storage"
	"github.com/dreamware/shardkv/internal/wire"
)

// fakePeer is a minimal replica: it answers wire requests from its own
// Store. Requests that arrive together are answered in reverse order so
// callers must correlate responses by id.
type fakePeer struct {
	ln       net.Listener
	store    *storage.Store
	requests atomic.Int64

	mu    sync.Mutex
	conns []net.Conn
	wg    sync.WaitGroup
}

func startFakePeer(t *testing.T) *fakePeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakePeer{ln: ln, store: storage.NewStore(storage.NewMemoryEngine())}
	f.wg.Add(1)
	go f.serve()
	t.Cleanup(f.stop)
	return f
}

func (f *fakePeer) addr() string { return f.ln.Addr().String() }

func (f *fakePeer) serve() {
	defer f.wg.Done()
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()

		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.handleConn(conn)
		}()
	}
}

func (f *fakePeer) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	var burst []wire.Response
	for {
		var req wire.Request
		if err := wire.ReadFrame(r, 0, &req); err != nil {
			return
		}
		f.requests.Add(1)
		burst = append(burst, f.handle(req))

		if r.Buffered() > 0 {
			continue
		}
		for i := len(burst) - 1; i >= 0; i-- {
			if err := wire.WriteFrame(w, &burst[i]); err != nil {
				return
			}
		}
		burst = burst[:0]
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (f *fakePeer) handle(req wire.Request) wire.Response {
	resp := wire.Response{ID: req.ID}
	switch req.Op() {
	case wire.OpGet:
		rec, err := f.store.Get(storage.GetRequest{Key: req.Get.Key, ExecOnly: req.Get.ExecOnly})
		resp.Code = CodeOf(err)
		if err == nil {
			resp.Val, resp.Immutable, resp.Executable = rec.Content, rec.Immutable, rec.Executable
		}
	case wire.OpPut:
		resp.Code = CodeOf(f.store.Put(storage.PutRequest{
			Key:        req.Put.Key,
			Data:       req.Put.Val,
			Immutable:  req.Put.Immutable,
			Executable: req.Put.Executable,
		}))
	case wire.OpDelete:
		resp.Code = CodeOf(f.store.Delete(req.Delete.Key))
	default:
		resp.Code = wire.CodeInvalid
	}
	return resp
}

// dropConns closes every accepted connection but keeps listening.
func (f *fakePeer) dropConns() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
}

func (f *fakePeer) stop() {
	f.ln.Close()
	f.dropConns()
	f.wg.Wait()
}

func TestPeerExchangeCorrelatesByID(t *testing.T) {
	f := startFakePeer(t)
	require.NoError(t, f.store.Put(storage.PutRequest{Key: "a", Data: []byte("A")}))
	require.NoError(t, f.store.Put(storage.PutRequest{Key: "b", Data: []byte("B")}))

	p := newPeer(1, f.addr(), RetryPolicy{MaxAttempts: 1}, 0)
	defer p.close()

	reqs := []wire.Request{
		{ID: 10, Get: &wire.GetOp{Key: "a"}},
		{ID: 11, Get: &wire.GetOp{Key: "missing"}},
		{ID: 12, Get: &wire.GetOp{Key: "b"}},
	}
	resps, err := p.exchange(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, resps, 3)

	if resps[0].ID != 10 || string(resps[0].Val) != "A" {
		t.Errorf("response 0: got id %d val %q", resps[0].ID, resps[0].Val)
	}
	if resps[1].ID != 11 || resps[1].Code != wire.CodeNotFound {
		t.Errorf("response 1: got id %d code %v", resps[1].ID, resps[1].Code)
	}
	if resps[2].ID != 12 || string(resps[2].Val) != "B" {
		t.Errorf("response 2: got id %d val %q", resps[2].ID, resps[2].Val)
	}
	if !p.connected() {
		t.Error("Expected connection to stay open")
	}
}

func TestPeerBrokenConnection(t *testing.T) {
	f := startFakePeer(t)
	p := newPeer(1, f.addr(), RetryPolicy{MaxAttempts: 1}, 0)
	defer p.close()

	_, err := p.exchange(context.Background(), []wire.Request{{ID: 0, Delete: &wire.DeleteOp{Key: "k"}}})
	require.NoError(t, err)

	f.dropConns()

	_, err = p.exchange(context.Background(), []wire.Request{{ID: 0, Delete: &wire.DeleteOp{Key: "k"}}})
	if !errors.Is(err, ErrConnectivity) {
		t.Fatalf("Expected ErrConnectivity, got %v", err)
	}
	if p.connected() {
		t.Error("Expected broken connection to be dropped")
	}

	// the next exchange dials again
	resps, err := p.exchange(context.Background(), []wire.Request{{ID: 0, Delete: &wire.DeleteOp{Key: "k"}}})
	require.NoError(t, err)
	if resps[0].Code != wire.CodeNotFound {
		t.Errorf("Expected not found, got %v", resps[0].Code)
	}
}

func TestPeerDialFailure(t *testing.T) {
	addr := unusedAddr(t)
	p := newPeer(2, addr, RetryPolicy{MaxAttempts: 2, Delay: 1}, 0)

	err := p.connect(context.Background())
	if !errors.Is(err, ErrConnectivity) {
		t.Fatalf("Expected ErrConnectivity, got %v", err)
	}
}

// unusedAddr returns a loopback address nothing is listening on.
func unusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}
