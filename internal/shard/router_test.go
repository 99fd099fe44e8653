package shard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardkv/internal/cache"
	"github.com/dreamware/shardkv/internal/storage"
	"github.com/dreamware/shardkv/internal/wire"
)

// testCluster is a router at replica 0 with fake peers for every other
// replica.
type testCluster struct {
	router *Router
	store  *storage.Store
	peers  []*fakePeer // nil at index 0
}

func newTestCluster(t *testing.T, replicas int, mutate func(*Config)) *testCluster {
	t.Helper()

	tc := &testCluster{peers: make([]*fakePeer, replicas)}
	addrs := make([]string, replicas)
	addrs[0] = "127.0.0.1:0"
	for i := 1; i < replicas; i++ {
		tc.peers[i] = startFakePeer(t)
		addrs[i] = tc.peers[i].addr()
	}

	cfg := Config{
		ReplicaCount: replicas,
		Addrs:        addrs,
		Index:        0,
		MaxBatchSize: 4,
		Retry:        RetryPolicy{MaxAttempts: 2, Delay: 10 * time.Millisecond},
		CacheBytes:   1 << 20,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	tc.store = storage.NewStore(storage.NewMemoryEngine())
	r, err := NewRouter(cfg, tc.store, nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	tc.router = r
	return tc
}

// keysFor returns n distinct keys owned by shard in a cluster of replicas.
func keysFor(shard, replicas, n int) []string {
	var keys []string
	for i := 0; len(keys) < n; i++ {
		k := fmt.Sprintf("key-%d", i)
		if ShardFor(k, replicas) == shard {
			keys = append(keys, k)
		}
	}
	return keys
}

type getResult struct {
	rec storage.Record
	err error
}

func (tc *testCluster) get(t *testing.T, reqs ...storage.GetRequest) map[string]getResult {
	t.Helper()
	var mu sync.Mutex
	out := make(map[string]getResult)
	err := tc.router.Get(context.Background(), reqs, func(req storage.GetRequest, rec storage.Record, err error) {
		mu.Lock()
		out[req.Key] = getResult{rec: rec, err: err}
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Len(t, out, len(reqs))
	return out
}

func (tc *testCluster) put(t *testing.T, reqs ...storage.PutRequest) map[string]error {
	t.Helper()
	var mu sync.Mutex
	out := make(map[string]error)
	err := tc.router.Put(context.Background(), reqs, func(req storage.PutRequest, err error) {
		mu.Lock()
		out[req.Key] = err
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Len(t, out, len(reqs))
	return out
}

func (tc *testCluster) del(t *testing.T, keys ...string) map[string]error {
	t.Helper()
	out := make(map[string]error)
	err := tc.router.Delete(context.Background(), keys, func(key string, err error) {
		out[key] = err
	})
	require.NoError(t, err)
	return out
}

func (tc *testCluster) remoteRequests() int64 {
	var n int64
	for _, p := range tc.peers {
		if p != nil {
			n += p.requests.Load()
		}
	}
	return n
}

func TestNewRouterValidates(t *testing.T) {
	store := storage.NewStore(storage.NewMemoryEngine())

	_, err := NewRouter(Config{Addrs: []string{"a", "b"}, Index: 2}, store, nil)
	assert.Error(t, err)

	_, err = NewRouter(Config{Addrs: []string{"a"}}, nil, nil)
	assert.Error(t, err)

	r, err := NewRouter(Config{Addrs: []string{"a", "b"}, Index: 1}, store, cache.New(10))
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxBatchSize, r.Config().MaxBatchSize)
	assert.Equal(t, 2, r.Config().ReplicaCount)
	assert.True(t, r.Owns("a"), "crc16(a) is odd")
	for _, k := range []string{"b", "x", "user:1"} {
		assert.Equal(t, r.Owner(k) == 1, r.Owns(k), k)
	}
}

func TestRouterSingleReplica(t *testing.T) {
	tc := newTestCluster(t, 1, nil)

	puts := tc.put(t,
		storage.PutRequest{Key: "x", Data: []byte("hello")},
		storage.PutRequest{Key: "y", Data: []byte("frozen"), Immutable: true},
	)
	for k, err := range puts {
		assert.NoError(t, err, k)
	}

	// non-immutable overwrite is allowed
	assert.NoError(t, tc.put(t, storage.PutRequest{Key: "x", Data: []byte("world")})["x"])
	assert.ErrorIs(t, tc.put(t, storage.PutRequest{Key: "y", Data: []byte("thawed")})["y"], storage.ErrImmutable)

	got := tc.get(t, storage.GetRequest{Key: "x"}, storage.GetRequest{Key: "y"}, storage.GetRequest{Key: "z"})
	assert.Equal(t, "world", string(got["x"].rec.Content))
	assert.Equal(t, "frozen", string(got["y"].rec.Content))
	assert.ErrorIs(t, got["z"].err, storage.ErrNotFound)

	dels := tc.del(t, "x", "z")
	assert.NoError(t, dels["x"])
	assert.ErrorIs(t, dels["z"], storage.ErrNotFound)
	assert.ErrorIs(t, tc.get(t, storage.GetRequest{Key: "x"})["x"].err, storage.ErrNotFound)

	// local shard never uses the cache
	assert.Equal(t, 0, tc.router.cache.Len())
}

func TestRouterRoundTripAcrossShards(t *testing.T) {
	const replicas = 3
	tc := newTestCluster(t, replicas, nil)

	var puts []storage.PutRequest
	want := make(map[string][]byte)
	for s := 0; s < replicas; s++ {
		// 10 keys per shard spans several sub-batches of 4
		for i, k := range keysFor(s, replicas, 10) {
			v := bytes.Repeat([]byte{byte(s), byte(i), 0x00, 0xff}, i+1)
			puts = append(puts, storage.PutRequest{Key: k, Data: v})
			want[k] = v
		}
	}

	for k, err := range tc.put(t, puts...) {
		require.NoError(t, err, k)
	}

	var gets []storage.GetRequest
	for k := range want {
		gets = append(gets, storage.GetRequest{Key: k})
	}
	got := tc.get(t, gets...)
	for k, v := range want {
		require.NoError(t, got[k].err, k)
		assert.True(t, bytes.Equal(v, got[k].rec.Content), "value for %s differs", k)
	}

	// every key landed on its owner
	for s := 1; s < replicas; s++ {
		keys, err := tc.peers[s].store.Keys()
		require.NoError(t, err)
		assert.ElementsMatch(t, keysFor(s, replicas, 10), keys)
	}
	localKeys, err := tc.store.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, keysFor(0, replicas, 10), localKeys)

	stats := tc.router.Stats()
	assert.Equal(t, uint64(30), stats.Puts)
	assert.Equal(t, uint64(30), stats.Gets)
	assert.Equal(t, uint64(40), stats.RemoteCalls)
	assert.Equal(t, uint64(20), stats.LocalOps)
}

func TestRouterImmutablePutIsCached(t *testing.T) {
	tc := newTestCluster(t, 3, nil)
	key := keysFor(1, 3, 1)[0]

	require.NoError(t, tc.put(t, storage.PutRequest{Key: key, Data: []byte("1"), Immutable: true})[key])
	assert.Equal(t, int64(1), tc.peers[1].requests.Load())

	e, ok := tc.router.cache.Access(key)
	require.True(t, ok, "immutable remote put should populate the cache")
	assert.Equal(t, "1", string(e.Value))

	res := tc.get(t, storage.GetRequest{Key: key})[key]
	require.NoError(t, res.err)
	assert.Equal(t, "1", string(res.rec.Content))
	assert.Equal(t, int64(1), tc.peers[1].requests.Load(), "get should be served from cache")
	assert.Equal(t, uint64(1), tc.router.Stats().CacheHits)
}

func TestRouterRemoteGetPopulatesCache(t *testing.T) {
	tc := newTestCluster(t, 3, nil)
	key := keysFor(2, 3, 1)[0]
	require.NoError(t, tc.peers[2].store.Put(storage.PutRequest{Key: key, Data: []byte("blob"), Immutable: true}))

	first := tc.get(t, storage.GetRequest{Key: key})[key]
	require.NoError(t, first.err)
	assert.Equal(t, int64(1), tc.remoteRequests())

	second := tc.get(t, storage.GetRequest{Key: key})[key]
	require.NoError(t, second.err)
	assert.Equal(t, int64(1), tc.remoteRequests(), "second get must not issue an RPC")
	assert.Equal(t, first.rec.Content, second.rec.Content)
}

func TestRouterMutableNotCached(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	key := keysFor(1, 2, 1)[0]

	require.NoError(t, tc.put(t, storage.PutRequest{Key: key, Data: []byte("v1")})[key])
	tc.get(t, storage.GetRequest{Key: key})
	tc.get(t, storage.GetRequest{Key: key})

	assert.Equal(t, 0, tc.router.cache.Len())
	assert.Equal(t, int64(3), tc.peers[1].requests.Load())
}

func TestRouterFailedPutDropsCache(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	key := keysFor(1, 2, 1)[0]

	require.NoError(t, tc.put(t, storage.PutRequest{Key: key, Data: []byte("v1"), Immutable: true})[key])
	require.Equal(t, 1, tc.router.cache.Len())

	err := tc.put(t, storage.PutRequest{Key: key, Data: []byte("v2"), Immutable: true})[key]
	assert.ErrorIs(t, err, storage.ErrImmutable)
	assert.Equal(t, 0, tc.router.cache.Len())

	// the authoritative value is unchanged
	res := tc.get(t, storage.GetRequest{Key: key})[key]
	require.NoError(t, res.err)
	assert.Equal(t, "v1", string(res.rec.Content))
}

func TestRouterExecOnlyRemote(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	keys := keysFor(1, 2, 2)
	data, fn := keys[0], keys[1]

	tc.put(t,
		storage.PutRequest{Key: data, Data: []byte("d"), Immutable: true},
		storage.PutRequest{Key: fn, Data: []byte("#!/bin/true"), Immutable: true, Executable: true},
	)

	got := tc.get(t,
		storage.GetRequest{Key: data, ExecOnly: true},
		storage.GetRequest{Key: fn, ExecOnly: true},
	)
	assert.ErrorIs(t, got[data].err, storage.ErrNotFound)
	require.NoError(t, got[fn].err)
	assert.True(t, got[fn].rec.Executable)
}

func TestRouterDeleteRemote(t *testing.T) {
	tc := newTestCluster(t, 3, nil)
	k1 := keysFor(1, 3, 1)[0]
	k2 := keysFor(2, 3, 1)[0]
	k0 := keysFor(0, 3, 1)[0]

	tc.put(t,
		storage.PutRequest{Key: k1, Data: []byte("1"), Immutable: true},
		storage.PutRequest{Key: k2, Data: []byte("2")},
		storage.PutRequest{Key: k0, Data: []byte("0")},
	)
	require.Equal(t, 1, tc.router.cache.Len())

	dels := tc.del(t, k1, k2, k0, "never-stored")
	assert.NoError(t, dels[k1])
	assert.NoError(t, dels[k2])
	assert.NoError(t, dels[k0])
	assert.ErrorIs(t, dels["never-stored"], storage.ErrNotFound)
	assert.Equal(t, 0, tc.router.cache.Len())

	got := tc.get(t, storage.GetRequest{Key: k1}, storage.GetRequest{Key: k2}, storage.GetRequest{Key: k0})
	for k, res := range got {
		assert.ErrorIs(t, res.err, storage.ErrNotFound, k)
	}
}

func TestRouterMaterializesRemoteGet(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	key := keysFor(1, 2, 1)[0]
	tc.put(t, storage.PutRequest{Key: key, Data: []byte("#!/bin/sh\n"), Immutable: true, Executable: true})

	dir := t.TempDir()
	for i, via := range []string{"cache", "peer"} {
		if via == "peer" {
			tc.router.cache.Drop(key)
		}
		dst := filepath.Join(dir, fmt.Sprintf("fn-%d", i))
		res := tc.get(t, storage.GetRequest{Key: key, Filename: dst, Mode: 0o755})[key]
		require.NoError(t, res.err, via)

		b, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, "#!/bin/sh\n", string(b), via)
		info, err := os.Stat(dst)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o755), info.Mode().Perm(), via)
	}
}

func TestRouterPutFromFileRemote(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	keys := keysFor(1, 2, 2)

	src := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(src, []byte("from file"), 0o600))

	res := tc.put(t,
		storage.PutRequest{Key: keys[0], Filename: src},
		storage.PutRequest{Key: keys[1], Filename: filepath.Join(t.TempDir(), "missing")},
	)
	assert.NoError(t, res[keys[0]])
	assert.Error(t, res[keys[1]])
	assert.Equal(t, int64(1), tc.peers[1].requests.Load(), "unreadable source must not be sent")

	rec, err := tc.peers[1].store.Get(storage.GetRequest{Key: keys[0]})
	require.NoError(t, err)
	assert.Equal(t, "from file", string(rec.Content))
}

func TestRouterPeerUnreachable(t *testing.T) {
	tc := newTestCluster(t, 2, func(c *Config) {
		c.Addrs[1] = unusedAddr(t)
		c.Retry = RetryPolicy{MaxAttempts: 1, Delay: time.Millisecond}
	})

	err := tc.router.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectivity)

	key := keysFor(1, 2, 1)[0]
	res := tc.get(t, storage.GetRequest{Key: key})[key]
	assert.ErrorIs(t, res.err, ErrConnectivity)
	assert.Equal(t, wire.CodeIOError, CodeOf(res.err))
	assert.Equal(t, uint64(1), tc.router.Stats().Failures)
}

func TestRouterRecoversFromBrokenPeer(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	require.NoError(t, tc.router.Connect(context.Background()))
	key := keysFor(1, 2, 1)[0]

	require.NoError(t, tc.put(t, storage.PutRequest{Key: key, Data: []byte("v")})[key])

	tc.peers[1].dropConns()

	first := tc.get(t, storage.GetRequest{Key: key})[key]
	assert.ErrorIs(t, first.err, ErrConnectivity)

	second := tc.get(t, storage.GetRequest{Key: key})[key]
	require.NoError(t, second.err)
	assert.Equal(t, "v", string(second.rec.Content))
}

func TestRouterConcurrentCallers(t *testing.T) {
	tc := newTestCluster(t, 3, func(c *Config) { c.MaxBatchSize = 2 })

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				k := fmt.Sprintf("g%d-k%d", g, i)
				v := []byte(k)
				err := tc.router.Put(context.Background(), []storage.PutRequest{{Key: k, Data: v}}, func(_ storage.PutRequest, err error) {
					if err != nil {
						t.Errorf("put %s: %v", k, err)
					}
				})
				if err != nil {
					t.Errorf("put %s: %v", k, err)
				}
				err = tc.router.Get(context.Background(), []storage.GetRequest{{Key: k}}, func(_ storage.GetRequest, rec storage.Record, err error) {
					if err != nil || !bytes.Equal(rec.Content, v) {
						t.Errorf("get %s: %q %v", k, rec.Content, err)
					}
				})
				if err != nil {
					t.Errorf("get %s: %v", k, err)
				}
			}
		}(g)
	}
	wg.Wait()
}

func TestRouterClosed(t *testing.T) {
	tc := newTestCluster(t, 2, nil)
	require.NoError(t, tc.router.Close())
	require.NoError(t, tc.router.Close())

	err := tc.router.Get(context.Background(), []storage.GetRequest{{Key: "k"}}, func(storage.GetRequest, storage.Record, error) {
		t.Error("callback must not run after Close")
	})
	assert.True(t, errors.Is(err, ErrClosed))
	assert.ErrorIs(t, tc.router.Connect(context.Background()), ErrClosed)
}

func TestRouterInfo(t *testing.T) {
	tc := newTestCluster(t, 3, nil)
	require.NoError(t, tc.router.Connect(context.Background()))
	tc.put(t, storage.PutRequest{Key: keysFor(0, 3, 1)[0], Data: []byte("abc")})

	info, err := tc.router.Info()
	require.NoError(t, err)
	assert.Equal(t, 0, info.Index)
	assert.Equal(t, 3, info.ReplicaCount)
	require.Len(t, info.Peers, 2)
	for _, p := range info.Peers {
		assert.True(t, p.Connected, "peer %d", p.Index)
	}
	assert.Equal(t, 1, info.Storage.Keys)
	assert.Equal(t, 1<<20, info.Cache.Capacity)
}
