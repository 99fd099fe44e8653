package shard

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardkv/internal/cache"
	"github.com/dreamware/shardkv/internal/storage"
	"github.com/dreamware/shardkv/internal/wire"
)

// GetCallback receives the outcome of one get. A nil err means rec holds
// the object.
type GetCallback func(req storage.GetRequest, rec storage.Record, err error)

// PutCallback receives the outcome of one put.
type PutCallback func(req storage.PutRequest, err error)

// DeleteCallback receives the outcome of one delete.
type DeleteCallback func(key string, err error)

// Router sends every key-level operation to the replica owning the key.
// Requests for this replica's own shard go to the local Store; the rest
// are forwarded to peers over one persistent connection each.
//
// Callbacks for different shards run concurrently and must synchronize any
// state they share. Every callback has returned by the time the batch call
// returns.
type Router struct {
	cfg   Config
	store *storage.Store
	cache *cache.LRU
	peers []*peer // nil at cfg.Index

	stats  OperationStats
	closed atomic.Bool
}

// NewRouter validates cfg and builds a router over store and c. A nil c
// gets a fresh cache of cfg.CacheBytes. No connection is opened until
// Connect or the first remote request.
func NewRouter(cfg Config, store *storage.Store, c *cache.LRU) (*Router, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shard config: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("invalid shard config: nil store")
	}
	if c == nil {
		c = cache.New(cfg.CacheBytes)
	}

	r := &Router{
		cfg:   cfg,
		store: store,
		cache: c,
		peers: make([]*peer, cfg.ReplicaCount),
	}
	for i, addr := range cfg.Addrs {
		if i == cfg.Index {
			continue
		}
		r.peers[i] = newPeer(i, addr, cfg.Retry, cfg.MaxFrameSize)
	}
	return r, nil
}

// Connect opens the connection to every peer, retrying each according to
// the retry policy. An error wraps ErrConnectivity and leaves the replica
// unable to route; callers treat it as fatal.
func (r *Router) Connect(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}
	var g errgroup.Group
	for _, p := range r.peers {
		p := p
		if p == nil {
			continue
		}
		g.Go(func() error { return p.connect(ctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Printf("replica[%d]: connected to %d peers", r.cfg.Index, r.cfg.ReplicaCount-1)
	return nil
}

// Owner returns the shard owning key.
func (r *Router) Owner(key string) int {
	return ShardFor(key, r.cfg.ReplicaCount)
}

// Owns reports whether key belongs to this replica's shard.
func (r *Router) Owns(key string) bool {
	return r.Owner(key) == r.cfg.Index
}

// Config returns the configuration the router was built with.
func (r *Router) Config() Config { return r.cfg }

// partition groups request indexes by owning shard.
func (r *Router) partition(n int, keyAt func(int) string) map[int][]int {
	buckets := make(map[int][]int)
	for i := 0; i < n; i++ {
		s := r.Owner(keyAt(i))
		buckets[s] = append(buckets[s], i)
	}
	return buckets
}

func shardOrder(buckets map[int][]int) []int {
	shards := maps.Keys(buckets)
	slices.Sort(shards)
	return shards
}

// Get fetches every request in reqs and reports each through cb. Buckets
// for different shards are processed concurrently. The returned error is
// only non-nil when the router is closed; per-request failures go to cb.
func (r *Router) Get(ctx context.Context, reqs []storage.GetRequest, cb GetCallback) error {
	if r.closed.Load() {
		return ErrClosed
	}
	r.stats.add(&r.stats.Gets, len(reqs))

	buckets := r.partition(len(reqs), func(i int) string { return reqs[i].Key })

	var g errgroup.Group
	for _, s := range shardOrder(buckets) {
		idx := buckets[s]
		if s == r.cfg.Index {
			g.Go(func() error {
				r.getLocal(reqs, idx, cb)
				return nil
			})
			continue
		}
		p := r.peers[s]
		g.Go(func() error {
			r.getRemote(ctx, p, reqs, idx, cb)
			return nil
		})
	}
	return g.Wait()
}

func (r *Router) getLocal(reqs []storage.GetRequest, idx []int, cb GetCallback) {
	r.stats.add(&r.stats.LocalOps, len(idx))
	for _, i := range idx {
		rec, err := r.store.Get(reqs[i])
		r.observe(err)
		cb(reqs[i], rec, err)
	}
}

func (r *Router) getRemote(ctx context.Context, p *peer, reqs []storage.GetRequest, idx []int, cb GetCallback) {
	pending := make([]int, 0, len(idx))
	for _, i := range idx {
		req := reqs[i]
		if e, ok := r.cache.Access(req.Key); ok && (!req.ExecOnly || e.Executable) {
			r.stats.add(&r.stats.CacheHits, 1)
			rec := storage.Record{Content: e.Value, Immutable: true, Executable: e.Executable}
			cb(req, rec, materialize(req, rec))
			continue
		}
		pending = append(pending, i)
	}

	for start := 0; start < len(pending); start += r.cfg.MaxBatchSize {
		batch := pending[start:min(start+r.cfg.MaxBatchSize, len(pending))]

		wreqs := make([]wire.Request, len(batch))
		for j, i := range batch {
			wreqs[j] = wire.Request{
				ID:  uint64(start + j),
				Get: &wire.GetOp{Key: reqs[i].Key, ExecOnly: reqs[i].ExecOnly},
			}
		}

		r.stats.add(&r.stats.RemoteCalls, len(batch))
		resps, err := p.exchange(ctx, wreqs)
		if err != nil {
			log.Printf("replica[%d]: get batch to peer %d failed: %v", r.cfg.Index, p.index, err)
		}

		for j, i := range batch {
			req := reqs[i]
			if err != nil {
				r.observe(err)
				cb(req, storage.Record{}, err)
				continue
			}
			resp := resps[j]
			if rerr := errorOf(resp.Code); rerr != nil {
				r.observe(rerr)
				cb(req, storage.Record{}, rerr)
				continue
			}

			rec := storage.Record{Content: resp.Val, Immutable: resp.Immutable, Executable: resp.Executable}
			if rec.Immutable {
				r.cache.Insert(req.Key, cache.Entry{Value: rec.Content, Executable: rec.Executable})
			}
			cb(req, rec, materialize(req, rec))
		}
	}
}

func materialize(req storage.GetRequest, rec storage.Record) error {
	if req.Filename == "" {
		return nil
	}
	return storage.Materialize(rec.Content, req.Filename, req.Mode)
}

// Put stores every request in reqs and reports each through cb. Buckets
// for different shards are processed concurrently.
func (r *Router) Put(ctx context.Context, reqs []storage.PutRequest, cb PutCallback) error {
	if r.closed.Load() {
		return ErrClosed
	}
	r.stats.add(&r.stats.Puts, len(reqs))

	buckets := r.partition(len(reqs), func(i int) string { return reqs[i].Key })

	var g errgroup.Group
	for _, s := range shardOrder(buckets) {
		idx := buckets[s]
		if s == r.cfg.Index {
			g.Go(func() error {
				r.putLocal(reqs, idx, cb)
				return nil
			})
			continue
		}
		p := r.peers[s]
		g.Go(func() error {
			r.putRemote(ctx, p, reqs, idx, cb)
			return nil
		})
	}
	return g.Wait()
}

func (r *Router) putLocal(reqs []storage.PutRequest, idx []int, cb PutCallback) {
	r.stats.add(&r.stats.LocalOps, len(idx))
	for _, i := range idx {
		err := r.store.Put(reqs[i])
		r.observe(err)
		cb(reqs[i], err)
	}
}

func (r *Router) putRemote(ctx context.Context, p *peer, reqs []storage.PutRequest, idx []int, cb PutCallback) {
	// payloads are resolved locally; the peer only ever sees inline data
	pending := make([]int, 0, len(idx))
	contents := make(map[int][]byte, len(idx))
	for _, i := range idx {
		content, err := reqs[i].Content()
		if err != nil {
			r.observe(err)
			cb(reqs[i], err)
			continue
		}
		contents[i] = content
		pending = append(pending, i)
	}

	for start := 0; start < len(pending); start += r.cfg.MaxBatchSize {
		batch := pending[start:min(start+r.cfg.MaxBatchSize, len(pending))]

		wreqs := make([]wire.Request, len(batch))
		for j, i := range batch {
			req := reqs[i]
			wreqs[j] = wire.Request{
				ID: uint64(start + j),
				Put: &wire.PutOp{
					Key:        req.Key,
					Val:        contents[i],
					Immutable:  req.Immutable,
					Executable: req.Executable,
				},
			}
		}

		r.stats.add(&r.stats.RemoteCalls, len(batch))
		resps, err := p.exchange(ctx, wreqs)
		if err != nil {
			log.Printf("replica[%d]: put batch to peer %d failed: %v", r.cfg.Index, p.index, err)
		}

		for j, i := range batch {
			req := reqs[i]
			perr := err
			if perr == nil {
				perr = errorOf(resps[j].Code)
			}

			if perr == nil && req.Immutable {
				r.cache.Insert(req.Key, cache.Entry{Value: contents[i], Executable: req.Executable})
			} else {
				r.cache.Drop(req.Key)
			}

			r.observe(perr)
			cb(req, perr)
		}
	}
}

// Delete removes every key in keys and reports each through cb. Shards are
// visited one after another and each remote delete is a single round trip
// completed before the next is sent.
func (r *Router) Delete(ctx context.Context, keys []string, cb DeleteCallback) error {
	if r.closed.Load() {
		return ErrClosed
	}
	r.stats.add(&r.stats.Deletes, len(keys))

	buckets := r.partition(len(keys), func(i int) string { return keys[i] })

	for _, s := range shardOrder(buckets) {
		for _, i := range buckets[s] {
			key := keys[i]
			var err error
			if s == r.cfg.Index {
				r.stats.add(&r.stats.LocalOps, 1)
				err = r.store.Delete(key)
			} else {
				err = r.deleteRemote(ctx, r.peers[s], key)
			}
			r.observe(err)
			cb(key, err)
		}
	}
	return nil
}

func (r *Router) deleteRemote(ctx context.Context, p *peer, key string) error {
	r.cache.Drop(key)
	r.stats.add(&r.stats.RemoteCalls, 1)

	resps, err := p.exchange(ctx, []wire.Request{{ID: 0, Delete: &wire.DeleteOp{Key: key}}})
	if err != nil {
		log.Printf("replica[%d]: delete %q on peer %d failed: %v", r.cfg.Index, key, p.index, err)
		return err
	}
	return errorOf(resps[0].Code)
}

func (r *Router) observe(err error) {
	if err != nil && CodeOf(err) == wire.CodeIOError {
		r.stats.add(&r.stats.Failures, 1)
	}
}

// Stats returns a snapshot of the operation counters.
func (r *Router) Stats() OperationStats {
	return r.stats.Snapshot()
}

// Info reports the router's peers, counters, storage and cache state.
func (r *Router) Info() (Info, error) {
	st, err := r.store.Stats()
	if err != nil {
		return Info{}, fmt.Errorf("storage stats: %w", err)
	}

	info := Info{
		Index:        r.cfg.Index,
		ReplicaCount: r.cfg.ReplicaCount,
		Ops:          r.stats.Snapshot(),
		Storage:      st,
		Cache: CacheInfo{
			Entries:  r.cache.Len(),
			Bytes:    r.cache.Size(),
			Capacity: r.cache.Capacity(),
		},
	}
	for _, p := range r.peers {
		if p == nil {
			continue
		}
		info.Peers = append(info.Peers, PeerInfo{Index: p.index, Addr: p.addr, Connected: p.connected()})
	}
	return info, nil
}

// Close drops every peer connection. The Store is not closed; it belongs to
// whoever created it.
func (r *Router) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	for _, p := range r.peers {
		if p != nil {
			p.close()
		}
	}
	return nil
}
