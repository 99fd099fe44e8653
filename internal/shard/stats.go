package shard

import (
	"sync/atomic"

	"github.com/dreamware/shardkv/internal/storage"
)

// OperationStats counts requests routed through a Router. Counters are
// updated atomically and read with Snapshot.
type OperationStats struct {
	Gets        uint64 `json:"gets"`         // get requests
	Puts        uint64 `json:"puts"`         // put requests
	Deletes     uint64 `json:"deletes"`      // delete requests
	LocalOps    uint64 `json:"local_ops"`    // requests served by the local store
	RemoteCalls uint64 `json:"remote_calls"` // requests sent to a peer
	CacheHits   uint64 `json:"cache_hits"`   // gets answered from the immutable cache
	Failures    uint64 `json:"failures"`     // requests completing with an I/O or connectivity error
}

// Snapshot returns a consistent-enough copy of the counters.
func (s *OperationStats) Snapshot() OperationStats {
	return OperationStats{
		Gets:        atomic.LoadUint64(&s.Gets),
		Puts:        atomic.LoadUint64(&s.Puts),
		Deletes:     atomic.LoadUint64(&s.Deletes),
		LocalOps:    atomic.LoadUint64(&s.LocalOps),
		RemoteCalls: atomic.LoadUint64(&s.RemoteCalls),
		CacheHits:   atomic.LoadUint64(&s.CacheHits),
		Failures:    atomic.LoadUint64(&s.Failures),
	}
}

func (s *OperationStats) add(field *uint64, n int) {
	atomic.AddUint64(field, uint64(n))
}

// PeerInfo describes the connection to one other replica.
type PeerInfo struct {
	Index     int    `json:"index"`
	Addr      string `json:"addr"`
	Connected bool   `json:"connected"`
}

// CacheInfo describes the immutable object cache.
type CacheInfo struct {
	Entries  int `json:"entries"`
	Bytes    int `json:"bytes"`
	Capacity int `json:"capacity"`
}

// Info is a point-in-time view of a replica's router.
type Info struct {
	Index        int                 `json:"index"`
	ReplicaCount int                 `json:"replica_count"`
	Peers        []PeerInfo          `json:"peers"`
	Ops          OperationStats      `json:"ops"`
	Storage      storage.EngineStats `json:"storage"`
	Cache        CacheInfo           `json:"cache"`
}
