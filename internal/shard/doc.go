// Package shard routes key-level operations across the replicas of a
// shardkv cluster.
//
// # Overview
//
// The key space is split into one shard per replica. Every replica owns
// exactly one shard and can route a request for any key, because shard
// assignment is a pure function of the key:
//
//	shard = CRC-16/XMODEM(key) mod replica_count
//
// # Architecture
//
//	              Router.Get / Put / Delete
//	                        │
//	              partition by ShardFor(key)
//	         ┌──────────────┼──────────────┐
//	         ▼              ▼              ▼
//	   ┌──────────┐   ┌──────────┐   ┌──────────┐
//	   │ shard 0  │   │ shard 1  │   │ shard 2  │
//	   │ (local)  │   │ (peer)   │   │ (peer)   │
//	   └──────────┘   └──────────┘   └──────────┘
//	         │              │              │
//	   storage.Store   immutable cache, then pipelined
//	                   sub-batches over one TCP connection
//
// Gets and puts run one goroutine per non-empty shard bucket and join
// before returning. Remote buckets are sent in sub-batches of at most
// MaxBatchSize requests: the whole sub-batch is written, then exactly that
// many responses are read and matched to their requests by id. Deletes are
// simpler: shard by shard, one request and one response at a time.
//
// # Immutable Cache
//
// Objects fetched from or written to a peer with the immutable flag are
// kept in a byte-bounded LRU. A later get for such a key is answered
// without contacting the peer. A failed or non-immutable put and any delete
// of the key drop the entry. The local shard never uses the cache.
//
// # Failures
//
// Per-request outcomes are delivered to the callback as errors; CodeOf
// converts them to wire codes. A peer that cannot be reached, or whose
// connection breaks mid-exchange, yields ErrConnectivity for every request
// of the affected sub-batch. The broken connection is discarded and the
// next request to that peer dials again.
//
// # Statistics
//
// Router keeps atomic operation counters (gets, puts, deletes, remote calls,
// cache hits, failures) exposed through Stats and Info.
package shard
