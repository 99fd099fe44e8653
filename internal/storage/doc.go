// Package storage is the local persistence layer of a shardkv replica: an
// ordered byte-string key-value engine plus the record semantics every
// replica enforces on top of it.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│        shard.Router (local bucket)   │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│               Store                  │
//	│  Record{content, immutable, exec}    │
//	│  immutability check + overwrite      │
//	└─────────────────────────────────────┘
//	                 │
//	         ┌───────┴────────┐
//	         ▼                ▼
//	┌────────────────┐ ┌────────────────┐
//	│  LevelEngine   │ │  MemoryEngine  │
//	│  (goleveldb)   │ │  (map+RWMutex) │
//	└────────────────┘ └────────────────┘
//
// # Records
//
// Every key maps to a CBOR-encoded Record. A record written with
// Immutable=true can never be overwritten: later Puts return ErrImmutable
// and the stored content is unchanged. Delete is still permitted.
//
// # Errors
//
//   - ErrNotFound: key absent, or present but not executable on an
//     ExecOnly get
//   - ErrImmutable: write to an immutable key
//   - ErrInvalidRequest: malformed PutRequest
//   - anything else: engine or filesystem failure (reported as IOError)
//
// # Concurrency
//
// Engines are safe for concurrent use. Store serializes its writers so the
// read-check-write of Put is atomic; readers never take that lock.
//
// # Materialization
//
// GetRequest.Filename asks for the content to be copied to a local path.
// Materialize writes a temporary sibling file and renames it into place so
// a partially written file is never observable.
package storage
