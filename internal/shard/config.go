package shard

import (
	"fmt"
	"time"
)

const (
	// DefaultMaxBatchSize bounds how many requests are pipelined to a peer
	// before their responses are drained.
	DefaultMaxBatchSize = 32

	// DefaultConnRetries is the number of dial attempts per peer.
	DefaultConnRetries = 32

	// DefaultConnRetryDelay is the pause between dial attempts.
	DefaultConnRetryDelay = 5 * time.Second

	// DefaultStorePath is where a replica keeps its engine files.
	DefaultStorePath = "/tmp/simpledb"
)

// RetryPolicy controls how peer connections are (re)established.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Config describes one replica's place in the cluster. It is built once at
// startup and never mutated afterwards.
type Config struct {
	// ReplicaCount is the number of shards; it must equal len(Addrs).
	ReplicaCount int
	// Addrs holds the data address of every replica, indexed by shard.
	Addrs []string
	// Index is this replica's own shard.
	Index int

	MaxBatchSize int
	Retry        RetryPolicy

	// MaxFrameSize caps responses read from peers; zero is the wire default.
	MaxFrameSize uint64

	StorePath string
	// CacheBytes bounds the immutable object cache.
	CacheBytes int
	// EngineCacheBytes sizes the storage engine's block cache.
	EngineCacheBytes int
}

// WithDefaults fills every unset tunable.
func (c Config) WithDefaults() Config {
	if c.ReplicaCount == 0 {
		c.ReplicaCount = len(c.Addrs)
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = DefaultConnRetries
	}
	if c.Retry.Delay <= 0 {
		c.Retry.Delay = DefaultConnRetryDelay
	}
	if c.StorePath == "" {
		c.StorePath = DefaultStorePath
	}
	return c
}

// Validate reports the first inconsistency in c.
func (c Config) Validate() error {
	if c.ReplicaCount <= 0 {
		return fmt.Errorf("replica count must be positive, got %d", c.ReplicaCount)
	}
	if len(c.Addrs) != c.ReplicaCount {
		return fmt.Errorf("replica count %d does not match %d addresses", c.ReplicaCount, len(c.Addrs))
	}
	if c.Index < 0 || c.Index >= c.ReplicaCount {
		return fmt.Errorf("replica index %d out of range [0,%d)", c.Index, c.ReplicaCount)
	}
	for i, a := range c.Addrs {
		if a == "" {
			return fmt.Errorf("replica %d has no address", i)
		}
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("max batch size must be positive, got %d", c.MaxBatchSize)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	return nil
}
