// Package main runs one shardkv replica: a wire protocol listener backed by
// a local LevelDB store, forwarding keys it does not own to its peers.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│                Replica                    │
//	├──────────────────────────────────────────┤
//	│  TCP (length-prefixed CBOR frames):      │
//	│    get / put / delete from any client    │
//	├──────────────────────────────────────────┤
//	│  server.Server ─► Pool ─► Worker          │
//	│                    │                      │
//	│             shard.Router                  │
//	│        ┌───────────┴───────────┐          │
//	│   storage.Store          peers (TCP)      │
//	│    (LevelDB)          + immutable cache   │
//	├──────────────────────────────────────────┤
//	│  HTTP admin (optional):                  │
//	│    /health  /info  /shard/{key}          │
//	└──────────────────────────────────────────┘
//
// Configuration:
//   - REPLICA_INDEX: this replica's shard (required)
//   - CLUSTER_CONFIG: YAML topology file, or
//   - REPLICA_ADDRS: comma separated data addresses in shard order
//   - REPLICA_LISTEN: bind address (default: this replica's data address)
//   - ADMIN_LISTEN: admin HTTP bind address (default: topology admin, else off)
//   - STORE_PATH: LevelDB directory, or :memory: for a throwaway in-memory
//     store (default: /tmp/simpledb/<index>)
//   - CACHE_BYTES, ENGINE_CACHE_BYTES: cache sizes (default: 128 MiB each)
//   - WORKERS: worker pool size (default: 4 * GOMAXPROCS)
//   - MAX_BATCH_SIZE: requests pipelined per peer round (default: 32)
//   - MAX_FRAME_BYTES: largest accepted frame (default: 256 MiB)
//   - CONN_RETRIES, CONN_RETRY_DELAY: peer dial policy (default: 32, 5s)
//   - HEALTH_INTERVAL: peer admin probe interval (default: 5s)
//
// Example usage:
//
//	REPLICA_INDEX=0 \
//	REPLICA_ADDRS=10.0.0.1:7000,10.0.0.2:7000,10.0.0.3:7000 \
//	ADMIN_LISTEN=:8000 \
//	./replica
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/dreamware/shardkv/internal/admin"
	"github.com/dreamware/shardkv/internal/cache"
	"github.com/dreamware/shardkv/internal/cluster"
	"github.com/dreamware/shardkv/internal/server"
	"github.com/dreamware/shardkv/internal/shard"
	"github.com/dreamware/shardkv/internal/storage"
	"github.com/dreamware/shardkv/internal/wire"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

const (
	defaultCacheBytes       = 128 << 20
	defaultEngineCacheBytes = 128 << 20
	defaultHealthInterval   = 5 * time.Second
)

// replicaConfig is everything a replica needs to start.
type replicaConfig struct {
	shard          shard.Config
	topology       *cluster.Topology
	listen         string
	adminListen    string
	workers        int
	healthInterval time.Duration
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		logFatal("config: %v", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, nil); err != nil {
		logFatal("replica[%d]: %v", cfg.shard.Index, err)
		return
	}
	log.Println("replica stopped")
}

// loadConfig builds the replica configuration from the environment.
// Topology file tuning is applied first and environment variables override
// it.
func loadConfig() (replicaConfig, error) {
	var cfg replicaConfig

	index, err := strconv.Atoi(mustGetenv("REPLICA_INDEX"))
	if err != nil {
		return cfg, fmt.Errorf("REPLICA_INDEX: %w", err)
	}

	var topo *cluster.Topology
	if path := getenv("CLUSTER_CONFIG", ""); path != "" {
		topo, err = cluster.LoadTopology(path)
	} else if addrs := getenv("REPLICA_ADDRS", ""); addrs != "" {
		topo, err = cluster.ParseAddrs(addrs)
	} else {
		err = errors.New("one of CLUSTER_CONFIG or REPLICA_ADDRS is required")
	}
	if err != nil {
		return cfg, err
	}
	if index < 0 || index >= len(topo.Replicas) {
		return cfg, fmt.Errorf("REPLICA_INDEX %d out of range for %d replicas", index, len(topo.Replicas))
	}

	sc := shard.Config{
		ReplicaCount:     len(topo.Replicas),
		Addrs:            topo.Addrs(),
		Index:            index,
		MaxBatchSize:     topo.MaxBatchSize,
		Retry:            shard.RetryPolicy{MaxAttempts: topo.Retry.Attempts, Delay: topo.Retry.Delay},
		StorePath:        getenv("STORE_PATH", filepath.Join(shard.DefaultStorePath, strconv.Itoa(index))),
		CacheBytes:       orDefault(topo.CacheBytes, defaultCacheBytes),
		EngineCacheBytes: orDefault(topo.EngineCacheBytes, defaultEngineCacheBytes),
	}

	if sc.CacheBytes, err = envInt("CACHE_BYTES", sc.CacheBytes); err != nil {
		return cfg, err
	}
	if sc.EngineCacheBytes, err = envInt("ENGINE_CACHE_BYTES", sc.EngineCacheBytes); err != nil {
		return cfg, err
	}
	if sc.MaxBatchSize, err = envInt("MAX_BATCH_SIZE", sc.MaxBatchSize); err != nil {
		return cfg, err
	}
	if sc.Retry.MaxAttempts, err = envInt("CONN_RETRIES", sc.Retry.MaxAttempts); err != nil {
		return cfg, err
	}
	if sc.Retry.Delay, err = envDuration("CONN_RETRY_DELAY", sc.Retry.Delay); err != nil {
		return cfg, err
	}
	maxFrame, err := envInt("MAX_FRAME_BYTES", wire.DefaultMaxFrameSize)
	if err != nil {
		return cfg, err
	}
	sc.MaxFrameSize = uint64(maxFrame)

	sc = sc.WithDefaults()
	if err := sc.Validate(); err != nil {
		return cfg, err
	}

	cfg = replicaConfig{
		shard:       sc,
		topology:    topo,
		listen:      getenv("REPLICA_LISTEN", sc.Addrs[index]),
		adminListen: getenv("ADMIN_LISTEN", topo.Replicas[index].Admin),
	}
	if cfg.workers, err = envInt("WORKERS", 0); err != nil {
		return cfg, err
	}
	if cfg.healthInterval, err = envDuration("HEALTH_INTERVAL", defaultHealthInterval); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// run starts the replica and blocks until ctx is done or the listener
// fails. ready, when set, is told the bound data and admin addresses once
// every peer is connected; the admin address is nil when disabled.
func run(ctx context.Context, cfg replicaConfig, ready func(data, adm net.Addr)) error {
	sc := cfg.shard
	engine, err := openEngine(sc)
	if err != nil {
		return err
	}
	store := storage.NewStore(engine)
	defer store.Close()

	router, err := shard.NewRouter(sc, store, cache.New(sc.CacheBytes))
	if err != nil {
		return err
	}
	defer router.Close()

	srv := server.New(server.Config{
		Addr:         cfg.listen,
		Workers:      cfg.workers,
		MaxFrameSize: sc.MaxFrameSize,
	}, server.NewWorker(router))
	if err := srv.Listen(); err != nil {
		return err
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()
	defer func() {
		srv.Close()
		<-served
	}()
	log.Printf("replica[%d] listening on %s (%d replicas, store %s)",
		sc.Index, srv.Addr(), sc.ReplicaCount, sc.StorePath)

	// peers listen before they dial, so every replica can accept while it
	// waits for the others
	if err := router.Connect(ctx); err != nil {
		return err
	}

	var adminAddr net.Addr
	if cfg.adminListen != "" {
		var mon *admin.HealthMonitor
		if targets := admin.TargetsFrom(cfg.topology, sc.Index); len(targets) > 0 {
			mon = admin.NewHealthMonitor(cfg.healthInterval)
			go mon.Start(ctx, func() []admin.Target { return targets })
			defer mon.Stop()
		}

		ln, err := net.Listen("tcp", cfg.adminListen)
		if err != nil {
			return fmt.Errorf("admin listen: %w", err)
		}
		adminAddr = ln.Addr()
		hs := &http.Server{
			Handler:           admin.NewRouter(router, mon),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := hs.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Printf("admin: %v", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := hs.Shutdown(sctx); err != nil {
				log.Printf("admin shutdown error: %v", err)
			}
		}()
		log.Printf("replica[%d] admin on %s", sc.Index, adminAddr)
	}

	if ready != nil {
		ready(srv.Addr(), adminAddr)
	}

	select {
	case <-ctx.Done():
		log.Printf("replica[%d] shutting down", sc.Index)
		return nil
	case err := <-served:
		served <- err
		return err
	}
}

// openEngine opens the LevelDB store at sc.StorePath, or a MemoryEngine
// when the path is storage.MemoryPath.
func openEngine(sc shard.Config) (storage.Engine, error) {
	if sc.StorePath == storage.MemoryPath {
		log.Printf("replica[%d]: using in-memory store, data is lost on exit", sc.Index)
		return storage.NewMemoryEngine(), nil
	}
	return storage.OpenLevelEngine(sc.StorePath, storage.LevelOptions{
		CreateIfMissing: true,
		BlockCacheBytes: sc.EngineCacheBytes,
	})
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}

func envInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s: must not be negative, got %d", k, n)
	}
	return n, nil
}

func envDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return d, nil
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
