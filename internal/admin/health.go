package admin

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dreamware/shardkv/internal/cluster"
)

// HealthStatus is the last known state of a peer's admin endpoint.
type HealthStatus string

const (
	StatusUnknown   HealthStatus = "unknown"
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// PeerHealth tracks probe results for one peer replica.
type PeerHealth struct {
	LastCheck        time.Time    `json:"last_check"`   // last probe attempt
	LastHealthy      time.Time    `json:"last_healthy"` // last successful probe
	Index            int          `json:"index"`
	Status           HealthStatus `json:"status"`
	ConsecutiveFails int          `json:"consecutive_fails"`
}

// Target is one peer to probe.
type Target struct {
	Index int
	URL   string // admin base URL
}

// TargetsFrom lists every replica of topo except self that exposes an
// admin address.
func TargetsFrom(topo *cluster.Topology, self int) []Target {
	var out []Target
	for i, r := range topo.Replicas {
		if i == self || r.AdminURL() == "" {
			continue
		}
		out = append(out, Target{Index: i, URL: r.AdminURL()})
	}
	return out
}

// HealthMonitor periodically probes the admin /health endpoint of peer
// replicas. A peer is marked unhealthy after maxFailures consecutive failed
// probes and healthy again after one success.
//
// Health is informational: routing never consults it, because every key
// has exactly one owner and there is nowhere else to send it.
type HealthMonitor struct {
	peers       map[int]*PeerHealth
	checkFunc   func(ctx context.Context, url string) error
	onUnhealthy func(index int)
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		peers:       make(map[int]*PeerHealth),
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetOnUnhealthy registers a callback run when a peer turns unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(index int)) {
	h.onUnhealthy = callback
}

// SetCheckFunction replaces the HTTP probe, mainly for tests.
func (h *HealthMonitor) SetCheckFunction(fn func(ctx context.Context, url string) error) {
	h.checkFunc = fn
}

// Start probes targets immediately and then every interval until ctx is
// done or Stop is called. It blocks.
func (h *HealthMonitor) Start(ctx context.Context, targets func() []Target) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	if h.checkFunc == nil {
		h.checkFunc = defaultHealthCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	log.Printf("health monitor: started with interval %v", h.interval)
	h.checkAll(targets())

	for {
		select {
		case <-ticker.C:
			h.checkAll(targets())
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop ends Start and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	log.Println("health monitor: stopped")
}

func (h *HealthMonitor) checkAll(targets []Target) {
	current := make(map[int]bool, len(targets))
	for _, t := range targets {
		current[t.Index] = true
		h.check(t)
	}

	h.mu.Lock()
	for idx := range h.peers {
		if !current[idx] {
			delete(h.peers, idx)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) check(t Target) {
	h.mu.Lock()
	health, ok := h.peers[t.Index]
	if !ok {
		health = &PeerHealth{Index: t.Index, Status: StatusUnknown}
		h.peers[t.Index] = health
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
	err := h.checkFunc(ctx, t.URL)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	if err != nil {
		health.ConsecutiveFails++
		log.Printf("health monitor: replica %d probe failed (%d/%d): %v",
			t.Index, health.ConsecutiveFails, h.maxFailures, err)

		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			log.Printf("health monitor: replica %d marked unhealthy", t.Index)
			if h.onUnhealthy != nil {
				go h.onUnhealthy(t.Index)
			}
		}
		return
	}

	if health.Status == StatusUnhealthy {
		log.Printf("health monitor: replica %d recovered", t.Index)
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = health.LastCheck
}

func defaultHealthCheck(ctx context.Context, url string) error {
	var body healthResponse
	if err := cluster.GetJSON(ctx, url+"/health", &body); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if body.Status != "ok" {
		return fmt.Errorf("health check: status %q", body.Status)
	}
	return nil
}

// Peer returns a copy of the state of one peer, or nil if it is not
// monitored.
func (h *HealthMonitor) Peer(index int) *PeerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, ok := h.peers[index]
	if !ok {
		return nil
	}
	cp := *health
	return &cp
}

// All returns a copy of every monitored peer's state.
func (h *HealthMonitor) All() map[int]PeerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[int]PeerHealth, len(h.peers))
	for idx, health := range h.peers {
		out[idx] = *health
	}
	return out
}

// IsHealthy reports whether the last probes of index succeeded.
func (h *HealthMonitor) IsHealthy(index int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, ok := h.peers[index]
	return ok && health.Status == StatusHealthy
}
