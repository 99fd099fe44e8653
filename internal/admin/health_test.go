package admin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardkv/internal/cluster"
)

// TestNewHealthMonitor checks the defaults of a fresh monitor.
func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(5 * time.Second)
	defer monitor.Stop()

	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 2*time.Second, monitor.timeout)
	assert.Equal(t, 3, monitor.maxFailures)
	assert.Empty(t, monitor.peers)
	assert.Nil(t, monitor.Peer(1))
	assert.False(t, monitor.IsHealthy(1))
}

func TestTargetsFrom(t *testing.T) {
	topo := &cluster.Topology{Replicas: []cluster.ReplicaInfo{
		{Addr: "10.0.0.1:7000", Admin: "10.0.0.1:8000"},
		{Addr: "10.0.0.2:7000"},
		{Addr: "10.0.0.3:7000", Admin: "https://admin-3/"},
	}}

	targets := TargetsFrom(topo, 0)
	assert.Equal(t, []Target{{Index: 2, URL: "https://admin-3"}}, targets)

	targets = TargetsFrom(topo, 1)
	assert.Equal(t, []Target{
		{Index: 0, URL: "http://10.0.0.1:8000"},
		{Index: 2, URL: "https://admin-3"},
	}, targets)
}

// TestHealthMonitorTransitions drives probes directly: a peer turns
// unhealthy only after maxFailures consecutive failures and recovers after
// one success.
func TestHealthMonitorTransitions(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour)
	defer monitor.Stop()

	var down atomic.Bool
	monitor.SetCheckFunction(func(_ context.Context, url string) error {
		if url == "http://one" && down.Load() {
			return errors.New("connection refused")
		}
		return nil
	})

	unhealthy := make(chan int, 4)
	monitor.SetOnUnhealthy(func(index int) { unhealthy <- index })

	targets := []Target{{Index: 1, URL: "http://one"}, {Index: 2, URL: "http://two"}}
	monitor.checkAll(targets)
	assert.True(t, monitor.IsHealthy(1))
	assert.True(t, monitor.IsHealthy(2))

	down.Store(true)
	monitor.checkAll(targets)
	monitor.checkAll(targets)

	p := monitor.Peer(1)
	require.NotNil(t, p)
	assert.Equal(t, StatusHealthy, p.Status, "two failures are tolerated")
	assert.Equal(t, 2, p.ConsecutiveFails)

	monitor.checkAll(targets)
	assert.False(t, monitor.IsHealthy(1))
	assert.True(t, monitor.IsHealthy(2))

	select {
	case idx := <-unhealthy:
		assert.Equal(t, 1, idx)
	case <-time.After(time.Second):
		t.Fatal("unhealthy callback not called")
	}

	// further failures do not fire the callback again
	monitor.checkAll(targets)
	select {
	case idx := <-unhealthy:
		t.Fatalf("unexpected second callback for %d", idx)
	case <-time.After(50 * time.Millisecond):
	}

	down.Store(false)
	monitor.checkAll(targets)
	p = monitor.Peer(1)
	require.NotNil(t, p)
	assert.Equal(t, StatusHealthy, p.Status)
	assert.Equal(t, 0, p.ConsecutiveFails)
	assert.Equal(t, p.LastCheck, p.LastHealthy)
}

func TestHealthMonitorForgetsRemovedPeers(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour)
	defer monitor.Stop()
	monitor.SetCheckFunction(func(context.Context, string) error { return nil })

	monitor.checkAll([]Target{{Index: 1, URL: "a"}, {Index: 2, URL: "b"}})
	assert.Len(t, monitor.All(), 2)

	monitor.checkAll([]Target{{Index: 1, URL: "a"}})
	all := monitor.All()
	assert.Len(t, all, 1)
	assert.Contains(t, all, 1)
	assert.NotContains(t, all, 2)
}

func TestHealthMonitorStartStop(t *testing.T) {
	monitor := NewHealthMonitor(10 * time.Millisecond)

	var checks atomic.Int32
	monitor.SetCheckFunction(func(context.Context, string) error {
		checks.Add(1)
		return nil
	})

	done := make(chan struct{})
	go func() {
		monitor.Start(context.Background(), func() []Target {
			return []Target{{Index: 3, URL: "http://three"}}
		})
		close(done)
	}()

	assert.Eventually(t, func() bool { return checks.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, monitor.IsHealthy(3))

	monitor.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}

	after := checks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, checks.Load(), "no probes after Stop")
}

func TestHealthMonitorContextCancel(t *testing.T) {
	monitor := NewHealthMonitor(10 * time.Millisecond)
	defer monitor.Stop()
	monitor.SetCheckFunction(func(context.Context, string) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Start(ctx, func() []Target { return nil })
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestHealthMonitorConcurrency(t *testing.T) {
	monitor := NewHealthMonitor(time.Millisecond)
	defer monitor.Stop()
	monitor.SetCheckFunction(func(context.Context, string) error { return nil })

	targets := []Target{{Index: 0, URL: "a"}, {Index: 1, URL: "b"}, {Index: 2, URL: "c"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, func() []Target { return targets })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				monitor.IsHealthy(id % 3)
				monitor.Peer(id % 3)
				monitor.All()
			}
		}(i)
	}
	wg.Wait()
}

// TestDefaultHealthCheck probes real admin handlers over HTTP.
func TestDefaultHealthCheck(t *testing.T) {
	healthy := httptest.NewServer(NewRouter(newFakeSource(), nil))
	defer healthy.Close()

	degraded := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "starting"})
	}))
	defer degraded.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	ctx := context.Background()
	assert.NoError(t, defaultHealthCheck(ctx, healthy.URL))
	assert.ErrorContains(t, defaultHealthCheck(ctx, degraded.URL), "starting")
	assert.ErrorContains(t, defaultHealthCheck(ctx, failing.URL), "503")
}
