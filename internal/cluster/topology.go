package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ReplicaInfo locates one replica.
type ReplicaInfo struct {
	// Addr is the data (wire protocol) address.
	Addr string `yaml:"addr" json:"addr"`
	// Admin is the optional HTTP admin address.
	Admin string `yaml:"admin,omitempty" json:"admin,omitempty"`
}

// AdminURL is the base URL of the admin endpoint, or "" when none is set.
func (r ReplicaInfo) AdminURL() string {
	if r.Admin == "" {
		return ""
	}
	if strings.HasPrefix(r.Admin, "http://") || strings.HasPrefix(r.Admin, "https://") {
		return strings.TrimRight(r.Admin, "/")
	}
	return "http://" + r.Admin
}

// RetrySettings tune peer connection establishment.
type RetrySettings struct {
	Attempts int           `yaml:"attempts,omitempty"`
	Delay    time.Duration `yaml:"delay,omitempty"`
}

// Topology is the cluster membership plus tuning shared by every replica.
// Zero tuning values mean "use the default".
type Topology struct {
	Replicas         []ReplicaInfo `yaml:"replicas"`
	MaxBatchSize     int           `yaml:"max_batch_size,omitempty"`
	CacheBytes       int           `yaml:"cache_bytes,omitempty"`
	EngineCacheBytes int           `yaml:"engine_cache_bytes,omitempty"`
	Retry            RetrySettings `yaml:"retry,omitempty"`
}

// LoadTopology reads and validates a YAML topology file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	t, err := ParseTopology(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ParseTopology decodes and validates a YAML topology.
func ParseTopology(data []byte) (*Topology, error) {
	var t Topology
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// ParseAddrs builds a topology from a comma separated address list.
func ParseAddrs(list string) (*Topology, error) {
	var t Topology
	for _, a := range strings.Split(list, ",") {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		t.Replicas = append(t.Replicas, ReplicaInfo{Addr: a})
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks that there is at least one replica and that no data
// address is empty or repeated.
func (t *Topology) Validate() error {
	if len(t.Replicas) == 0 {
		return fmt.Errorf("topology lists no replicas")
	}
	seen := make(map[string]int, len(t.Replicas))
	for i, r := range t.Replicas {
		if r.Addr == "" {
			return fmt.Errorf("replica %d has no address", i)
		}
		if j, dup := seen[r.Addr]; dup {
			return fmt.Errorf("replicas %d and %d share address %s", j, i, r.Addr)
		}
		seen[r.Addr] = i
	}
	if t.MaxBatchSize < 0 || t.CacheBytes < 0 || t.EngineCacheBytes < 0 || t.Retry.Attempts < 0 {
		return fmt.Errorf("topology tuning values must not be negative")
	}
	return nil
}

// Addrs returns the data addresses in shard order.
func (t *Topology) Addrs() []string {
	addrs := make([]string, len(t.Replicas))
	for i, r := range t.Replicas {
		addrs[i] = r.Addr
	}
	return addrs
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// GetJSON fetches url and decodes the JSON response into out. Any status
// of 300 or above is an error.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
