// Package main is kvctl, a command line client for shardkv replicas.
//
// Example usage:
//
//	kvctl -addr 10.0.0.1:7000 put user:1 '{"name":"Alice"}'
//	kvctl -addr 10.0.0.1:7000 put -immutable -exec fn/resize @./resize
//	kvctl -addr 10.0.0.1:7000 get -o /tmp/resize -mode 0755 fn/resize
//	kvctl -addr 10.0.0.1:7000 del user:1
//	kvctl -cluster cluster.yaml owner user:1
//	kvctl -admin http://10.0.0.1:8000 info
//	kvctl -addr 10.0.0.1:7000 bench -n 10000 -batch 64 -size 1024
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardkv/internal/admin"
	"github.com/dreamware/shardkv/internal/client"
	"github.com/dreamware/shardkv/internal/cluster"
	"github.com/dreamware/shardkv/internal/shard"
	"github.com/dreamware/shardkv/internal/storage"
	"github.com/dreamware/shardkv/internal/wire"
)

var errUsage = errors.New("usage: kvctl [-addr host:port] [-cluster file] [-admin url] get|put|del|owner|info|bench ...")

func main() {
	log.SetFlags(0)
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("kvctl: %v", err)
	}
}

type globals struct {
	addr    string
	cluster string
	admin   string
	timeout time.Duration
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("kvctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var g globals
	fs.StringVar(&g.addr, "addr", getenv("KVCTL_ADDR", "127.0.0.1:7000"), "replica data address")
	fs.StringVar(&g.cluster, "cluster", os.Getenv("CLUSTER_CONFIG"), "YAML topology file")
	fs.StringVar(&g.admin, "admin", os.Getenv("KVCTL_ADMIN"), "replica admin URL")
	fs.DurationVar(&g.timeout, "timeout", 30*time.Second, "per command timeout")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() == 0 {
		return errUsage
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "get":
		return cmdGet(ctx, g, rest, out)
	case "put":
		return cmdPut(ctx, g, rest)
	case "del", "delete":
		return cmdDelete(ctx, g, rest)
	case "owner":
		return cmdOwner(g, rest, out)
	case "info":
		return cmdInfo(ctx, g, out)
	case "bench":
		return cmdBench(ctx, g, rest, out)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func cmdGet(ctx context.Context, g globals, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	execOnly := fs.Bool("exec", false, "only fetch executable objects")
	file := fs.String("o", "", "write the value to this file instead of stdout")
	mode := fs.String("mode", "0644", "file mode for -o")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return fmt.Errorf("%w: get [-exec] [-o file] [-mode perm] key", errUsage)
	}

	c, err := client.Dial(ctx, g.addr)
	if err != nil {
		return err
	}
	defer c.Close()

	key := fs.Arg(0)
	var obj client.Object
	if *execOnly {
		obj, err = c.GetExec(ctx, key)
	} else {
		obj, err = c.Get(ctx, key)
	}
	if err != nil {
		return err
	}

	if *file == "" {
		_, err = out.Write(obj.Value)
		return err
	}
	perm, err := strconv.ParseUint(*mode, 8, 32)
	if err != nil {
		return fmt.Errorf("bad -mode %q: %w", *mode, err)
	}
	return storage.Materialize(obj.Value, *file, os.FileMode(perm))
}

// cmdPut stores the value argument, or the contents of a file when the
// argument starts with @.
func cmdPut(ctx context.Context, g globals, args []string) error {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var opts client.PutOptions
	fs.BoolVar(&opts.Immutable, "immutable", false, "forbid later writes")
	fs.BoolVar(&opts.Executable, "exec", false, "mark the object executable")
	if err := fs.Parse(args); err != nil || fs.NArg() != 2 {
		return fmt.Errorf("%w: put [-immutable] [-exec] key value|@file", errUsage)
	}

	key, arg := fs.Arg(0), fs.Arg(1)
	val := []byte(arg)
	if name, ok := strings.CutPrefix(arg, "@"); ok {
		req := storage.PutRequest{Key: key, Filename: name}
		var err error
		if val, err = req.Content(); err != nil {
			return err
		}
	}

	c, err := client.Dial(ctx, g.addr)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Put(ctx, key, val, opts)
}

func cmdDelete(ctx context.Context, g globals, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: del key", errUsage)
	}
	c, err := client.Dial(ctx, g.addr)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Delete(ctx, args[0])
}

// cmdOwner prints which replica owns each key, computed locally from the
// topology file.
func cmdOwner(g globals, keys []string, out io.Writer) error {
	if len(keys) == 0 {
		return fmt.Errorf("%w: owner key...", errUsage)
	}
	if g.cluster == "" {
		return errors.New("owner needs -cluster")
	}
	topo, err := cluster.LoadTopology(g.cluster)
	if err != nil {
		return err
	}
	for _, k := range keys {
		i := shard.ShardFor(k, len(topo.Replicas))
		fmt.Fprintf(out, "%s\t%d\t%s\n", k, i, topo.Replicas[i].Addr)
	}
	return nil
}

func cmdInfo(ctx context.Context, g globals, out io.Writer) error {
	if g.admin == "" {
		return errors.New("info needs -admin")
	}
	base := cluster.ReplicaInfo{Admin: g.admin}.AdminURL()

	var info admin.InfoResponse
	if err := cluster.GetJSON(ctx, base+"/info", &info); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

// benchReport summarizes one bench phase.
type benchReport struct {
	Phase      string        `json:"phase"`
	Requests   int           `json:"requests"`
	Failures   int           `json:"failures"`
	Elapsed    time.Duration `json:"elapsed"`
	Throughput float64       `json:"ops_per_sec"`
	P50        time.Duration `json:"p50"`
	P99        time.Duration `json:"p99"`
	Max        time.Duration `json:"max"`
}

// cmdBench writes n objects and reads them back, pipelining batch requests
// at a time, and reports per-request latency.
func cmdBench(ctx context.Context, g globals, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	n := fs.Int("n", 1000, "number of objects")
	batch := fs.Int("batch", 32, "requests per pipeline")
	size := fs.Int("size", 128, "value size in bytes")
	prefix := fs.String("prefix", "bench", "key prefix")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 || *n <= 0 || *batch <= 0 || *size < 0 {
		return fmt.Errorf("%w: bench [-n N] [-batch B] [-size S] [-prefix P]", errUsage)
	}

	c, err := client.Dial(ctx, g.addr)
	if err != nil {
		return err
	}
	defer c.Close()

	val := make([]byte, *size)
	for i := range val {
		val[i] = byte('a' + i%26)
	}
	key := func(i int) string { return fmt.Sprintf("%s-%d", *prefix, i) }

	phases := []struct {
		name string
		req  func(i int) wire.Request
	}{
		{"put", func(i int) wire.Request { return wire.Request{Put: &wire.PutOp{Key: key(i), Val: val}} }},
		{"get", func(i int) wire.Request { return wire.Request{Get: &wire.GetOp{Key: key(i)}} }},
	}

	enc := json.NewEncoder(out)
	for _, ph := range phases {
		rep, err := benchPhase(ctx, c, ph.name, *n, *batch, ph.req)
		if err != nil {
			return err
		}
		if err := enc.Encode(rep); err != nil {
			return err
		}
	}
	return nil
}

func benchPhase(ctx context.Context, c *client.Client, name string, n, batch int, mk func(int) wire.Request) (benchReport, error) {
	rep := benchReport{Phase: name, Requests: n}
	lat := make([]time.Duration, 0, n)
	start := time.Now()

	for lo := 0; lo < n; lo += batch {
		hi := min(lo+batch, n)
		reqs := make([]wire.Request, 0, hi-lo)
		for i := lo; i < hi; i++ {
			reqs = append(reqs, mk(i))
		}
		results, err := c.Pipeline(ctx, reqs)
		if err != nil {
			return rep, fmt.Errorf("bench %s: %w", name, err)
		}
		for _, r := range results {
			if r.Response.Code != wire.CodeOK {
				rep.Failures++
			}
			lat = append(lat, r.Latency)
		}
	}

	rep.Elapsed = time.Since(start)
	if s := rep.Elapsed.Seconds(); s > 0 {
		rep.Throughput = float64(n) / s
	}
	slices.Sort(lat)
	rep.P50 = percentile(lat, 50)
	rep.P99 = percentile(lat, 99)
	rep.Max = lat[len(lat)-1]
	return rep, nil
}

// percentile expects sorted, non-empty input.
func percentile(sorted []time.Duration, p int) time.Duration {
	i := (len(sorted)*p + 99) / 100
	if i > 0 {
		i--
	}
	return sorted[i]
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
