// Package cluster describes the static membership of a shardkv cluster and
// the HTTP helpers replicas and tools use to query each other's admin
// endpoints.
//
// # Topology
//
// Membership is fixed at startup. Every replica is started with the same
// ordered list of replica addresses; the position of an address in that
// list is the shard the replica owns. The list comes from a YAML file
//
//	replicas:
//	  - addr: 10.0.0.1:7000
//	    admin: 10.0.0.1:7080
//	  - addr: 10.0.0.2:7000
//	    admin: 10.0.0.2:7080
//	max_batch_size: 32
//	cache_bytes: 134217728
//	retry:
//	  attempts: 32
//	  delay: 5s
//
// or from a comma separated list of data addresses (ParseAddrs).
//
// Changing the order or length of the list reassigns keys to different
// shards; there is no rebalancing.
//
// # Admin Communication
//
// GetJSON performs a bounded-time HTTP GET and decodes a JSON body. It is
// used for peer health probes and by kvctl to read /info.
package cluster
