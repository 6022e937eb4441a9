// Package shard maps entity identifiers to shards and tracks which node
// owns each shard.
//
// The Router is a pure function of the shard count. Ownership lives in a
// Registry, which is fed either by a static "own everything" placement
// (NewLocal) or by a YAML placement file that is reloaded on change
// (FileTable). Listeners registered on the Registry are told when the
// local node gains or loses a shard.
package shard

import (
	"fmt"
	"hash/fnv"
)

// Router assigns entities to shards with FNV-1a modulo the shard count.
// The mapping must be identical on every node, so the shard count is fixed
// for the lifetime of a cluster.
type Router struct {
	shards int
}

// NewRouter creates a router over shards partitions.
func NewRouter(shards int) (*Router, error) {
	if shards <= 0 {
		return nil, fmt.Errorf("shard count must be positive, got %d", shards)
	}
	return &Router{shards: shards}, nil
}

// Shards returns the configured shard count.
func (r *Router) Shards() int { return r.shards }

// ShardFor returns the shard index, in [0, Shards()), for entityID.
func (r *Router) ShardFor(entityID string) int {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return int(h.Sum32() % uint32(r.shards))
}
