package shard

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Owner identifies the node that owns a shard. NodeID is empty when the
// shard is unassigned; Addr is empty when the node's address is unknown.
type Owner struct {
	NodeID string
	Addr   string
}

// Assignment is one row of the ownership table.
type Assignment struct {
	Shard int
	Owner Owner
}

// Listener is told when the local node gains or loses a shard. Calls are
// made synchronously from the goroutine that changed the table, revocations
// before acquisitions, and ShardRevoked must not return until the shard's
// entities have stopped.
type Listener interface {
	ShardAcquired(shard int)
	ShardRevoked(shard int)
}

// Table is the read side of the ownership table.
type Table interface {
	Self() string
	OwnerOf(shard int) Owner
	Subscribe(l Listener)
}

// Registry is an in-memory ownership table for one node's view of the
// cluster.
//
// Thread-safety: all methods are safe for concurrent use. Listener calls
// happen outside the lock, serialized by a separate notify lock so that
// two updates cannot interleave their notifications.
type Registry struct {
	self   string
	shards int
	logger *slog.Logger

	mu          sync.RWMutex
	assignments map[int]string
	addrs       map[string]string
	listeners   []Listener

	notifyMu sync.Mutex
}

var _ Table = (*Registry)(nil)

// NewRegistry creates an empty table over shards partitions as seen by the
// node self.
func NewRegistry(self string, shards int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		self:        self,
		shards:      shards,
		logger:      logger,
		assignments: make(map[int]string),
		addrs:       make(map[string]string),
	}
}

// NewLocal returns a table in which self owns every shard. It is the
// placement for single-node deployments.
func NewLocal(self string, shards int, logger *slog.Logger) *Registry {
	r := NewRegistry(self, shards, logger)
	for s := 0; s < shards; s++ {
		r.assignments[s] = self
	}
	return r
}

// Self returns the local node ID.
func (r *Registry) Self() string { return r.self }

// Shards returns the shard count.
func (r *Registry) Shards() int { return r.shards }

// Subscribe registers l for ownership changes of the local node.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// OwnerOf returns the current owner of shard.
func (r *Registry) OwnerOf(shard int) Owner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node := r.assignments[shard]
	if node == "" {
		return Owner{}
	}
	return Owner{NodeID: node, Addr: r.addrs[node]}
}

// Owns reports whether the local node owns shard.
func (r *Registry) Owns(shard int) bool {
	return r.OwnerOf(shard).NodeID == r.self
}

// Owned returns the shards owned by the local node in ascending order.
func (r *Registry) Owned() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []int
	for s, node := range r.assignments {
		if node == r.self {
			out = append(out, s)
		}
	}
	sort.Ints(out)
	return out
}

// Assignments returns a copy of the table ordered by shard. Unassigned
// shards are omitted.
func (r *Registry) Assignments() []Assignment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Assignment, 0, len(r.assignments))
	for s, node := range r.assignments {
		out = append(out, Assignment{Shard: s, Owner: Owner{NodeID: node, Addr: r.addrs[node]}})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Shard < out[j].Shard })
	return out
}

// Assign moves shard to node, notifying listeners if the local node gained
// or lost it.
func (r *Registry) Assign(shard int, node string) error {
	if err := r.checkShard(shard); err != nil {
		return err
	}
	if node == "" {
		return errors.New("node ID cannot be empty")
	}
	return r.update(func(next map[int]string, _ map[string]string) {
		next[shard] = node
	})
}

// Remove leaves shard unassigned.
func (r *Registry) Remove(shard int) error {
	if err := r.checkShard(shard); err != nil {
		return err
	}
	return r.update(func(next map[int]string, _ map[string]string) {
		delete(next, shard)
	})
}

// Apply replaces the whole table with p.
func (r *Registry) Apply(p Placement) error {
	assignments, err := p.resolve(r.shards)
	if err != nil {
		return err
	}
	return r.update(func(next map[int]string, addrs map[string]string) {
		clear(next)
		for s, node := range assignments {
			next[s] = node
		}
		clear(addrs)
		for node, addr := range p.Nodes {
			addrs[node] = addr
		}
	})
}

func (r *Registry) checkShard(shard int) error {
	if shard < 0 || shard >= r.shards {
		return fmt.Errorf("invalid shard %d, must be in range [0, %d)", shard, r.shards)
	}
	return nil
}

// update applies edit to a copy of the table, swaps it in and notifies
// listeners of the local node's gains and losses.
func (r *Registry) update(edit func(next map[int]string, addrs map[string]string)) error {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	next := make(map[int]string, len(r.assignments))
	for s, node := range r.assignments {
		next[s] = node
	}
	addrs := make(map[string]string, len(r.addrs))
	for node, addr := range r.addrs {
		addrs[node] = addr
	}
	edit(next, addrs)

	var acquired, revoked []int
	for s := 0; s < r.shards; s++ {
		was, now := r.assignments[s] == r.self, next[s] == r.self
		switch {
		case now && !was:
			acquired = append(acquired, s)
		case was && !now:
			revoked = append(revoked, s)
		}
	}
	r.assignments = next
	r.addrs = addrs
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	for _, s := range revoked {
		r.logger.Info("shard revoked", "node", r.self, "shard", s)
		for _, l := range listeners {
			l.ShardRevoked(s)
		}
	}
	for _, s := range acquired {
		r.logger.Info("shard acquired", "node", r.self, "shard", s)
		for _, l := range listeners {
			l.ShardAcquired(s)
		}
	}
	return nil
}
