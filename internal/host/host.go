// Package host keeps the live entity managers of one node.
//
// A Host routes each command to its shard, refuses shards the node does not
// own, activates managers lazily and forgets them once they passivate.
// Revoking a shard stops its managers and waits for them, so that an
// exchange already in flight completes before the shard is handed over.
//
// Thread-safety model:
//   - every exported method is safe for concurrent use
//   - managers and revoking are guarded by mu; no call into a manager
//     blocks while mu is held
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/entityd/internal/entity"
	"github.com/roach88/entityd/internal/fault"
	"github.com/roach88/entityd/internal/fold"
	"github.com/roach88/entityd/internal/journal"
	"github.com/roach88/entityd/internal/relay"
	"github.com/roach88/entityd/internal/shard"
)

// Sessions opens a relay session per entity.
type Sessions interface {
	Session(entityID string) entity.Relay
}

// SessionsFunc adapts a function to Sessions.
type SessionsFunc func(entityID string) entity.Relay

// Session implements Sessions.
func (f SessionsFunc) Session(entityID string) entity.Relay { return f(entityID) }

// RelaySessions opens one session per entity on c.
func RelaySessions(c *relay.Client) Sessions {
	return SessionsFunc(func(entityID string) entity.Relay { return c.Session(entityID) })
}

// Observer receives host and entity lifecycle notifications.
type Observer interface {
	entity.Observer
	// ActiveEntities reports the number of live managers after a change.
	ActiveEntities(n int)
	// Refused reports a command turned away before reaching a manager.
	Refused(code fault.Code)
}

// Config assembles a Host.
type Config struct {
	Router  *shard.Router
	Table   shard.Table
	Journal journal.Journal
	Relay   Sessions
	Folder  fold.Folder

	SnapshotInterval   int64
	PassivationTimeout time.Duration
	QueueSize          int

	// Parallelism bounds how many entities process a command at once.
	// Zero or negative leaves it unbounded.
	Parallelism int64

	Logger   *slog.Logger
	Observer Observer
}

// ShardInfo describes one shard as seen by this node.
type ShardInfo struct {
	Shard     int    `json:"shard"`
	Owner     string `json:"owner,omitempty"`
	OwnerAddr string `json:"owner_addr,omitempty"`
	Local     bool   `json:"local"`
	Revoking  bool   `json:"revoking,omitempty"`
	Active    int    `json:"active"`
}

// Host is the per-node registry of entity managers.
type Host struct {
	cfg     Config
	self    string
	limiter entity.Limiter
	logger  *slog.Logger
	obs     Observer

	mu       sync.Mutex
	managers map[string]*entity.Manager
	revoking map[int]bool
	closed   bool

	reapers sync.WaitGroup
}

var _ shard.Listener = (*Host)(nil)

// New creates a host. It does not subscribe itself to cfg.Table; callers
// that want ownership changes applied call cfg.Table.Subscribe(h).
func New(cfg Config) (*Host, error) {
	if cfg.Router == nil || cfg.Table == nil || cfg.Journal == nil || cfg.Relay == nil {
		return nil, errors.New("host: router, table, journal and relay are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &Host{
		cfg:      cfg,
		self:     cfg.Table.Self(),
		logger:   cfg.Logger,
		obs:      cfg.Observer,
		managers: make(map[string]*entity.Manager),
		revoking: make(map[int]bool),
	}
	if h.obs == nil {
		h.obs = nopObserver{}
	}
	if cfg.Parallelism > 0 {
		h.limiter = semaphore.NewWeighted(cfg.Parallelism)
	}
	return h, nil
}

// Self returns the local node ID.
func (h *Host) Self() string { return h.self }

// Dispatch sends payload to entityID's manager, activating it if needed,
// and waits for the reply.
//
// A manager that is already passivating rejects the command with
// PASSIVATING; Dispatch then waits for that manager to exit and retries
// once against a fresh activation, which fails NOT_OWNER if the shard was
// revoked meanwhile.
func (h *Host) Dispatch(ctx context.Context, entityID string, payload []byte) (entity.Reply, error) {
	s := h.cfg.Router.ShardFor(entityID)
	for attempt := 0; ; attempt++ {
		m, err := h.manager(entityID, s)
		if err != nil {
			h.obs.Refused(fault.CodeOf(err))
			return entity.Reply{}, err
		}
		reply, err := m.Submit(ctx, payload)
		if attempt > 0 || !errors.Is(err, fault.ErrPassivating) {
			return reply, err
		}
		if err := m.Wait(ctx); err != nil {
			return entity.Reply{}, err
		}
		h.forget(entityID, m)
		h.logger.Debug("retrying command on fresh activation", "entity", entityID, "shard", s)
	}
}

// manager returns the live manager for entityID, starting one if the node
// owns its shard.
func (h *Host) manager(entityID string, s int) (*entity.Manager, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, fault.New(fault.CodePassivating, entityID, "node is shutting down")
	}
	owner := h.cfg.Table.OwnerOf(s)
	if owner.NodeID != h.self || h.revoking[s] {
		if owner.NodeID == h.self {
			owner = shard.Owner{}
		}
		err := fault.NotOwner(entityID, s, owner.NodeID)
		err.OwnerAddr = owner.Addr
		return nil, err
	}

	if m, ok := h.managers[entityID]; ok {
		select {
		case <-m.Done():
			delete(h.managers, entityID)
		default:
			return m, nil
		}
	}

	m := entity.Start(entity.Config{
		EntityID:           entityID,
		Journal:            h.cfg.Journal,
		Relay:              h.cfg.Relay.Session(entityID),
		Folder:             h.cfg.Folder,
		SnapshotInterval:   h.cfg.SnapshotInterval,
		PassivationTimeout: h.cfg.PassivationTimeout,
		QueueSize:          h.cfg.QueueSize,
		Limiter:            h.limiter,
		Logger:             h.logger,
		Observer:           h.obs,
	})
	h.managers[entityID] = m
	h.obs.ActiveEntities(len(h.managers))

	h.reapers.Add(1)
	go func() {
		defer h.reapers.Done()
		<-m.Done()
		h.forget(entityID, m)
	}()
	return m, nil
}

// forget removes m from the registry if it is still the registered manager.
func (h *Host) forget(entityID string, m *entity.Manager) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.managers[entityID] == m {
		delete(h.managers, entityID)
		h.obs.ActiveEntities(len(h.managers))
	}
}

// RevokeShard stops accepting commands for s, stops every manager of s and
// waits for them. In-flight exchanges complete; queued commands fail
// PASSIVATING. The shard stays refused until AcquireShard.
func (h *Host) RevokeShard(ctx context.Context, s int) error {
	h.mu.Lock()
	h.revoking[s] = true
	victims := h.managersOf(func(id string) bool { return h.cfg.Router.ShardFor(id) == s })
	h.mu.Unlock()

	start := time.Now()
	if err := h.stopAll(ctx, victims, entity.ReasonRevoked); err != nil {
		return fmt.Errorf("revoke shard %d: %w", s, err)
	}
	h.logger.Info("shard released",
		"node", h.self,
		"shard", s,
		"entities", len(victims),
		"took", time.Since(start),
	)
	return nil
}

// AcquireShard lets commands for s through again. Managers are activated
// lazily by the next Dispatch.
func (h *Host) AcquireShard(s int) {
	h.mu.Lock()
	delete(h.revoking, s)
	h.mu.Unlock()
	h.logger.Info("shard ready", "node", h.self, "shard", s)
}

// ShardRevoked implements shard.Listener.
func (h *Host) ShardRevoked(s int) {
	if err := h.RevokeShard(context.Background(), s); err != nil {
		h.logger.Error("shard revocation failed", "shard", s, "error", err)
	}
}

// ShardAcquired implements shard.Listener.
func (h *Host) ShardAcquired(s int) {
	h.AcquireShard(s)
}

// Shutdown refuses new commands, stops every manager and waits for them or
// for ctx.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	all := h.managersOf(func(string) bool { return true })
	h.mu.Unlock()

	if err := h.stopAll(ctx, all, entity.ReasonShutdown); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	h.reapers.Wait()
	h.logger.Info("host stopped", "node", h.self, "entities", len(all))
	return nil
}

// Active returns the number of live managers.
func (h *Host) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.managers)
}

// Entities returns the IDs of live managers in sorted order.
func (h *Host) Entities() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.managers))
	for id := range h.managers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shards describes every shard from this node's point of view.
func (h *Host) Shards() []ShardInfo {
	n := h.cfg.Router.Shards()
	out := make([]ShardInfo, n)

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range out {
		owner := h.cfg.Table.OwnerOf(s)
		out[s] = ShardInfo{
			Shard:     s,
			Owner:     owner.NodeID,
			OwnerAddr: owner.Addr,
			Local:     owner.NodeID == h.self && !h.revoking[s],
			Revoking:  h.revoking[s],
		}
	}
	for id := range h.managers {
		out[h.cfg.Router.ShardFor(id)].Active++
	}
	return out
}

// managersOf must be called with mu held.
func (h *Host) managersOf(match func(id string) bool) []*entity.Manager {
	var out []*entity.Manager
	for id, m := range h.managers {
		if match(id) {
			out = append(out, m)
		}
	}
	return out
}

func (h *Host) stopAll(ctx context.Context, ms []*entity.Manager, reason entity.Reason) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range ms {
		g.Go(func() error {
			m.Stop(reason)
			if err := m.Wait(gctx); err != nil {
				return fmt.Errorf("entity %s: %w", m.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

type nopObserver struct{}

func (nopObserver) Activated(bool, int, time.Duration)        {}
func (nopObserver) CommandFinished(fault.Code, time.Duration) {}
func (nopObserver) EventsPersisted(int)                       {}
func (nopObserver) SnapshotWritten(error)                     {}
func (nopObserver) Passivated(entity.Reason)                  {}
func (nopObserver) ActiveEntities(int)                        {}
func (nopObserver) Refused(fault.Code)                        {}
