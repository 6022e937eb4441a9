// Package entity implements the per-entity state manager: one goroutine
// per live entity that owns its state, serializes its commands, persists
// the resulting events and decides when to snapshot and passivate.
//
// Thread-safety model:
//   - Submit, Stop, Phase, Seq, Done: safe from any goroutine
//   - state: read and written only by the manager goroutine
package entity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/entityd/internal/fault"
	"github.com/roach88/entityd/internal/fold"
	"github.com/roach88/entityd/internal/ir"
	"github.com/roach88/entityd/internal/journal"
	"github.com/roach88/entityd/internal/recovery"
	"github.com/roach88/entityd/internal/relay"
)

// DefaultQueueSize bounds the inbox when Config.QueueSize is unset.
const DefaultQueueSize = 64

// Relay is the manager's view of its relay session.
type Relay interface {
	Exchange(ctx context.Context, state ir.State, payload []byte) (relay.Response, error)
	Close()
}

// Limiter bounds how many entities process a command at once across the
// node. *semaphore.Weighted satisfies it.
type Limiter interface {
	Acquire(ctx context.Context, n int64) error
	Release(n int64)
}

// Config assembles a Manager.
type Config struct {
	EntityID string
	Journal  journal.Journal
	Relay    Relay

	// Folder applies events to state. Default: fold.MergePatch.
	Folder fold.Folder

	// SnapshotInterval is the number of events between snapshots; a
	// snapshot is written whenever a command crosses a multiple of it.
	// Zero or negative disables snapshots.
	SnapshotInterval int64

	// PassivationTimeout is the idle window. Zero or negative disables
	// idle passivation.
	PassivationTimeout time.Duration

	QueueSize int
	Limiter   Limiter
	Logger    *slog.Logger
	Observer  Observer
}

// Reply is a successful command result.
type Reply struct {
	Payload []byte
	// Seq is the entity's sequence number after the command.
	Seq int64
	// Events is how many events the command persisted.
	Events int
}

type result struct {
	reply Reply
	err   error
}

type envelope struct {
	ctx     context.Context
	payload []byte
	reply   chan result
}

// Manager is one live entity.
type Manager struct {
	id       string
	journal  journal.Journal
	loader   *recovery.Loader
	folder   fold.Folder
	relay    Relay
	limiter  Limiter
	interval int64
	logger   *slog.Logger
	observer Observer
	timer    *idleTimer

	inbox    chan *envelope
	mu       sync.RWMutex
	stopping bool

	stopOnce   sync.Once
	stopCh     chan struct{}
	stopReason Reason

	// exitReason is set on the manager goroutine before done closes.
	exitReason Reason
	done       chan struct{}

	phase atomic.Int32
	seq   atomic.Int64

	state ir.State
}

// Start creates a manager and begins recovery in its own goroutine.
// Commands submitted during recovery wait in the inbox.
func Start(cfg Config) *Manager {
	if cfg.Folder == nil {
		cfg.Folder = fold.MergePatch{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	m := &Manager{
		id:       cfg.EntityID,
		journal:  cfg.Journal,
		loader:   recovery.NewLoader(cfg.Journal),
		folder:   cfg.Folder,
		relay:    cfg.Relay,
		limiter:  cfg.Limiter,
		interval: cfg.SnapshotInterval,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		timer:    newIdleTimer(cfg.PassivationTimeout),
		inbox:    make(chan *envelope, cfg.QueueSize),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.phase.Store(int32(PhaseRecovering))
	go m.run()
	return m
}

// ID returns the entity identifier.
func (m *Manager) ID() string { return m.id }

// Phase returns the current lifecycle phase.
func (m *Manager) Phase() Phase { return Phase(m.phase.Load()) }

// Seq returns the sequence number of the last applied event.
func (m *Manager) Seq() int64 { return m.seq.Load() }

// Queued returns how many commands are waiting in the inbox.
func (m *Manager) Queued() int { return len(m.inbox) }

// Done is closed once the manager has stopped and drained its inbox.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Reason reports why the manager stopped. Valid after Done is closed.
func (m *Manager) Reason() Reason {
	<-m.done
	return m.exitReason
}

// Submit enqueues a command and waits for its result. ctx bounds only the
// wait: a command that has started processing runs to completion.
//
// Returns BACKPRESSURE when the inbox is full and PASSIVATING when the
// manager is stopping.
func (m *Manager) Submit(ctx context.Context, payload []byte) (Reply, error) {
	env := &envelope{ctx: ctx, payload: payload, reply: make(chan result, 1)}

	m.mu.RLock()
	if m.stopping {
		m.mu.RUnlock()
		return Reply{}, m.passivating()
	}
	select {
	case m.inbox <- env:
		m.mu.RUnlock()
	default:
		m.mu.RUnlock()
		return Reply{}, fault.New(fault.CodeBackpressure, m.id, fmt.Sprintf("command queue full (%d)", cap(m.inbox)))
	}

	select {
	case res := <-env.reply:
		return res.reply, res.err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Stop asks the manager to passivate. A command already processing
// finishes first; queued commands are rejected with PASSIVATING. Only the
// first reason is kept.
func (m *Manager) Stop(reason Reason) {
	m.stopOnce.Do(func() {
		m.stopReason = reason
		close(m.stopCh)
	})
}

// Wait blocks until the manager is done or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run() {
	defer close(m.done)
	defer m.timer.Stop()

	start := time.Now()
	state, stats, err := m.loader.Recover(context.Background(), m.id, m.folder)
	if err != nil {
		m.logger.Error("entity recovery failed", "entity", m.id, "error", err)
		m.finish(ReasonRecoveryFailed, fault.Wrap(fault.CodeRecoveryFailed, m.id, err))
		return
	}
	m.state = state
	m.seq.Store(state.Seq)
	m.observer.Activated(stats.FromSnapshot, stats.Replayed, time.Since(start))
	m.logger.Info("entity activated",
		"entity", m.id,
		"seq", state.Seq,
		"from_snapshot", stats.FromSnapshot,
		"snapshot_seq", stats.SnapshotSeq,
		"events", stats.Replayed,
	)

	phase := PhaseReady
	m.setPhase(phase)
	m.timer.Reset()
	for phase != PhasePassivated {
		msg := m.next()
		t, ok := transitions[phase][msg.kind]
		if !ok {
			m.logger.Warn("no transition", "entity", m.id, "phase", phase, "message", msg.kind)
			continue
		}
		phase = t(m, msg)
		m.setPhase(phase)
	}
	m.finish(m.exitReason, m.passivating())
}

// next waits for the next message. A pending stop wins over queued
// commands so nothing new starts once revocation has begun.
func (m *Manager) next() message {
	select {
	case <-m.stopCh:
		return message{kind: msgStop}
	default:
	}
	select {
	case <-m.stopCh:
		return message{kind: msgStop}
	case env := <-m.inbox:
		return message{kind: msgCommand, env: env}
	case <-m.timer.C():
		return message{kind: msgIdle}
	}
}

func (m *Manager) onIdle(message) Phase {
	m.exitReason = ReasonIdle
	return PhasePassivated
}

func (m *Manager) onStop(message) Phase {
	m.exitReason = m.stopReason
	return PhasePassivated
}

func (m *Manager) onCommand(msg message) Phase {
	env := msg.env
	if err := env.ctx.Err(); err != nil {
		// The caller left before the command started; it has no effect.
		env.reply <- result{err: err}
		return PhaseReady
	}
	if m.limiter != nil {
		if err := m.acquire(env.ctx); err != nil {
			if m.stopRequested() {
				env.reply <- result{err: m.passivating()}
				m.exitReason = m.stopReason
				return PhasePassivated
			}
			env.reply <- result{err: err}
			return PhaseReady
		}
		defer m.limiter.Release(1)
	}
	if m.stopRequested() {
		env.reply <- result{err: m.passivating()}
		m.exitReason = m.stopReason
		return PhasePassivated
	}

	m.setPhase(PhaseProcessing)
	m.timer.Stop()
	start := time.Now()

	reply, retire, err := m.process(context.WithoutCancel(env.ctx), env.payload)
	m.observer.CommandFinished(fault.CodeOf(err), time.Since(start))
	env.reply <- result{reply: reply, err: err}

	if retire {
		m.exitReason = ReasonPersistenceFailed
		return PhasePassivated
	}
	m.timer.Reset()
	return PhaseReady
}

// acquire takes a limiter slot. The wait ends early when the caller leaves
// or the manager is asked to stop.
func (m *Manager) acquire(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return m.limiter.Acquire(ctx, 1)
}

func (m *Manager) stopRequested() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

// process runs one command. retire reports that in-memory state can no
// longer be trusted to match the journal.
func (m *Manager) process(ctx context.Context, payload []byte) (reply Reply, retire bool, err error) {
	resp, err := m.relay.Exchange(ctx, m.state, payload)
	if err != nil {
		return Reply{}, false, err
	}

	events := make([]ir.Event, len(resp.Events))
	for i, ed := range resp.Events {
		events[i] = ed.Seal(m.id, m.state.Seq+int64(i)+1)
	}
	next, err := fold.Apply(m.folder, m.state, events)
	if err != nil {
		// Business logic believes its events applied; make it re-init.
		m.relay.Close()
		return Reply{}, false, &fault.Error{
			Code:     fault.CodeBusinessRejection,
			EntityID: m.id,
			Message:  "emitted events cannot be applied",
			Err:      err,
		}
	}

	for i, ev := range events {
		if err := m.journal.AppendEvent(ctx, ev); err != nil {
			m.logger.Error("event append failed",
				"entity", m.id,
				"seq", ev.Seq,
				"appended", i,
				"of", len(events),
				"error", err,
			)
			return Reply{}, true, fault.Wrap(fault.CodePersistenceFailed, m.id, err)
		}
	}

	prev := m.state.Seq
	m.state = next
	m.seq.Store(next.Seq)
	if len(events) > 0 {
		m.observer.EventsPersisted(len(events))
		m.maybeSnapshot(ctx, prev)
	}
	return Reply{Payload: resp.Payload, Seq: next.Seq, Events: len(events)}, false, nil
}

// maybeSnapshot writes a snapshot when the command crossed an interval
// boundary. Failure is logged and absorbed.
func (m *Manager) maybeSnapshot(ctx context.Context, prev int64) {
	n := m.interval
	if n <= 0 || prev/n == m.state.Seq/n {
		return
	}
	err := m.journal.WriteSnapshot(ctx, m.state.Snapshot(m.id))
	m.observer.SnapshotWritten(err)
	if err != nil {
		m.logger.Warn("snapshot failed",
			"entity", m.id,
			"seq", m.state.Seq,
			"code", fault.CodeSnapshotFailed,
			"error", err,
		)
		return
	}
	m.logger.Debug("snapshot written", "entity", m.id, "seq", m.state.Seq)
}

// finish closes the inbox to new commands, rejects what is queued with
// drainErr and releases the relay stream.
func (m *Manager) finish(reason Reason, drainErr error) {
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()
	m.setPhase(PhasePassivated)

	drained := 0
drain:
	for {
		select {
		case env := <-m.inbox:
			env.reply <- result{err: drainErr}
			drained++
		default:
			break drain
		}
	}

	if m.relay != nil {
		m.relay.Close()
	}
	m.exitReason = reason
	m.observer.Passivated(reason)
	m.logger.Info("entity passivated",
		"entity", m.id,
		"seq", m.seq.Load(),
		"reason", reason,
		"drained", drained,
	)
}

func (m *Manager) passivating() error {
	return fault.New(fault.CodePassivating, m.id, "entity is passivating, retry")
}

func (m *Manager) setPhase(p Phase) {
	m.phase.Store(int32(p))
}
