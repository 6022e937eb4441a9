package journal

import (
	"context"
	"sort"
	"sync"

	"github.com/roach88/entityd/internal/ir"
)

// Memory is an in-process Journal. All methods are safe for concurrent use.
// Values are copied on the way in and out so callers cannot mutate stored
// events.
type Memory struct {
	mu        sync.RWMutex
	events    map[string][]ir.Event
	snapshots map[string]map[int64]ir.Snapshot
	appends   int
}

var _ Journal = (*Memory)(nil)

// NewMemory creates an empty journal.
func NewMemory() *Memory {
	return &Memory{
		events:    make(map[string][]ir.Event),
		snapshots: make(map[string]map[int64]ir.Snapshot),
	}
}

// AppendEvent implements EventLog. Events must arrive in seq order per
// entity; anything at or below the current tail is a conflict.
func (m *Memory) AppendEvent(ctx context.Context, ev ir.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.events[ev.EntityID]
	if n := len(log); n > 0 && log[n-1].Seq >= ev.Seq {
		return ErrSeqConflict
	}
	m.events[ev.EntityID] = append(log, copyEvent(ev))
	m.appends++
	return nil
}

// ReadEvents implements EventLog.
func (m *Memory) ReadEvents(ctx context.Context, entityID string, fromSeqExclusive int64) ([]ir.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ir.Event
	for _, ev := range m.events[entityID] {
		if ev.Seq > fromSeqExclusive {
			out = append(out, copyEvent(ev))
		}
	}
	return out, nil
}

// WriteSnapshot implements SnapshotStore.
func (m *Memory) WriteSnapshot(ctx context.Context, snap ir.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	byEntity := m.snapshots[snap.EntityID]
	if byEntity == nil {
		byEntity = make(map[int64]ir.Snapshot)
		m.snapshots[snap.EntityID] = byEntity
	}
	byEntity[snap.Seq] = copySnapshot(snap)
	return nil
}

// ReadLatestSnapshot implements SnapshotStore.
func (m *Memory) ReadLatestSnapshot(ctx context.Context, entityID string) (ir.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return ir.Snapshot{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		latest ir.Snapshot
		found  bool
	)
	for seq, snap := range m.snapshots[entityID] {
		if !found || seq > latest.Seq {
			latest, found = snap, true
		}
	}
	if !found {
		return ir.Snapshot{}, false, nil
	}
	return copySnapshot(latest), true, nil
}

// SnapshotSeqs returns the seqs of every stored snapshot for an entity, in
// ascending order.
func (m *Memory) SnapshotSeqs(entityID string) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seqs := make([]int64, 0, len(m.snapshots[entityID]))
	for seq := range m.snapshots[entityID] {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

// EventCount returns the number of events stored for an entity.
func (m *Memory) EventCount(entityID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events[entityID])
}

// Appends returns the total number of successful appends across entities.
func (m *Memory) Appends() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.appends
}

func copyEvent(ev ir.Event) ir.Event {
	out := ev
	if ev.Payload != nil {
		out.Payload = append([]byte(nil), ev.Payload...)
	}
	return out
}

func copySnapshot(s ir.Snapshot) ir.Snapshot {
	out := s
	if s.Payload != nil {
		out.Payload = append([]byte(nil), s.Payload...)
	}
	return out
}
