// Package testutil provides failure injection and instrumentation shared by
// entityd tests.
package testutil

import (
	"context"
	"sync"

	"github.com/roach88/entityd/internal/ir"
	"github.com/roach88/entityd/internal/journal"
)

// FaultyJournal wraps a journal and fails selected operations on demand.
// Thread-safety: all methods are safe for concurrent use.
type FaultyJournal struct {
	inner journal.Journal

	mu          sync.Mutex
	appendsLeft int // -1 means unlimited
	appendErr   error
	snapshotErr error
	readErr     error
	appends     int
	snapshots   int
}

var _ journal.Journal = (*FaultyJournal)(nil)

// NewFaultyJournal wraps inner with no faults armed.
func NewFaultyJournal(inner journal.Journal) *FaultyJournal {
	return &FaultyJournal{inner: inner, appendsLeft: -1}
}

// FailAppendsAfter lets n more appends through, then fails every append
// with err until Heal.
func (f *FaultyJournal) FailAppendsAfter(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendsLeft = n
	f.appendErr = err
}

// FailSnapshots makes every WriteSnapshot return err.
func (f *FaultyJournal) FailSnapshots(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshotErr = err
}

// FailReads makes ReadEvents and ReadLatestSnapshot return err.
func (f *FaultyJournal) FailReads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

// Heal disarms every fault.
func (f *FaultyJournal) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendsLeft = -1
	f.appendErr = nil
	f.snapshotErr = nil
	f.readErr = nil
}

// Appends returns the number of successful appends.
func (f *FaultyJournal) Appends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appends
}

// Snapshots returns the number of successful snapshot writes.
func (f *FaultyJournal) Snapshots() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots
}

// AppendEvent implements journal.EventLog.
func (f *FaultyJournal) AppendEvent(ctx context.Context, ev ir.Event) error {
	f.mu.Lock()
	if f.appendsLeft == 0 {
		err := f.appendErr
		f.mu.Unlock()
		return err
	}
	if f.appendsLeft > 0 {
		f.appendsLeft--
	}
	f.mu.Unlock()

	if err := f.inner.AppendEvent(ctx, ev); err != nil {
		return err
	}
	f.mu.Lock()
	f.appends++
	f.mu.Unlock()
	return nil
}

// ReadEvents implements journal.EventLog.
func (f *FaultyJournal) ReadEvents(ctx context.Context, entityID string, fromSeqExclusive int64) ([]ir.Event, error) {
	f.mu.Lock()
	err := f.readErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.inner.ReadEvents(ctx, entityID, fromSeqExclusive)
}

// WriteSnapshot implements journal.SnapshotStore.
func (f *FaultyJournal) WriteSnapshot(ctx context.Context, snap ir.Snapshot) error {
	f.mu.Lock()
	err := f.snapshotErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if err := f.inner.WriteSnapshot(ctx, snap); err != nil {
		return err
	}
	f.mu.Lock()
	f.snapshots++
	f.mu.Unlock()
	return nil
}

// ReadLatestSnapshot implements journal.SnapshotStore.
func (f *FaultyJournal) ReadLatestSnapshot(ctx context.Context, entityID string) (ir.Snapshot, bool, error) {
	f.mu.Lock()
	err := f.readErr
	f.mu.Unlock()
	if err != nil {
		return ir.Snapshot{}, false, err
	}
	return f.inner.ReadLatestSnapshot(ctx, entityID)
}
