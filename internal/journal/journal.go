// Package journal defines the contract entityd needs from durable storage:
// an append-only, per-entity ordered event log and a snapshot store.
//
// Implementations live in internal/store (SQLite), internal/store/postgres
// and internal/store/s3snap (snapshots only). Memory is the reference
// implementation used by tests and the conformance harness.
package journal

import (
	"context"
	"errors"

	"github.com/roach88/entityd/internal/ir"
)

// ErrSeqConflict is returned by AppendEvent when the entity already has an
// event at that sequence number. It is how a stale writer is fenced off
// after shard ownership moved.
var ErrSeqConflict = errors.New("journal: sequence number already written")

// EventLog is the append-only journal.
type EventLog interface {
	// AppendEvent durably writes ev. It returns only after the write is
	// durable. Returns ErrSeqConflict if (ev.EntityID, ev.Seq) exists.
	AppendEvent(ctx context.Context, ev ir.Event) error

	// ReadEvents returns the entity's events with seq > fromSeqExclusive in
	// ascending seq order.
	ReadEvents(ctx context.Context, entityID string, fromSeqExclusive int64) ([]ir.Event, error)
}

// SnapshotStore keeps point-in-time states.
type SnapshotStore interface {
	// WriteSnapshot stores snap, replacing any snapshot at the same seq.
	WriteSnapshot(ctx context.Context, snap ir.Snapshot) error

	// ReadLatestSnapshot returns the snapshot with the highest seq.
	// ok is false when the entity has none.
	ReadLatestSnapshot(ctx context.Context, entityID string) (snap ir.Snapshot, ok bool, err error)
}

// Journal is the full storage contract.
type Journal interface {
	EventLog
	SnapshotStore
}

// Split combines an event log and a snapshot store from different
// backends, e.g. SQLite events with S3 snapshots.
type Split struct {
	Events    EventLog
	Snapshots SnapshotStore
}

var _ Journal = Split{}

// AppendEvent implements EventLog.
func (s Split) AppendEvent(ctx context.Context, ev ir.Event) error {
	return s.Events.AppendEvent(ctx, ev)
}

// ReadEvents implements EventLog.
func (s Split) ReadEvents(ctx context.Context, entityID string, fromSeqExclusive int64) ([]ir.Event, error) {
	return s.Events.ReadEvents(ctx, entityID, fromSeqExclusive)
}

// WriteSnapshot implements SnapshotStore.
func (s Split) WriteSnapshot(ctx context.Context, snap ir.Snapshot) error {
	return s.Snapshots.WriteSnapshot(ctx, snap)
}

// ReadLatestSnapshot implements SnapshotStore.
func (s Split) ReadLatestSnapshot(ctx context.Context, entityID string) (ir.Snapshot, bool, error) {
	return s.Snapshots.ReadLatestSnapshot(ctx, entityID)
}
