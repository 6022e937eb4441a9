// Package recovery rebuilds entity state from the journal: the latest
// snapshot, if any, plus every event after it.
package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/entityd/internal/fold"
	"github.com/roach88/entityd/internal/ir"
	"github.com/roach88/entityd/internal/journal"
)

var (
	// ErrNotFound means the entity has neither snapshot nor events. The
	// caller starts from the zero state.
	ErrNotFound = errors.New("recovery: entity not found")

	// ErrUnavailable means storage could not be read.
	ErrUnavailable = errors.New("recovery: storage unavailable")

	// ErrCorrupt means what storage returned cannot be replayed: a gap or
	// duplicate in the sequence, a foreign event, a digest mismatch, or an
	// event the folder rejects.
	ErrCorrupt = errors.New("recovery: journal corrupt")
)

// Result is the raw material for a replay.
type Result struct {
	Snapshot    ir.Snapshot
	HasSnapshot bool
	// Events holds every event with seq > Snapshot.Seq, ascending.
	Events []ir.Event
}

// BaseSeq is the seq replay starts from.
func (r Result) BaseSeq() int64 {
	if r.HasSnapshot {
		return r.Snapshot.Seq
	}
	return 0
}

// Stats describes how a state was recovered.
type Stats struct {
	FromSnapshot bool
	SnapshotSeq  int64
	Replayed     int
}

// Loader reads recovery material from a journal.
type Loader struct {
	journal journal.Journal
}

// NewLoader creates a loader over j.
func NewLoader(j journal.Journal) *Loader {
	return &Loader{journal: j}
}

// Load returns the latest snapshot and the events strictly after it. It
// validates that the events are contiguous, belong to entityID and carry
// valid digests, so replay can never skip or duplicate an event.
func (l *Loader) Load(ctx context.Context, entityID string) (Result, error) {
	snap, ok, err := l.journal.ReadLatestSnapshot(ctx, entityID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read snapshot for %s: %w", ErrUnavailable, entityID, err)
	}
	res := Result{Snapshot: snap, HasSnapshot: ok}
	if ok && snap.Seq < 0 {
		return Result{}, fmt.Errorf("%w: snapshot for %s has seq %d", ErrCorrupt, entityID, snap.Seq)
	}

	events, err := l.journal.ReadEvents(ctx, entityID, res.BaseSeq())
	if err != nil {
		return Result{}, fmt.Errorf("%w: read events for %s: %w", ErrUnavailable, entityID, err)
	}

	next := res.BaseSeq() + 1
	for _, ev := range events {
		switch {
		case ev.EntityID != entityID:
			return Result{}, fmt.Errorf("%w: event %d belongs to %q, not %q", ErrCorrupt, ev.Seq, ev.EntityID, entityID)
		case ev.Seq != next:
			return Result{}, fmt.Errorf("%w: %s expected seq %d, journal has %d", ErrCorrupt, entityID, next, ev.Seq)
		case !ir.VerifyDigest(ev):
			return Result{}, fmt.Errorf("%w: %s event %d digest mismatch", ErrCorrupt, entityID, ev.Seq)
		}
		next++
	}
	res.Events = events

	if !ok && len(events) == 0 {
		return Result{}, ErrNotFound
	}
	return res, nil
}

// Replay folds a load result into a state.
func Replay(f fold.Folder, res Result) (ir.State, error) {
	base := ir.State{}
	if res.HasSnapshot {
		base = ir.State{Seq: res.Snapshot.Seq, Data: res.Snapshot.Payload}
	}
	state, err := fold.Apply(f, base, res.Events)
	if err != nil {
		return ir.State{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return state, nil
}

// Recover loads and replays entityID. A fresh entity yields the zero state
// and no error.
func (l *Loader) Recover(ctx context.Context, entityID string, f fold.Folder) (ir.State, Stats, error) {
	res, err := l.Load(ctx, entityID)
	if errors.Is(err, ErrNotFound) {
		return ir.State{}, Stats{}, nil
	}
	if err != nil {
		return ir.State{}, Stats{}, err
	}
	state, err := Replay(f, res)
	if err != nil {
		return ir.State{}, Stats{}, fmt.Errorf("replay %s: %w", entityID, err)
	}
	return state, Stats{
		FromSnapshot: res.HasSnapshot,
		SnapshotSeq:  res.BaseSeq(),
		Replayed:     len(res.Events),
	}, nil
}
