package journal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityd/internal/ir"
)

func sealed(entity string, seq int64, payload string) ir.Event {
	return ir.EventData{Type: "T", Payload: []byte(payload)}.Seal(entity, seq)
}

func TestMemoryAppendAndRead(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, m.AppendEvent(ctx, sealed("cart-1", i, "p")))
	}
	require.NoError(t, m.AppendEvent(ctx, sealed("cart-2", 1, "q")))

	all, err := m.ReadEvents(ctx, "cart-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, ev := range all {
		assert.Equal(t, int64(i+1), ev.Seq)
	}

	tail, err := m.ReadEvents(ctx, "cart-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(3), tail[0].Seq)

	none, err := m.ReadEvents(ctx, "unknown", 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	assert.Equal(t, 3, m.EventCount("cart-1"))
	assert.Equal(t, 4, m.Appends())
}

func TestMemoryAppendConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.AppendEvent(ctx, sealed("cart-1", 1, "a")))
	err := m.AppendEvent(ctx, sealed("cart-1", 1, "b"))
	assert.True(t, errors.Is(err, ErrSeqConflict))

	events, err := m.ReadEvents(ctx, "cart-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "a", string(events[0].Payload), "conflicting append must not overwrite")
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.AppendEvent(ctx, sealed("cart-1", 1, "abc")))

	events, err := m.ReadEvents(ctx, "cart-1", 0)
	require.NoError(t, err)
	events[0].Payload[0] = 'z'

	again, err := m.ReadEvents(ctx, "cart-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again[0].Payload))
}

func TestMemorySnapshots(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, ok, err := m.ReadLatestSnapshot(ctx, "cart-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.WriteSnapshot(ctx, ir.Snapshot{EntityID: "cart-1", Seq: 3, Payload: []byte("s3")}))
	require.NoError(t, m.WriteSnapshot(ctx, ir.Snapshot{EntityID: "cart-1", Seq: 6, Payload: []byte("s6")}))
	require.NoError(t, m.WriteSnapshot(ctx, ir.Snapshot{EntityID: "cart-1", Seq: 6, Payload: []byte("s6b")}))

	snap, ok, err := m.ReadLatestSnapshot(ctx, "cart-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(6), snap.Seq)
	assert.Equal(t, "s6b", string(snap.Payload))
	assert.Equal(t, []int64{3, 6}, m.SnapshotSeqs("cart-1"))
}

func TestMemoryHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewMemory()

	assert.Error(t, m.AppendEvent(ctx, sealed("cart-1", 1, "a")))
	_, err := m.ReadEvents(ctx, "cart-1", 0)
	assert.Error(t, err)
	assert.Zero(t, m.Appends())
}

func TestSplitRoutesCalls(t *testing.T) {
	ctx := context.Background()
	events := NewMemory()
	snaps := NewMemory()
	s := Split{Events: events, Snapshots: snaps}

	require.NoError(t, s.AppendEvent(ctx, sealed("cart-1", 1, "a")))
	require.NoError(t, s.WriteSnapshot(ctx, ir.Snapshot{EntityID: "cart-1", Seq: 1}))

	assert.Equal(t, 1, events.EventCount("cart-1"))
	assert.Equal(t, 0, snaps.EventCount("cart-1"))
	assert.Empty(t, events.SnapshotSeqs("cart-1"))
	assert.Equal(t, []int64{1}, snaps.SnapshotSeqs("cart-1"))

	got, err := s.ReadEvents(ctx, "cart-1", 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	_, ok, err := s.ReadLatestSnapshot(ctx, "cart-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
