package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityd/internal/ir"
	"github.com/roach88/entityd/internal/journal"
	"github.com/roach88/entityd/internal/relay"
)

func TestFaultyJournalAppendBudget(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")
	f := NewFaultyJournal(journal.NewMemory())
	f.FailAppendsAfter(2, boom)

	for seq := int64(1); seq <= 2; seq++ {
		require.NoError(t, f.AppendEvent(ctx, ir.EventData{Type: "T"}.Seal("e", seq)))
	}
	assert.ErrorIs(t, f.AppendEvent(ctx, ir.EventData{Type: "T"}.Seal("e", 3)), boom)
	assert.Equal(t, 2, f.Appends())

	f.Heal()
	require.NoError(t, f.AppendEvent(ctx, ir.EventData{Type: "T"}.Seal("e", 3)))
	assert.Equal(t, 3, f.Appends())
}

func TestFaultyJournalReadsAndSnapshots(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("io error")
	f := NewFaultyJournal(journal.NewMemory())

	f.FailSnapshots(boom)
	assert.ErrorIs(t, f.WriteSnapshot(ctx, ir.Snapshot{EntityID: "e"}), boom)
	assert.Zero(t, f.Snapshots())

	f.FailReads(boom)
	_, err := f.ReadEvents(ctx, "e", 0)
	assert.ErrorIs(t, err, boom)
	_, _, err = f.ReadLatestSnapshot(ctx, "e")
	assert.ErrorIs(t, err, boom)

	f.Heal()
	require.NoError(t, f.WriteSnapshot(ctx, ir.Snapshot{EntityID: "e", Seq: 1}))
	assert.Equal(t, 1, f.Snapshots())
}

func TestConcurrencyProbe(t *testing.T) {
	p := NewConcurrencyProbe()
	release := make(chan struct{})
	factory := p.Wrap(func(context.Context, relay.Init) (relay.Handler, error) {
		return relay.HandlerFunc(func(context.Context, relay.Command) (relay.Response, error) {
			<-release
			return relay.Response{}, nil
		}), nil
	})

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "b"} {
		h, err := factory(context.Background(), relay.Init{EntityID: id})
		require.NoError(t, err)
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = h.Handle(context.Background(), relay.Command{EntityID: id})
		}(id)
	}
	require.Eventually(t, func() bool { return p.MaxTotal() == 3 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 2, p.MaxPerEntity())
	assert.Equal(t, 3, p.MaxTotal())
}
