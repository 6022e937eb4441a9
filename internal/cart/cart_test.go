package cart

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityd/internal/fold"
	"github.com/roach88/entityd/internal/ir"
	"github.com/roach88/entityd/internal/relay"
)

func handle(t *testing.T, h relay.Handler, seq int64, cmd Command) (relay.Response, error) {
	t.Helper()
	return h.Handle(context.Background(), relay.Command{EntityID: "cart-1", Seq: seq, Payload: cmd.Encode()})
}

func TestCartEventsFoldToHandlerState(t *testing.T) {
	h, err := Factory(context.Background(), relay.Init{EntityID: "cart-1"})
	require.NoError(t, err)

	state := ir.State{}
	for _, cmd := range []Command{
		{Op: OpAddItem, Item: "x", Qty: 2},
		{Op: OpAddItem, Item: "y", Qty: 1},
		{Op: OpAddItem, Item: "x", Qty: 3},
		{Op: OpRemoveItem, Item: "y"},
		{Op: OpAddItems, Items: map[string]int{"b": 1, "a": 4}},
	} {
		resp, err := handle(t, h, state.Seq, cmd)
		require.NoError(t, err, "command %+v", cmd)

		events := make([]ir.Event, len(resp.Events))
		for i, ed := range resp.Events {
			events[i] = ed.Seal("cart-1", state.Seq+int64(i)+1)
		}
		state, err = fold.Apply(fold.MergePatch{}, state, events)
		require.NoError(t, err)
		assert.JSONEq(t, string(resp.Payload), string(state.Data), "after %s", cmd.Op)
	}
	assert.Equal(t, int64(6), state.Seq)
	assert.JSONEq(t, `{"items":{"x":5,"a":4,"b":1}}`, string(state.Data))
}

func TestCartRejections(t *testing.T) {
	h, err := Factory(context.Background(), relay.Init{EntityID: "cart-1", Seq: 2, State: []byte(`{"items":{"x":1}}`)})
	require.NoError(t, err)

	for _, cmd := range []Command{
		{Op: OpRemoveItem, Item: "nope"},
		{Op: OpAddItem, Item: "x", Qty: 0},
		{Op: OpAddItems, Items: map[string]int{"a": 1, "b": -1}},
		{Op: OpReject, Reason: "closed"},
		{Op: "Dance"},
	} {
		_, err := handle(t, h, 2, cmd)
		assert.Error(t, err, "command %+v", cmd)
	}

	resp, err := handle(t, h, 2, Command{Op: OpGetCart})
	require.NoError(t, err)
	assert.Empty(t, resp.Events)
	assert.JSONEq(t, `{"items":{"x":1}}`, string(resp.Payload), "rejections must not change state")
}

func TestCartSeqMismatch(t *testing.T) {
	h, err := Factory(context.Background(), relay.Init{EntityID: "cart-1", Seq: 3})
	require.NoError(t, err)

	_, err = handle(t, h, 2, Command{Op: OpGetCart})
	assert.ErrorContains(t, err, "seq mismatch")
}

func TestDecode(t *testing.T) {
	c, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, c.Items)

	c, err = Decode([]byte(`{"items":{"x":2}}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"x": 2}, c.Items)

	_, err = Decode([]byte(`nope`))
	assert.Error(t, err)
}
