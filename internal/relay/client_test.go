package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityd/internal/fault"
	"github.com/roach88/entityd/internal/ir"
)

// recordingFactory remembers every init and echoes commands back with one
// event, unless the payload is "reject" or "hang".
type recordingFactory struct {
	mu    sync.Mutex
	inits []Init
}

func (f *recordingFactory) factory(_ context.Context, init Init) (Handler, error) {
	f.mu.Lock()
	f.inits = append(f.inits, init)
	f.mu.Unlock()
	return HandlerFunc(func(ctx context.Context, cmd Command) (Response, error) {
		switch string(cmd.Payload) {
		case "reject":
			return Response{}, errors.New("out of stock")
		case "hang":
			<-ctx.Done()
			return Response{}, ctx.Err()
		}
		return Response{
			Payload: []byte(fmt.Sprintf("ok %s@%d", cmd.Payload, cmd.Seq)),
			Events:  []ir.EventData{{Type: "Echoed", Payload: cmd.Payload}},
		}, nil
	}), nil
}

func (f *recordingFactory) Inits() []Init {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Init(nil), f.inits...)
}

func newLocal(t *testing.T, opts ...Option) (*Client, *LocalDialer, *recordingFactory) {
	t.Helper()
	rf := &recordingFactory{}
	d := NewLocalDialer(rf.factory)
	t.Cleanup(func() { d.Close() })
	return NewClient(d, opts...), d, rf
}

func TestExchangeOpensStreamLazilyAndReusesIt(t *testing.T) {
	c, d, rf := newLocal(t, WithIDGenerator(NewSequenceGenerator("ex")))
	s := c.Session("cart-1")
	defer s.Close()

	assert.False(t, s.Connected())
	assert.Equal(t, 0, d.Dials("cart-1"))

	state := ir.State{Seq: 4, Data: []byte(`{"x":1}`)}
	resp, err := s.Exchange(context.Background(), state, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "ok a@4", string(resp.Payload))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, ir.EventData{Type: "Echoed", Payload: []byte("a")}, resp.Events[0])

	state.Seq = 5
	_, err = s.Exchange(context.Background(), state, []byte("b"))
	require.NoError(t, err)

	assert.True(t, s.Connected())
	assert.Equal(t, 1, d.Dials("cart-1"))
	assert.Equal(t, []Init{{EntityID: "cart-1", Seq: 4, State: []byte(`{"x":1}`)}}, rf.Inits())
}

func TestExchangeBusinessRejectionKeepsStream(t *testing.T) {
	c, d, _ := newLocal(t)
	s := c.Session("cart-1")
	defer s.Close()

	_, err := s.Exchange(context.Background(), ir.State{}, []byte("reject"))
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrBusinessRejection)
	assert.Contains(t, err.Error(), "out of stock")

	_, err = s.Exchange(context.Background(), ir.State{}, []byte("next"))
	require.NoError(t, err)
	assert.Equal(t, 1, d.Dials("cart-1"))
}

func TestExchangeTimeoutTearsDownStream(t *testing.T) {
	c, d, rf := newLocal(t, WithTimeout(50*time.Millisecond))
	s := c.Session("cart-1")
	defer s.Close()

	start := time.Now()
	_, err := s.Exchange(context.Background(), ir.State{Seq: 2}, []byte("hang"))
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrRelayTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, s.Connected())

	// Next exchange re-handshakes with the state it is given.
	_, err = s.Exchange(context.Background(), ir.State{Seq: 2}, []byte("again"))
	require.NoError(t, err)
	assert.Equal(t, 2, d.Dials("cart-1"))
	inits := rf.Inits()
	require.Len(t, inits, 2)
	assert.Equal(t, int64(2), inits[1].Seq)
}

func TestExchangeStreamFailureIsDisconnect(t *testing.T) {
	d := NewLocalDialer(func(context.Context, Init) (Handler, error) {
		return nil, errors.New("no such entity type")
	})
	defer d.Close()
	s := NewClient(d).Session("cart-1")
	defer s.Close()

	_, err := s.Exchange(context.Background(), ir.State{}, []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrRelayDisconnected)
	assert.Contains(t, err.Error(), "no such entity type")
	assert.False(t, s.Connected())
}

func TestExchangeDialFailure(t *testing.T) {
	boom := errors.New("connection refused")
	s := NewClient(DialerFunc(func(context.Context, string) (Stream, error) {
		return nil, boom
	})).Session("cart-1")

	_, err := s.Exchange(context.Background(), ir.State{}, []byte("x"))
	assert.ErrorIs(t, err, fault.ErrRelayDisconnected)
	assert.ErrorIs(t, err, boom)
}

func TestExchangeCallerCancellation(t *testing.T) {
	c, _, _ := newLocal(t)
	s := c.Session("cart-1")
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := s.Exchange(ctx, ir.State{}, []byte("hang"))
	assert.ErrorIs(t, err, fault.ErrRelayDisconnected)
	assert.ErrorIs(t, err, context.Canceled)
}

// manualPeer hands the server end of every dialed pipe to the test.
func manualPeer(streams chan<- Stream) Dialer {
	return DialerFunc(func(context.Context, string) (Stream, error) {
		client, server := Pipe(4)
		streams <- server
		return client, nil
	})
}

func TestRepliesAreCorrelatedByExchangeID(t *testing.T) {
	streams := make(chan Stream, 1)
	c := NewClient(manualPeer(streams), WithBuffer(2), WithIDGenerator(NewSequenceGenerator("ex")))
	s := c.Session("cart-1")
	defer s.Close()

	results := make(chan string, 2)
	for _, p := range []string{"first", "second"} {
		p := p
		go func() {
			resp, err := s.Exchange(context.Background(), ir.State{}, []byte(p))
			if err != nil {
				results <- p + ": " + err.Error()
				return
			}
			results <- p + ": " + string(resp.Payload)
		}()
	}

	server := <-streams
	init, err := server.Recv()
	require.NoError(t, err)
	assert.Equal(t, KindInit, init.Kind)

	var cmds []Message
	for len(cmds) < 2 {
		msg, err := server.Recv()
		require.NoError(t, err)
		require.Equal(t, KindCommand, msg.Kind)
		cmds = append(cmds, msg)
	}
	// Answer in reverse order.
	for i := len(cmds) - 1; i >= 0; i-- {
		require.NoError(t, server.Send(context.Background(), Message{
			Kind:       KindReply,
			ExchangeID: cmds[i].ExchangeID,
			Payload:    append([]byte("re:"), cmds[i].Payload...),
		}))
	}

	got := map[string]bool{<-results: true, <-results: true}
	assert.Equal(t, map[string]bool{"first: re:first": true, "second: re:second": true}, got)
}

func TestWindowBlocksUntilSlotFrees(t *testing.T) {
	streams := make(chan Stream, 1)
	c := NewClient(manualPeer(streams), WithBuffer(1), WithTimeout(2*time.Second))
	s := c.Session("cart-1")
	defer s.Close()

	firstDone := make(chan error, 1)
	go func() {
		_, err := s.Exchange(context.Background(), ir.State{}, []byte("first"))
		firstDone <- err
	}()

	server := <-streams
	_, err := server.Recv() // init
	require.NoError(t, err)
	first, err := server.Recv()
	require.NoError(t, err)

	secondDone := make(chan error, 1)
	go func() {
		_, err := s.Exchange(context.Background(), ir.State{}, []byte("second"))
		secondDone <- err
	}()

	select {
	case <-secondDone:
		t.Fatal("second exchange completed while the window was full")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, server.Send(context.Background(), Message{Kind: KindReply, ExchangeID: first.ExchangeID}))
	require.NoError(t, <-firstDone)

	second, err := server.Recv()
	require.NoError(t, err)
	assert.Equal(t, "second", string(second.Payload))
	require.NoError(t, server.Send(context.Background(), Message{Kind: KindReply, ExchangeID: second.ExchangeID}))
	require.NoError(t, <-secondDone)
}

func TestUnmatchedRepliesAreDropped(t *testing.T) {
	streams := make(chan Stream, 1)
	s := NewClient(manualPeer(streams)).Session("cart-1")
	defer s.Close()

	done := make(chan error, 1)
	go func() {
		resp, err := s.Exchange(context.Background(), ir.State{}, []byte("x"))
		if err == nil && string(resp.Payload) != "right" {
			err = fmt.Errorf("payload %q", resp.Payload)
		}
		done <- err
	}()

	server := <-streams
	_, _ = server.Recv()
	cmd, err := server.Recv()
	require.NoError(t, err)
	require.NoError(t, server.Send(context.Background(), Message{Kind: KindReply, ExchangeID: "stale", Payload: []byte("wrong")}))
	require.NoError(t, server.Send(context.Background(), Message{Kind: KindReply, ExchangeID: cmd.ExchangeID, Payload: []byte("right")}))
	require.NoError(t, <-done)
}

func TestSessionCloseAllowsReconnect(t *testing.T) {
	c, d, _ := newLocal(t)
	s := c.Session("cart-1")

	_, err := s.Exchange(context.Background(), ir.State{}, []byte("a"))
	require.NoError(t, err)
	s.Close()
	assert.False(t, s.Connected())

	_, err = s.Exchange(context.Background(), ir.State{}, []byte("b"))
	require.NoError(t, err)
	s.Close()
	assert.Equal(t, 2, d.Dials("cart-1"))
}
