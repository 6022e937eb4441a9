package host

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/entityd/internal/cart"
	"github.com/roach88/entityd/internal/entity"
	"github.com/roach88/entityd/internal/fault"
	"github.com/roach88/entityd/internal/journal"
	"github.com/roach88/entityd/internal/relay"
	"github.com/roach88/entityd/internal/shard"
	"github.com/roach88/entityd/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var holdPayload = []byte("hold")

type fixture struct {
	mem     *journal.Memory
	journal *testutil.FaultyJournal
	dialer  *relay.LocalDialer
	probe   *testutil.ConcurrencyProbe
	router  *shard.Router
	table   *shard.Registry

	entered chan string
	release chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	router, err := shard.NewRouter(4)
	require.NoError(t, err)
	f := &fixture{
		mem:     journal.NewMemory(),
		probe:   testutil.NewConcurrencyProbe(),
		router:  router,
		table:   shard.NewLocal("node-a", 4, nil),
		entered: make(chan string, 16),
		release: make(chan struct{}),
	}
	f.journal = testutil.NewFaultyJournal(f.mem)
	f.dialer = relay.NewLocalDialer(f.probe.Wrap(f.factory))
	t.Cleanup(func() { f.dialer.Close() })
	return f
}

func (f *fixture) factory(ctx context.Context, init relay.Init) (relay.Handler, error) {
	inner, err := cart.Factory(ctx, init)
	if err != nil {
		return nil, err
	}
	return relay.HandlerFunc(func(ctx context.Context, cmd relay.Command) (relay.Response, error) {
		if string(cmd.Payload) == string(holdPayload) {
			f.entered <- cmd.EntityID
			select {
			case <-f.release:
			case <-ctx.Done():
			}
			return relay.Response{Payload: []byte(`"held"`)}, nil
		}
		return inner.Handle(ctx, cmd)
	}), nil
}

func (f *fixture) host(t *testing.T, edit func(*Config)) *Host {
	t.Helper()
	cfg := Config{
		Router:  f.router,
		Table:   f.table,
		Journal: f.journal,
		Relay:   RelaySessions(relay.NewClient(f.dialer, relay.WithTimeout(2*time.Second))),
	}
	if edit != nil {
		edit(&cfg)
	}
	h, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, h.Shutdown(ctx))
	})
	return h
}

func send(t *testing.T, h *Host, id string, cmd cart.Command) (entity.Reply, error) {
	t.Helper()
	return h.Dispatch(context.Background(), id, cmd.Encode())
}

func decode(t *testing.T, reply entity.Reply) map[string]int {
	t.Helper()
	c, err := cart.Decode(reply.Payload)
	require.NoError(t, err)
	return c.Items
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestDispatchActivatesOnce(t *testing.T) {
	f := newFixture(t)
	h := f.host(t, nil)

	for i := 0; i < 3; i++ {
		_, err := send(t, h, "cart-1", cart.Command{Op: cart.OpAddItem, Item: "x", Qty: 1})
		require.NoError(t, err)
	}
	reply, err := send(t, h, "cart-1", cart.Command{Op: cart.OpGetCart})
	require.NoError(t, err)

	assert.Equal(t, int64(3), reply.Seq)
	assert.Equal(t, map[string]int{"x": 3}, decode(t, reply))
	assert.Equal(t, 1, h.Active())
	assert.Equal(t, []string{"cart-1"}, h.Entities())
	assert.Equal(t, 1, f.dialer.Dials("cart-1"))
}

func TestDispatchNotOwner(t *testing.T) {
	f := newFixture(t)
	f.table = shard.NewRegistry("node-a", 4, nil)
	require.NoError(t, f.table.Apply(shard.Placement{
		Nodes:   map[string]string{"node-a": "http://a:8080", "node-b": "http://b:8080"},
		Default: "node-b",
	}))
	h := f.host(t, nil)

	_, err := send(t, h, "cart-1", cart.Command{Op: cart.OpGetCart})
	require.ErrorIs(t, err, fault.ErrNotOwner)

	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, f.router.ShardFor("cart-1"), fe.Shard)
	assert.Equal(t, "node-b", fe.Owner)
	assert.Equal(t, "http://b:8080", fe.OwnerAddr)
	assert.Zero(t, h.Active())
	assert.Zero(t, f.dialer.Dials("cart-1"))
}

func TestRevokeLetsInFlightExchangeFinish(t *testing.T) {
	f := newFixture(t)
	h := f.host(t, nil)
	s := f.router.ShardFor("cart-2")

	held := make(chan error, 1)
	go func() {
		_, err := h.Dispatch(context.Background(), "cart-2", holdPayload)
		held <- err
	}()
	<-f.entered

	revoked := make(chan error, 1)
	go func() { revoked <- h.RevokeShard(context.Background(), s) }()
	require.Eventually(t, func() bool { return h.Shards()[s].Revoking }, time.Second, time.Millisecond)

	// The shard is refused as soon as revocation begins.
	_, err := send(t, h, "cart-2", cart.Command{Op: cart.OpGetCart})
	assert.ErrorIs(t, err, fault.ErrNotOwner)

	select {
	case <-revoked:
		t.Fatal("revocation finished while an exchange was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(f.release)
	require.NoError(t, <-held)
	require.NoError(t, <-revoked)
	require.Eventually(t, func() bool { return h.Active() == 0 }, time.Second, time.Millisecond)

	h.AcquireShard(s)
	_, err = send(t, h, "cart-2", cart.Command{Op: cart.OpGetCart})
	assert.NoError(t, err)
}

func TestRevokeLeavesOtherShardsAlone(t *testing.T) {
	f := newFixture(t)
	h := f.host(t, nil)

	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, id := range ids {
		_, err := send(t, h, id, cart.Command{Op: cart.OpGetCart})
		require.NoError(t, err)
	}
	target := f.router.ShardFor("a")
	require.NoError(t, h.RevokeShard(context.Background(), target))

	require.Eventually(t, func() bool {
		for _, id := range h.Entities() {
			if f.router.ShardFor(id) == target {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)
	for _, id := range ids {
		if f.router.ShardFor(id) != target {
			assert.Contains(t, h.Entities(), id)
		}
	}
}

func TestIdlePassivationThenReactivation(t *testing.T) {
	f := newFixture(t)
	h := f.host(t, func(c *Config) { c.PassivationTimeout = 20 * time.Millisecond })

	before, err := send(t, h, "cart-1", cart.Command{Op: cart.OpAddItem, Item: "x", Qty: 2})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Active() == 0 }, 2*time.Second, time.Millisecond)

	after, err := send(t, h, "cart-1", cart.Command{Op: cart.OpGetCart})
	require.NoError(t, err)
	assert.Equal(t, before.Seq, after.Seq)
	assert.JSONEq(t, string(before.Payload), string(after.Payload))
	assert.Equal(t, 2, f.dialer.Dials("cart-1"))
}

func TestQueuedCommandRetriesOnFreshActivation(t *testing.T) {
	f := newFixture(t)
	h := f.host(t, nil)

	held := make(chan error, 1)
	go func() {
		_, err := h.Dispatch(context.Background(), "cart-3", holdPayload)
		held <- err
	}()
	<-f.entered

	h.mu.Lock()
	m := h.managers["cart-3"]
	h.mu.Unlock()
	require.NotNil(t, m)

	queued := make(chan error, 1)
	go func() {
		_, err := send(t, h, "cart-3", cart.Command{Op: cart.OpAddItem, Item: "y", Qty: 1})
		queued <- err
	}()
	require.Eventually(t, func() bool { return m.Queued() == 1 }, time.Second, time.Millisecond)

	m.Stop(entity.ReasonIdle)
	close(f.release)

	require.NoError(t, <-held)
	require.NoError(t, <-queued)
	assert.Equal(t, entity.ReasonIdle, m.Reason())
	assert.Equal(t, 2, f.dialer.Dials("cart-3"))
	assert.Equal(t, 1, f.mem.EventCount("cart-3"))
}

func TestPersistenceFailureRecoversOnNextCommand(t *testing.T) {
	f := newFixture(t)
	h := f.host(t, nil)

	f.journal.FailAppendsAfter(0, errors.New("disk full"))
	_, err := send(t, h, "cart-1", cart.Command{Op: cart.OpAddItem, Item: "x", Qty: 1})
	require.ErrorIs(t, err, fault.ErrPersistenceFailed)

	f.journal.Heal()
	reply, err := send(t, h, "cart-1", cart.Command{Op: cart.OpAddItem, Item: "x", Qty: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), reply.Seq)
	assert.Equal(t, map[string]int{"x": 1}, decode(t, reply))
}

func TestPartialPersistenceKeepsDurablePrefix(t *testing.T) {
	f := newFixture(t)
	h := f.host(t, nil)

	// AddItems emits one event per item in name order; only "a" lands.
	f.journal.FailAppendsAfter(1, errors.New("disk full"))
	_, err := send(t, h, "cart-1", cart.Command{Op: cart.OpAddItems, Items: map[string]int{"a": 1, "b": 2, "c": 3}})
	require.ErrorIs(t, err, fault.ErrPersistenceFailed)
	f.journal.Heal()

	events, err := f.mem.ReadEvents(context.Background(), "cart-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Seq)

	// The next activation recovers exactly the durable prefix.
	reply, err := send(t, h, "cart-1", cart.Command{Op: cart.OpGetCart})
	require.NoError(t, err)
	assert.Equal(t, int64(1), reply.Seq)
	assert.Equal(t, map[string]int{"a": 1}, decode(t, reply))

	reply, err = send(t, h, "cart-1", cart.Command{Op: cart.OpAddItem, Item: "b", Qty: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), reply.Seq)
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, decode(t, reply))
}

func TestParallelismBound(t *testing.T) {
	f := newFixture(t)
	h := f.host(t, func(c *Config) { c.Parallelism = 1 })

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := send(t, h, id, cart.Command{Op: cart.OpAddItem, Item: "x", Qty: 1})
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()
	assert.Equal(t, 1, f.probe.MaxTotal())
	assert.Equal(t, 1, f.probe.MaxPerEntity())
}

func TestTableChangesDriveHost(t *testing.T) {
	f := newFixture(t)
	f.table = shard.NewRegistry("node-a", 4, nil)
	require.NoError(t, f.table.Apply(shard.Placement{
		Nodes:   map[string]string{"node-a": "", "node-b": "http://b:8080"},
		Default: "node-a",
	}))
	h := f.host(t, nil)
	f.table.Subscribe(h)

	_, err := send(t, h, "cart-1", cart.Command{Op: cart.OpAddItem, Item: "x", Qty: 1})
	require.NoError(t, err)

	s := f.router.ShardFor("cart-1")
	require.NoError(t, f.table.Assign(s, "node-b"))
	require.Eventually(t, func() bool { return h.Active() == 0 }, time.Second, time.Millisecond)

	_, err = send(t, h, "cart-1", cart.Command{Op: cart.OpGetCart})
	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, fault.CodeNotOwner, fe.Code)
	assert.Equal(t, "node-b", fe.Owner)

	require.NoError(t, f.table.Assign(s, "node-a"))
	reply, err := send(t, h, "cart-1", cart.Command{Op: cart.OpGetCart})
	require.NoError(t, err)
	assert.Equal(t, int64(1), reply.Seq)
}

func TestShutdownRefusesCommands(t *testing.T) {
	f := newFixture(t)
	h := f.host(t, nil)

	for _, id := range []string{"a", "b"} {
		_, err := send(t, h, id, cart.Command{Op: cart.OpGetCart})
		require.NoError(t, err)
	}
	require.NoError(t, h.Shutdown(context.Background()))
	assert.Zero(t, h.Active())

	_, err := send(t, h, "a", cart.Command{Op: cart.OpGetCart})
	assert.ErrorIs(t, err, fault.ErrPassivating)
}

type countingObserver struct {
	nopObserver
	mu      sync.Mutex
	active  []int
	refused []fault.Code
}

func (o *countingObserver) ActiveEntities(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = append(o.active, n)
}

func (o *countingObserver) Refused(code fault.Code) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refused = append(o.refused, code)
}

func TestObserverSeesActivationsAndRefusals(t *testing.T) {
	f := newFixture(t)
	obs := &countingObserver{}
	h := f.host(t, func(c *Config) { c.Observer = obs })

	_, err := send(t, h, "cart-1", cart.Command{Op: cart.OpGetCart})
	require.NoError(t, err)
	require.NoError(t, h.RevokeShard(context.Background(), f.router.ShardFor("cart-1")))
	_, err = send(t, h, "cart-1", cart.Command{Op: cart.OpGetCart})
	require.Error(t, err)

	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return len(obs.active) == 2
	}, time.Second, time.Millisecond)
	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []int{1, 0}, obs.active)
	assert.Equal(t, []fault.Code{fault.CodeNotOwner}, obs.refused)
}
