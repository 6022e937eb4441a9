package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/entityd/internal/cart"
	"github.com/roach88/entityd/internal/entity"
	"github.com/roach88/entityd/internal/fault"
	"github.com/roach88/entityd/internal/fold"
	"github.com/roach88/entityd/internal/host"
	"github.com/roach88/entityd/internal/journal"
	"github.com/roach88/entityd/internal/relay"
	"github.com/roach88/entityd/internal/shard"
)

// Node is the node ID the harness host runs as.
const Node = "harness"

// Harness runs one scenario against a fresh host, journal and relay.
type Harness struct {
	router  *shard.Router
	host    *host.Host
	journal *journal.Memory
	dialer  *relay.LocalDialer
	rec     *recorder
}

// Run executes a scenario and returns its result. An error means the
// scenario could not be executed at all; failed expectations are reported
// in the result.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	result := NewResult()
	h, err := newHarness(scenario, result)
	if err != nil {
		return nil, err
	}
	defer h.dialer.Close()

	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		_ = h.host.Shutdown(ctx)
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	// Shutdown passivations are not part of the scenario.
	h.rec.stop()
	if err := h.host.Shutdown(ctx); err != nil {
		return nil, fmt.Errorf("failed to stop host: %w", err)
	}

	actx := &AssertionContext{Ctx: ctx, Journal: h.journal, Folder: fold.MergePatch{}}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario, result *Result) (*Harness, error) {
	shards := scenario.Shards
	if shards == 0 {
		shards = DefaultShards
	}
	router, err := shard.NewRouter(shards)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := journal.NewMemory()
	dialer := relay.NewLocalDialer(cart.Factory)
	client := relay.NewClient(dialer,
		relay.WithIDGenerator(relay.NewSequenceGenerator(scenario.Name)),
		relay.WithLogger(logger),
	)
	rec := &recorder{result: result, on: true}

	hst, err := host.New(host.Config{
		Router:           router,
		Table:            shard.NewLocal(Node, shards, logger),
		Journal:          mem,
		Relay:            host.RelaySessions(client),
		Folder:           fold.MergePatch{},
		SnapshotInterval: scenario.SnapshotInterval,
		Logger:           logger,
		Observer:         rec,
	})
	if err != nil {
		dialer.Close()
		return nil, err
	}
	return &Harness{router: router, host: hst, journal: mem, dialer: dialer, rec: rec}, nil
}

// executeFlow runs the steps in order. Steps are numbered from 1.
func (h *Harness) executeFlow(ctx context.Context, flow []Step, result *Result) error {
	for i, step := range flow {
		n := i + 1
		switch {
		case step.Send != "":
			if err := h.send(ctx, n, step, result); err != nil {
				return fmt.Errorf("flow step %d: %w", n, err)
			}
		case step.Revoke != "":
			h.rec.begin(step.Revoke)
			h.rec.record(TraceEvent{Kind: KindRevoke, Entity: step.Revoke, Step: n})
			if err := h.host.RevokeShard(ctx, h.router.ShardFor(step.Revoke)); err != nil {
				return fmt.Errorf("flow step %d: %w", n, err)
			}
		case step.Acquire != "":
			h.rec.begin(step.Acquire)
			h.rec.record(TraceEvent{Kind: KindAcquire, Entity: step.Acquire, Step: n})
			h.host.AcquireShard(h.router.ShardFor(step.Acquire))
		}
	}
	return nil
}

func (h *Harness) send(ctx context.Context, n int, step Step, result *Result) error {
	payload := []byte("{}")
	if step.Command != nil {
		data, err := json.Marshal(step.Command)
		if err != nil {
			return fmt.Errorf("encode command: %w", err)
		}
		payload = data
	}

	h.rec.begin(step.Send)
	h.rec.record(TraceEvent{
		Kind:   KindSend,
		Entity: step.Send,
		Step:   n,
		Fields: map[string]any{"payload": string(payload)},
	})

	reply, err := h.host.Dispatch(ctx, step.Send, payload)
	if err != nil {
		fields := map[string]any{"code": string(fault.CodeOf(err))}
		var fe *fault.Error
		if errors.As(err, &fe) {
			fields["message"] = fe.Message
		}
		h.rec.record(TraceEvent{Kind: KindError, Entity: step.Send, Step: n, Fields: fields})
	} else {
		h.rec.record(TraceEvent{
			Kind:   KindReply,
			Entity: step.Send,
			Step:   n,
			Fields: map[string]any{
				"seq":     reply.Seq,
				"events":  reply.Events,
				"payload": string(reply.Payload),
			},
		})
	}

	checkExpect(n, step, reply, err, result)
	return nil
}

func checkExpect(n int, step Step, reply entity.Reply, err error, result *Result) {
	prefix := fmt.Sprintf("flow step %d: send %s", n, step.Send)
	exp := step.Expect
	if exp == nil || exp.Error == "" {
		if err != nil {
			result.AddError(fmt.Sprintf("%s: unexpected error: %v", prefix, err))
			return
		}
	}
	if exp == nil {
		return
	}

	if exp.Error != "" {
		if code := fault.CodeOf(err); string(code) != exp.Error {
			result.AddError(fmt.Sprintf("%s: expected error %s, got %v", prefix, exp.Error, err))
		}
		return
	}
	if exp.Seq != nil && *exp.Seq != reply.Seq {
		result.AddError(fmt.Sprintf("%s: expected seq %d, got %d", prefix, *exp.Seq, reply.Seq))
	}
	if exp.Events != nil && *exp.Events != reply.Events {
		result.AddError(fmt.Sprintf("%s: expected %d events, got %d", prefix, *exp.Events, reply.Events))
	}
	if exp.Reply != nil {
		var got any
		if err := json.Unmarshal(reply.Payload, &got); err != nil {
			result.AddError(fmt.Sprintf("%s: reply is not JSON: %v", prefix, err))
		} else if !matchFields(got, exp.Reply) {
			result.AddError(fmt.Sprintf("%s: reply %s does not contain %v", prefix, reply.Payload, exp.Reply))
		}
	}
}

// recorder turns manager notifications into trace events. Steps run one at
// a time, so a notification belongs to the entity of the current step.
type recorder struct {
	mu     sync.Mutex
	result *Result
	entity string
	on     bool
}

var _ host.Observer = (*recorder)(nil)

func (r *recorder) begin(entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entity = entityID
}

func (r *recorder) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.on = false
}

func (r *recorder) record(ev TraceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.on {
		r.result.Record(ev)
	}
}

func (r *recorder) current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entity
}

func (r *recorder) Activated(fromSnapshot bool, replayed int, _ time.Duration) {
	r.record(TraceEvent{
		Kind:   KindActivated,
		Entity: r.current(),
		Fields: map[string]any{"from_snapshot": fromSnapshot, "replayed": replayed},
	})
}

func (r *recorder) SnapshotWritten(err error) {
	r.record(TraceEvent{
		Kind:   KindSnapshot,
		Entity: r.current(),
		Fields: map[string]any{"ok": err == nil},
	})
}

// Passivated carries no entity: one revocation may stop several.
func (r *recorder) Passivated(reason entity.Reason) {
	r.record(TraceEvent{Kind: KindPassivated, Fields: map[string]any{"reason": string(reason)}})
}

func (r *recorder) CommandFinished(fault.Code, time.Duration) {}
func (r *recorder) EventsPersisted(int)                       {}
func (r *recorder) ActiveEntities(int)                        {}
func (r *recorder) Refused(fault.Code)                        {}
