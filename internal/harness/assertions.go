package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/roach88/entityd/internal/fold"
	"github.com/roach88/entityd/internal/journal"
	"github.com/roach88/entityd/internal/recovery"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %v\n", i+1, ev.Kind, ev.Entity, ev.Fields)
		}
	}
	return buf.String()
}

// AssertionContext gives assertions access to the journal.
type AssertionContext struct {
	Ctx     context.Context
	Journal *journal.Memory
	Folder  fold.Folder
}

// EvaluateAssertions checks every assertion and returns the failures.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalState, AssertSnapshot, AssertEventCount:
			if actx == nil || actx.Journal == nil {
				err = fmt.Errorf("assertion[%d]: %s requires a journal", i, a.Type)
				break
			}
			switch a.Type {
			case AssertFinalState:
				err = assertFinalState(actx, a)
			case AssertSnapshot:
				err = assertSnapshot(actx.Journal, a)
			default:
				err = assertEventCount(actx.Journal, a)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func matches(ev TraceEvent, a Assertion, kind string) bool {
	if ev.Kind != kind {
		return false
	}
	if a.Entity != "" && ev.Entity != a.Entity {
		return false
	}
	return matchFields(ev.Fields, a.Fields)
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matches(ev, a, a.Kind) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s event %s with fields %v", a.Kind, a.Entity, a.Fields),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrence of each kind comes in
// the given order. Other events may come in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		for _, kind := range a.Kinds {
			if positions[kind] == 0 && matches(ev, Assertion{Entity: a.Entity}, kind) {
				positions[kind] = i + 1
			}
		}
	}

	for _, kind := range a.Kinds {
		if positions[kind] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all kinds present: %v", a.Kinds),
				Actual:   fmt.Sprintf("missing kind: %s", kind),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Kinds); i++ {
		prev, curr := a.Kinds[i-1], a.Kinds[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("kinds in order: %v", a.Kinds),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matches(ev, a, a.Kind) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s events", a.Count, a.Kind),
			Actual:   fmt.Sprintf("%d events", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState recovers the entity the way a fresh activation would
// and compares seq and state.
func assertFinalState(actx *AssertionContext, a Assertion) error {
	ctx := actx.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	folder := actx.Folder
	if folder == nil {
		folder = fold.MergePatch{}
	}

	state, _, err := recovery.NewLoader(actx.Journal).Recover(ctx, a.Entity, folder)
	if err != nil {
		return fmt.Errorf("final_state %s: %w", a.Entity, err)
	}
	if state.Seq != a.Seq {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s at seq %d", a.Entity, a.Seq),
			Actual:   fmt.Sprintf("seq %d", state.Seq),
		}
	}
	if len(a.Expect) == 0 {
		return nil
	}

	var got any = map[string]any{}
	if len(state.Data) > 0 {
		if err := json.Unmarshal(state.Data, &got); err != nil {
			return fmt.Errorf("final_state %s: state is not JSON: %w", a.Entity, err)
		}
	}
	if !matchFields(got, a.Expect) {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s state containing %v", a.Entity, a.Expect),
			Actual:   string(state.Data),
		}
	}
	return nil
}

func assertSnapshot(j *journal.Memory, a Assertion) error {
	seqs := j.SnapshotSeqs(a.Entity)
	if !slices.Contains(seqs, a.Seq) {
		return &AssertionError{
			Type:     AssertSnapshot,
			Expected: fmt.Sprintf("%s snapshot at seq %d", a.Entity, a.Seq),
			Actual:   fmt.Sprintf("snapshots at %v", seqs),
		}
	}
	return nil
}

func assertEventCount(j *journal.Memory, a Assertion) error {
	if n := j.EventCount(a.Entity); n != a.Count {
		return &AssertionError{
			Type:     AssertEventCount,
			Expected: fmt.Sprintf("%d events for %s", a.Count, a.Entity),
			Actual:   fmt.Sprintf("%d events", n),
		}
	}
	return nil
}

// matchFields reports whether actual contains every key of expected with
// an equal value, recursing into nested objects. Numbers compare by value
// whatever their Go type.
func matchFields(actual any, expected map[string]any) bool {
	if len(expected) == 0 {
		return true
	}
	return subset(normalize(actual), normalize(expected))
}

func subset(actual, expected any) bool {
	em, ok := expected.(map[string]any)
	if !ok {
		return reflect.DeepEqual(actual, expected)
	}
	am, ok := actual.(map[string]any)
	if !ok {
		return false
	}
	for k, ev := range em {
		av, exists := am[k]
		if !exists || !subset(av, ev) {
			return false
		}
	}
	return true
}

// normalize round-trips v through JSON so YAML ints, Go int64s and decoded
// float64s compare equal.
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
