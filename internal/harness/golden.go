package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/entityd/internal/ir"
)

// TraceSnapshot is the golden form of a scenario trace.
type TraceSnapshot struct {
	Scenario string       `json:"scenario"`
	Trace    []TraceEvent `json:"trace"`
}

// toCanonicalMap flattens the snapshot for ir.MarshalCanonical, which only
// handles maps, slices and primitives. Event fields sit beside kind,
// entity and step.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{"kind": ev.Kind}
		if ev.Entity != "" {
			m["entity"] = ev.Entity
		}
		if ev.Step != 0 {
			m["step"] = ev.Step
		}
		for k, v := range ev.Fields {
			m[k] = v
		}
		trace[i] = m
	}
	return map[string]any{
		"scenario": s.Scenario,
		"trace":    trace,
	}
}

// MarshalTrace renders a trace as canonical JSON.
func MarshalTrace(name string, trace []TraceEvent) ([]byte, error) {
	snap := TraceSnapshot{Scenario: name, Trace: trace}
	return ir.MarshalCanonical(snap.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden. Regenerate with -update.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := MarshalTrace(name, result.Trace)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
