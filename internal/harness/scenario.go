package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is a conformance scenario.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Shards is the shard count; zero means DefaultShards.
	Shards int `yaml:"shards,omitempty"`

	// SnapshotInterval is passed to every manager; zero disables snapshots.
	SnapshotInterval int64 `yaml:"snapshot_interval,omitempty"`

	Flow       []Step      `yaml:"flow"`
	Assertions []Assertion `yaml:"assertions"`
}

// DefaultShards is used when a scenario does not set shards.
const DefaultShards = 4

// Step is one flow entry. Exactly one of Send, Revoke and Acquire is set.
type Step struct {
	// Send names the entity that receives Command.
	Send    string         `yaml:"send,omitempty"`
	Command map[string]any `yaml:"command,omitempty"`

	// Revoke and Acquire name an entity whose shard changes hands.
	Revoke  string `yaml:"revoke,omitempty"`
	Acquire string `yaml:"acquire,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect checks the outcome of a send step. Unset fields are not checked.
type Expect struct {
	Seq    *int64 `yaml:"seq,omitempty"`
	Events *int   `yaml:"events,omitempty"`
	// Reply is a subset of the decoded reply payload.
	Reply map[string]any `yaml:"reply,omitempty"`
	// Error is the expected fault code; empty expects success.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the trace or the journal after the flow.
type Assertion struct {
	Type string `yaml:"type"`

	// Kind and Fields select trace events (trace_contains, trace_count).
	Kind   string         `yaml:"kind,omitempty"`
	Fields map[string]any `yaml:"fields,omitempty"`
	// Kinds is the expected order (trace_order).
	Kinds []string `yaml:"kinds,omitempty"`
	Count int      `yaml:"count,omitempty"`

	// Entity, Seq and Expect select journal state (final_state, snapshot,
	// event_count). Entity also narrows trace assertions when set.
	Entity string         `yaml:"entity,omitempty"`
	Seq    int64          `yaml:"seq,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertSnapshot      = "snapshot"
	AssertEventCount    = "event_count"
)

// LoadScenario reads and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML, rejecting unknown fields.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Shards < 0 {
		return fmt.Errorf("shards must not be negative")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	for i, step := range s.Flow {
		set := 0
		for _, v := range []string{step.Send, step.Revoke, step.Acquire} {
			if v != "" {
				set++
			}
		}
		if set != 1 {
			return fmt.Errorf("flow[%d]: exactly one of send, revoke, acquire is required", i)
		}
		if step.Send == "" && (step.Command != nil || step.Expect != nil) {
			return fmt.Errorf("flow[%d]: command and expect only apply to send", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("trace_contains requires kind")
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("trace_count requires kind")
		}
	case AssertTraceOrder:
		if len(a.Kinds) < 2 {
			return fmt.Errorf("trace_order requires at least two kinds")
		}
	case AssertFinalState, AssertSnapshot, AssertEventCount:
		if a.Entity == "" {
			return fmt.Errorf("%s requires entity", a.Type)
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
