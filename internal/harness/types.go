package harness

// Trace event kinds.
const (
	KindSend       = "send"
	KindReply      = "reply"
	KindError      = "error"
	KindRevoke     = "revoke"
	KindAcquire    = "acquire"
	KindActivated  = "activated"
	KindSnapshot   = "snapshot"
	KindPassivated = "passivated"
)

// TraceEvent is one recorded happening. Fields hold only strings, bools
// and integers so the trace serializes canonically.
type TraceEvent struct {
	Kind   string         `json:"kind"`
	Entity string         `json:"entity,omitempty"`
	Step   int            `json:"step,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Record appends an event to the trace.
func (r *Result) Record(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
