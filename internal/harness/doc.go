// Package harness runs conformance scenarios against an in-process host.
//
// A scenario drives cart business logic through a real host, entity
// managers, relay sessions and an in-memory journal, records what happened
// as a trace and checks assertions against the trace and the journal.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: snapshot_recovery
//	description: "Recovery starts from the latest snapshot"
//	shards: 4
//	snapshot_interval: 3
//	flow:
//	  - send: cart-1
//	    command: { op: AddItem, item: x, qty: 2 }
//	    expect: { seq: 1, events: 1, reply: { items: { x: 2 } } }
//	  - revoke: cart-1
//	  - acquire: cart-1
//	  - send: cart-1
//	    command: { op: GetCart }
//	    expect: { error: NOT_OWNER }
//	assertions:
//	  - type: trace_contains
//	    kind: activated
//	    fields: { from_snapshot: true }
//	  - type: final_state
//	    entity: cart-1
//	    seq: 1
//	    expect: { items: { x: 2 } }
//
// revoke and acquire name an entity and act on the shard that entity
// routes to.
//
// # Trace
//
// Every step appends events with a kind: send, reply and error for
// commands; revoke and acquire for ownership changes; activated, snapshot
// and passivated as reported by the managers. Steps run one at a time, so
// the trace is deterministic and can be compared against a golden file:
//
//	go test ./internal/harness -update
//
// # Assertion Types
//
//   - trace_contains: an event of kind with matching fields exists
//   - trace_order: kinds first appear in the given order
//   - trace_count: exactly count events of kind
//   - final_state: the entity recovers to seq with state containing expect
//   - snapshot: a snapshot exists at seq
//   - event_count: the journal holds exactly count events for the entity
package harness
