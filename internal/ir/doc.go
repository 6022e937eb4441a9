// Package ir holds the data model shared by every entityd package: journal
// events, snapshots and the in-memory entity state, plus the canonical JSON
// encoding and digests used to identify them.
//
// ir imports nothing internal. Payloads are opaque byte slices; entityd never
// interprets them beyond handing them to a fold.Folder.
//
// Key design constraints:
//   - Sequence numbers are per entity, start at 1 for the first event, 0 means "no events"
//   - Logical sequence numbers only, never wall-clock timestamps
//   - All JSON tags use snake_case
package ir
