package ir

// Event is one immutable fact in an entity's journal.
type Event struct {
	EntityID string `json:"entity_id"`
	Seq      int64  `json:"seq"`
	Type     string `json:"type"`
	Payload  []byte `json:"payload,omitempty"`

	// Digest is EventDigest of the other fields, computed when the event is
	// sealed and checked again on recovery.
	Digest string `json:"digest,omitempty"`
}

// EventData is an event as emitted by business logic, before it is assigned
// a sequence number.
type EventData struct {
	Type    string `json:"type"`
	Payload []byte `json:"payload,omitempty"`
}

// Seal assigns the event to an entity at the given sequence number and
// stamps its digest.
func (d EventData) Seal(entityID string, seq int64) Event {
	ev := Event{
		EntityID: entityID,
		Seq:      seq,
		Type:     d.Type,
		Payload:  cloneBytes(d.Payload),
	}
	ev.Digest = EventDigest(ev)
	return ev
}

// Snapshot captures entity state as of Seq.
type Snapshot struct {
	EntityID string `json:"entity_id"`
	Seq      int64  `json:"seq"`
	Payload  []byte `json:"payload,omitempty"`
}

// State is the in-memory materialization of an entity: the fold of every
// event up to and including Seq.
type State struct {
	Seq  int64
	Data []byte
}

// Clone returns a copy that shares no memory with s.
func (s State) Clone() State {
	return State{Seq: s.Seq, Data: cloneBytes(s.Data)}
}

// Snapshot returns the snapshot record for this state.
func (s State) Snapshot(entityID string) Snapshot {
	return Snapshot{EntityID: entityID, Seq: s.Seq, Payload: cloneBytes(s.Data)}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
