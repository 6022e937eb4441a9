// Package relay carries commands from entity managers to the external
// business-logic process and brings back replies and events.
//
// Each live entity gets its own ordered stream. The stream opens lazily on
// the first command with an init handshake (entity id, recovered seq and
// state), then carries one command/reply exchange at a time, correlated by
// exchange id. The business-logic side of the protocol is Serve.
package relay

import (
	"github.com/roach88/entityd/internal/ir"
)

// Kind tags a relay message.
type Kind string

const (
	KindInit    Kind = "init"
	KindCommand Kind = "command"
	KindReply   Kind = "reply"
	KindFailure Kind = "failure"
)

// Message is the single wire type. Which fields are set depends on Kind:
//
//	init:    EntityID, Seq, State
//	command: ExchangeID, EntityID, Seq, Payload
//	reply:   ExchangeID, Payload, Events
//	failure: ExchangeID, Reason (empty ExchangeID fails the whole stream)
type Message struct {
	Kind       Kind           `json:"kind"`
	ExchangeID string         `json:"exchange_id,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Seq        int64          `json:"seq,omitempty"`
	State      []byte         `json:"state,omitempty"`
	Payload    []byte         `json:"payload,omitempty"`
	Events     []ir.EventData `json:"events,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// Init is the handshake the business logic initializes its handler from.
type Init struct {
	EntityID string
	Seq      int64
	State    []byte
}

// Command is one request delivered to a Handler.
type Command struct {
	ExchangeID string
	EntityID   string
	Seq        int64
	Payload    []byte
}

// Response is a successful exchange: the reply for the caller plus the
// events to persist, in order.
type Response struct {
	Payload []byte
	Events  []ir.EventData
}
