// Package cart is example business logic served over the relay protocol: a
// shopping cart whose events are JSON merge patches, so the proxy's default
// fold reproduces the handler's own state.
package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/entityd/internal/ir"
	"github.com/roach88/entityd/internal/relay"
)

// Operations understood by Handle.
const (
	OpAddItem    = "AddItem"
	OpAddItems   = "AddItems"
	OpRemoveItem = "RemoveItem"
	OpGetCart    = "GetCart"
	OpReject     = "Reject"
)

// Event types emitted.
const (
	EventItemAdded   = "ItemAdded"
	EventItemRemoved = "ItemRemoved"
)

// Command is the JSON command payload.
type Command struct {
	Op     string         `json:"op"`
	Item   string         `json:"item,omitempty"`
	Qty    int            `json:"qty,omitempty"`
	Items  map[string]int `json:"items,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// Encode marshals c for use as a command payload.
func (c Command) Encode() []byte {
	data, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("cart: encode command: %v", err))
	}
	return data
}

// Cart is both the entity state and the reply payload.
type Cart struct {
	Items map[string]int `json:"items"`
}

// Decode parses a state or reply payload. Empty input is an empty cart.
func Decode(data []byte) (Cart, error) {
	c := Cart{Items: map[string]int{}}
	if len(data) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return Cart{}, fmt.Errorf("decode cart: %w", err)
	}
	if c.Items == nil {
		c.Items = map[string]int{}
	}
	return c, nil
}

// Factory builds a handler from the relay init handshake.
func Factory(_ context.Context, init relay.Init) (relay.Handler, error) {
	c, err := Decode(init.State)
	if err != nil {
		return nil, err
	}
	return &Handler{entityID: init.EntityID, seq: init.Seq, cart: c}, nil
}

// Handler is one cart's business logic. It applies its own events locally
// and checks that every command carries the seq it expects, which catches
// a proxy that lost track of persisted events.
type Handler struct {
	mu       sync.Mutex
	entityID string
	seq      int64
	cart     Cart
}

// Handle implements relay.Handler.
func (h *Handler) Handle(_ context.Context, rc relay.Command) (relay.Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rc.Seq != h.seq {
		return relay.Response{}, fmt.Errorf("seq mismatch: handler at %d, command at %d", h.seq, rc.Seq)
	}
	var cmd Command
	if err := json.Unmarshal(rc.Payload, &cmd); err != nil {
		return relay.Response{}, fmt.Errorf("bad command: %w", err)
	}

	var events []ir.EventData
	switch cmd.Op {
	case OpAddItem:
		ev, err := h.add(cmd.Item, cmd.Qty)
		if err != nil {
			return relay.Response{}, err
		}
		events = append(events, ev)
	case OpAddItems:
		if len(cmd.Items) == 0 {
			return relay.Response{}, errors.New("no items")
		}
		names := make([]string, 0, len(cmd.Items))
		for name := range cmd.Items {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if cmd.Items[name] <= 0 {
				return relay.Response{}, fmt.Errorf("quantity for %q must be positive", name)
			}
		}
		for _, name := range names {
			ev, _ := h.add(name, cmd.Items[name])
			events = append(events, ev)
		}
	case OpRemoveItem:
		if _, ok := h.cart.Items[cmd.Item]; !ok {
			return relay.Response{}, fmt.Errorf("item %q not in cart", cmd.Item)
		}
		delete(h.cart.Items, cmd.Item)
		events = append(events, patchEvent(EventItemRemoved, cmd.Item, nil))
	case OpGetCart:
	case OpReject:
		return relay.Response{}, errors.New(cmd.Reason)
	default:
		return relay.Response{}, fmt.Errorf("unknown op %q", cmd.Op)
	}

	h.seq += int64(len(events))
	reply, err := json.Marshal(h.cart)
	if err != nil {
		return relay.Response{}, err
	}
	return relay.Response{Payload: reply, Events: events}, nil
}

func (h *Handler) add(item string, qty int) (ir.EventData, error) {
	if item == "" {
		return ir.EventData{}, errors.New("item required")
	}
	if qty <= 0 {
		return ir.EventData{}, fmt.Errorf("quantity for %q must be positive", item)
	}
	h.cart.Items[item] += qty
	n := h.cart.Items[item]
	return patchEvent(EventItemAdded, item, &n), nil
}

// patchEvent builds {"items":{item:qty}}; a nil qty deletes the item.
func patchEvent(typ, item string, qty *int) ir.EventData {
	var v any
	if qty != nil {
		v = *qty
	}
	payload, err := json.Marshal(map[string]any{"items": map[string]any{item: v}})
	if err != nil {
		panic(fmt.Sprintf("cart: encode event: %v", err))
	}
	return ir.EventData{Type: typ, Payload: payload}
}
