// Package fold turns journal events into entity state.
//
// Event payloads are opaque to entityd, so the fold is a configuration
// choice rather than business logic: MergePatch treats every payload as an
// RFC 7386 JSON merge patch, Replace treats every payload as the complete
// new state. Both are deterministic, which is what lets a snapshot at S plus
// events S+1..T equal a replay of 1..T.
package fold

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/roach88/entityd/internal/ir"
)

// Folder applies one event to a state. state is nil for a fresh entity.
// Implementations must not retain or modify state.
type Folder interface {
	Fold(state []byte, ev ir.Event) ([]byte, error)
}

// Func adapts a function to Folder.
type Func func(state []byte, ev ir.Event) ([]byte, error)

// Fold implements Folder.
func (f Func) Fold(state []byte, ev ir.Event) ([]byte, error) {
	return f(state, ev)
}

// Folder names accepted by ByName.
const (
	NameMergePatch = "merge-patch"
	NameReplace    = "replace"
)

// ByName returns the folder registered under name.
func ByName(name string) (Folder, error) {
	switch name {
	case NameMergePatch, "":
		return MergePatch{}, nil
	case NameReplace:
		return Replace{}, nil
	default:
		return nil, fmt.Errorf("unknown fold %q (want one of %v)", name, Names())
	}
}

// Names lists the registered folder names in sorted order.
func Names() []string {
	names := []string{NameMergePatch, NameReplace}
	sort.Strings(names)
	return names
}

// Apply folds events into state in order, checking that each event carries
// the next sequence number.
func Apply(f Folder, state ir.State, events []ir.Event) (ir.State, error) {
	out := state.Clone()
	for _, ev := range events {
		if ev.Seq != out.Seq+1 {
			return state, fmt.Errorf("fold event %d onto state at %d: sequence gap", ev.Seq, out.Seq)
		}
		data, err := f.Fold(out.Data, ev)
		if err != nil {
			return state, fmt.Errorf("fold event %d: %w", ev.Seq, err)
		}
		out = ir.State{Seq: ev.Seq, Data: data}
	}
	return out, nil
}

// Replace makes each event payload the whole new state.
type Replace struct{}

// Fold implements Folder.
func (Replace) Fold(_ []byte, ev ir.Event) ([]byte, error) {
	out := make([]byte, len(ev.Payload))
	copy(out, ev.Payload)
	return out, nil
}

// MergePatch applies each event payload as a JSON merge patch (RFC 7386).
// An empty payload leaves the state unchanged. Numbers keep their exact
// textual form.
type MergePatch struct{}

// Fold implements Folder.
func (MergePatch) Fold(state []byte, ev ir.Event) ([]byte, error) {
	if len(bytes.TrimSpace(ev.Payload)) == 0 {
		out := make([]byte, len(state))
		copy(out, state)
		return out, nil
	}

	var target any = map[string]any{}
	if len(bytes.TrimSpace(state)) > 0 {
		v, err := decode(state)
		if err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}
		target = v
	}

	patch, err := decode(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", ev.Type, err)
	}

	out, err := json.Marshal(mergePatch(target, patch))
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return out, nil
}

func decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func mergePatch(target, patch any) any {
	p, ok := patch.(map[string]any)
	if !ok {
		return patch
	}
	t, ok := target.(map[string]any)
	if !ok {
		t = map[string]any{}
	}
	for k, v := range p {
		if v == nil {
			delete(t, k)
			continue
		}
		t[k] = mergePatch(t[k], v)
	}
	return t
}
