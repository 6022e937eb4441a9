package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by operations on a closed stream.
var ErrClosed = errors.New("relay: stream closed")

// StreamFailure is a failure message without an exchange id: the business
// logic gave up on the whole stream.
type StreamFailure struct {
	Reason string
}

func (e *StreamFailure) Error() string {
	return "stream failure: " + e.Reason
}

// Stream is one ordered, bidirectional message stream.
//
// Send may be called concurrently with Recv. Close unblocks both and is
// safe to call more than once.
type Stream interface {
	Send(ctx context.Context, msg Message) error
	Recv() (Message, error)
	Close() error
}

// Dialer opens a stream for one entity.
type Dialer interface {
	Dial(ctx context.Context, entityID string) (Stream, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, entityID string) (Stream, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, entityID string) (Stream, error) {
	return f(ctx, entityID)
}

// Pipe returns two connected in-process streams. Messages are JSON-encoded
// in transit, so both ends see exactly what a network peer would.
func Pipe(buffer int) (Stream, Stream) {
	if buffer < 1 {
		buffer = 1
	}
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	shared := &pipeState{done: make(chan struct{})}
	return &pipeEnd{in: ba, out: ab, state: shared}, &pipeEnd{in: ab, out: ba, state: shared}
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

func (p *pipeEnd) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind, err)
	}
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv delivers messages sent before Close ahead of reporting ErrClosed.
func (p *pipeEnd) Recv() (Message, error) {
	select {
	case data := <-p.in:
		return decodeMessage(data)
	case <-p.state.done:
		select {
		case data := <-p.in:
			return decodeMessage(data)
		default:
			return Message{}, ErrClosed
		}
	}
}

func decodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

func (p *pipeEnd) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}
