package relay

import (
	"context"
	"errors"
	"fmt"
)

// Handler is the business logic for one entity. It is created from the
// init handshake and sees that entity's commands one at a time.
type Handler interface {
	Handle(ctx context.Context, cmd Command) (Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cmd Command) (Response, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, cmd Command) (Response, error) {
	return f(ctx, cmd)
}

// Factory builds a Handler from an init handshake. An error fails the
// whole stream.
type Factory func(ctx context.Context, init Init) (Handler, error)

// Serve runs the business-logic side of one stream: it waits for init,
// builds a handler, then answers every command with a reply or, when the
// handler returns an error, a failure carrying err.Error() as the reason.
//
// Serve returns nil when the peer closes the stream or ctx is cancelled.
func Serve(ctx context.Context, stream Stream, factory Factory) error {
	defer stream.Close()
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	first, err := stream.Recv()
	if err != nil {
		return closedOK(err)
	}
	if first.Kind != KindInit {
		_ = stream.Send(ctx, Message{Kind: KindFailure, Reason: "expected init"})
		return fmt.Errorf("relay: first message was %q, want init", first.Kind)
	}

	h, err := factory(ctx, Init{EntityID: first.EntityID, Seq: first.Seq, State: first.State})
	if err != nil {
		_ = stream.Send(ctx, Message{Kind: KindFailure, Reason: err.Error()})
		return fmt.Errorf("relay: init %s: %w", first.EntityID, err)
	}

	for {
		msg, err := stream.Recv()
		if err != nil {
			return closedOK(err)
		}
		if msg.Kind != KindCommand {
			_ = stream.Send(ctx, Message{Kind: KindFailure, Reason: fmt.Sprintf("unexpected %q", msg.Kind)})
			return fmt.Errorf("relay: unexpected %q message", msg.Kind)
		}

		resp, herr := h.Handle(ctx, Command{
			ExchangeID: msg.ExchangeID,
			EntityID:   first.EntityID,
			Seq:        msg.Seq,
			Payload:    msg.Payload,
		})
		out := Message{Kind: KindReply, ExchangeID: msg.ExchangeID, Payload: resp.Payload, Events: resp.Events}
		if herr != nil {
			out = Message{Kind: KindFailure, ExchangeID: msg.ExchangeID, Reason: herr.Error()}
		}
		if err := stream.Send(ctx, out); err != nil {
			return closedOK(err)
		}
	}
}

func closedOK(err error) error {
	if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
