// Package wsrelay runs the relay protocol over websockets: one websocket
// per entity stream, one JSON message per text frame.
package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/entityd/internal/relay"
)

const (
	writeTimeout   = 10 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 4 << 20
)

// conn adapts a websocket to relay.Stream.
type conn struct {
	wc *websocket.Conn

	writeMu sync.Mutex

	once sync.Once
	done chan struct{}
}

var _ relay.Stream = (*conn)(nil)

func newConn(wc *websocket.Conn) *conn {
	wc.SetReadLimit(maxMessageSize)
	c := &conn{wc: wc, done: make(chan struct{})}
	go c.ping()
	return c
}

func (c *conn) Send(ctx context.Context, msg relay.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind, err)
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return relay.ErrClosed
	default:
	}
	c.wc.SetWriteDeadline(deadline)
	if err := c.wc.WriteMessage(websocket.TextMessage, data); err != nil {
		return c.mapErr(err)
	}
	return nil
}

func (c *conn) Recv() (relay.Message, error) {
	for {
		op, data, err := c.wc.ReadMessage()
		if err != nil {
			return relay.Message{}, c.mapErr(err)
		}
		if op != websocket.TextMessage {
			return relay.Message{}, fmt.Errorf("wsrelay: unexpected frame type %d", op)
		}
		var msg relay.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return relay.Message{}, fmt.Errorf("wsrelay: decode message: %w", err)
		}
		return msg, nil
	}
}

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.wc.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.wc.Close()
	})
	return err
}

func (c *conn) ping() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.wc.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// mapErr reports a closed stream as relay.ErrClosed, whichever side closed it.
func (c *conn) mapErr(err error) error {
	select {
	case <-c.done:
		return relay.ErrClosed
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", relay.ErrClosed, err)
	}
	return err
}
