package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/entityd/internal/fault"
	"github.com/roach88/entityd/internal/ir"
)

// Defaults for NewClient.
const (
	DefaultTimeout = 5 * time.Second
	DefaultBuffer  = 8
)

var errRelayTimeout = errors.New("relay timeout")

// Client is the node-wide relay. It owns the dialer and hands out one
// Session per entity.
type Client struct {
	dialer  Dialer
	timeout time.Duration
	buffer  int
	ids     IDGenerator
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each exchange, from acquiring a window slot to
// receiving the reply.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithBuffer sets the per-stream outstanding-exchange window.
func WithBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// WithIDGenerator replaces the UUIDv7 exchange ids.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Client) { c.ids = g }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a relay client over d.
func NewClient(d Dialer, opts ...Option) *Client {
	c := &Client{
		dialer:  d,
		timeout: DefaultTimeout,
		buffer:  DefaultBuffer,
		ids:     UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Timeout returns the configured relay timeout.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Session returns a new, unconnected session for entityID.
func (c *Client) Session(entityID string) *Session {
	return &Session{
		client:   c,
		entityID: entityID,
		window:   make(chan struct{}, c.buffer),
	}
}

// Session is the relay view of one entity. The stream is opened on the
// first Exchange and reopened after any failure.
type Session struct {
	client   *Client
	entityID string
	window   chan struct{}

	mu   sync.Mutex
	conn *conn
}

// Exchange sends payload as a command against state and waits for the
// terminal response. Failures are *fault.Error values: BUSINESS_REJECTION
// leaves the stream open; RELAY_TIMEOUT and RELAY_DISCONNECTED tear it
// down so the next exchange re-handshakes with the state it is given.
func (s *Session) Exchange(ctx context.Context, state ir.State, payload []byte) (Response, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, s.client.timeout, errRelayTimeout)
	defer cancel()

	select {
	case s.window <- struct{}{}:
	case <-ctx.Done():
		return Response{}, s.failure(ctx, ctx.Err())
	}
	defer func() { <-s.window }()

	cn, err := s.connect(ctx, state)
	if err != nil {
		return Response{}, err
	}

	id := s.client.ids.Generate()
	reply := cn.register(id)
	defer cn.unregister(id)

	err = cn.stream.Send(ctx, Message{
		Kind:       KindCommand,
		ExchangeID: id,
		EntityID:   s.entityID,
		Seq:        state.Seq,
		Payload:    payload,
	})
	if err != nil {
		// Let the reader drain anything the peer sent before the stream broke.
		cn.stream.Close()
		<-cn.readerDone
		s.teardown(cn, "send failed")
		var sf *StreamFailure
		if errors.As(cn.err, &sf) {
			err = sf
		}
		return Response{}, s.failure(ctx, fmt.Errorf("send command: %w", err))
	}

	select {
	case msg := <-reply:
		return s.result(msg)
	case <-cn.done:
		// The reader may have delivered the reply just before failing.
		select {
		case msg := <-reply:
			return s.result(msg)
		default:
		}
		s.teardown(cn, "stream failed")
		return Response{}, fault.Wrap(fault.CodeRelayDisconnected, s.entityID, cn.err)
	case <-ctx.Done():
		s.teardown(cn, "exchange abandoned")
		return Response{}, s.failure(ctx, ctx.Err())
	}
}

func (s *Session) result(msg Message) (Response, error) {
	if msg.Kind == KindFailure {
		return Response{}, fault.Rejection(s.entityID, msg.Reason)
	}
	return Response{Payload: msg.Payload, Events: msg.Events}, nil
}

// Connected reports whether a stream is currently open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return false
	}
	select {
	case <-s.conn.done:
		return false
	default:
		return true
	}
}

// Close tears down the stream, if any. The session may be used again.
func (s *Session) Close() {
	s.mu.Lock()
	cn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if cn != nil {
		cn.close(ErrClosed)
		s.client.logger.Debug("relay stream closed", "entity", s.entityID, "reason", "session closed")
	}
}

func (s *Session) connect(ctx context.Context, state ir.State) (*conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		select {
		case <-s.conn.done:
			s.conn.close(nil)
			s.conn = nil
		default:
			return s.conn, nil
		}
	}

	stream, err := s.client.dialer.Dial(ctx, s.entityID)
	if err != nil {
		return nil, s.failure(ctx, fmt.Errorf("dial: %w", err))
	}
	err = stream.Send(ctx, Message{
		Kind:     KindInit,
		EntityID: s.entityID,
		Seq:      state.Seq,
		State:    state.Data,
	})
	if err != nil {
		stream.Close()
		return nil, s.failure(ctx, fmt.Errorf("send init: %w", err))
	}

	cn := newConn(stream)
	go cn.read(s.client.logger, s.entityID)
	s.conn = cn
	s.client.logger.Debug("relay stream opened", "entity", s.entityID, "seq", state.Seq)
	return cn, nil
}

func (s *Session) teardown(cn *conn, reason string) {
	s.mu.Lock()
	if s.conn == cn {
		s.conn = nil
	}
	s.mu.Unlock()
	cn.close(errors.New(reason))
	s.client.logger.Debug("relay stream closed", "entity", s.entityID, "reason", reason)
}

func (s *Session) failure(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), errRelayTimeout) {
		return &fault.Error{
			Code:     fault.CodeRelayTimeout,
			EntityID: s.entityID,
			Message:  fmt.Sprintf("no reply within %s", s.client.timeout),
		}
	}
	return fault.Wrap(fault.CodeRelayDisconnected, s.entityID, err)
}

// conn is one open stream plus its reader goroutine.
type conn struct {
	stream Stream

	mu      sync.Mutex
	pending map[string]chan Message

	once       sync.Once
	done       chan struct{}
	err        error // set before done is closed
	readerDone chan struct{}
}

func newConn(stream Stream) *conn {
	return &conn{
		stream:     stream,
		pending:    make(map[string]chan Message),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

func (c *conn) register(id string) <-chan Message {
	ch := make(chan Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *conn) unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// read routes replies to their exchanges until the stream fails.
func (c *conn) read(logger *slog.Logger, entityID string) {
	defer close(c.readerDone)
	for {
		msg, err := c.stream.Recv()
		if err != nil {
			c.fail(err)
			return
		}
		switch msg.Kind {
		case KindReply, KindFailure:
			if msg.Kind == KindFailure && msg.ExchangeID == "" {
				c.fail(&StreamFailure{Reason: msg.Reason})
				return
			}
			c.mu.Lock()
			ch, ok := c.pending[msg.ExchangeID]
			delete(c.pending, msg.ExchangeID)
			c.mu.Unlock()
			if !ok {
				logger.Debug("dropping unmatched relay message",
					"entity", entityID,
					"exchange_id", msg.ExchangeID,
					"kind", msg.Kind,
				)
				continue
			}
			ch <- msg
		default:
			c.fail(fmt.Errorf("unexpected %q message from business logic", msg.Kind))
			return
		}
	}
}

func (c *conn) fail(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		c.stream.Close()
	})
}

// close shuts the stream and waits for the reader to exit.
func (c *conn) close(err error) {
	if err == nil {
		err = ErrClosed
	}
	c.fail(err)
	<-c.readerDone
}
