package wsrelay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/roach88/entityd/internal/relay"
)

// Dialer opens one websocket per entity at <URL>?entity=<id>.
type Dialer struct {
	URL    string
	Header http.Header
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

var _ relay.Dialer = (*Dialer)(nil)

// NewDialer creates a dialer for the business-logic endpoint rawURL.
func NewDialer(rawURL string) (*Dialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("relay url %q: scheme must be ws or wss", rawURL)
	}
	return &Dialer{URL: rawURL}, nil
}

// Dial implements relay.Dialer.
func (d *Dialer) Dial(ctx context.Context, entityID string) (relay.Stream, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	q.Set("entity", entityID)
	u.RawQuery = q.Encode()

	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}
	wc, resp, err := wd.DialContext(ctx, u.String(), d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	return newConn(wc), nil
}

// Server is the business-logic side: it upgrades each request and runs
// relay.Serve on it with Factory.
type Server struct {
	Factory relay.Factory
	Logger  *slog.Logger

	upgrader websocket.Upgrader
}

// NewServer creates a server handing streams to factory.
func NewServer(factory relay.Factory, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Factory: factory, Logger: logger}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	entityID := r.URL.Query().Get("entity")
	wc, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("relay upgrade failed", "entity", entityID, "error", err)
		return
	}
	s.Logger.Debug("relay stream accepted", "entity", entityID, "remote", r.RemoteAddr)

	if err := relay.Serve(context.WithoutCancel(r.Context()), newConn(wc), s.Factory); err != nil {
		s.Logger.Warn("relay stream failed", "entity", entityID, "error", err)
		return
	}
	s.Logger.Debug("relay stream finished", "entity", entityID)
}
