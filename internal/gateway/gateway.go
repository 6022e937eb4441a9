// Package gateway is entityd's client-facing HTTP surface.
//
// Routes:
//
//	POST /v1/entities/{id}  send the request body as a command to entity id
//	GET  /v1/shards         ownership and live entity count per shard
//	GET  /healthz           liveness
//	GET  /metrics           Prometheus exposition
//
// Failures are JSON bodies {"code","message","shard","owner"} with a status
// derived from the fault code. A NOT_OWNER reply carries the owner in
// X-Entity-Owner and X-Entity-Owner-Addr so the caller can re-route.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/entityd/internal/entity"
	"github.com/roach88/entityd/internal/fault"
	"github.com/roach88/entityd/internal/host"
)

// Response headers.
const (
	HeaderShard     = "X-Entity-Shard"
	HeaderOwner     = "X-Entity-Owner"
	HeaderOwnerAddr = "X-Entity-Owner-Addr"
	HeaderSeq       = "X-Entity-Seq"
	HeaderEvents    = "X-Entity-Events"
)

// DefaultMaxBody caps command payloads when Config.MaxBody is unset.
const DefaultMaxBody = 1 << 20

// Dispatcher is the gateway's view of the shard host.
type Dispatcher interface {
	Self() string
	Dispatch(ctx context.Context, entityID string, payload []byte) (entity.Reply, error)
	Active() int
	Shards() []host.ShardInfo
}

// Config assembles a Gateway.
type Config struct {
	Host Dispatcher

	// Metrics serves /metrics. Nil leaves the route unregistered.
	Metrics http.Handler

	// RequestTimeout bounds how long a caller waits for a reply. Zero
	// waits as long as the client stays connected.
	RequestTimeout time.Duration

	MaxBody int64
	Logger  *slog.Logger
}

// Gateway routes HTTP requests to the shard host.
type Gateway struct {
	cfg Config
	mux *http.ServeMux
}

// New builds the route table.
func New(cfg Config) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxBody
	}
	g := &Gateway{cfg: cfg, mux: http.NewServeMux()}
	g.mux.HandleFunc("POST /v1/entities/{id}", g.handleCommand)
	g.mux.HandleFunc("GET /v1/shards", g.handleShards)
	g.mux.HandleFunc("GET /healthz", g.handleHealth)
	if cfg.Metrics != nil {
		g.mux.Handle("GET /metrics", cfg.Metrics)
	}
	return g
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

// Server wraps the gateway in an http.Server listening on addr.
func (g *Gateway) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           g,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (g *Gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing entity id", http.StatusBadRequest)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.cfg.MaxBody))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, fmt.Sprintf("payload exceeds %d bytes", tooBig.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if g.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.RequestTimeout)
		defer cancel()
	}

	reply, err := g.cfg.Host.Dispatch(ctx, id, payload)
	if err != nil {
		g.writeError(w, id, err)
		return
	}

	w.Header().Set(HeaderSeq, strconv.FormatInt(reply.Seq, 10))
	w.Header().Set(HeaderEvents, strconv.Itoa(reply.Events))
	if json.Valid(reply.Payload) {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(reply.Payload)
}

func (g *Gateway) handleShards(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"node":   g.cfg.Host.Self(),
		"shards": g.cfg.Host.Shards(),
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"node":   g.cfg.Host.Self(),
		"active": g.cfg.Host.Active(),
	})
}

// ErrorBody is the JSON body of every failed command.
type ErrorBody struct {
	Code    fault.Code `json:"code"`
	Message string     `json:"message"`
	Shard   *int       `json:"shard,omitempty"`
	Owner   string     `json:"owner,omitempty"`
}

func (g *Gateway) writeError(w http.ResponseWriter, entityID string, err error) {
	body := ErrorBody{Code: fault.CodeOf(err), Message: err.Error()}
	status := StatusFor(err)

	var fe *fault.Error
	if errors.As(err, &fe) {
		body.Message = fe.Message
		if fe.Err != nil {
			body.Message = strings.TrimPrefix(body.Message+": "+fe.Err.Error(), ": ")
		}
	}
	if fe != nil && fe.Code == fault.CodeNotOwner {
		shard := fe.Shard
		body.Shard = &shard
		body.Owner = fe.Owner
		w.Header().Set(HeaderShard, strconv.Itoa(fe.Shard))
		if fe.Owner != "" {
			w.Header().Set(HeaderOwner, fe.Owner)
		}
		if fe.OwnerAddr != "" {
			w.Header().Set(HeaderOwnerAddr, fe.OwnerAddr)
		}
	}
	if body.Code == fault.CodePassivating {
		w.Header().Set("Retry-After", "1")
	}

	if status >= http.StatusInternalServerError {
		g.cfg.Logger.Warn("command failed", "entity", entityID, "status", status, "error", err)
	} else {
		g.cfg.Logger.Debug("command refused", "entity", entityID, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

// StatusFor maps a dispatch error to an HTTP status.
func StatusFor(err error) int {
	switch fault.CodeOf(err) {
	case fault.CodeNotOwner:
		return http.StatusMisdirectedRequest
	case fault.CodeBackpressure:
		return http.StatusTooManyRequests
	case fault.CodePassivating, fault.CodeRecoveryFailed:
		return http.StatusServiceUnavailable
	case fault.CodeBusinessRejection:
		return http.StatusUnprocessableEntity
	case fault.CodeRelayTimeout:
		return http.StatusGatewayTimeout
	case fault.CodeRelayDisconnected:
		return http.StatusBadGateway
	case fault.CodePersistenceFailed:
		return http.StatusInternalServerError
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
