// Package node assembles an entityd process from its configuration:
// storage, placement, relay transport, shard host and HTTP gateway.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/roach88/entityd/internal/config"
	"github.com/roach88/entityd/internal/fold"
	"github.com/roach88/entityd/internal/gateway"
	"github.com/roach88/entityd/internal/host"
	"github.com/roach88/entityd/internal/journal"
	"github.com/roach88/entityd/internal/metrics"
	"github.com/roach88/entityd/internal/relay"
	"github.com/roach88/entityd/internal/relay/wsrelay"
	"github.com/roach88/entityd/internal/shard"
	"github.com/roach88/entityd/internal/store"
	"github.com/roach88/entityd/internal/store/postgres"
	"github.com/roach88/entityd/internal/store/s3snap"
)

// Option customizes Open.
type Option func(*options)

type options struct {
	dialer  relay.Dialer
	journal journal.Journal
	ids     relay.IDGenerator
}

// WithDialer replaces the websocket relay transport.
func WithDialer(d relay.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithJournal replaces the configured storage. The node does not close it.
func WithJournal(j journal.Journal) Option {
	return func(o *options) { o.journal = j }
}

// WithIDGenerator sets the relay exchange ID generator.
func WithIDGenerator(g relay.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// Node is a running entityd process.
type Node struct {
	cfg     *config.Config
	logger  *slog.Logger
	journal journal.Journal
	table   *shard.Registry
	watcher *shard.FileTable
	host    *host.Host
	gateway *gateway.Gateway
	metrics *metrics.Metrics

	closers []func() error
}

// Open builds every component. Nothing listens until Serve.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{cfg: cfg, logger: logger, metrics: metrics.New()}
	opened := false
	defer func() {
		if !opened {
			n.close()
		}
	}()

	folder, err := fold.ByName(cfg.Fold)
	if err != nil {
		return nil, err
	}
	router, err := shard.NewRouter(cfg.Shards)
	if err != nil {
		return nil, err
	}

	n.journal = o.journal
	if n.journal == nil {
		j, closeFn, err := OpenJournal(ctx, cfg)
		if err != nil {
			return nil, err
		}
		n.journal = j
		n.closers = append(n.closers, closeFn)
	}

	if cfg.Placement.File != "" {
		ft, err := shard.OpenFile(cfg.NodeID, cfg.Shards, cfg.Placement.File, logger)
		if err != nil {
			return nil, err
		}
		n.watcher = ft
		n.table = ft.Registry
	} else {
		n.table = shard.NewLocal(cfg.NodeID, cfg.Shards, logger)
	}

	dialer := o.dialer
	if dialer == nil {
		if cfg.Relay.URL == "" {
			return nil, errors.New("relay.url is required")
		}
		wd, err := wsrelay.NewDialer(cfg.Relay.URL)
		if err != nil {
			return nil, err
		}
		dialer = wd
	}
	relayOpts := []relay.Option{
		relay.WithTimeout(cfg.Relay.Timeout.Duration),
		relay.WithBuffer(cfg.Relay.Buffer),
		relay.WithLogger(logger),
	}
	if o.ids != nil {
		relayOpts = append(relayOpts, relay.WithIDGenerator(o.ids))
	}

	h, err := host.New(host.Config{
		Router:             router,
		Table:              n.table,
		Journal:            n.journal,
		Relay:              host.RelaySessions(relay.NewClient(dialer, relayOpts...)),
		Folder:             folder,
		SnapshotInterval:   cfg.SnapshotInterval,
		PassivationTimeout: cfg.PassivationTimeout.Duration,
		QueueSize:          cfg.QueueSize,
		Parallelism:        cfg.Parallelism,
		Logger:             logger,
		Observer:           n.metrics,
	})
	if err != nil {
		return nil, err
	}
	n.host = h
	n.table.Subscribe(h)

	n.gateway = gateway.New(gateway.Config{
		Host:           n.host,
		Metrics:        n.metrics.Handler(),
		RequestTimeout: cfg.RequestTimeout.Duration,
		Logger:         logger,
	})
	opened = true
	return n, nil
}

// OpenJournal opens the configured event log and snapshot store. The
// returned function releases them.
func OpenJournal(ctx context.Context, cfg *config.Config) (journal.Journal, func() error, error) {
	var (
		events  journal.Journal
		closeFn = func() error { return nil }
	)
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		st, err := store.Open(cfg.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		events, closeFn = st, st.Close
	case config.DriverPostgres:
		st, err := postgres.Open(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		events, closeFn = st, st.Close
	case config.DriverMemory:
		events = journal.NewMemory()
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	if cfg.Snapshots.Driver != config.SnapshotsS3 {
		return events, closeFn, nil
	}
	snaps, err := s3snap.New(ctx, s3snap.Config{
		Bucket:    cfg.Snapshots.S3.Bucket,
		Region:    cfg.Snapshots.S3.Region,
		Endpoint:  cfg.Snapshots.S3.Endpoint,
		PathStyle: cfg.Snapshots.S3.PathStyle,
		Prefix:    cfg.Snapshots.S3.Prefix,
	})
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return journal.Split{Events: events, Snapshots: snaps}, closeFn, nil
}

// Host returns the shard host.
func (n *Node) Host() *host.Host { return n.host }

// Table returns the ownership table.
func (n *Node) Table() *shard.Registry { return n.table }

// Handler returns the HTTP gateway.
func (n *Node) Handler() http.Handler { return n.gateway }

// Serve accepts HTTP on ln until ctx ends, then stops accepting, stops
// every entity and releases storage.
func (n *Node) Serve(ctx context.Context, ln net.Listener) error {
	if n.watcher != nil {
		if err := n.watcher.Start(ctx); err != nil {
			return err
		}
	}

	srv := n.gateway.Server(ln.Addr().String())
	serveErr := make(chan error, 1)
	go func() {
		n.logger.Info("node listening",
			"node", n.cfg.NodeID,
			"addr", ln.Addr().String(),
			"shards", n.cfg.Shards,
			"owned", len(n.table.Owned()),
		)
		serveErr <- srv.Serve(ln)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		n.logger.Error("http shutdown", "error", serr)
	}
	if serr := n.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	return err
}

// ListenAndServe listens on the configured address and calls Serve.
func (n *Node) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.cfg.Listen, err)
	}
	return n.Serve(ctx, ln)
}

// Shutdown stops every entity and closes storage.
func (n *Node) Shutdown(ctx context.Context) error {
	err := n.host.Shutdown(ctx)
	if cerr := n.close(); err == nil {
		err = cerr
	}
	n.logger.Info("node stopped", "node", n.cfg.NodeID)
	return err
}

func (n *Node) close() error {
	var errs []error
	if n.watcher != nil {
		errs = append(errs, n.watcher.Close())
	}
	for i := len(n.closers) - 1; i >= 0; i-- {
		errs = append(errs, n.closers[i]())
	}
	n.closers = nil
	return errors.Join(errs...)
}
