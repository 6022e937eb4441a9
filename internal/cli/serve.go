package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/entityd/internal/config"
	"github.com/roach88/entityd/internal/node"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Config string
	NodeID string
	Listen string
	DB     string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an entityd node",
		Long: `Run an entityd node: own the shards the placement assigns to it, activate
entities on demand, relay their commands to business logic and serve the
HTTP gateway until interrupted.

Flags override values from the configuration file.`,
		Example: `  entityd serve --config node.cue
  entityd serve --node-id node-a --listen :8081 --db ./a.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "path to the CUE configuration file")
	cmd.Flags().StringVar(&opts.NodeID, "node-id", "", "node identity (overrides node_id)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides listen)")
	cmd.Flags().StringVar(&opts.DB, "db", "", "journal database path or DSN (overrides storage)")

	return cmd
}

func runServe(parentCtx context.Context, cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	cfg.Apply(config.Overrides{NodeID: opts.NodeID, Listen: opts.Listen, DB: opts.DB})
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr(), cfg.Log.Level)
	logger.Debug("config loaded", "path", opts.Config, "node", cfg.NodeID, "storage", cfg.Storage.Driver)

	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	n, err := node.Open(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "open node", err)
	}

	if err := n.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "serve", err)
	}
	logger.Info("node stopped gracefully", "node", cfg.NodeID)
	return nil
}
