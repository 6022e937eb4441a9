// Command cartfn serves the example shopping-cart business logic over the
// websocket relay protocol. Point an entityd node's relay.url at it:
//
//	cartfn --listen :9090
//	entityd serve --config node.cue   # relay: url: "ws://localhost:9090/relay"
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/entityd/internal/cart"
	"github.com/roach88/entityd/internal/relay/wsrelay"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		listen  string
		path    string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:          "cartfn",
		Short:        "Example cart business logic for entityd",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, listen, path, logger)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":9090", "listen address")
	cmd.Flags().StringVar(&path, "path", "/relay", "websocket endpoint path")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func serve(ctx context.Context, listen, path string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(path, wsrelay.NewServer(cart.Factory, logger))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("cartfn listening", "addr", listen, "path", path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("cartfn shutting down")
	return srv.Shutdown(shutdownCtx)
}
