package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pulse/internal/config"
	"pulse/internal/logging"
	"pulse/internal/metrics"
	"pulse/internal/server"
	"pulse/internal/stream"
	"pulse/internal/workspace"
)

func newServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the public API server",
		Long:  "Serves webchat (REST + websocket), session history, metrics, and the workspace proxy.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "listen host")
	cmd.Flags().IntVar(&port, "port", 8000, "listen port")
	return cmd
}

func runServer(parent context.Context, cfg *config.Config) error {
	logger := logging.NewComponentLogger("Main")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(server.Options{
		Config:      *cfg,
		BatchClient: streamClient(cfg.Stream),
		TailClientFactory: func() stream.Client {
			return streamClient(cfg.Stream)
		},
		Registry: workspace.NewRegistry(),
		Metrics:  metrics.New(),
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info("api server listening on %s", addr)
	return serveHTTP(ctx, addr, srv.Engine())
}

// serveHTTP serves handler on addr until ctx is cancelled, then shuts
// down gracefully.
func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
