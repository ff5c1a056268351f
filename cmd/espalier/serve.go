package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/internal/cli"
	httpAdapter "github.com/aretw0/espalier/pkg/adapters/http"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Starts the engine behind a JSON API over HTTP, with server-sent step
updates, run analytics and Prometheus metrics on /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.HTTP.Addr = addr
		}

		sc := cli.NewSignalContext(cmd.Context())
		defer sc.Cancel()

		rt, err := newRuntime(sc, cmd, cli.Features{Metrics: true, Analytics: true})
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = rt.Close(ctx)
		}()

		handler := httpAdapter.NewHandler(rt.Engine,
			httpAdapter.WithAnalytics(rt.Recorder),
			httpAdapter.WithGatherer(rt.Registry),
			httpAdapter.WithVersion(espalier.Version),
			httpAdapter.WithLogger(rt.Logger),
		)

		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		if cfg.Retention > 0 {
			go runRetention(sc, rt, cfg.Retention)
		}

		serverErrors := make(chan error, 1)
		go func() {
			rt.Logger.Info("Starting espalier server", "address", srv.Addr, "store", cfg.Store.Kind, "workflows", rt.Engine.Workflows())
			serverErrors <- srv.ListenAndServe()
		}()

		select {
		case err := <-serverErrors:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("server error: %w", err)

		case <-sc.Done():
			rt.Logger.Info("Shutting down", "signal", sc.Signal())
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				_ = srv.Close()
				return fmt.Errorf("graceful shutdown did not complete: %w", err)
			}
			rt.Logger.Info("Server stopped gracefully")
			return nil
		}
	},
}

// runRetention evicts inactive runs once per retention/4, at most hourly.
func runRetention(ctx context.Context, rt *cli.Runtime, retention time.Duration) {
	interval := min(retention/4, time.Hour)
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := rt.Engine.CleanupOldData(ctx, retention)
			if err != nil {
				rt.Logger.Warn("Retention sweep failed", "err", err)
				continue
			}
			if n > 0 {
				rt.Logger.Info("Retention sweep", "evicted", n)
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Address to listen on (overrides http.addr)")
	serveCmd.Flags().StringSlice("workflow", nil, "YAML workflow files to register next to the demo")
}
