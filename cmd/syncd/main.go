// Package main runs the sync daemon. It assembles the engine from a YAML
// config and serves status, manual sync, a WebSocket event stream and
// metrics on a loopback address.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kimhsiao/offlinesync/cmd/syncd/handlers"
	"github.com/kimhsiao/offlinesync/internal/app"
	"github.com/kimhsiao/offlinesync/internal/config"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, listen string

	cmd := &cobra.Command{
		Use:          "syncd",
		Short:        "Offline-first sync daemon",
		Version:      Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.ListenAddr = listen
			}
			logging.Init(cfg.Logging)
			defer logging.Get().Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
			if err != nil {
				return err
			}
			return serve(ctx, cfg, ln)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config")
	cmd.Flags().StringVar(&listen, "listen", "", "override server.listen_addr")
	return cmd
}

// serve builds the application and serves it on ln until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, ln net.Listener) error {
	a, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		ln.Close()
		return err
	}
	defer a.Close()

	hub := NewWSHub()
	defer hub.Stop()
	go hub.Forward(a.Engine.Subscribe(0))

	srv := &http.Server{
		Handler:           newMux(a, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logging.Info("Sync daemon listening", map[string]interface{}{
		"addr":    ln.Addr().String(),
		"version": Version,
	})

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logging.Info("Sync daemon shutting down", nil)
	return srv.Shutdown(shutdownCtx)
}

func newMux(a *app.App, hub *WSHub) *http.ServeMux {
	mux := http.NewServeMux()

	h := handlers.NewSyncHandler(a.Engine, a.Static)
	h.SetWebSocketHub(hub)
	h.Register(mux)

	mux.HandleFunc("GET /ws", HandleWebSocket(hub))
	if a.Metrics != nil {
		mux.Handle("GET "+a.Config.Metrics.Path, promhttp.HandlerFor(a.Metrics, promhttp.HandlerOpts{}))
	}
	return mux
}
