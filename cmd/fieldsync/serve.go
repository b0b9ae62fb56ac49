package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fieldops/fieldsync/internal/logging"
	"github.com/fieldops/fieldsync/internal/metrics"
	"github.com/fieldops/fieldsync/internal/remote"
	"github.com/fieldops/fieldsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Run an in-memory reference server for development",
	Long: `Serve the sync endpoint and the record API from memory. State is lost when
the process exits. Request metrics are exposed on /metrics.

Example:
  fieldsync serve --addr 127.0.0.1:8080 --latency 300ms`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		latency, _ := cmd.Flags().GetDuration("latency")

		cfg := loadConfig()
		logger, closer := logging.New(cfg.Log, os.Stderr)
		defer closer.Close()

		recorder := metrics.New(prometheus.NewRegistry())
		srv := remote.NewServer(
			remote.WithServerLogger(logger.With("component", "remote-server")),
			remote.WithMiddleware(recorder.Middleware),
		)
		srv.SetLatency(latency)

		r := chi.NewRouter()
		r.Handle("/metrics", recorder.Handler())
		r.Mount("/", srv)

		httpServer := &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			errCh <- httpServer.ListenAndServe()
		}()

		fmt.Printf("%s Reference server listening on http://%s\n", ui.RenderAccent("🚀"), addr)
		fmt.Printf("   Metrics: http://%s/metrics\n", addr)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				closer.Close()
				fatal("server: %v", err)
			}
		case <-ctx.Done():
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("shutdown", "error", err)
			}
		}
	},
}

func init() {
	serveCmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	serveCmd.Flags().Duration("latency", 0, "delay added to every request")

	rootCmd.AddCommand(serveCmd)
}
