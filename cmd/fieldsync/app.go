package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fieldops/fieldsync/internal/config"
	"github.com/fieldops/fieldsync/internal/connectivity"
	"github.com/fieldops/fieldsync/internal/dashboard"
	"github.com/fieldops/fieldsync/internal/hybrid"
	"github.com/fieldops/fieldsync/internal/logging"
	"github.com/fieldops/fieldsync/internal/metrics"
	"github.com/fieldops/fieldsync/internal/queue"
	"github.com/fieldops/fieldsync/internal/remote"
	"github.com/fieldops/fieldsync/internal/schema"
	"github.com/fieldops/fieldsync/internal/state"
	"github.com/fieldops/fieldsync/internal/store"
	"github.com/fieldops/fieldsync/internal/syncer"
	"github.com/fieldops/fieldsync/internal/ui"
)

// appOptions selects the optional parts of the wiring.
type appOptions struct {
	// Probe checks reachability once before the command runs.
	Probe bool

	// Dashboard creates the WebSocket feed (not started).
	Dashboard bool

	// Daemon keeps the configured log level even without --verbose.
	Daemon bool
}

// app is the wired sync core of one device.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db      *store.DB
	store   *store.Resilient
	queue   *queue.Queue
	monitor *connectivity.Monitor
	client  *remote.HTTPClient
	session *state.File
	layer   *hybrid.Layer
	coord   *syncer.Coordinator
	metrics *metrics.Recorder

	dash        *dashboard.Server
	dashHandler *dashboard.Handler

	closers []io.Closer
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile, dataDir)
	if err != nil {
		fatal("loading config: %v", err)
	}
	return cfg
}

// openApp wires every component. Failures exit the process.
func openApp(opts appOptions) *app {
	cfg := loadConfig()
	a := &app{cfg: cfg}

	logCfg := cfg.Log
	if !verbose && !opts.Daemon && logCfg.File == "" {
		logCfg.Level = "warn"
	}
	logger, closer := logging.New(logCfg, os.Stderr)
	a.logger = logger
	a.closers = append(a.closers, closer)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fatal("creating data directory: %v", err)
	}

	session, err := state.Open(cfg.StatePath())
	if err != nil {
		fatal("%v", err)
	}
	a.session = session

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		fatal("opening database: %v", err)
	}
	a.db = db
	a.closers = append(a.closers, db)
	if err := db.InitSchema(); err != nil {
		a.Close()
		fatal("initializing schema: %v", err)
	}

	a.metrics = metrics.New(prometheus.NewRegistry())

	if opts.Dashboard {
		a.dash = dashboard.NewServer(&dashboard.Config{
			Port:   cfg.Dashboard.Port,
			Logger: logger,
		})
		a.dashHandler = dashboard.NewHandler(a.dash, logger)
	}

	client, err := remote.NewHTTPClient(remote.ClientConfig{
		BaseURL: cfg.ServerURL,
		Timeout: cfg.RequestTimeout,
		Scope: func() remote.Scope {
			tenant, user := session.Scope()
			return remote.Scope{Tenant: tenant, User: user}
		},
		DeviceID: session.DeviceID(),
		Logger:   logger.With("component", "remote"),
	})
	if err != nil {
		a.Close()
		fatal("%v", err)
	}
	a.client = client

	a.monitor = connectivity.New(
		connectivity.WithProber(connectivity.ProberFunc(client.Ping), 5*time.Second),
		connectivity.WithLogger(logger.With("component", "connectivity")),
		connectivity.WithStateObserver(func(online bool) {
			a.metrics.SetOnline(online)
			if a.dashHandler != nil {
				a.dashHandler.ConnectivityChanged(online)
			}
		}),
	)

	a.queue = queue.New(db.RawDB(), queue.WithLogger(logger.With("component", "queue")))

	storeOpts := store.Options{
		Enqueuer: a.queue,
		Online:   a.monitor,
		Logger:   logger.With("component", "store"),
	}
	fallbackOpts := storeOpts
	fallbackOpts.OnEvictPending = func(c schema.Collection, id string) {
		a.metrics.EvictedUnsynced(c, id)
		fmt.Fprintf(os.Stderr, "%s In-memory store full, dropped unsynced %s %s\n", ui.RenderWarn("⚠"), c, id)
	}
	fallback, err := store.NewMemoryStore(cfg.MemoryFallbackSize, fallbackOpts)
	if err != nil {
		a.Close()
		fatal("%v", err)
	}
	a.store = store.NewResilient(store.NewSQLStore(db, storeOpts), fallback, logger.With("component", "store"))
	a.store.OnDegrade(func(err error) {
		fmt.Fprintf(os.Stderr, "%s Local database unavailable, keeping records in memory: %v\n",
			ui.RenderWarn("⚠"), err)
	})

	a.layer, err = hybrid.New(hybrid.Deps{
		Store:   a.store,
		Queue:   a.queue,
		Monitor: a.monitor,
		Remote:  client,
		Logger:  logger.With("component", "hybrid"),
	})
	if err != nil {
		a.Close()
		fatal("%v", err)
	}

	var notifier syncer.Notifier
	if a.dashHandler != nil {
		notifier = a.dashHandler
	}
	a.coord, err = syncer.New(syncer.Deps{
		Store:    a.store,
		Queue:    a.queue,
		Monitor:  a.monitor,
		Remote:   client,
		Session:  session,
		Notifier: notifier,
		Metrics:  a.metrics,
		Logger:   logger.With("component", "syncer"),
	}, cfg.Syncer())
	if err != nil {
		a.Close()
		fatal("%v", err)
	}

	if opts.Probe {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.monitor.Probe(ctx)
		cancel()
	}
	return a
}

// Close releases the database and the log file.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
	a.closers = nil
}

func (a *app) connectivityLabel() string {
	if a.monitor.IsOnline() {
		return ui.RenderPass("online")
	}
	return ui.RenderWarn("offline")
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("encoding output: %v", err)
	}
}
