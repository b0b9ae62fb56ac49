// Package daemon runs the sync core in the background on a field device.
//
// The daemon:
//  1. Starts sync scheduling (reconnect, periodic and boot runs)
//  2. Probes connectivity on a fixed interval
//  3. Watches the capture inbox and registers new files
//  4. Uploads registered files after each successful sync and on a ticker
//  5. Serves the dashboard feed and the metrics endpoint when configured
//  6. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fieldops/fieldsync/internal/blob"
	"github.com/fieldops/fieldsync/internal/schema"
	"github.com/fieldops/fieldsync/internal/store"
	"github.com/fieldops/fieldsync/internal/syncer"
)

// Coordinator is the scheduling surface of syncer.Coordinator.
type Coordinator interface {
	Start(ctx context.Context) error
	Stop()
	OnStateChange(fn func(syncer.State)) (unsubscribe func())
}

// Prober runs the connectivity probe loop until ctx is cancelled.
type Prober interface {
	Run(ctx context.Context, interval time.Duration)
}

// Registrar records captured files.
type Registrar interface {
	Register(ctx context.Context, path string) (*schema.FileBlobRecord, error)
}

// Uploader pushes registered files.
type Uploader interface {
	UploadPending(ctx context.Context) (blob.UploadReport, error)
}

// Dashboard is a feed server with its own lifecycle.
type Dashboard interface {
	Start() error
	Stop() error
}

// Config holds configuration for the daemon.
type Config struct {
	// Inbox is the capture directory to watch. Empty disables watching.
	Inbox string

	// DebounceInterval is how long a file must be quiet before it is
	// registered. Cameras write captures in several chunks.
	DebounceInterval time.Duration

	// UploadInterval is the period of the upload pass.
	UploadInterval time.Duration

	// ProbeInterval is the period of connectivity probes.
	ProbeInterval time.Duration

	// MetricsAddr serves Metrics when both are set.
	MetricsAddr string
	Metrics     http.Handler

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
		UploadInterval:   time.Minute,
		ProbeInterval:    30 * time.Second,
		Logger:           slog.Default(),
	}
}

// Deps are the collaborators of a Daemon. Registrar, Uploader and
// Dashboard are optional.
type Deps struct {
	Store       store.Store
	Coordinator Coordinator
	Monitor     Prober
	Registrar   Registrar
	Uploader    Uploader
	Dashboard   Dashboard
}

// Daemon orchestrates the background services.
type Daemon struct {
	deps   Deps
	config *Config
	logger *slog.Logger

	watcher       *InboxWatcher
	changeQueue   map[string]time.Time
	changeQueueMu sync.Mutex
	known         map[string]bool

	uploadNow chan struct{}
	metrics   *http.Server

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// New creates a daemon. Use Start to run it.
func New(deps Deps, config *Config) (*Daemon, error) {
	if deps.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if deps.Coordinator == nil {
		return nil, errors.New("coordinator cannot be nil")
	}
	if deps.Monitor == nil {
		return nil, errors.New("monitor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Inbox != "" && deps.Registrar == nil {
		return nil, errors.New("registrar is required to watch an inbox")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		deps:        deps,
		config:      config,
		logger:      logger.With("component", "daemon"),
		changeQueue: make(map[string]time.Time),
		known:       make(map[string]bool),
		uploadNow:   make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start runs the daemon. It blocks until ctx is cancelled or Stop is
// called.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("starting daemon")

	if d.deps.Dashboard != nil {
		if err := d.deps.Dashboard.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
	}
	if err := d.startMetrics(); err != nil {
		_ = d.stopDashboard()
		return err
	}

	if d.config.Inbox != "" {
		if err := d.startInbox(); err != nil {
			_ = d.Stop()
			return err
		}
	}

	unsub := d.deps.Coordinator.OnStateChange(func(s syncer.State) {
		if s == syncer.StateSynced {
			d.requestUpload()
		}
	})
	defer unsub()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deps.Monitor.Run(d.ctx, d.config.ProbeInterval)
	}()

	if d.deps.Uploader != nil {
		d.wg.Add(1)
		go d.uploadLoop()
	}

	if err := d.deps.Coordinator.Start(d.ctx); err != nil {
		_ = d.Stop()
		return fmt.Errorf("failed to start sync scheduling: %w", err)
	}

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.logger.Info("stopping daemon")
		d.cancel()
		d.deps.Coordinator.Stop()

		if d.watcher != nil {
			if err := d.watcher.Stop(); err != nil {
				d.logger.Warn("error closing watcher", "error", err)
			}
		}
		d.stopErr = d.stopServers()
		d.wg.Wait()

		d.logger.Info("daemon stopped")
	})
	return d.stopErr
}

func (d *Daemon) startMetrics() error {
	if d.config.MetricsAddr == "" || d.config.Metrics == nil {
		return nil
	}
	ln, err := net.Listen("tcp", d.config.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.config.MetricsAddr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.config.Metrics)
	d.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.logger.Info("metrics listening", "addr", ln.Addr().String())
		if err := d.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("metrics server error", "error", err)
		}
	}()
	return nil
}

func (d *Daemon) stopServers() error {
	var errs []error
	if d.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, d.metrics.Shutdown(ctx))
		cancel()
	}
	errs = append(errs, d.stopDashboard())
	return errors.Join(errs...)
}

func (d *Daemon) stopDashboard() error {
	if d.deps.Dashboard == nil {
		return nil
	}
	return d.deps.Dashboard.Stop()
}

// startInbox loads the paths already registered, registers files that
// arrived while the daemon was down, and starts watching.
func (d *Daemon) startInbox() error {
	if err := os.MkdirAll(d.config.Inbox, 0o755); err != nil {
		return fmt.Errorf("failed to create inbox: %w", err)
	}

	existing, err := d.deps.Store.GetAll(d.ctx, schema.FileBlob)
	if err != nil {
		return fmt.Errorf("failed to load registered files: %w", err)
	}
	for _, e := range existing {
		if rec, ok := e.(*schema.FileBlobRecord); ok {
			d.known[rec.Path] = true
		}
	}

	watcher, err := NewInboxWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Start(d.config.Inbox); err != nil {
		_ = watcher.Stop()
		return err
	}
	d.watcher = watcher
	d.logger.Info("watching inbox", "dir", d.config.Inbox)

	if err := d.ScanInbox(); err != nil {
		d.logger.Warn("inbox scan failed", "error", err)
	}

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.processChangeQueue()
	return nil
}

// ScanInbox queues every capturable file in the inbox that is not yet
// registered.
func (d *Daemon) ScanInbox() error {
	entries, err := os.ReadDir(d.config.Inbox)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !Capturable(entry.Name()) {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(d.config.Inbox, entry.Name()))
		if err != nil {
			continue
		}
		d.queueChange(abs)
	}
	return nil
}

func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			if event.Op == OpDelete {
				d.changeQueueMu.Lock()
				delete(d.changeQueue, event.Path)
				d.changeQueueMu.Unlock()
				continue
			}
			d.logger.Debug("inbox event", "op", event.Op, "path", event.Path)
			d.queueChange(event.Path)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.logger.Warn("watcher error", "error", err)
		}
	}
}

// queueChange records the latest event time of path.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges registers files that have been quiet for a full
// debounce interval.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	registered := 0
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		delete(d.changeQueue, path)

		if d.known[path] {
			continue
		}
		rec, err := d.deps.Registrar.Register(d.ctx, path)
		if err != nil {
			d.logger.Warn("failed to register capture", "path", path, "error", err)
			continue
		}
		d.known[path] = true
		registered++
		d.logger.Info("registered capture", "id", rec.ID, "name", rec.Name, "mime", rec.MimeType)
	}

	if registered > 0 {
		d.requestUpload()
	}
}

func (d *Daemon) requestUpload() {
	select {
	case d.uploadNow <- struct{}{}:
	default:
	}
}

func (d *Daemon) uploadLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.UploadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		case <-d.uploadNow:
		}
		report, err := d.deps.Uploader.UploadPending(d.ctx)
		if err != nil && d.ctx.Err() == nil {
			d.logger.Warn("upload pass failed", "error", err)
			continue
		}
		if report.Failed > 0 {
			d.logger.Warn("some files failed to upload", "failed", report.Failed)
		}
	}
}
