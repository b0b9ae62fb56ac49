// Package connectivity tracks whether the remote system is reachable.
//
// The Monitor is the single owner of the online flag. Environment signals
// (OS network events, a probe loop) are hints: an offline hint is trusted at
// once, an online hint is corroborated with a probe when one is configured.
// Remote calls that fail without any response flip the state to offline even
// when the environment still claims to be online.
package connectivity

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/fieldops/fieldsync/internal/syncerr"
)

// Prober checks reachability of the remote system.
type Prober interface {
	Ping(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Ping(ctx context.Context) error { return f(ctx) }

// Monitor owns the connectivity state.
type Monitor struct {
	mu     sync.Mutex
	online bool
	nextID int
	regain map[int]func()
	lose   map[int]func()

	prober       Prober
	probeTimeout time.Duration
	logger       *slog.Logger
	onChange     func(bool)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInitialState sets the starting state. Default offline.
func WithInitialState(online bool) Option {
	return func(m *Monitor) { m.online = online }
}

// WithProber sets the probe used to corroborate online hints.
func WithProber(p Prober, timeout time.Duration) Option {
	return func(m *Monitor) {
		m.prober = p
		if timeout > 0 {
			m.probeTimeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithStateObserver registers fn to receive every transition. Used for
// metrics; fn must not block.
func WithStateObserver(fn func(online bool)) Option {
	return func(m *Monitor) { m.onChange = fn }
}

// New creates a Monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		regain:       make(map[int]func()),
		lose:         make(map[int]func()),
		probeTimeout: 5 * time.Second,
		logger:       slog.Default().With("component", "connectivity"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnRegainConnectivity registers fn to run on every offline to online
// transition. The returned function unregisters it.
func (m *Monitor) OnRegainConnectivity(fn func()) (unsubscribe func()) {
	return m.subscribe(m.regain, fn)
}

// OnLoseConnectivity registers fn to run on every online to offline
// transition. The returned function unregisters it.
func (m *Monitor) OnLoseConnectivity(fn func()) (unsubscribe func()) {
	return m.subscribe(m.lose, fn)
}

func (m *Monitor) subscribe(set map[int]func(), fn func()) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	set[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(set, id)
			m.mu.Unlock()
		})
	}
}

// Hint records an environment signal.
func (m *Monitor) Hint(ctx context.Context, online bool) {
	if !online {
		m.set(false, "environment reported offline")
		return
	}
	if m.prober == nil {
		m.set(true, "environment reported online")
		return
	}
	m.Probe(ctx)
}

// Probe checks reachability now and updates the state. Returns the new
// state.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.prober == nil {
		return m.IsOnline()
	}
	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	if err := m.prober.Ping(pctx); err != nil {
		m.logger.Debug("probe failed", "error", err)
		m.set(false, "probe failed")
		return false
	}
	m.set(true, "probe succeeded")
	return true
}

// ReportFailure feeds the outcome of a failed remote call. Only failures
// where no response arrived flip the state.
func (m *Monitor) ReportFailure(err error) {
	if syncerr.IsUnreachable(err) {
		m.set(false, "remote call failed: "+syncerr.MessageOf(err))
	}
}

// ReportSuccess feeds the outcome of a successful remote call.
func (m *Monitor) ReportSuccess() {
	m.set(true, "remote call succeeded")
}

// Run probes on every interval tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if m.prober == nil || interval <= 0 {
		return
	}
	m.Probe(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Watch consumes an environment hint stream until it closes or ctx is
// cancelled.
func (m *Monitor) Watch(ctx context.Context, hints <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-hints:
			if !ok {
				return
			}
			m.Hint(ctx, online)
		}
	}
}

// set applies a transition and runs the listeners outside the lock, in
// registration order.
func (m *Monitor) set(online bool, reason string) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	set := m.lose
	if online {
		set = m.regain
	}
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	callbacks := make([]func(), 0, len(ids))
	for _, id := range ids {
		callbacks = append(callbacks, set[id])
	}
	observer := m.onChange
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online, "reason", reason)
	if observer != nil {
		observer(online)
	}
	for _, fn := range callbacks {
		fn()
	}
}
