package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldops/fieldsync/internal/queue"
	"github.com/fieldops/fieldsync/internal/remote"
	"github.com/fieldops/fieldsync/internal/schema"
	"github.com/fieldops/fieldsync/internal/store"
	"github.com/fieldops/fieldsync/internal/syncerr"
)

// Queue is the part of the operation queue the coordinator drives.
type Queue interface {
	PurgeInvalid(ctx context.Context) (int, error)
	Pending(ctx context.Context) ([]*queue.Operation, error)
	MarkSyncing(ctx context.Context, seqs []int64) error
	UpdateStatus(ctx context.Context, seq int64, status queue.Status, lastErr string) error
	IncrementRetry(ctx context.Context, seq int64, lastErr string) (int, error)
	RecoverInFlight(ctx context.Context) (int, error)
	Sweep(ctx context.Context) (int, error)
	Counts(ctx context.Context) (map[queue.Status]int, error)
}

// Monitor is the part of the connectivity monitor the coordinator uses.
type Monitor interface {
	IsOnline() bool
	ReportFailure(err error)
	ReportSuccess()
	OnRegainConnectivity(fn func()) (unsubscribe func())
}

// Session persists the watermark and supplies the request scope.
type Session interface {
	LastSync() *time.Time
	SetLastSync(t time.Time) error
	Scope() (tenant, user string)
	Authenticated() bool
}

// Notifier receives state changes and run summaries. Implementations must
// not block.
type Notifier interface {
	SyncStateChanged(s State)
	SyncCompleted(res *Result)
}

// Metrics records run statistics.
type Metrics interface {
	ObserveRun(trigger Trigger, outcome Outcome, d time.Duration)
	AddOperations(outcome string, n int)
	AddConflicts(n int)
	SetQueueDepth(counts map[queue.Status]int)
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Store   store.Store
	Queue   Queue
	Monitor Monitor
	Remote  remote.Client
	Session Session

	// Notifier and Metrics are optional.
	Notifier Notifier
	Metrics  Metrics

	Logger *slog.Logger
	Clock  func() time.Time
}

// Config tunes a Coordinator.
type Config struct {
	// RequestTimeout bounds the batched sync request.
	RequestTimeout time.Duration

	// SyncInterval is the period of automatic runs while online.
	SyncInterval time.Duration

	// BootDelay is the settling delay before the boot run.
	BootDelay time.Duration

	// DisplayWindow is how long Synced or Failed is shown before the state
	// returns to Idle.
	DisplayWindow time.Duration

	Retry RetryPolicy
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 30 * time.Second,
		SyncInterval:   5 * time.Minute,
		BootDelay:      3 * time.Second,
		DisplayWindow:  3 * time.Second,
		Retry:          DefaultRetryPolicy(),
	}
}

// OperationOutcome is the fate of one operation in a run.
type OperationOutcome struct {
	Seq    int64
	ID     string
	Status queue.Status
	Error  string
}

// Result summarises one run.
type Result struct {
	Trigger    Trigger
	Outcome    Outcome
	SkipReason string

	Started  time.Time
	Duration time.Duration

	Purged    int
	Pushed    int
	Synced    int
	Failed    int
	Retried   int
	Pulled    int
	Deleted   int
	Conflicts int
	Swept     int

	Operations []OperationOutcome

	// Changed lists the ids written to the local store per collection.
	Changed map[schema.Collection][]string

	// Watermark is the new watermark after a successful run.
	Watermark *time.Time

	// Queue holds the queue depth per status after the run.
	Queue map[queue.Status]int
}

func (r *Result) changed(c schema.Collection, id string) {
	if r.Changed == nil {
		r.Changed = make(map[schema.Collection][]string)
	}
	r.Changed[c] = append(r.Changed[c], id)
}

// Coordinator runs the reconciliation protocol.
type Coordinator struct {
	store    store.Store
	queue    Queue
	monitor  Monitor
	remote   remote.Client
	session  Session
	notifier Notifier
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time
	cfg      Config

	inProgress atomic.Bool

	mu        sync.Mutex
	state     State
	gen       uint64
	reset     *time.Timer
	listeners map[int]func(State)
	nextID    int
	failures  int
	notBefore time.Time

	// scheduling, see schedule.go
	runCtx   context.Context
	cancel   context.CancelFunc
	unsub    func()
	wg       sync.WaitGroup
	started  bool
	stopping bool
}

// New creates a Coordinator.
func New(d Deps, cfg Config) (*Coordinator, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("syncer: store is required")
	case d.Queue == nil:
		return nil, errors.New("syncer: queue is required")
	case d.Monitor == nil:
		return nil, errors.New("syncer: monitor is required")
	case d.Remote == nil:
		return nil, errors.New("syncer: remote client is required")
	case d.Session == nil:
		return nil, errors.New("syncer: session is required")
	}

	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.BootDelay < 0 {
		cfg.BootDelay = 0
	}
	if cfg.DisplayWindow <= 0 {
		cfg.DisplayWindow = def.DisplayWindow
	}
	if d.Logger == nil {
		d.Logger = slog.Default().With("component", "syncer")
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}

	return &Coordinator{
		store:     d.Store,
		queue:     d.Queue,
		monitor:   d.Monitor,
		remote:    d.Remote,
		session:   d.Session,
		notifier:  d.Notifier,
		metrics:   d.Metrics,
		logger:    d.Logger,
		now:       d.Clock,
		cfg:       cfg,
		listeners: make(map[int]func(State)),
	}, nil
}

// State returns the current phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InProgress reports whether a run is executing.
func (c *Coordinator) InProgress() bool {
	return c.inProgress.Load()
}

// OnStateChange registers fn for every state transition. The returned
// function unregisters it.
func (c *Coordinator) OnStateChange(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Run executes one reconciliation round. A skipped run returns a Result
// with Outcome OutcomeSkipped and a nil error. A failed run returns both the
// Result and the cause.
func (c *Coordinator) Run(ctx context.Context, trigger Trigger) (*Result, error) {
	res := &Result{Trigger: trigger, Started: c.now()}

	if !c.monitor.IsOnline() {
		return c.skip(res, "offline"), nil
	}
	if trigger == TriggerPeriodic {
		if wait := c.backoffRemaining(); wait > 0 {
			return c.skip(res, fmt.Sprintf("backing off for %s", wait.Round(time.Millisecond))), nil
		}
	}
	if !c.inProgress.CompareAndSwap(false, true) {
		return c.skip(res, "sync already in progress"), nil
	}
	defer c.inProgress.Store(false)

	c.setState(StateSyncing)
	c.logger.Info("sync started", "trigger", trigger)

	err := c.run(ctx, res)
	res.Duration = c.now().Sub(res.Started)

	if counts, cerr := c.queue.Counts(context.WithoutCancel(ctx)); cerr != nil {
		c.logger.Warn("failed to read queue depth", "error", cerr)
	} else {
		res.Queue = counts
		c.metrics.SetQueueDepth(counts)
	}

	if err != nil {
		res.Outcome = OutcomeFailed
		c.recordFailure()
		c.setState(StateFailed)
		c.logger.Warn("sync failed", "trigger", trigger, "error", err,
			"retried", res.Retried, "failed", res.Failed, "duration", res.Duration)
	} else {
		res.Outcome = OutcomeSynced
		c.recordSuccess()
		c.setState(StateSynced)
		c.logger.Info("sync complete", "trigger", trigger,
			"pushed", res.Pushed, "synced", res.Synced, "failed", res.Failed,
			"pulled", res.Pulled, "deleted", res.Deleted, "conflicts", res.Conflicts,
			"duration", res.Duration)
	}

	c.metrics.ObserveRun(trigger, res.Outcome, res.Duration)
	c.metrics.AddOperations("synced", res.Synced)
	c.metrics.AddOperations("failed", res.Failed)
	c.metrics.AddOperations("retried", res.Retried)
	c.metrics.AddConflicts(res.Conflicts)
	if c.notifier != nil {
		c.notifier.SyncCompleted(res)
	}
	return res, err
}

func (c *Coordinator) skip(res *Result, reason string) *Result {
	res.Outcome = OutcomeSkipped
	res.SkipReason = reason
	c.logger.Debug("sync skipped", "trigger", res.Trigger, "reason", reason)
	c.metrics.ObserveRun(res.Trigger, OutcomeSkipped, 0)
	return res
}

func (c *Coordinator) run(ctx context.Context, res *Result) error {
	purged, err := c.queue.PurgeInvalid(ctx)
	if err != nil {
		return err
	}
	res.Purged = purged

	ops, err := c.queue.Pending(ctx)
	if err != nil {
		return err
	}
	seqs := make([]int64, len(ops))
	for i, op := range ops {
		seqs[i] = op.Seq
	}
	if err := c.queue.MarkSyncing(ctx, seqs); err != nil {
		return err
	}
	res.Pushed = len(ops)

	// Once operations are in flight the run is not cancellable: outcomes,
	// pulled data and the watermark must all land. Only the request timeout
	// bounds it.
	ctx = context.WithoutCancel(ctx)

	tenant, user := c.session.Scope()
	req := &remote.SyncRequest{
		Operations:  ops,
		LastSync:    c.session.LastSync(),
		TenantScope: tenant,
		UserScope:   user,
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	resp, err := c.remote.Sync(rctx, req)
	cancel()
	if err != nil {
		c.monitor.ReportFailure(err)
		return c.failBatch(ctx, ops, err, res)
	}
	c.monitor.ReportSuccess()

	if !resp.Success && len(resp.Results) == 0 {
		msg := resp.Message
		if msg == "" {
			msg = "sync request failed"
		}
		return c.failBatch(ctx, ops, syncerr.ServerFailure("remote.sync", 200, errors.New(msg)), res)
	}

	if err := c.applyResults(ctx, ops, resp.Results, res); err != nil {
		return err
	}
	if err := c.pull(ctx, resp, res); err != nil {
		return err
	}

	if !resp.SyncTimestamp.IsZero() {
		if err := c.session.SetLastSync(resp.SyncTimestamp); err != nil {
			return fmt.Errorf("failed to save watermark: %w", err)
		}
		wm := resp.SyncTimestamp.UTC()
		res.Watermark = &wm
	}

	if res.Swept, err = c.queue.Sweep(ctx); err != nil {
		c.logger.Warn("failed to sweep synced operations", "error", err)
	}
	return nil
}

// failBatch handles a batch that never got per-operation outcomes and
// returns the cause.
func (c *Coordinator) failBatch(ctx context.Context, ops []*queue.Operation, cause error, res *Result) error {
	if err := c.returnToPending(ctx, ops, syncerr.MessageOf(cause), res); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// returnToPending puts operations back to pending with their retry counter
// bumped, or to failed once the retry policy gives up.
func (c *Coordinator) returnToPending(ctx context.Context, ops []*queue.Operation, msg string, res *Result) error {
	for _, op := range ops {
		attempts, err := c.queue.IncrementRetry(ctx, op.Seq, msg)
		if err != nil {
			return err
		}
		if c.cfg.Retry.Exhausted(attempts) {
			lastErr := "retry limit exceeded: " + msg
			if err := c.queue.UpdateStatus(ctx, op.Seq, queue.StatusFailed, lastErr); err != nil {
				return err
			}
			res.Failed++
			res.Operations = append(res.Operations, OperationOutcome{Seq: op.Seq, ID: op.ID, Status: queue.StatusFailed, Error: lastErr})
			continue
		}
		res.Retried++
		res.Operations = append(res.Operations, OperationOutcome{Seq: op.Seq, ID: op.ID, Status: queue.StatusPending, Error: msg})
	}
	return nil
}

// applyResults maps outcomes to operations. Results are positional; when
// the server returned a different number of results or reordered them they
// are matched by id, in order.
func (c *Coordinator) applyResults(ctx context.Context, ops []*queue.Operation, results []remote.OperationResult, res *Result) error {
	matched := matchResults(ops, results)
	var missing []*queue.Operation

	for i, op := range ops {
		r := matched[i]
		if r == nil {
			missing = append(missing, op)
			continue
		}
		if r.Success {
			if err := c.queue.UpdateStatus(ctx, op.Seq, queue.StatusSynced, ""); err != nil {
				return err
			}
			if err := c.settle(ctx, op); err != nil {
				return err
			}
			res.Synced++
			res.Operations = append(res.Operations, OperationOutcome{Seq: op.Seq, ID: op.ID, Status: queue.StatusSynced})
			continue
		}

		msg := r.Error
		if msg == "" {
			msg = "rejected by server"
		}
		if err := c.queue.UpdateStatus(ctx, op.Seq, queue.StatusFailed, msg); err != nil {
			return err
		}
		if err := c.annotate(ctx, op, msg); err != nil {
			return err
		}
		c.logger.Warn("operation rejected", "id", op.ID, "seq", op.Seq, "error", msg)
		res.Failed++
		res.Operations = append(res.Operations, OperationOutcome{Seq: op.Seq, ID: op.ID, Status: queue.StatusFailed, Error: msg})
	}

	if len(missing) > 0 {
		c.logger.Warn("server returned no outcome for operations", "count", len(missing))
		if err := c.returnToPending(ctx, missing, "no result returned for operation", res); err != nil {
			return err
		}
	}
	return nil
}

func matchResults(ops []*queue.Operation, results []remote.OperationResult) []*remote.OperationResult {
	out := make([]*remote.OperationResult, len(ops))
	positional := len(ops) == len(results)
	for i := range results {
		if positional && results[i].ID != "" && results[i].ID != ops[i].ID {
			positional = false
			break
		}
	}
	if positional {
		for i := range results {
			out[i] = &results[i]
		}
		return out
	}

	byID := make(map[string][]*remote.OperationResult)
	for i := range results {
		byID[results[i].ID] = append(byID[results[i].ID], &results[i])
	}
	for i, op := range ops {
		if rs := byID[op.ID]; len(rs) > 0 {
			out[i] = rs[0]
			byID[op.ID] = rs[1:]
		}
	}
	return out
}

// settle marks the local record synced after its operation was accepted,
// unless it was edited again after the operation was queued.
func (c *Coordinator) settle(ctx context.Context, op *queue.Operation) error {
	if op.Kind == queue.KindDelete {
		return nil
	}
	sent, err := op.Entity()
	if err != nil {
		c.logger.Warn("cannot decode accepted operation, leaving record status", "id", op.ID, "error", err)
		return nil
	}
	local, err := c.store.Get(ctx, op.Collection, op.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if local.Base().SyncStatus == schema.StatusSynced || schema.Newer(local, sent) {
		return nil
	}
	return c.store.MarkStatus(ctx, op.Collection, op.EntityID, schema.StatusSynced, "")
}

// annotate keeps a rejected record pending but records why.
func (c *Coordinator) annotate(ctx context.Context, op *queue.Operation, msg string) error {
	local, err := c.store.Get(ctx, op.Collection, op.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if local.Base().SyncStatus != schema.StatusPending {
		return nil
	}
	return c.store.MarkStatus(ctx, op.Collection, op.EntityID, schema.StatusPending, msg)
}

// pull applies serverData to the local store.
func (c *Coordinator) pull(ctx context.Context, resp *remote.SyncResponse, res *Result) error {
	incoming, skipped := resp.DecodeServerData()
	for _, err := range skipped {
		c.logger.Warn("ignoring server data", "error", syncerr.Drift("syncer.pull", err))
	}

	for _, e := range incoming {
		coll, id := e.Collection(), e.Base().ID
		local, err := c.store.Get(ctx, coll, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			local = nil
		case err != nil:
			return err
		}

		if local != nil && schema.KeepLocal(local, e) {
			msg := fmt.Sprintf("server copy from %s differs from unsynced local edit",
				e.Base().LastModified.UTC().Format(time.RFC3339))
			if err := c.store.MarkStatus(ctx, coll, id, schema.StatusConflict, msg); err != nil {
				return err
			}
			c.logger.Warn("conflict detected", "collection", coll, "id", id,
				"local_modified", local.Base().LastModified, "remote_modified", e.Base().LastModified)
			res.Conflicts++
			res.changed(coll, id)
			continue
		}

		if e.Base().Deleted {
			if local == nil {
				continue
			}
			if err := c.store.Delete(ctx, coll, id, false); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			res.Deleted++
			res.changed(coll, id)
			continue
		}

		if err := c.store.Write(ctx, e, schema.StatusSynced); err != nil {
			return err
		}
		res.Pulled++
		res.changed(coll, id)
	}
	return nil
}

func (c *Coordinator) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	c.notBefore = c.now().Add(c.cfg.Retry.Backoff(c.failures))
}

func (c *Coordinator) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.notBefore = time.Time{}
}

func (c *Coordinator) backoffRemaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notBefore.IsZero() {
		return 0
	}
	return c.notBefore.Sub(c.now())
}

// setState applies a transition and schedules the return to idle for
// terminal states.
func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.gen++
	gen := c.gen
	if c.reset != nil {
		c.reset.Stop()
		c.reset = nil
	}
	if s == StateSynced || s == StateFailed {
		c.reset = time.AfterFunc(c.cfg.DisplayWindow, func() { c.resetIdle(gen) })
	}
	listeners := c.snapshotListeners()
	c.mu.Unlock()

	c.emit(s, listeners)
}

func (c *Coordinator) resetIdle(gen uint64) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.gen++
	c.reset = nil
	listeners := c.snapshotListeners()
	c.mu.Unlock()

	c.emit(StateIdle, listeners)
}

// snapshotListeners returns the listeners in registration order. Caller
// holds c.mu.
func (c *Coordinator) snapshotListeners() []func(State) {
	out := make([]func(State), 0, len(c.listeners))
	for id := 0; id < c.nextID; id++ {
		if fn, ok := c.listeners[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func (c *Coordinator) emit(s State, listeners []func(State)) {
	if c.notifier != nil {
		c.notifier.SyncStateChanged(s)
	}
	for _, fn := range listeners {
		fn(s)
	}
}

type nopMetrics struct{}

func (nopMetrics) ObserveRun(Trigger, Outcome, time.Duration) {}
func (nopMetrics) AddOperations(string, int)                  {}
func (nopMetrics) AddConflicts(int)                           {}
func (nopMetrics) SetQueueDepth(map[queue.Status]int)         {}
