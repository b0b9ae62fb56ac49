package syncer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/fieldsync/internal/connectivity"
	"github.com/fieldops/fieldsync/internal/hybrid"
	"github.com/fieldops/fieldsync/internal/queue"
	"github.com/fieldops/fieldsync/internal/remote"
	"github.com/fieldops/fieldsync/internal/schema"
	"github.com/fieldops/fieldsync/internal/state"
	"github.com/fieldops/fieldsync/internal/store"
	"github.com/fieldops/fieldsync/internal/syncerr"
)

// device is one installation: its own database, monitor and coordinator,
// talking to a shared reference server.
type device struct {
	db       *store.DB
	store    store.Store
	queue    *queue.Queue
	monitor  *connectivity.Monitor
	session  *state.File
	client   *remote.HTTPClient
	layer    *hybrid.Layer
	coord    *Coordinator
	notifier *recordingNotifier
	clock    *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type recordingNotifier struct {
	mu      sync.Mutex
	states  []State
	results []*Result
}

func (n *recordingNotifier) SyncStateChanged(s State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, s)
}

func (n *recordingNotifier) SyncCompleted(res *Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, res)
}

func (n *recordingNotifier) completed() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.results)
}

type testEnv struct {
	server *remote.Server
	url    string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	srv := remote.NewServer()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &testEnv{server: srv, url: ts.URL}
}

func (env *testEnv) device(t *testing.T, start time.Time, cfg Config) *device {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InitSchema())

	session, err := state.Open(filepath.Join(dir, state.FileName))
	require.NoError(t, err)
	require.NoError(t, session.SignIn("t1", "u1"))

	clock := &fakeClock{now: start}
	mon := connectivity.New()
	q := queue.New(db.RawDB(), queue.WithClock(clock.Now))
	st := store.NewSQLStore(db, store.Options{Enqueuer: q, Online: mon, Clock: clock.Now})

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	client, err := remote.NewHTTPClient(remote.ClientConfig{
		BaseURL: env.url,
		Timeout: 10 * timeout,
		Scope: func() remote.Scope {
			tenant, user := session.Scope()
			return remote.Scope{Tenant: tenant, User: user}
		},
		DeviceID: session.DeviceID(),
	})
	require.NoError(t, err)

	layer, err := hybrid.New(hybrid.Deps{Store: st, Queue: q, Monitor: mon, Remote: client, Clock: clock.Now})
	require.NoError(t, err)

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = time.Second
	}
	if cfg.DisplayWindow <= 0 {
		cfg.DisplayWindow = time.Hour
	}
	notifier := &recordingNotifier{}
	coord, err := New(Deps{
		Store:    st,
		Queue:    q,
		Monitor:  mon,
		Remote:   client,
		Session:  session,
		Notifier: notifier,
		Clock:    time.Now,
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(coord.Stop)

	return &device{
		db: db, store: st, queue: q, monitor: mon, session: session, client: client,
		layer: layer, coord: coord, notifier: notifier, clock: clock,
	}
}

func anchorPoint(id, number string) *schema.AnchorPointRecord {
	return &schema.AnchorPointRecord{
		Meta:      schema.Meta{ID: id},
		ProjectID: "proj-1",
		Number:    number,
	}
}

var day = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func (d *device) local(t *testing.T, id string) *schema.AnchorPointRecord {
	t.Helper()
	e, err := d.store.Get(context.Background(), schema.AnchorPoint, id)
	require.NoError(t, err)
	return e.(*schema.AnchorPointRecord)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{}, DefaultConfig())
	assert.Error(t, err)
}

// Scenarios A and B: offline create, then a sync after reconnect.
func TestRun_OfflineCreateThenSync(t *testing.T) {
	env := newEnv(t)
	d := env.device(t, day, Config{})
	ctx := context.Background()

	require.NoError(t, d.layer.Create(ctx, anchorPoint("p1", "A-1")))
	assert.Equal(t, schema.StatusPending, d.local(t, "p1").SyncStatus)
	pending, err := d.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, queue.KindCreate, pending[0].Kind)

	res, err := d.coord.Run(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome, "offline runs are skipped")
	assert.Equal(t, "offline", res.SkipReason)

	d.monitor.ReportSuccess()
	res, err = d.coord.Run(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, res.Outcome)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, 1, res.Synced)
	require.Len(t, res.Operations, 1)
	assert.Equal(t, "anchor_point_create_p1", res.Operations[0].ID)
	assert.Equal(t, queue.StatusSynced, res.Operations[0].Status)
	assert.Equal(t, 1, res.Swept)

	assert.Equal(t, schema.StatusSynced, d.local(t, "p1").SyncStatus)
	counts, err := d.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[queue.StatusPending]+counts[queue.StatusSyncing])

	onServer, ok := env.server.Record("t1", schema.AnchorPoint, "p1")
	require.True(t, ok)
	assert.Equal(t, "A-1", onServer.(*schema.AnchorPointRecord).Number)

	require.NotNil(t, res.Watermark)
	assert.Equal(t, *res.Watermark, *d.session.LastSync())
	assert.Equal(t, []string{"p1"}, res.Changed[schema.AnchorPoint])
	assert.Equal(t, StateSynced, d.coord.State())
}

// Scenario C: the server rejects the operation.
func TestRun_RejectedOperation(t *testing.T) {
	env := newEnv(t)
	d := env.device(t, day, Config{})
	ctx := context.Background()

	taken := anchorPoint("p0", "A-1")
	taken.LastModified = day
	require.NoError(t, env.server.Seed("t1", taken))

	require.NoError(t, d.layer.Create(ctx, anchorPoint("p1", "A-1")))
	d.monitor.ReportSuccess()

	res, err := d.coord.Run(ctx, TriggerManual)
	require.NoError(t, err, "per-operation rejections do not fail the run")
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Operations, 1)
	assert.Equal(t, queue.StatusFailed, res.Operations[0].Status)
	assert.Contains(t, res.Operations[0].Error, "duplicate numeroPonto")

	failed, err := d.queue.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].LastError, "duplicate numeroPonto")

	p1 := d.local(t, "p1")
	assert.Equal(t, schema.StatusPending, p1.SyncStatus, "a rejected record is not flipped to synced")
	assert.Contains(t, p1.SyncError, "duplicate numeroPonto")

	display, err := d.layer.StatusOf(ctx, schema.AnchorPoint, "p1")
	require.NoError(t, err)
	assert.Equal(t, hybrid.NeedsAttention, display)

	// Failed operations are not retried automatically.
	res, err = d.coord.Run(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Zero(t, res.Pushed)
}

// Scenario D: two devices edit the same record offline and converge on
// the value the server received last.
func TestRun_TwoDevicesConverge(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	seed := anchorPoint("p2", "A-0")
	seed.LastModified = day
	require.NoError(t, env.server.Seed("t1", seed))

	a := env.device(t, day.Add(2*time.Hour), Config{})
	b := env.device(t, day.Add(time.Hour), Config{})
	for _, d := range []*device{a, b} {
		d.monitor.ReportSuccess()
		_, err := d.coord.Run(ctx, TriggerManual)
		require.NoError(t, err)
		assert.Equal(t, "A-0", d.local(t, "p2").Number)
		d.monitor.Hint(ctx, false)
	}

	edit := func(d *device, number string) {
		p := d.local(t, "p2")
		p.Number = number
		require.NoError(t, d.layer.Update(ctx, p))
	}
	edit(a, "A-from-a")
	edit(b, "A-from-b")
	assert.True(t, a.local(t, "p2").LastModified.After(b.local(t, "p2").LastModified))

	for _, d := range []*device{a, b, a, b} {
		d.monitor.ReportSuccess()
		res, err := d.coord.Run(ctx, TriggerManual)
		require.NoError(t, err)
		assert.Zero(t, res.Conflicts)
	}

	final, ok := env.server.Record("t1", schema.AnchorPoint, "p2")
	require.True(t, ok)
	assert.Equal(t, "A-from-b", final.(*schema.AnchorPointRecord).Number, "receipt order wins")
	for _, d := range []*device{a, b} {
		p := d.local(t, "p2")
		assert.Equal(t, "A-from-b", p.Number)
		assert.Equal(t, schema.StatusSynced, p.SyncStatus)
	}
}

// Every pending operation ends synced or failed after a successful run, and
// repeated keys are applied in order.
func TestRun_DrainsQueueInOrder(t *testing.T) {
	env := newEnv(t)
	d := env.device(t, day, Config{})
	ctx := context.Background()

	p := anchorPoint("p1", "A-1")
	require.NoError(t, d.layer.Create(ctx, p))
	p.Number = "A-2"
	require.NoError(t, d.layer.Update(ctx, p))
	p.Number = "A-3"
	require.NoError(t, d.layer.Update(ctx, p))
	require.NoError(t, d.layer.Create(ctx, &schema.LocationRecord{
		Meta: schema.Meta{ID: "l1"}, ProjectID: "proj-1", Name: "Roof",
	}))
	require.NoError(t, d.layer.Create(ctx, anchorPoint("p9", "A-9")))
	require.NoError(t, d.layer.Delete(ctx, schema.AnchorPoint, "p9"))

	pending, err := d.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 6)
	assert.Equal(t, pending[1].ID, pending[2].ID, "same key is queued twice")

	d.monitor.ReportSuccess()
	res, err := d.coord.Run(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Synced)

	counts, err := d.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[queue.StatusPending])
	assert.Zero(t, counts[queue.StatusSyncing])

	onServer, ok := env.server.Record("t1", schema.AnchorPoint, "p1")
	require.True(t, ok)
	assert.Equal(t, "A-3", onServer.(*schema.AnchorPointRecord).Number)
	assert.Equal(t, "A-3", d.local(t, "p1").Number)

	deleted, ok := env.server.Record("t1", schema.AnchorPoint, "p9")
	require.True(t, ok)
	assert.True(t, deleted.Base().Deleted)
	_, err = d.store.Get(ctx, schema.AnchorPoint, "p9")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRun_TimeoutKeepsOperationsPending(t *testing.T) {
	env := newEnv(t)
	d := env.device(t, day, Config{RequestTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, d.layer.Create(ctx, anchorPoint("p1", "A-1")))
	env.server.SetLatency(500 * time.Millisecond)
	d.monitor.ReportSuccess()

	res, err := d.coord.Run(ctx, TriggerManual)
	require.Error(t, err)
	assert.True(t, syncerr.IsUnreachable(err))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, res.Retried)
	assert.False(t, d.monitor.IsOnline(), "a timeout flips the monitor offline")
	assert.Equal(t, StateFailed, d.coord.State())

	pending, err := d.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Nil(t, d.session.LastSync(), "the watermark does not move on failure")
}

func TestRun_RetryLimit(t *testing.T) {
	env := newEnv(t)
	d := env.device(t, day, Config{Retry: RetryPolicy{MaxAttempts: 2}})
	ctx := context.Background()

	require.NoError(t, d.layer.Create(ctx, anchorPoint("p1", "A-1")))
	env.server.SetDown(true)
	d.monitor.ReportSuccess()

	_, err := d.coord.Run(ctx, TriggerManual)
	require.Error(t, err)
	assert.True(t, syncerr.IsNetwork(err))
	assert.True(t, d.monitor.IsOnline(), "a 503 is not an outage of the link")

	res, err := d.coord.Run(ctx, TriggerManual)
	require.Error(t, err)
	assert.Equal(t, 1, res.Failed)

	failed, err := d.queue.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].LastError, "retry limit exceeded")
	assert.Equal(t, 2, failed[0].RetryCount)
}

func TestRun_PeriodicWaitsForBackoff(t *testing.T) {
	env := newEnv(t)
	d := env.device(t, day, Config{Retry: RetryPolicy{BaseDelay: time.Hour}})
	ctx := context.Background()

	env.server.SetDown(true)
	d.monitor.ReportSuccess()
	_, err := d.coord.Run(ctx, TriggerManual)
	require.Error(t, err)

	env.server.SetDown(false)
	res, err := d.coord.Run(ctx, TriggerPeriodic)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Contains(t, res.SkipReason, "backing off")

	res, err = d.coord.Run(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, res.Outcome)

	res, err = d.coord.Run(ctx, TriggerPeriodic)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, res.Outcome, "success clears the backoff")
}

func TestRun_SkipsWhenInProgress(t *testing.T) {
	env := newEnv(t)
	d := env.device(t, day, Config{RequestTimeout: 2 * time.Second})
	ctx := context.Background()
	d.monitor.ReportSuccess()
	env.server.SetLatency(300 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.coord.Run(ctx, TriggerManual)
	}()
	require.Eventually(t, d.coord.InProgress, time.Second, 5*time.Millisecond)

	res, err := d.coord.Run(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, "sync already in progress", res.SkipReason)
	<-done
}

func TestRun_PullOnlyObservesOtherDevices(t *testing.T) {
	env := newEnv(t)
	d := env.device(t, day, Config{})
	ctx := context.Background()
	d.monitor.ReportSuccess()

	_, err := d.coord.Run(ctx, TriggerManual)
	require.NoError(t, err)
	first := *d.session.LastSync()

	other := anchorPoint("p7", "A-7")
	other.LastModified = day
	require.NoError(t, env.server.Seed("t1", other))

	res, err := d.coord.Run(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Zero(t, res.Pushed)
	assert.Equal(t, 1, res.Pulled)
	assert.Equal(t, "A-7", d.local(t, "p7").Number)
	assert.True(t, d.session.LastSync().After(first))

	// Nothing changed since the watermark.
	res, err = d.coord.Run(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Zero(t, res.Pulled)
}

func TestRun_ConflictKeepsNewerLocalEdit(t *testing.T) {
	env := newEnv(t)
	d := env.device(t, day, Config{})
	ctx := context.Background()

	stale := anchorPoint("p1", "A-server")
	stale.LastModified = day
	require.NoError(t, env.server.Seed("t1", stale))

	mine := anchorPoint("p1", "A-local")
	mine.LastModified = day.Add(time.Hour)
	require.NoError(t, d.store.Write(ctx, mine, schema.StatusPending))

	d.monitor.ReportSuccess()
	res, err := d.coord.Run(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)

	p1 := d.local(t, "p1")
	assert.Equal(t, "A-local", p1.Number)
	assert.Equal(t, schema.StatusConflict, p1.SyncStatus)

	display, err := d.layer.StatusOf(ctx, schema.AnchorPoint, "p1")
	require.NoError(t, err)
	assert.Equal(t, hybrid.Conflict, display)
}

func TestRun_TombstoneDeletesLocalCopy(t *testing.T) {
	env := newEnv(t)
	d := env.device(t, day, Config{})
	ctx := context.Background()
	d.monitor.ReportSuccess()

	seeded := anchorPoint("p1", "A-1")
	seeded.LastModified = day
	require.NoError(t, env.server.Seed("t1", seeded))
	_, err := d.coord.Run(ctx, TriggerManual)
	require.NoError(t, err)
	d.local(t, "p1")

	other := env.device(t, day.Add(time.Hour), Config{})
	other.monitor.ReportSuccess()
	require.NoError(t, other.layer.Delete(ctx, schema.AnchorPoint, "p1"))

	res, err := d.coord.Run(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	_, err = d.store.Get(ctx, schema.AnchorPoint, "p1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRun_PurgesEntriesOutsideAllowList(t *testing.T) {
	env := newEnv(t)
	d := env.device(t, day, Config{})
	ctx := context.Background()

	legacy := queue.New(d.db.RawDB(), queue.WithAllowList(func(schema.Collection) bool { return true }))
	_, err := legacy.Enqueue(ctx, queue.KindCreate, &schema.CompanyRecord{Meta: schema.Meta{ID: "c1"}, Name: "Acme"})
	require.NoError(t, err)

	d.monitor.ReportSuccess()
	res, err := d.coord.Run(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Purged)
	assert.Zero(t, res.Pushed)
}

func TestStateMachine_ResetsToIdle(t *testing.T) {
	env := newEnv(t)
	d := env.device(t, day, Config{DisplayWindow: 20 * time.Millisecond})
	ctx := context.Background()
	d.monitor.ReportSuccess()

	var mu sync.Mutex
	var seen []State
	unsub := d.coord.OnStateChange(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})
	defer unsub()

	_, err := d.coord.Run(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return d.coord.State() == StateIdle }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateSyncing, StateSynced, StateIdle}, seen)
	assert.Equal(t, 1, d.notifier.completed())
}

func TestStart_ReconnectTriggersRun(t *testing.T) {
	env := newEnv(t)
	d := env.device(t, day, Config{BootDelay: time.Hour, SyncInterval: time.Hour})
	ctx := context.Background()

	require.NoError(t, d.layer.Create(ctx, anchorPoint("p1", "A-1")))
	require.NoError(t, d.coord.Start(ctx))
	assert.Error(t, d.coord.Start(ctx), "second start is refused")

	d.monitor.ReportSuccess()
	assert.Eventually(t, func() bool {
		counts, err := d.queue.Counts(ctx)
		return err == nil && counts[queue.StatusPending] == 0 && counts[queue.StatusSyncing] == 0
	}, 2*time.Second, 10*time.Millisecond)

	d.coord.Stop()
	d.coord.Stop()
	assert.Equal(t, schema.StatusSynced, d.local(t, "p1").SyncStatus)
}

func TestStart_BootRunWhenPending(t *testing.T) {
	env := newEnv(t)
	d := env.device(t, day, Config{BootDelay: 10 * time.Millisecond, SyncInterval: time.Hour})
	ctx := context.Background()

	require.NoError(t, d.layer.Create(ctx, anchorPoint("p1", "A-1")))
	d.monitor.ReportSuccess()

	// Simulate a crash mid-run.
	pending, err := d.queue.Pending(ctx)
	require.NoError(t, err)
	require.NoError(t, d.queue.MarkSyncing(ctx, []int64{pending[0].Seq}))

	require.NoError(t, d.coord.Start(ctx))
	assert.Eventually(t, func() bool { return d.notifier.completed() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, schema.StatusSynced, d.local(t, "p1").SyncStatus)
}

func TestStart_PeriodicWhileOnline(t *testing.T) {
	env := newEnv(t)
	d := env.device(t, day, Config{BootDelay: time.Hour, SyncInterval: 20 * time.Millisecond})
	ctx := context.Background()
	d.monitor.ReportSuccess()

	require.NoError(t, d.coord.Start(ctx))
	assert.Eventually(t, func() bool { return d.notifier.completed() >= 2 }, 2*time.Second, 10*time.Millisecond)
	d.coord.Stop()

	n := d.notifier.completed()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, d.notifier.completed(), "no runs after Stop")
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}

	assert.False(t, RetryPolicy{}.Exhausted(1000))
	assert.True(t, RetryPolicy{MaxAttempts: 3}.Exhausted(3))
	assert.False(t, RetryPolicy{MaxAttempts: 3}.Exhausted(2))
}

func TestMatchResults(t *testing.T) {
	ops := []*queue.Operation{{ID: "a"}, {ID: "b"}, {ID: "a"}}

	positional := matchResults(ops, []remote.OperationResult{
		{ID: "a", Success: true}, {ID: "b"}, {ID: "a", Success: true},
	})
	assert.True(t, positional[0].Success)
	assert.False(t, positional[1].Success)

	reordered := matchResults(ops, []remote.OperationResult{
		{ID: "b", Success: true}, {ID: "a", Error: "first"},
	})
	require.NotNil(t, reordered[0])
	assert.Equal(t, "first", reordered[0].Error)
	assert.True(t, reordered[1].Success)
	assert.Nil(t, reordered[2], "no result left for the second a")
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "syncing", StateSyncing.String())
	assert.Equal(t, "synced", StateSynced.String())
	assert.Equal(t, "failed", StateFailed.String())
}

// cancelAfterSync cancels the run context as soon as the batch was answered.
type cancelAfterSync struct {
	remote.Client
	cancel context.CancelFunc
}

func (c cancelAfterSync) Sync(ctx context.Context, req *remote.SyncRequest) (*remote.SyncResponse, error) {
	resp, err := c.Client.Sync(ctx, req)
	c.cancel()
	return resp, err
}

// gatedSync holds the batch until released.
type gatedSync struct {
	remote.Client
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSync) Sync(ctx context.Context, req *remote.SyncRequest) (*remote.SyncResponse, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Client.Sync(ctx, req)
}

func (d *device) coordinator(t *testing.T, client remote.Client, cfg Config) *Coordinator {
	t.Helper()
	cfg.RequestTimeout = time.Second
	cfg.DisplayWindow = time.Hour
	c, err := New(Deps{Store: d.store, Queue: d.queue, Monitor: d.monitor, Remote: client, Session: d.session}, cfg)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func (d *device) assertSettled(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	counts, err := d.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[queue.StatusSyncing], "no operation left in flight")
	assert.Zero(t, counts[queue.StatusPending])
	assert.Equal(t, schema.StatusSynced, d.local(t, id).SyncStatus)
	assert.NotNil(t, d.session.LastSync(), "watermark saved")
}

func TestRun_CancelAfterSendCompletesRun(t *testing.T) {
	env := newEnv(t)
	d := env.device(t, day, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, d.layer.Create(ctx, anchorPoint("p1", "A-1")))
	other := anchorPoint("p7", "A-7")
	other.LastModified = day
	require.NoError(t, env.server.Seed("t1", other))
	d.monitor.ReportSuccess()

	coord := d.coordinator(t, cancelAfterSync{Client: d.client, cancel: cancel}, Config{})
	res, err := coord.Run(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, res.Outcome)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Pulled)

	d.assertSettled(t, "p1")
	assert.Equal(t, "A-7", d.local(t, "p7").Number)
	_, onServer := env.server.Record("t1", schema.AnchorPoint, "p1")
	assert.True(t, onServer)
}

func TestStop_WaitsForInFlightRun(t *testing.T) {
	env := newEnv(t)
	d := env.device(t, day, Config{})
	ctx := context.Background()

	require.NoError(t, d.layer.Create(ctx, anchorPoint("p1", "A-1")))
	d.monitor.ReportSuccess()

	gate := &gatedSync{Client: d.client, entered: make(chan struct{}), release: make(chan struct{})}
	coord := d.coordinator(t, gate, Config{BootDelay: 0})
	require.NoError(t, coord.Start(ctx))

	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("boot run did not send the batch")
	}

	stopped := make(chan struct{})
	go func() {
		coord.Stop()
		close(stopped)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-stopped:
		t.Fatal("Stop returned while the batch was in flight")
	default:
	}

	close(gate.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the run finished")
	}

	d.assertSettled(t, "p1")
}

// brokenCounts fails every depth read.
type brokenCounts struct {
	Queue
}

func (brokenCounts) Counts(context.Context) (map[queue.Status]int, error) {
	return nil, errors.New("database is locked")
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestRun_LogsQueueDepthFailure(t *testing.T) {
	env := newEnv(t)
	d := env.device(t, day, Config{})
	d.monitor.ReportSuccess()

	logger, buf := bufferLogger()
	coord, err := New(Deps{
		Store: d.store, Queue: brokenCounts{d.queue}, Monitor: d.monitor,
		Remote: d.client, Session: d.session, Logger: logger,
	}, Config{RequestTimeout: time.Second, DisplayWindow: time.Hour})
	require.NoError(t, err)

	res, err := coord.Run(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.NotEqual(t, OutcomeFailed, res.Outcome)
	assert.Nil(t, res.Queue)
	assert.Contains(t, buf.String(), "failed to read queue depth")
	assert.Contains(t, buf.String(), "database is locked")
}

func TestSettle_LogsUndecodableOperation(t *testing.T) {
	env := newEnv(t)
	d := env.device(t, day, Config{})

	logger, buf := bufferLogger()
	coord, err := New(Deps{
		Store: d.store, Queue: d.queue, Monitor: d.monitor,
		Remote: d.client, Session: d.session, Logger: logger,
	}, Config{RequestTimeout: time.Second, DisplayWindow: time.Hour})
	require.NoError(t, err)

	op := &queue.Operation{
		ID:         "anchor_point_update_p1",
		Kind:       queue.KindUpdate,
		Collection: schema.AnchorPoint,
		EntityID:   "p1",
		Payload:    []byte(`{"id":`),
	}
	require.NoError(t, coord.settle(context.Background(), op))
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "cannot decode accepted operation")
	assert.Contains(t, buf.String(), "anchor_point_update_p1")
}
