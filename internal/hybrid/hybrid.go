// Package hybrid is the single entry point domain code uses to read and
// write records. It hides the online/offline decision: writes always land in
// the local store first, then go to the remote system when it is reachable
// or to the operation queue when it is not.
//
// Connectivity-class failures never reach the caller. Local storage failures
// and remote rejections do.
package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/fieldops/fieldsync/internal/queue"
	"github.com/fieldops/fieldsync/internal/remote"
	"github.com/fieldops/fieldsync/internal/schema"
	"github.com/fieldops/fieldsync/internal/store"
	"github.com/fieldops/fieldsync/internal/syncerr"
)

// Queue is the part of the operation queue the layer uses.
type Queue interface {
	Enqueue(ctx context.Context, kind queue.Kind, e schema.Entity) (*queue.Operation, error)
	RecordFailed(ctx context.Context, kind queue.Kind, e schema.Entity, lastErr string) (*queue.Operation, error)
	ForEntity(ctx context.Context, c schema.Collection, entityID string) ([]*queue.Operation, error)
}

// Monitor is the part of the connectivity monitor the layer uses.
type Monitor interface {
	IsOnline() bool
	ReportFailure(err error)
	ReportSuccess()
}

// Deps are the collaborators of a Layer.
type Deps struct {
	Store   store.Store
	Queue   Queue
	Monitor Monitor
	Remote  remote.Client
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Layer implements the hybrid access rules.
type Layer struct {
	store   store.Store
	queue   Queue
	monitor Monitor
	remote  remote.Client
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Layer.
func New(d Deps) (*Layer, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("hybrid: store is required")
	case d.Queue == nil:
		return nil, errors.New("hybrid: queue is required")
	case d.Monitor == nil:
		return nil, errors.New("hybrid: monitor is required")
	case d.Remote == nil:
		return nil, errors.New("hybrid: remote client is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default().With("component", "hybrid")
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return &Layer{
		store:   d.Store,
		queue:   d.Queue,
		monitor: d.Monitor,
		remote:  d.Remote,
		logger:  d.Logger,
		now:     d.Clock,
	}, nil
}

// Create writes a new record.
func (l *Layer) Create(ctx context.Context, e schema.Entity) error {
	return l.write(ctx, queue.KindCreate, e)
}

// Update writes a changed record.
func (l *Layer) Update(ctx context.Context, e schema.Entity) error {
	return l.write(ctx, queue.KindUpdate, e)
}

// write persists e locally, then pushes it or queues it. On return e carries
// the status it was stored with.
func (l *Layer) write(ctx context.Context, kind queue.Kind, e schema.Entity) error {
	if e == nil {
		return errors.New("record is nil")
	}
	if err := schema.Validate(e); err != nil {
		return err
	}
	e.Base().LastModified = l.now().UTC()
	e.Base().SyncError = ""

	if !schema.IsSyncable(e.Collection()) {
		return l.store.Write(ctx, e, schema.StatusSynced)
	}

	if err := l.store.Write(ctx, e, schema.StatusPending); err != nil {
		return err
	}
	if !l.monitor.IsOnline() {
		return l.enqueue(ctx, kind, e)
	}

	err := l.remote.Write(ctx, kind, e)
	switch {
	case err == nil:
		l.monitor.ReportSuccess()
		if err := l.store.MarkStatus(ctx, e.Collection(), e.Base().ID, schema.StatusSynced, ""); err != nil {
			return err
		}
		e.Base().SyncStatus = schema.StatusSynced
		return nil

	case syncerr.IsRejection(err):
		l.monitor.ReportSuccess()
		return l.reject(ctx, kind, e, err)

	default:
		l.logger.Info("remote write failed, queued for sync",
			"collection", e.Collection(), "id", e.Base().ID, "kind", kind, "error", err)
		l.monitor.ReportFailure(err)
		return l.enqueue(ctx, kind, e)
	}
}

func (l *Layer) enqueue(ctx context.Context, kind queue.Kind, e schema.Entity) error {
	if _, err := l.queue.Enqueue(ctx, kind, e); err != nil {
		return fmt.Errorf("failed to queue %s %s: %w", e.Collection(), e.Base().ID, err)
	}
	return nil
}

// reject records a write the remote refused. It is kept as a failed
// operation for the operator and is not retried.
func (l *Layer) reject(ctx context.Context, kind queue.Kind, e schema.Entity, cause error) error {
	msg := syncerr.MessageOf(cause)
	l.logger.Warn("remote rejected write",
		"collection", e.Collection(), "id", e.Base().ID, "kind", kind, "error", msg)

	if kind != queue.KindDelete {
		if err := l.store.MarkStatus(ctx, e.Collection(), e.Base().ID, schema.StatusError, msg); err != nil {
			return err
		}
		e.Base().SyncStatus = schema.StatusError
		e.Base().SyncError = msg
	}
	if _, err := l.queue.RecordFailed(ctx, kind, e, msg); err != nil {
		return fmt.Errorf("failed to record rejected %s %s: %w", e.Collection(), e.Base().ID, err)
	}
	return cause
}

// Delete removes a record locally and from the remote system.
func (l *Layer) Delete(ctx context.Context, c schema.Collection, id string) error {
	snapshot, err := l.store.Get(ctx, c, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if snapshot, err = schema.New(c); err != nil {
			return err
		}
		snapshot.Base().ID = id
	case err != nil:
		return err
	}
	snapshot.Base().LastModified = l.now().UTC()

	if err := l.store.Delete(ctx, c, id, false); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if !schema.IsSyncable(c) {
		return nil
	}
	if !l.monitor.IsOnline() {
		return l.enqueue(ctx, queue.KindDelete, snapshot)
	}

	err = l.remote.Write(ctx, queue.KindDelete, snapshot)
	switch {
	case err == nil:
		l.monitor.ReportSuccess()
		return nil
	case syncerr.IsRejection(err):
		l.monitor.ReportSuccess()
		return l.reject(ctx, queue.KindDelete, snapshot, err)
	default:
		l.monitor.ReportFailure(err)
		return l.enqueue(ctx, queue.KindDelete, snapshot)
	}
}

// Get returns one record. When online the remote copy is fetched and merged
// into the local store; otherwise, or when the fetch fails, the local copy is
// returned.
func (l *Layer) Get(ctx context.Context, c schema.Collection, id string) (schema.Entity, error) {
	if !l.monitor.IsOnline() {
		return l.store.Get(ctx, c, id)
	}

	fetched, err := l.remote.Fetch(ctx, c, id)
	if err != nil {
		l.readFailed(c, err)
		return l.store.Get(ctx, c, id)
	}
	l.monitor.ReportSuccess()
	return l.merge(ctx, fetched)
}

// List returns every record of c.
func (l *Layer) List(ctx context.Context, c schema.Collection) ([]schema.Entity, error) {
	return l.list(ctx, c,
		func() ([]schema.Entity, error) { return l.remote.List(ctx, c) },
		func() ([]schema.Entity, error) { return l.store.GetAll(ctx, c) })
}

// ListByIndex returns the records of c whose index equals value.
func (l *Layer) ListByIndex(ctx context.Context, c schema.Collection, index, value string) ([]schema.Entity, error) {
	if !schema.HasIndex(c, index) {
		return nil, fmt.Errorf("collection %s has no index %q", c, index)
	}
	return l.list(ctx, c,
		func() ([]schema.Entity, error) { return l.remote.ListByIndex(ctx, c, index, value) },
		func() ([]schema.Entity, error) { return l.store.GetByIndex(ctx, c, index, value) })
}

func (l *Layer) list(ctx context.Context, c schema.Collection, fetch, local func() ([]schema.Entity, error)) ([]schema.Entity, error) {
	if !l.monitor.IsOnline() {
		return sorted(local())
	}

	fetched, err := fetch()
	if err != nil {
		l.readFailed(c, err)
		return sorted(local())
	}
	l.monitor.ReportSuccess()

	seen := make(map[string]bool, len(fetched))
	out := make([]schema.Entity, 0, len(fetched))
	for _, e := range fetched {
		merged, err := l.merge(ctx, e)
		if err != nil {
			return nil, err
		}
		seen[merged.Base().ID] = true
		out = append(out, merged)
	}

	// Local records the remote does not know yet.
	locals, err := local()
	if err != nil {
		return nil, err
	}
	for _, e := range locals {
		if !seen[e.Base().ID] && e.Base().SyncStatus != schema.StatusSynced {
			out = append(out, e)
		}
	}
	return sorted(out, nil)
}

// merge writes a remote copy into the local store. An unsynced local copy
// (pending, error or conflict) newer than the remote one is kept as is.
func (l *Layer) merge(ctx context.Context, fetched schema.Entity) (schema.Entity, error) {
	c, id := fetched.Collection(), fetched.Base().ID
	current, err := l.store.Get(ctx, c, id)
	switch {
	case err == nil:
		if schema.KeepLocal(current, fetched) {
			return current, nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	if err := l.store.Write(ctx, fetched, schema.StatusSynced); err != nil {
		return nil, err
	}
	return fetched, nil
}

func (l *Layer) readFailed(c schema.Collection, err error) {
	if errors.Is(err, remote.ErrNotFound) {
		return
	}
	l.monitor.ReportFailure(err)
	l.logger.Debug("remote read failed, serving local copy", "collection", c, "error", err)
}

func sorted(list []schema.Entity, err error) ([]schema.Entity, error) {
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Base().ID < list[j].Base().ID })
	return list, nil
}
