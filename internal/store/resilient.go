package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fieldops/fieldsync/internal/schema"
	"github.com/fieldops/fieldsync/internal/syncerr"
)

// Resilient serves from a primary store until it reports a StorageFailure,
// then switches to the fallback for the rest of the session.
//
// The call that hit the failure still returns it; the failure is not retried
// against the fallback because the caller must treat it as fatal for that
// call.
type Resilient struct {
	primary  Store
	fallback Store
	logger   *slog.Logger

	mu        sync.RWMutex
	degraded  bool
	onDegrade []func(error)
}

// NewResilient wraps primary with fallback.
func NewResilient(primary, fallback Store, logger *slog.Logger) *Resilient {
	if logger == nil {
		logger = slog.Default().With("component", "store")
	}
	return &Resilient{primary: primary, fallback: fallback, logger: logger}
}

var _ Store = (*Resilient)(nil)

// Degraded reports whether the fallback is in use.
func (r *Resilient) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

// OnDegrade registers fn to run once when the switch happens.
func (r *Resilient) OnDegrade(fn func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDegrade = append(r.onDegrade, fn)
}

func (r *Resilient) active() Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.degraded {
		return r.fallback
	}
	return r.primary
}

// observe switches to the fallback on the first StorageFailure and returns
// err unchanged. Context cancellation never degrades the store.
func (r *Resilient) observe(err error) error {
	if err == nil || !syncerr.IsStorage(err) || syncerr.IsCanceled(err) {
		return err
	}
	r.mu.Lock()
	if r.degraded {
		r.mu.Unlock()
		return err
	}
	r.degraded = true
	callbacks := append([]func(error){}, r.onDegrade...)
	r.mu.Unlock()

	r.logger.Error("local storage failed, continuing in memory for this session", "error", err)
	for _, fn := range callbacks {
		fn(err)
	}
	return err
}

func (r *Resilient) Get(ctx context.Context, c schema.Collection, id string) (schema.Entity, error) {
	e, err := r.active().Get(ctx, c, id)
	return e, r.observe(err)
}

func (r *Resilient) GetAll(ctx context.Context, c schema.Collection) ([]schema.Entity, error) {
	out, err := r.active().GetAll(ctx, c)
	return out, r.observe(err)
}

func (r *Resilient) GetByIndex(ctx context.Context, c schema.Collection, index, value string) ([]schema.Entity, error) {
	out, err := r.active().GetByIndex(ctx, c, index, value)
	return out, r.observe(err)
}

func (r *Resilient) Put(ctx context.Context, e schema.Entity, enqueueIfOffline bool) error {
	return r.observe(r.active().Put(ctx, e, enqueueIfOffline))
}

func (r *Resilient) Delete(ctx context.Context, c schema.Collection, id string, enqueue bool) error {
	return r.observe(r.active().Delete(ctx, c, id, enqueue))
}

func (r *Resilient) Write(ctx context.Context, e schema.Entity, status schema.SyncStatus) error {
	return r.observe(r.active().Write(ctx, e, status))
}

func (r *Resilient) MarkStatus(ctx context.Context, c schema.Collection, id string, status schema.SyncStatus, syncErr string) error {
	return r.observe(r.active().MarkStatus(ctx, c, id, status, syncErr))
}
