package store

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fieldops/fieldsync/internal/queue"
	"github.com/fieldops/fieldsync/internal/schema"
)

// DefaultMemorySize bounds each collection of a MemoryStore.
const DefaultMemorySize = 10000

// MemoryStore keeps records in bounded LRU caches, one per collection. It
// serves the session after the SQLite engine fails and backs tests.
//
// Records are held in encoded form so callers never share state with the
// cache.
type MemoryStore struct {
	mu       sync.Mutex
	caches   map[schema.Collection]*lru.Cache[string, memRecord]
	size     int
	opts     Options
	removing bool
}

type memRecord struct {
	payload []byte
	status  schema.SyncStatus
	syncErr string
}

// NewMemoryStore creates a MemoryStore holding up to size records per
// collection (DefaultMemorySize when size <= 0).
func NewMemoryStore(size int, opts Options) (*MemoryStore, error) {
	if size <= 0 {
		size = DefaultMemorySize
	}
	m := &MemoryStore{
		caches: make(map[schema.Collection]*lru.Cache[string, memRecord]),
		size:   size,
		opts:   opts.withDefaults(),
	}
	for _, c := range schema.Collections() {
		cache, err := lru.NewWithEvict[string, memRecord](size, m.evicted(c))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s cache: %w", c, err)
		}
		m.caches[c] = cache
	}
	return m, nil
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) evicted(c schema.Collection) func(string, memRecord) {
	return func(id string, r memRecord) {
		if m.removing || r.status == schema.StatusSynced {
			return
		}
		m.opts.Logger.Warn("memory store evicted an unsynced record", "collection", c, "id", id, "status", r.status)
		if m.opts.OnEvictPending != nil {
			m.opts.OnEvictPending(c, id)
		}
	}
}

func (m *MemoryStore) cache(c schema.Collection) (*lru.Cache[string, memRecord], error) {
	cache, ok := m.caches[c]
	if !ok {
		return nil, fmt.Errorf("%w: %q", schema.ErrUnknownCollection, c)
	}
	return cache, nil
}

// Get returns the record with the given id or ErrNotFound.
func (m *MemoryStore) Get(_ context.Context, c schema.Collection, id string) (schema.Entity, error) {
	cache, err := m.cache(c)
	if err != nil {
		return nil, err
	}
	r, ok := cache.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return r.decode(c)
}

// GetAll returns every cached record of c.
func (m *MemoryStore) GetAll(_ context.Context, c schema.Collection) ([]schema.Entity, error) {
	cache, err := m.cache(c)
	if err != nil {
		return nil, err
	}
	var out []schema.Entity
	for _, id := range cache.Keys() {
		r, ok := cache.Peek(id)
		if !ok {
			continue
		}
		e, err := r.decode(c)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// GetByIndex scans c for records whose index equals value.
func (m *MemoryStore) GetByIndex(ctx context.Context, c schema.Collection, index, value string) ([]schema.Entity, error) {
	if !schema.HasIndex(c, index) {
		return nil, fmt.Errorf("collection %s has no index %q", c, index)
	}
	all, err := m.GetAll(ctx, c)
	if err != nil {
		return nil, err
	}
	var out []schema.Entity
	for _, e := range all {
		if v, ok := schema.IndexValue(e, index); ok && v == value {
			out = append(out, e)
		}
	}
	return out, nil
}

// Put upserts e following the offline queueing rule.
func (m *MemoryStore) Put(ctx context.Context, e schema.Entity, enqueueIfOffline bool) error {
	if e.Base().LastModified.IsZero() {
		e.Base().LastModified = m.opts.Clock()
	}
	status, enqueue := m.opts.putStatus(e.Collection(), enqueueIfOffline)
	if err := m.Write(ctx, e, status); err != nil {
		return err
	}
	if enqueue {
		return m.opts.enqueue(ctx, queue.KindCreate, e)
	}
	return nil
}

// Write upserts e with the given status.
func (m *MemoryStore) Write(_ context.Context, e schema.Entity, status schema.SyncStatus) error {
	cache, err := m.cache(e.Collection())
	if err != nil {
		return err
	}
	meta := e.Base()
	if meta.ID == "" {
		return fmt.Errorf("cannot store %s record without id", e.Collection())
	}
	meta.SyncStatus = status
	if status == schema.StatusSynced {
		meta.SyncError = ""
	}
	payload, err := schema.Encode(e)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cache.Add(meta.ID, memRecord{payload: payload, status: status, syncErr: meta.SyncError})
	return nil
}

// MarkStatus updates the status of a cached record.
func (m *MemoryStore) MarkStatus(_ context.Context, c schema.Collection, id string, status schema.SyncStatus, syncErr string) error {
	cache, err := m.cache(c)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := cache.Peek(id)
	if !ok {
		return ErrNotFound
	}
	r.status = status
	r.syncErr = syncErr
	cache.Add(id, r)
	return nil
}

// Delete removes a record and optionally queues a delete operation.
func (m *MemoryStore) Delete(ctx context.Context, c schema.Collection, id string, enqueue bool) error {
	cache, err := m.cache(c)
	if err != nil {
		return err
	}

	var snapshot schema.Entity
	if enqueue && schema.IsSyncable(c) {
		if snapshot, err = m.Get(ctx, c, id); err != nil {
			snapshot, _ = schema.New(c)
			snapshot.Base().ID = id
		}
		snapshot.Base().LastModified = m.opts.Clock()
	}

	m.mu.Lock()
	m.removing = true
	cache.Remove(id)
	m.removing = false
	m.mu.Unlock()

	if snapshot != nil {
		return m.opts.enqueue(ctx, queue.KindDelete, snapshot)
	}
	return nil
}

func (r memRecord) decode(c schema.Collection) (schema.Entity, error) {
	e, err := schema.Decode(c, r.payload)
	if err != nil {
		return nil, err
	}
	e.Base().SyncStatus = r.status
	e.Base().SyncError = r.syncErr
	return e, nil
}
