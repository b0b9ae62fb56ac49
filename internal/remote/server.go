package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fieldops/fieldsync/internal/queue"
	"github.com/fieldops/fieldsync/internal/schema"
)

// Server is a reference implementation of the remote system. It keeps the
// authoritative state in memory, per tenant, and serves the sync endpoint
// and the REST routes the client uses. Used by `fieldsync serve` for local
// development and by integration tests.
//
// Concurrent edits are resolved by receipt order: the operation applied last
// wins, whatever its client timestamp.
type Server struct {
	mu      sync.Mutex
	tenants map[string]*tenantState
	blobs   map[string][]byte
	last    time.Time

	clock   func() time.Time
	latency atomic.Int64
	down    atomic.Bool
	logger  *slog.Logger
	router  chi.Router
	mws     []func(http.Handler) http.Handler
}

type tenantState struct {
	records map[schema.Collection]map[string]*serverRecord
}

type serverRecord struct {
	entity   schema.Entity
	modified time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerClock sets the server clock.
func WithServerClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.clock = now }
}

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMiddleware adds middleware in front of every route.
func WithMiddleware(mw func(http.Handler) http.Handler) ServerOption {
	return func(s *Server) { s.mws = append(s.mws, mw) }
}

// NewServer creates a reference server.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		tenants: make(map[string]*tenantState),
		blobs:   make(map[string][]byte),
		clock:   time.Now,
		logger:  slog.Default().With("component", "remote-server"),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.mws...)
	r.Use(s.faults)

	r.Get("/health", s.handleHealth)
	r.Post("/sync", s.handleSync)
	r.Post("/blobs", s.handleBlob)
	r.Route("/api/{collection}", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleWrite(queue.KindCreate))
		r.Get("/{id}", s.handleFetch)
		r.Put("/{id}", s.handleWrite(queue.KindUpdate))
		r.Delete("/{id}", s.handleWrite(queue.KindDelete))
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetDown makes every route answer 503 while true.
func (s *Server) SetDown(down bool) { s.down.Store(down) }

// SetLatency delays every response by d.
func (s *Server) SetLatency(d time.Duration) { s.latency.Store(int64(d)) }

func (s *Server) faults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d := time.Duration(s.latency.Load()); d > 0 {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				return
			}
		}
		if s.down.Load() {
			writeError(w, http.StatusServiceUnavailable, "service unavailable")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Seed stores e as if another device had written it.
func (s *Server) Seed(tenant string, e schema.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.apply(s.tenant(tenant), queue.KindUpdate, e)
	return err
}

// Record returns the server copy of a record.
func (s *Server) Record(tenant string, c schema.Collection, id string) (schema.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tenant(tenant).records[c][id]
	if !ok {
		return nil, false
	}
	cp, err := schema.Clone(rec.entity)
	if err != nil {
		return nil, false
	}
	return cp, true
}

// Blob returns uploaded content.
func (s *Server) Blob(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[id]
	return b, ok
}

func (s *Server) tenant(id string) *tenantState {
	t, ok := s.tenants[id]
	if !ok {
		t = &tenantState{records: make(map[schema.Collection]map[string]*serverRecord)}
		s.tenants[id] = t
	}
	return t
}

// now returns a strictly increasing server time so a watermark never
// equals the modification time of a later change.
func (s *Server) now() time.Time {
	t := s.clock().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// apply validates and applies one mutation. Caller holds s.mu.
func (s *Server) apply(t *tenantState, kind queue.Kind, e schema.Entity) (schema.Entity, error) {
	c := e.Collection()
	id := e.Base().ID
	if id == "" {
		return nil, errors.New("id is required")
	}

	if kind != queue.KindDelete {
		if err := schema.Validate(e); err != nil {
			return nil, err
		}
		if err := t.checkUnique(e); err != nil {
			return nil, err
		}
	}

	stored, err := schema.Clone(e)
	if err != nil {
		return nil, err
	}
	meta := stored.Base()
	meta.SyncStatus = schema.StatusSynced
	meta.SyncError = ""
	meta.Deleted = kind == queue.KindDelete
	if kind == queue.KindDelete {
		if prev, ok := t.records[c][id]; ok && !prev.entity.Base().Deleted {
			// Keep the last live payload in the tombstone.
			stored, _ = schema.Clone(prev.entity)
			stored.Base().Deleted = true
			stored.Base().LastModified = meta.LastModified
		}
	}
	if stored.Base().LastModified.IsZero() {
		stored.Base().LastModified = s.clock().UTC()
	}

	if t.records[c] == nil {
		t.records[c] = make(map[string]*serverRecord)
	}
	t.records[c][id] = &serverRecord{entity: stored, modified: s.now()}
	return stored, nil
}

// checkUnique enforces one live anchor point number per project.
func (t *tenantState) checkUnique(e schema.Entity) error {
	ap, ok := e.(*schema.AnchorPointRecord)
	if !ok || ap.Archived {
		return nil
	}
	for id, rec := range t.records[schema.AnchorPoint] {
		other := rec.entity.(*schema.AnchorPointRecord)
		if id == ap.ID || other.Deleted || other.Archived {
			continue
		}
		if other.ProjectID == ap.ProjectID && other.Number == ap.Number {
			return errors.New("duplicate numeroPonto")
		}
	}
	return nil
}

// changedSince returns every record modified after since, grouped by
// collection and ordered by modification.
func (t *tenantState) changedSince(since *time.Time) map[schema.Collection][]json.RawMessage {
	out := make(map[schema.Collection][]json.RawMessage)
	for c, recs := range t.records {
		list := make([]*serverRecord, 0, len(recs))
		for _, rec := range recs {
			if since == nil || rec.modified.After(*since) {
				list = append(list, rec)
			}
		}
		sort.Slice(list, func(i, j int) bool { return list[i].modified.Before(list[j].modified) })
		for _, rec := range list {
			data, err := schema.Encode(rec.entity)
			if err != nil {
				continue
			}
			out[c] = append(out[c], data)
		}
	}
	return out
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid sync request: "+err.Error())
		return
	}

	s.mu.Lock()
	t := s.tenant(req.TenantScope)
	results := make([]OperationResult, 0, len(req.Operations))
	applied := 0
	for _, op := range req.Operations {
		res := OperationResult{ID: op.ID}
		if err := s.applyOperation(t, op); err != nil {
			res.Error = err.Error()
		} else {
			res.Success = true
			applied++
		}
		results = append(results, res)
	}
	data := t.changedSince(req.LastSync)
	ts := s.now()
	s.mu.Unlock()

	s.logger.Info("sync request", "tenant", req.TenantScope, "user", req.UserScope,
		"operations", len(req.Operations), "applied", applied)

	writeJSON(w, http.StatusOK, &SyncResponse{
		Success:       applied == len(req.Operations),
		Results:       results,
		ServerData:    data,
		SyncTimestamp: ts,
		Message:       fmt.Sprintf("%d of %d operations applied", applied, len(req.Operations)),
	})
}

func (s *Server) applyOperation(t *tenantState, op *queue.Operation) error {
	if op == nil {
		return errors.New("empty operation")
	}
	if !schema.IsSyncable(op.Collection) {
		return fmt.Errorf("collection %q cannot be synchronized", op.Collection)
	}
	if !op.Kind.IsValid() {
		return fmt.Errorf("invalid operation type %q", op.Kind)
	}
	e, err := op.Entity()
	if err != nil {
		return err
	}
	_, err = s.apply(t, op.Kind, e)
	return err
}

func (s *Server) handleWrite(kind queue.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := schema.Collection(chi.URLParam(r, "collection"))
		if !schema.IsSyncable(c) {
			writeError(w, http.StatusNotFound, "unknown collection")
			return
		}

		var e schema.Entity
		if kind == queue.KindDelete {
			e, _ = schema.New(c)
			e.Base().ID = chi.URLParam(r, "id")
		} else {
			data, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			if e, err = schema.Decode(c, data); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			if id := chi.URLParam(r, "id"); id != "" && id != e.Base().ID {
				writeError(w, http.StatusBadRequest, "id in path does not match body")
				return
			}
		}

		s.mu.Lock()
		stored, err := s.apply(s.tenant(r.Header.Get(HeaderTenant)), kind, e)
		s.mu.Unlock()
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}

		status := http.StatusOK
		if kind == queue.KindCreate {
			status = http.StatusCreated
		}
		writeJSON(w, status, stored)
	}
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	c := schema.Collection(chi.URLParam(r, "collection"))
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	rec, ok := s.tenant(r.Header.Get(HeaderTenant)).records[c][id]
	var data []byte
	if ok && !rec.entity.Base().Deleted {
		data, _ = schema.Encode(rec.entity)
	}
	s.mu.Unlock()

	if data == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	c := schema.Collection(chi.URLParam(r, "collection"))
	if !schema.Known(c) {
		writeError(w, http.StatusNotFound, "unknown collection")
		return
	}
	index, value := r.URL.Query().Get("index"), r.URL.Query().Get("value")
	if index != "" && !schema.HasIndex(c, index) {
		writeError(w, http.StatusBadRequest, "unknown index "+index)
		return
	}

	s.mu.Lock()
	recs := s.tenant(r.Header.Get(HeaderTenant)).records[c]
	out := make([]json.RawMessage, 0, len(recs))
	ids := make([]string, 0, len(recs))
	for id := range recs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := recs[id].entity
		if e.Base().Deleted {
			continue
		}
		if index != "" {
			if v, _ := schema.IndexValue(e, index); v != value {
				continue
			}
		}
		data, err := schema.Encode(e)
		if err == nil {
			out = append(out, data)
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("X-Blob-ID")
	if id == "" {
		writeError(w, http.StatusBadRequest, "X-Blob-ID is required")
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	s.blobs[id] = data
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
