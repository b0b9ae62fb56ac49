package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/fieldsync/internal/queue"
	"github.com/fieldops/fieldsync/internal/schema"
	"github.com/fieldops/fieldsync/internal/syncer"
)

func TestRecorder_SyncMetrics(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.ObserveRun(syncer.TriggerManual, syncer.OutcomeSynced, 120*time.Millisecond)
	r.ObserveRun(syncer.TriggerPeriodic, syncer.OutcomeSkipped, 0)
	r.AddOperations("synced", 3)
	r.AddOperations("failed", 0)
	r.AddConflicts(2)
	r.SetQueueDepth(map[queue.Status]int{queue.StatusPending: 4, queue.StatusFailed: 1})
	r.SetOnline(true)
	r.EvictedUnsynced(schema.AnchorPoint, "p1")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.SyncRuns.WithLabelValues("manual", "synced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.SyncRuns.WithLabelValues("periodic", "skipped")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.SyncOperations.WithLabelValues("synced")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.SyncConflicts))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.SyncQueueDepth.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Connectivity))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.StoreEvictions.WithLabelValues("anchor_point")))

	var m dto.Metric
	require.NoError(t, r.SyncRunDuration.Write(&m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount(), "skipped runs are not timed")

	r.SetOnline(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.Connectivity))
}

func TestRecorder_HandlerAndMiddleware(t *testing.T) {
	r := New(nil)

	router := chi.NewRouter()
	router.Use(r.Middleware)
	router.Get("/api/{collection}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/project", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.HTTPRequestsTotal.WithLabelValues("GET", "/api/{collection}", "418")))

	out := httptest.NewRecorder()
	r.Handler().ServeHTTP(out, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, out.Code)
	assert.True(t, strings.Contains(out.Body.String(), MetricNameHTTPRequestsTotal))
}
