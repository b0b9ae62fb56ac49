// Package metrics exposes prometheus collectors for the sync core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldops/fieldsync/internal/queue"
	"github.com/fieldops/fieldsync/internal/schema"
	"github.com/fieldops/fieldsync/internal/syncer"
)

// Recorder owns the collectors. It satisfies syncer.Metrics.
type Recorder struct {
	gatherer prometheus.Gatherer

	SyncRuns        *prometheus.CounterVec
	SyncOperations  *prometheus.CounterVec
	SyncRunDuration prometheus.Histogram
	SyncQueueDepth  *prometheus.GaugeVec
	SyncConflicts   prometheus.Counter
	StoreEvictions  *prometheus.CounterVec
	Connectivity    prometheus.Gauge

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var _ syncer.Metrics = (*Recorder)(nil)

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Recorder{
		gatherer: reg,
		SyncRuns: factory.NewCounterVec(
			prometheus.CounterOpts{Name: MetricNameSyncRuns, Help: HelpTextSyncRuns},
			[]string{LabelTrigger, LabelOutcome},
		),
		SyncOperations: factory.NewCounterVec(
			prometheus.CounterOpts{Name: MetricNameSyncOperations, Help: HelpTextSyncOperations},
			[]string{LabelOutcome},
		),
		SyncRunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricNameSyncRunDuration,
				Help:    HelpTextSyncRunDuration,
				Buckets: SyncLatencyBuckets,
			},
		),
		SyncQueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{Name: MetricNameSyncQueueDepth, Help: HelpTextSyncQueueDepth},
			[]string{LabelStatus},
		),
		SyncConflicts: factory.NewCounter(
			prometheus.CounterOpts{Name: MetricNameSyncConflicts, Help: HelpTextSyncConflicts},
		),
		StoreEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{Name: MetricNameStoreEvictions, Help: HelpTextStoreEvictions},
			[]string{LabelCollection},
		),
		Connectivity: factory.NewGauge(
			prometheus.GaugeOpts{Name: MetricNameConnectivity, Help: HelpTextConnectivity},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: MetricNameHTTPRequestsTotal, Help: HelpTextHTTPRequestsTotal},
			[]string{LabelMethod, LabelRoute, LabelStatus},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricNameHTTPDuration,
				Help:    HelpTextHTTPDuration,
				Buckets: HTTPLatencyBuckets,
			},
			[]string{LabelMethod, LabelRoute},
		),
	}
}

// ObserveRun implements syncer.Metrics.
func (r *Recorder) ObserveRun(trigger syncer.Trigger, outcome syncer.Outcome, d time.Duration) {
	r.SyncRuns.WithLabelValues(string(trigger), string(outcome)).Inc()
	if outcome != syncer.OutcomeSkipped {
		r.SyncRunDuration.Observe(d.Seconds())
	}
}

// AddOperations implements syncer.Metrics.
func (r *Recorder) AddOperations(outcome string, n int) {
	if n > 0 {
		r.SyncOperations.WithLabelValues(outcome).Add(float64(n))
	}
}

// AddConflicts implements syncer.Metrics.
func (r *Recorder) AddConflicts(n int) {
	if n > 0 {
		r.SyncConflicts.Add(float64(n))
	}
}

// EvictedUnsynced counts an unsynced record dropped by the memory store.
// Usable as store.Options.OnEvictPending.
func (r *Recorder) EvictedUnsynced(c schema.Collection, _ string) {
	r.StoreEvictions.WithLabelValues(string(c)).Inc()
}

// SetQueueDepth implements syncer.Metrics.
func (r *Recorder) SetQueueDepth(counts map[queue.Status]int) {
	for status, n := range counts {
		r.SyncQueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
}

// SetOnline records a connectivity transition. Usable as a
// connectivity.WithStateObserver callback.
func (r *Recorder) SetOnline(online bool) {
	if online {
		r.Connectivity.Set(1)
		return
	}
	r.Connectivity.Set(0)
}

// Handler serves the registry in the prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware collects request metrics for a chi router.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, req)

		route := req.URL.Path
		if rctx := chi.RouteContext(req.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		r.HTTPRequestsTotal.WithLabelValues(req.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		r.HTTPRequestDuration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
	})
}
