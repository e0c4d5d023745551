package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var histogramBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300, 900}

// Recorder holds the agent's collectors. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	gatherer prometheus.Gatherer

	buildResults    *prometheus.CounterVec
	buildDuration   *prometheus.HistogramVec
	deployments     *prometheus.CounterVec
	lockConflicts   *prometheus.CounterVec
	artifactsPruned prometheus.Counter
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New registers the collectors with reg. Collectors that are already
// registered are reused.
func New(reg *prometheus.Registry) *Recorder {
	r := &Recorder{
		gatherer: reg,
		buildResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiln",
			Name:      "build_results_total",
			Help:      "Build outcomes by builder",
		}, []string{"builder", "outcome"}),
		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kiln",
			Name:      "build_duration_seconds",
			Help:      "Build duration by builder",
			Buckets:   histogramBuckets,
		}, []string{"builder"}),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiln",
			Name:      "deployments_total",
			Help:      "Deployment attempts by outcome",
		}, []string{"outcome"}),
		lockConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiln",
			Name:      "lock_conflicts_total",
			Help:      "Operations rejected because a lock was held",
		}, []string{"lock"}),
		artifactsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kiln",
			Name:      "artifacts_pruned_total",
			Help:      "Build artifacts removed by retention",
		}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiln",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kiln",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
	}

	r.buildResults = registerCounterVec(reg, r.buildResults)
	r.buildDuration = registerHistogramVec(reg, r.buildDuration)
	r.deployments = registerCounterVec(reg, r.deployments)
	r.lockConflicts = registerCounterVec(reg, r.lockConflicts)
	r.requestTotal = registerCounterVec(reg, r.requestTotal)
	r.requestDuration = registerHistogramVec(reg, r.requestDuration)
	if err := reg.Register(r.artifactsPruned); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
				r.artifactsPruned = existing
			}
		}
	}
	return r
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func registerHistogramVec(reg prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := reg.Register(h); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return h
}

// BuildResult records one build. err == nil counts as success.
func (r *Recorder) BuildResult(builder string, d time.Duration, err error) {
	if r == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	r.buildResults.WithLabelValues(builder, outcome).Inc()
	r.buildDuration.WithLabelValues(builder).Observe(d.Seconds())
}

// Deployment records a deployment outcome: success, failed, conflict or
// deferred.
func (r *Recorder) Deployment(outcome string) {
	if r == nil {
		return
	}
	r.deployments.WithLabelValues(outcome).Inc()
}

func (r *Recorder) LockConflict(lock string) {
	if r == nil {
		return
	}
	r.lockConflicts.WithLabelValues(lock).Inc()
}

func (r *Recorder) ArtifactsPruned(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.artifactsPruned.Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// Middleware counts requests by chi route pattern.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, req)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(req.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		labels := prometheus.Labels{
			"method": req.Method,
			"route":  route,
			"status": strconv.Itoa(status),
		}
		r.requestTotal.With(labels).Inc()
		r.requestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// the websocket upgrade needs.
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}
