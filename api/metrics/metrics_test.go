package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestBuildResult(t *testing.T) {
	r := New(prometheus.NewRegistry())
	r.BuildResult("oryx", time.Second, nil)
	r.BuildResult("oryx", time.Second, errors.New("exit 1"))
	r.BuildResult("oryx", time.Second, errors.New("exit 2"))

	if got := testutil.ToFloat64(r.buildResults.WithLabelValues("oryx", "success")); got != 1 {
		t.Errorf("success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.buildResults.WithLabelValues("oryx", "failure")); got != 2 {
		t.Errorf("failure = %v, want 2", got)
	}
}

func TestRegisterTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg)
	b := New(reg)
	a.Deployment("conflict")
	b.Deployment("conflict")
	if got := testutil.ToFloat64(a.deployments.WithLabelValues("conflict")); got != 2 {
		t.Errorf("conflict = %v, want 2", got)
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.BuildResult("basic", 0, nil)
	r.Deployment("success")
	r.LockConflict("deployment")
	r.ArtifactsPruned(3)
	h := r.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
}

func TestMiddlewareAndHandler(t *testing.T) {
	r := New(prometheus.NewRegistry())
	router := chi.NewRouter()
	router.Use(r.Middleware)
	router.Get("/api/deployments/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	router.Handle("/metrics", r.Handler())

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/deployments/abc", nil))
	r.LockConflict("deployment")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `kiln_http_requests_total{method="GET",route="/api/deployments/{id}",status="404"} 1`) {
		t.Errorf("request counter missing from:\n%s", body)
	}
	if !strings.Contains(body, `kiln_lock_conflicts_total{lock="deployment"} 1`) {
		t.Errorf("lock conflict counter missing")
	}
}
