package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"kiln/api/lock"
	"kiln/api/logging"
)

func TestPollLocksReportsChanges(t *testing.T) {
	ctx := context.Background()
	l := lock.New(t.TempDir(), lock.NameDeployment, lock.WithLogger(logging.Discard()))
	p := &Poller{Locks: []*lock.Lock{l}, Logger: logging.Discard()}

	if got := p.PollLocks(ctx); len(got) != 0 {
		t.Errorf("free lock on first poll: %+v", got)
	}

	if ok, err := l.TryAcquire(ctx, "deploy"); !ok || err != nil {
		t.Fatalf("TryAcquire = %v, %v", ok, err)
	}
	got := p.PollLocks(ctx)
	if len(got) != 1 || got[0].State != lock.Valid || got[0].Info == nil || got[0].Info.HeldByOp != "deploy" {
		t.Fatalf("after acquire: %+v", got)
	}
	if got := p.PollLocks(ctx); len(got) != 0 {
		t.Errorf("unchanged lock reported again: %+v", got)
	}

	if err := l.Release(ctx); err != nil {
		t.Fatal(err)
	}
	got = p.PollLocks(ctx)
	if len(got) != 1 || got[0].State != lock.Absent {
		t.Errorf("after release: %+v", got)
	}
}

func TestCheckSite(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := &Poller{SiteURL: srv.URL}
	if sc := p.CheckSite(context.Background()); !sc.Healthy || sc.StatusCode != http.StatusOK {
		t.Errorf("healthy site = %+v", sc)
	}
	status.Store(http.StatusServiceUnavailable)
	if sc := p.CheckSite(context.Background()); sc.Healthy || sc.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("unavailable site = %+v", sc)
	}

	p.SiteURL = "http://127.0.0.1:1"
	if sc := p.CheckSite(context.Background()); sc.Healthy || sc.Error == "" {
		t.Errorf("unreachable site = %+v", sc)
	}
}
