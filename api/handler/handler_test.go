package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"kiln/api/auth"
	"kiln/api/builder"
	"kiln/api/config"
	kcron "kiln/api/cron"
	"kiln/api/hooks"
	"kiln/api/lock"
	"kiln/api/logging"
	"kiln/api/model"
	"kiln/api/pipeline"
	"kiln/api/store"
)

// newTestHandler wires a handler to a real deployment manager rooted in a
// temp directory. Builds use the basic builder, so no external commands
// run.
func newTestHandler(t *testing.T, cfg *config.Config) (*Handler, http.Handler) {
	t.Helper()
	layout := config.NewLayout(t.TempDir())
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger := logging.Discard()
	settings := config.NewSettings(nil)
	poll := lock.WithPollInterval(20 * time.Millisecond)
	deployLock := lock.New(layout.Locks(), lock.NameDeployment, poll, lock.WithLogger(logger))
	hooksLock := lock.New(layout.Locks(), lock.NameHooks, lock.WithLogger(logger))
	status := store.NewStatusManager(layout, lock.New(layout.Locks(), lock.NameStatus, lock.WithLogger(logger)), store.Options{
		SiteName: "site",
		Logger:   logger,
	})
	m := &pipeline.Manager{
		Settings: settings,
		Layout:   layout,
		Lock:     deployLock,
		Status:   status,
		Builders: &builder.Factory{Settings: settings, Layout: layout, Logger: logger},
		Logger:   logger,
		LockWait: 50 * time.Millisecond,
	}
	h := New(Deps{
		Manager: m,
		Status:  status,
		Hooks:   hooks.NewManager(layout.HooksFile(), hooksLock),
		Locks: map[string]*lock.Lock{
			lock.NameDeployment: deployLock,
			lock.NameHooks:      hooksLock,
		},
		Config:  cfg,
		Layout:  layout,
		Version: "test",
		Logger:  logger,
	})
	return h, h.Router(nil)
}

func zipBody(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(content))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf
}

func do(t *testing.T, srv http.Handler, method, path string, body *bytes.Buffer) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func zipDeployDirs(t *testing.T, h *Handler) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(h.layout.Temp(), "zipdeploy-*"))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

func TestZipDeploy(t *testing.T) {
	h, srv := newTestHandler(t, nil)

	w := do(t, srv, http.MethodPost, "/api/zipdeploy", zipBody(t, map[string]string{
		"index.html":   "<h1>hi</h1>",
		"css/site.css": "body{}",
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var sf model.StatusFile
	if err := json.Unmarshal(w.Body.Bytes(), &sf); err != nil {
		t.Fatal(err)
	}
	if sf.Status != model.StatusSuccess || sf.Deployer != "ZipDeploy" || !sf.Active {
		t.Errorf("record = %+v", sf)
	}
	got, err := os.ReadFile(filepath.Join(h.layout.WWWRoot(), "css", "site.css"))
	if err != nil || string(got) != "body{}" {
		t.Errorf("wwwroot css/site.css = %q, %v", got, err)
	}
	if dirs := zipDeployDirs(t, h); len(dirs) != 0 {
		t.Errorf("upload folders left behind: %v", dirs)
	}

	// the record is visible through the read endpoints
	w = do(t, srv, http.MethodGet, "/api/deployments", nil)
	var list []model.StatusFile
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != sf.ID {
		t.Errorf("list = %+v", list)
	}
	if w := do(t, srv, http.MethodGet, "/api/deployments/"+sf.ID, nil); w.Code != http.StatusOK {
		t.Errorf("get status = %d", w.Code)
	}
	w = do(t, srv, http.MethodGet, "/api/deployments/"+sf.ID+"/log", nil)
	var entries []model.LogEntry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Error("deployment log is empty")
	}
	if w := do(t, srv, http.MethodDelete, "/api/deployments/"+sf.ID, nil); w.Code != http.StatusConflict {
		t.Errorf("delete active: status = %d, want 409", w.Code)
	}
}

func TestZipDeployAsync(t *testing.T) {
	h, srv := newTestHandler(t, nil)
	w := do(t, srv, http.MethodPost, "/api/zipdeploy?isAsync=true", zipBody(t, map[string]string{"index.html": "async"}))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.HasPrefix(w.Header().Get("Location"), "/api/deployments/temp-") {
		t.Errorf("Location = %q", w.Header().Get("Location"))
	}
	h.deploys.Wait()

	got, err := os.ReadFile(filepath.Join(h.layout.WWWRoot(), "index.html"))
	if err != nil || string(got) != "async" {
		t.Errorf("wwwroot index.html = %q, %v", got, err)
	}
	if dirs := zipDeployDirs(t, h); len(dirs) != 0 {
		t.Errorf("upload folders left behind: %v", dirs)
	}
}

func TestZipDeployConflict(t *testing.T) {
	h, srv := newTestHandler(t, nil)
	ctx := context.Background()
	if ok, err := h.deploys.Lock.TryAcquire(ctx, "other deploy"); !ok || err != nil {
		t.Fatalf("TryAcquire = %v, %v", ok, err)
	}
	defer h.deploys.Lock.Release(ctx)

	w := do(t, srv, http.MethodPost, "/api/zipdeploy", zipBody(t, map[string]string{"index.html": "x"}))
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if dirs := zipDeployDirs(t, h); len(dirs) != 0 {
		t.Errorf("upload folders left behind: %v", dirs)
	}
	if _, err := os.Stat(filepath.Join(h.layout.WWWRoot(), "index.html")); !os.IsNotExist(err) {
		t.Error("conflicting deployment changed wwwroot")
	}
}

func TestZipDeployRejectsBadArchives(t *testing.T) {
	h, srv := newTestHandler(t, nil)
	tests := []struct {
		name string
		body *bytes.Buffer
	}{
		{"empty", &bytes.Buffer{}},
		{"not a zip", bytes.NewBufferString("plain text")},
		{"traversal", zipBody(t, map[string]string{"../escape.txt": "x"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, http.MethodPost, "/api/zipdeploy", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
	if dirs := zipDeployDirs(t, h); len(dirs) != 0 {
		t.Errorf("upload folders left behind: %v", dirs)
	}
}

func TestGetDeploymentNotFound(t *testing.T) {
	_, srv := newTestHandler(t, nil)
	if w := do(t, srv, http.MethodGet, "/api/deployments/abc123", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/api/deployments/abc123/log", nil); w.Code != http.StatusNotFound {
		t.Errorf("log status = %d, want 404", w.Code)
	}
	if w := do(t, srv, http.MethodDelete, "/api/deployments/abc123", nil); w.Code != http.StatusNotFound {
		t.Errorf("delete status = %d, want 404", w.Code)
	}
}

func pushRequest(t *testing.T, secret, ref string) *http.Request {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"ref":   ref,
		"after": "abc123",
		"repository": map[string]string{
			"clone_url": "https://example.com/site.git",
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/deploy", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	if secret != "" {
		req.Header.Set("X-Hub-Signature-256", "sha256="+auth.Sign(body, secret))
	}
	return req
}

func TestWebhookPush(t *testing.T) {
	h, srv := newTestHandler(t, &config.Config{WebhookSecret: "hush"})
	ctx := context.Background()

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, pushRequest(t, "wrong", "refs/heads/master"))
	if w.Code != http.StatusForbidden {
		t.Errorf("bad signature: status = %d, want 403", w.Code)
	}

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, pushRequest(t, "hush", "refs/heads/feature"))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ignored") {
		t.Errorf("other branch: status = %d, body = %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, pushRequest(t, "hush", "refs/tags/v1"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("tag push: status = %d, want 400", w.Code)
	}

	// A push while another deployment holds the lock is deferred.
	if ok, err := h.deploys.Lock.TryAcquire(ctx, "other deploy"); !ok || err != nil {
		t.Fatalf("TryAcquire = %v, %v", ok, err)
	}
	defer h.deploys.Lock.Release(ctx)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, pushRequest(t, "hush", "refs/heads/master"))
	if w.Code != http.StatusAccepted || !strings.Contains(w.Body.String(), `"deferred"`) {
		t.Fatalf("locked push: status = %d, body = %s", w.Code, w.Body.String())
	}
	if !h.deploys.HasPending() {
		t.Error("deferred push left no pending marker")
	}

	w = do(t, srv, http.MethodGet, "/api/isdeploying", nil)
	var state map[string]bool
	json.Unmarshal(w.Body.Bytes(), &state)
	if !state["value"] || !state["pending"] {
		t.Errorf("isdeploying = %v", state)
	}
}

func TestWebhookUnsupportedEvent(t *testing.T) {
	_, srv := newTestHandler(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/deploy", strings.NewReader("{}"))
	req.Header.Set("X-GitHub-Event", "ping")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHooksEndpoints(t *testing.T) {
	_, srv := newTestHandler(t, nil)

	w := do(t, srv, http.MethodPost, "/api/hooks", bytes.NewBufferString(`{"url":"https://example.com/notify"}`))
	if w.Code != http.StatusCreated {
		t.Fatalf("add: status = %d, body = %s", w.Code, w.Body.String())
	}
	var hook hooks.Hook
	json.Unmarshal(w.Body.Bytes(), &hook)
	if hook.ID == "" || hook.Event != hooks.EventPostDeployment {
		t.Errorf("hook = %+v", hook)
	}

	if w := do(t, srv, http.MethodPost, "/api/hooks", bytes.NewBufferString(`{"url":"ftp://example.com"}`)); w.Code != http.StatusBadRequest {
		t.Errorf("invalid url: status = %d, want 400", w.Code)
	}

	w = do(t, srv, http.MethodGet, "/api/hooks", nil)
	var list []hooks.Hook
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 1 {
		t.Errorf("list = %+v", list)
	}

	if w := do(t, srv, http.MethodDelete, "/api/hooks/"+hook.ID, nil); w.Code != http.StatusNoContent {
		t.Errorf("remove: status = %d", w.Code)
	}
	if w := do(t, srv, http.MethodDelete, "/api/hooks/"+hook.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("remove again: status = %d, want 404", w.Code)
	}
}

func TestGetLock(t *testing.T) {
	h, srv := newTestHandler(t, nil)
	ctx := context.Background()

	w := do(t, srv, http.MethodGet, "/api/locks/deployment", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"absent"`) {
		t.Errorf("free lock: status = %d, body = %s", w.Code, w.Body.String())
	}

	h.deploys.Lock.TryAcquire(ctx, "deploy")
	defer h.deploys.Lock.Release(ctx)
	w = do(t, srv, http.MethodGet, "/api/locks/deployment", nil)
	var got lockStatus
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.State != lock.Valid || got.Info == nil || got.Info.HeldByOp != "deploy" {
		t.Errorf("held lock = %+v", got)
	}

	if w := do(t, srv, http.MethodGet, "/api/locks/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown lock: status = %d, want 404", w.Code)
	}
}

func TestJobsEndpoints(t *testing.T) {
	h, srv := newTestHandler(t, nil)
	s := kcron.New(logging.Discard())
	runs := 0
	if err := s.Add("prune", "@hourly", func(context.Context) error {
		runs++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	h.scheduler = s

	if w := do(t, srv, http.MethodPost, "/api/jobs/prune/trigger", nil); w.Code != http.StatusOK {
		t.Errorf("trigger: status = %d, body = %s", w.Code, w.Body.String())
	}
	if runs != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}
	if w := do(t, srv, http.MethodPost, "/api/jobs/missing/trigger", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown job: status = %d, want 404", w.Code)
	}
	w := do(t, srv, http.MethodGet, "/api/jobs", nil)
	var states []kcron.JobState
	json.Unmarshal(w.Body.Bytes(), &states)
	if len(states) != 1 || states[0].LastRun == nil {
		t.Errorf("states = %+v", states)
	}
}

func TestBearerAuth(t *testing.T) {
	_, srv := newTestHandler(t, &config.Config{APIToken: "tok"})

	if w := do(t, srv, http.MethodGet, "/api/deployments", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", w.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/deployments", nil)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("with token: status = %d", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/api/health", nil); w.Code != http.StatusOK {
		t.Errorf("health: status = %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	_, srv := newTestHandler(t, nil)
	w := do(t, srv, http.MethodGet, "/api/health", nil)
	var got struct {
		Status   string          `json:"status"`
		Version  string          `json:"version"`
		Services []ServiceHealth `json:"services"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "healthy" || got.Version != "test" || len(got.Services) != 3 {
		t.Errorf("health = %+v", got)
	}
}

func TestStatusCode(t *testing.T) {
	held := &lock.OperationError{Name: "deployment", Op: "deploy"}
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: %w", pipeline.ErrConflict, held), http.StatusConflict},
		{held, http.StatusConflict},
		{pipeline.ErrAutoSwapInProgress, http.StatusConflict},
		{fmt.Errorf("%w: abc", store.ErrActive), http.StatusConflict},
		{fmt.Errorf("%w: abc", store.ErrNotFound), http.StatusNotFound},
		{hooks.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: x", kcron.ErrUnknownJob), http.StatusNotFound},
		{store.ErrInvalidID, http.StatusBadRequest},
		{hooks.ErrInvalid, http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
		{&pipeline.DeploymentError{ID: "abc", Stage: pipeline.StageBuild, Err: errors.New("exit 1")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusCode(tt.err); got != tt.want {
			t.Errorf("statusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestValidateEndpoint(t *testing.T) {
	h, srv := newTestHandler(t, nil)
	os.WriteFile(filepath.Join(h.layout.Repository(), ".deployment"), []byte("[config]\nPROJECT = ../../outside\n"), 0o644)

	w := do(t, srv, http.MethodGet, "/api/validate", nil)
	var got model.ValidationResult
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Valid() || got.Builder != "basic" {
		t.Errorf("result = %+v", got)
	}
}
