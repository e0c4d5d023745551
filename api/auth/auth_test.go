package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBearer(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := Bearer("s3cret", "/api/health")(ok)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"missing", "/api/deployments", "", http.StatusUnauthorized},
		{"wrong scheme", "/api/deployments", "Basic s3cret", http.StatusUnauthorized},
		{"wrong token", "/api/deployments", "Bearer nope", http.StatusUnauthorized},
		{"valid", "/api/deployments", "Bearer s3cret", http.StatusNoContent},
		{"public path", "/api/health", "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestDetectPush(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/deploy", nil)
	if _, ok := DetectPush(req); ok {
		t.Error("request without event header detected as push")
	}

	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", "sha256=abcd")
	p, ok := DetectPush(req)
	if !ok || p.Provider != "github" || p.Signature != "abcd" {
		t.Errorf("github push = %+v, %v", p, ok)
	}

	req = httptest.NewRequest(http.MethodPost, "/deploy", nil)
	req.Header.Set("X-Gitea-Event", "push")
	req.Header.Set("X-Gitea-Signature", "ef01")
	p, ok = DetectPush(req)
	if !ok || p.Provider != "gitea" || p.Signature != "ef01" {
		t.Errorf("gitea push = %+v, %v", p, ok)
	}

	req = httptest.NewRequest(http.MethodPost, "/deploy", nil)
	req.Header.Set("X-GitHub-Event", "ping")
	if _, ok := DetectPush(req); ok {
		t.Error("ping event detected as push")
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	sig := Sign(body, "secret")
	if !VerifySignature(body, "secret", sig) {
		t.Error("valid signature rejected")
	}
	if VerifySignature(body, "other", sig) {
		t.Error("signature accepted under the wrong secret")
	}
	if VerifySignature([]byte("tampered"), "secret", sig) {
		t.Error("signature accepted for a different body")
	}
	if VerifySignature(body, "secret", "") {
		t.Error("empty signature accepted")
	}
}
