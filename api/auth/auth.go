// Package auth authenticates requests to the agent API.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"slices"
	"strings"
)

// Bearer requires "Authorization: Bearer <token>" on every request except
// the paths listed in public.
func Bearer(token string, public ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(public, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(auth[7:]), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Push describes the forge that sent a push webhook.
type Push struct {
	Provider  string // github or gitea
	Signature string // hex HMAC-SHA256 of the body, empty when unsigned
}

// DetectPush reads the provider and signature headers of a push webhook.
// ok is false when the request is not a push event.
func DetectPush(r *http.Request) (p Push, ok bool) {
	switch {
	case r.Header.Get("X-Gitea-Event") == "push":
		return Push{Provider: "gitea", Signature: r.Header.Get("X-Gitea-Signature")}, true
	case r.Header.Get("X-GitHub-Event") == "push":
		// X-Hub-Signature-256: sha256=<hex>
		sig, _ := strings.CutPrefix(r.Header.Get("X-Hub-Signature-256"), "sha256=")
		return Push{Provider: "github", Signature: sig}, true
	}
	return Push{}, false
}

// VerifySignature reports whether signature is the hex HMAC-SHA256 of
// payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(strings.ToLower(signature)))
}

// Sign returns the signature VerifySignature expects.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
