package handler

import (
	"context"
	"net/http"
	"os"
	"time"
)

type ServiceHealth struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // up, down, unknown
	Details string `json:"details,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := []ServiceHealth{
		h.checkSite(),
		h.checkTemp(),
		h.checkS3(ctx),
	}

	status := "healthy"
	for _, s := range services {
		if s.Status == "down" {
			status = "degraded"
		}
	}

	writeJSON(w, map[string]interface{}{
		"status":   status,
		"version":  h.version,
		"clients":  h.ws.Clients(),
		"services": services,
	})
}

func (h *Handler) checkSite() ServiceHealth {
	info, err := os.Stat(h.layout.Site())
	if err != nil {
		return ServiceHealth{Name: "site", Status: "down", Details: err.Error()}
	}
	if !info.IsDir() {
		return ServiceHealth{Name: "site", Status: "down", Details: h.layout.Site() + " is not a directory"}
	}
	return ServiceHealth{Name: "site", Status: "up"}
}

// checkTemp verifies the build temp directory is writable.
func (h *Handler) checkTemp() ServiceHealth {
	if err := os.MkdirAll(h.layout.Temp(), 0o755); err != nil {
		return ServiceHealth{Name: "temp", Status: "down", Details: err.Error()}
	}
	f, err := os.CreateTemp(h.layout.Temp(), "health-*")
	if err != nil {
		return ServiceHealth{Name: "temp", Status: "down", Details: err.Error()}
	}
	f.Close()
	os.Remove(f.Name())
	return ServiceHealth{Name: "temp", Status: "up"}
}

func (h *Handler) checkS3(ctx context.Context) ServiceHealth {
	if h.s3Client == nil {
		return ServiceHealth{Name: "s3/minio", Status: "unknown", Details: "not configured"}
	}
	if err := h.s3Client.Healthy(ctx); err != nil {
		return ServiceHealth{Name: "s3/minio", Status: "down", Details: err.Error()}
	}
	return ServiceHealth{Name: "s3/minio", Status: "up", Details: h.s3Client.Endpoint()}
}
