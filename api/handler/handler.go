// Package handler is the HTTP surface of the agent.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"kiln/api/auth"
	"kiln/api/config"
	kcron "kiln/api/cron"
	"kiln/api/hooks"
	"kiln/api/hub"
	"kiln/api/lock"
	"kiln/api/logging"
	"kiln/api/metrics"
	"kiln/api/pipeline"
	"kiln/api/storage"
	"kiln/api/store"
)

// errBadRequest marks request validation failures.
var errBadRequest = errors.New("bad request")

// Deps are the agent components the handler serves.
type Deps struct {
	Manager   *pipeline.Manager
	Status    *store.StatusManager
	Hooks     *hooks.Manager
	Locks     map[string]*lock.Lock // by name, for /api/locks/{name}
	Hub       *hub.Hub
	Metrics   *metrics.Recorder
	Config    *config.Config
	Layout    config.Layout
	Scheduler *kcron.Scheduler
	Storage   *storage.Client // nil when no S3 endpoint is configured
	Version   string
	Logger    *slog.Logger
}

type Handler struct {
	deploys   *pipeline.Manager
	status    *store.StatusManager
	hooks     *hooks.Manager
	locks     map[string]*lock.Lock
	ws        *hub.Hub
	metrics   *metrics.Recorder
	cfg       *config.Config
	layout    config.Layout
	scheduler *kcron.Scheduler
	s3Client  *storage.Client
	version   string
	logger    *slog.Logger
}

func New(d Deps) *Handler {
	cfg := d.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Handler{
		deploys:   d.Manager,
		status:    d.Status,
		hooks:     d.Hooks,
		locks:     d.Locks,
		ws:        d.Hub,
		metrics:   d.Metrics,
		cfg:       cfg,
		layout:    d.Layout,
		scheduler: d.Scheduler,
		s3Client:  d.Storage,
		version:   d.Version,
		logger:    logging.Ensure(d.Logger).With("component", "http"),
	}
}

// publicPaths skip bearer authentication. The webhook carries its own
// signature.
var publicPaths = []string{"/ws", "/api/health", "/api/version", "/deploy", "/metrics"}

// Router mounts every endpoint of the agent.
func (h *Handler) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))
	if h.cfg.APIToken != "" {
		r.Use(auth.Bearer(h.cfg.APIToken, publicPaths...))
	}

	// The websocket upgrade stays outside the metrics middleware, whose
	// response wrapper does not hijack.
	r.Get("/ws", h.ws.HandleConnect)

	r.Group(func(r chi.Router) {
		r.Use(h.metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
		r.Post("/deploy", h.WebhookPush)

		r.Route("/api", func(r chi.Router) {
			r.Get("/health", h.Health)
			r.Get("/version", h.Version)
			r.Get("/isdeploying", h.IsDeploying)
			r.Get("/locks/{name}", h.GetLock)
			r.Post("/zipdeploy", h.ZipDeploy)

			r.Route("/deployments", func(r chi.Router) {
				r.Get("/", h.ListDeployments)
				r.Post("/", h.CreateDeployment)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.GetDeployment)
					r.Put("/", h.Redeploy)
					r.Delete("/", h.DeleteDeployment)
					r.Get("/log", h.DeploymentLog)
				})
			})

			r.Get("/hooks", h.ListHooks)
			r.Post("/hooks", h.AddHook)
			r.Delete("/hooks/{id}", h.RemoveHook)

			r.Get("/validate", h.Validate)

			r.Get("/jobs", h.ListJobs)
			r.Post("/jobs/{name}/trigger", h.TriggerJob)
		})
	})
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": h.version})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// statusCode maps an agent error to its HTTP status.
func statusCode(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrConflict),
		errors.Is(err, lock.ErrLockHeld),
		errors.Is(err, pipeline.ErrAutoSwapInProgress),
		errors.Is(err, store.ErrActive):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, hooks.ErrNotFound),
		errors.Is(err, kcron.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidID),
		errors.Is(err, hooks.ErrInvalid),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), code)
}
