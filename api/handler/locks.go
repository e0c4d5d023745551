package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	kcron "kiln/api/cron"
	"kiln/api/lock"
)

type lockStatus struct {
	Name  string     `json:"name"`
	State lock.State `json:"state"`
	Info  *lock.Info `json:"info,omitempty"`
}

// GetLock inspects a named lock without touching it.
func (h *Handler) GetLock(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	l, ok := h.locks[name]
	if !ok {
		http.Error(w, fmt.Sprintf("no lock %q", name), http.StatusNotFound)
		return
	}
	state, info, err := l.Inspect(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, lockStatus{Name: name, State: state, Info: info})
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeJSON(w, []kcron.JobState{})
		return
	}
	writeJSON(w, h.scheduler.States())
}

// TriggerJob runs a maintenance job now and waits for it.
func (h *Handler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		h.writeError(w, fmt.Errorf("%w: %s", kcron.ErrUnknownJob, chi.URLParam(r, "name")))
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.scheduler.Trigger(name); err != nil {
		h.writeError(w, err)
		return
	}
	for _, s := range h.scheduler.States() {
		if s.Name == name {
			writeJSON(w, s)
			return
		}
	}
	writeJSON(w, map[string]string{"name": name})
}

