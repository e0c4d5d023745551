package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"kiln/api/hooks"
)

func (h *Handler) ListHooks(w http.ResponseWriter, r *http.Request) {
	list, err := h.hooks.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []hooks.Hook{}
	}
	writeJSON(w, list)
}

func (h *Handler) AddHook(w http.ResponseWriter, r *http.Request) {
	var req hooks.Hook
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	hook, err := h.hooks.Add(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, hook)
}

func (h *Handler) RemoveHook(w http.ResponseWriter, r *http.Request) {
	if err := h.hooks.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
