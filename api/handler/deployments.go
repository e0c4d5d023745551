package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"kiln/api/model"
	"kiln/api/pipeline"
	"kiln/api/repository"
)

type deployRequest struct {
	RepoURL  string `json:"repoUrl"`
	Branch   string `json:"branch"`
	CommitID string `json:"commitId"`
	Deployer string `json:"deployer"`
	Clean    bool   `json:"clean"`
	Async    bool   `json:"async"`
}

func (h *Handler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	list, err := h.status.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []*model.StatusFile{}
	}
	writeJSON(w, list)
}

func (h *Handler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	sf, err := h.status.Open(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, sf)
}

func (h *Handler) DeploymentLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.status.Open(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	entries, err := h.status.Log(id).Entries()
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LogEntry{}
	}
	writeJSON(w, entries)
}

func (h *Handler) DeleteDeployment(w http.ResponseWriter, r *http.Request) {
	if err := h.status.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateDeployment fetches a repository and deploys it.
func (h *Handler) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	deployer := req.Deployer
	if deployer == "" {
		deployer = "api"
	}
	info := &model.DeploymentInfo{
		RepositoryURL:          req.RepoURL,
		RepositoryType:         model.RepositoryGit,
		Branch:                 req.Branch,
		CommitID:               req.CommitID,
		Deployer:               deployer,
		CleanupTargetDirectory: req.Clean,
		DoFullBuildByDefault:   true,
	}
	repo, err := h.deploys.SiteRepository(info)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.startOrDeploy(w, r, repo, info, req.Async)
}

// Redeploy runs a previous deployment again.
func (h *Handler) Redeploy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Clean bool `json:"clean"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	repo, err := h.deploys.SiteRepository(&model.DeploymentInfo{RepositoryType: model.RepositoryGit})
	if err != nil {
		h.writeError(w, err)
		return
	}
	sf, err := h.deploys.Redeploy(r.Context(), repo, chi.URLParam(r, "id"), req.Clean)
	h.writeDeployment(w, sf, err)
}

func (h *Handler) startOrDeploy(w http.ResponseWriter, r *http.Request, repo repository.Repository, info *model.DeploymentInfo, async bool) {
	if async {
		id, err := h.deploys.Start(r.Context(), repo, info)
		if errors.Is(err, pipeline.ErrDeferred) {
			writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "deferred"})
			return
		}
		if err != nil {
			h.writeError(w, err)
			return
		}
		w.Header().Set("Location", "/api/deployments/"+id)
		writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "accepted", "id": id})
		return
	}
	sf, err := h.deploys.Deploy(r.Context(), repo, info)
	h.writeDeployment(w, sf, err)
}

// writeDeployment answers a synchronous deployment. A failed deployment
// still returns its record.
func (h *Handler) writeDeployment(w http.ResponseWriter, sf *model.StatusFile, err error) {
	switch {
	case errors.Is(err, pipeline.ErrDeferred):
		writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "deferred"})
	case err != nil && sf != nil:
		h.logger.Warn("deployment failed", "id", sf.ID, "error", err)
		writeJSONStatus(w, http.StatusInternalServerError, sf)
	case err != nil:
		h.writeError(w, err)
	default:
		writeJSON(w, sf)
	}
}

// IsDeploying reports whether the deployment lock is held.
func (h *Handler) IsDeploying(w http.ResponseWriter, r *http.Request) {
	held, err := h.deploys.Lock.IsHeld(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{
		"value":   held,
		"pending": h.deploys.HasPending(),
	})
}
