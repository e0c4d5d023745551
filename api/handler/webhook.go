package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"kiln/api/auth"
	"kiln/api/hub"
	"kiln/api/model"
	"kiln/api/pipeline"
)

type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		CloneURL string `json:"clone_url"`
		SSHURL   string `json:"ssh_url"`
	} `json:"repository"`
	Pusher struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"pusher"`
	HeadCommit *struct {
		Message string `json:"message"`
	} `json:"head_commit"`
}

// WebhookPush starts a continuous deployment for a GitHub or Gitea push to
// the configured branch. A push that arrives while a deployment runs is
// deferred and picked up once the lock frees.
func (h *Handler) WebhookPush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	push, ok := auth.DetectPush(r)
	if !ok {
		http.Error(w, "unsupported webhook event", http.StatusBadRequest)
		return
	}
	if h.cfg.WebhookSecret != "" {
		if push.Signature == "" || !auth.VerifySignature(body, h.cfg.WebhookSecret, push.Signature) {
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	// refs/heads/main -> main
	branch, isBranch := strings.CutPrefix(payload.Ref, "refs/heads/")
	if !isBranch || branch == "" {
		http.Error(w, "not a branch push", http.StatusBadRequest)
		return
	}
	if payload.Deleted {
		writeJSON(w, map[string]string{"status": "ignored", "reason": "branch deleted"})
		return
	}
	if want := h.deploys.Settings.Branch(); !strings.EqualFold(branch, want) {
		writeJSON(w, map[string]string{"status": "ignored", "reason": "push to " + branch + ", deploying " + want})
		return
	}

	repoURL := payload.Repository.CloneURL
	if repoURL == "" {
		repoURL = payload.Repository.SSHURL
	}
	info := &model.DeploymentInfo{
		RepositoryURL:           repoURL,
		RepositoryType:          model.RepositoryGit,
		Branch:                  branch,
		CommitID:                payload.After,
		Deployer:                push.Provider,
		Author:                  payload.Pusher.Name,
		AuthorEmail:             payload.Pusher.Email,
		IsContinuous:            true,
		AllowDeferredDeployment: true,
		DoFullBuildByDefault:    true,
	}
	if payload.HeadCommit != nil {
		info.Message = payload.HeadCommit.Message
	}
	repo, err := h.deploys.SiteRepository(info)
	if err != nil {
		h.writeError(w, err)
		return
	}

	id, err := h.deploys.Start(r.Context(), repo, info)
	if errors.Is(err, pipeline.ErrDeferred) {
		writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "deferred"})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.ws.Broadcast(hub.Event{Type: "deployment.webhook", DeploymentID: id, Payload: map[string]string{
		"commitId": payload.After,
		"branch":   branch,
		"provider": push.Provider,
	}})
	writeJSONStatus(w, http.StatusAccepted, map[string]string{
		"status": "deploying",
		"id":     id,
		"commit": payload.After,
	})
}
