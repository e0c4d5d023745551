package handler

import (
	"net/http"

	"kiln/api/model"
	"kiln/api/validate"
)

// Validate checks the deployment settings of the site repository.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	v := &validate.Validator{Builders: h.deploys.Builders}
	repo := h.deploys.Settings.RepositoryPath(h.layout.Repository())
	writeJSON(w, v.Validate(repo, &model.DeploymentInfo{DoFullBuildByDefault: true}))
}
