package handler

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"kiln/api/builder"
	"kiln/api/model"
	"kiln/api/repository"
)

// maxZipUpload bounds the request body of a zip deployment.
const maxZipUpload = 2 << 30

// ZipDeploy deploys the zip archive in the request body. The archive is
// unpacked into a temporary folder repository that the deployment removes
// when it finishes.
func (h *Handler) ZipDeploy(w http.ResponseWriter, r *http.Request) {
	async, _ := strconv.ParseBool(r.URL.Query().Get("isAsync"))
	deployer := r.URL.Query().Get("deployer")
	if deployer == "" {
		deployer = "ZipDeploy"
	}

	dir := filepath.Join(h.layout.Temp(), "zipdeploy-"+uuid.NewString())
	repo, err := h.unpackUpload(r, dir)
	if err != nil {
		os.RemoveAll(dir)
		h.writeError(w, err)
		return
	}

	info := &model.DeploymentInfo{
		RepositoryType: model.RepositoryFolder,
		Deployer:       deployer,
		Message:        "Created via a push deployment",
		IsReadOnly:     true,
	}
	if async {
		info.Message = "Created via a push deployment (async)"
	}
	h.startOrDeploy(w, r, repo, info, async)
}

func (h *Handler) unpackUpload(r *http.Request, dir string) (*repository.Folder, error) {
	if err := os.MkdirAll(h.layout.Temp(), 0o755); err != nil {
		return nil, err
	}
	upload, err := os.CreateTemp(h.layout.Temp(), "upload-*.zip")
	if err != nil {
		return nil, err
	}
	defer os.Remove(upload.Name())

	n, err := io.Copy(upload, http.MaxBytesReader(nil, r.Body, maxZipUpload))
	if cerr := upload.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read upload: %v", errBadRequest, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: empty upload", errBadRequest)
	}

	repo, err := repository.NewTempFolder(dir)
	if err != nil {
		return nil, err
	}
	files, err := builder.ExtractZip(r.Context(), upload.Name(), dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	h.logger.Info("zip upload extracted", "files", files, "bytes", n)
	return repo, nil
}
