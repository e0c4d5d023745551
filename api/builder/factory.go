package builder

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"kiln/api/config"
	"kiln/api/metrics"
	"kiln/api/model"
	"kiln/api/runtime"
	"kiln/api/storage"
)

// Factory chooses the builder for a deployment.
type Factory struct {
	Settings *config.Settings
	Layout   config.Layout
	Runner   runtime.Runner
	Uploader storage.Uploader // optional
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// GetBuilder applies, in order: a custom command, Oryx mode, the
// no-full-build shortcut, and finally the V1 or V2 basic pipeline.
func (f *Factory) GetBuilder(info *model.DeploymentInfo, repoPath string) (Builder, error) {
	s, err := f.Settings.WithRepository(repoPath)
	if err != nil {
		return nil, err
	}
	now := f.Now
	if now == nil {
		now = time.Now
	}
	retention := s.Int(config.KeyArtifactRetention, DefaultRetention)

	if cmd := strings.TrimSpace(s.Get(config.KeyCommand)); cmd != "" {
		return &CustomBuilder{
			Command:    cmd,
			WapTargets: s.Get(config.KeyWapTargets),
			Runner:     f.Runner,
			Metrics:    f.Metrics,
		}, nil
	}

	if s.Bool(config.KeyDoBuildDuringDeploy) || s.Bool(config.KeyEnableOryxBuild) {
		return &OryxBuilder{
			Settings: s,
			Runner:   f.Runner,
			Packages: f.Layout.SitePackages(),
			Uploader: f.Uploader,
			Metrics:  f.Metrics,
			Now:      now,
		}, nil
	}

	basic := &BasicBuilder{
		ArtifactType: info.ArtifactType,
		Runner:       f.Runner,
		Packages:     f.Layout.SitePackages(),
		Retention:    retention,
		Metrics:      f.Metrics,
		Now:          now,
	}

	if !info.DoFullBuildByDefault {
		if f.inPlace(s, repoPath) || (info.ArtifactType != model.ArtifactNone && s.Get(config.KeyRunFromPackage) != "") {
			return NoOpBuilder{}, nil
		}
		return basic, nil
	}

	if info.DeploymentV2 {
		return &DeploymentV2Builder{
			ArtifactsDir: f.Layout.Artifacts(),
			Retention:    retention,
			Metrics:      f.Metrics,
		}, nil
	}
	return basic, nil
}

// inPlace reports whether the repository is the live site itself.
func (f *Factory) inPlace(s *config.Settings, repoPath string) bool {
	repo := filepath.Clean(s.RepositoryPath(repoPath))
	return repo == filepath.Clean(f.Layout.WWWRoot())
}

// SourcePath resolves the PROJECT setting (usually from .deployment)
// against repoPath. The project must stay inside the repository.
func (f *Factory) SourcePath(repoPath string) (string, error) {
	s, err := f.Settings.WithRepository(repoPath)
	if err != nil {
		return "", err
	}
	project := strings.TrimSpace(s.Get(config.KeyProject))
	if project == "" {
		return repoPath, nil
	}
	src := filepath.Join(repoPath, filepath.FromSlash(project))
	rel, err := filepath.Rel(repoPath, src)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("project %q escapes the repository", project)
	}
	return src, nil
}
