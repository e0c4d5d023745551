package builder

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"kiln/api/metrics"
	"kiln/api/model"
)

// DeploymentV2Builder keeps a zip of every deployed commit under
// artifacts/<commit>/ and then deploys the source directly.
type DeploymentV2Builder struct {
	ArtifactsDir string
	Retention    int
	Metrics      *metrics.Recorder
}

func (b *DeploymentV2Builder) Name() string { return "v2" }

func (b *DeploymentV2Builder) Build(ctx context.Context, bc *Context) (*Result, error) {
	start := time.Now()
	var art *Artifact
	err := step(ctx, bc, "v2 package", func(ctx context.Context) error {
		if bc.CommitID == "" {
			return &BuildError{Builder: b.Name(), Err: errors.New("commit id required")}
		}
		var err error
		dest := filepath.Join(b.ArtifactsDir, bc.CommitID, bc.CommitID+".zip")
		art, err = PackageZip(ctx, bc.SourcePath, dest, nil)
		if err != nil {
			return err
		}
		removed, err := PruneDirs(b.ArtifactsDir, b.Retention)
		b.Metrics.ArtifactsPruned(len(removed))
		return err
	})
	b.Metrics.BuildResult(b.Name(), time.Since(start), err)
	if err != nil {
		bc.log(model.LogError, "%v", err)
		return nil, err
	}
	bc.log(model.LogMessage, "Stored artifact %s (%s)", filepath.Base(art.Path), humanize.Bytes(uint64(art.Size)))
	return &Result{OutputDir: bc.SourcePath, Artifact: art}, nil
}
