package builder

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"kiln/api/metrics"
	"kiln/api/model"
	"kiln/api/runtime"
)

// BasicBuilder deploys the source as is, or as a package when the
// deployment names an artifact type.
type BasicBuilder struct {
	ArtifactType model.ArtifactType
	Runner       runtime.Runner
	Packages     string
	Retention    int
	Metrics      *metrics.Recorder
	Now          func() time.Time
}

func (b *BasicBuilder) Name() string { return "basic" }

func (b *BasicBuilder) Build(ctx context.Context, bc *Context) (*Result, error) {
	if b.ArtifactType == model.ArtifactNone {
		bc.log(model.LogMessage, "Deploying source without a build step")
		return &Result{OutputDir: bc.SourcePath}, nil
	}

	start := time.Now()
	var art *Artifact
	err := step(ctx, bc, "package", func(ctx context.Context) error {
		var err error
		art, err = b.pack(ctx, bc)
		return err
	})
	b.Metrics.BuildResult(b.Name(), time.Since(start), err)
	if err != nil {
		bc.log(model.LogError, "%v", err)
		return nil, err
	}
	return &Result{Artifact: art}, nil
}

func (b *BasicBuilder) pack(ctx context.Context, bc *Context) (*Artifact, error) {
	ext := string(b.ArtifactType)
	dest := filepath.Join(b.Packages, ArtifactName(b.Now(), ext))

	var art *Artifact
	var err error
	switch b.ArtifactType {
	case model.ArtifactZip:
		art, err = PackageZip(ctx, bc.SourcePath, dest, nil)
	case model.ArtifactSquashfs:
		art, err = PackageSquashfs(ctx, b.Runner, bc.SourcePath, dest, bc.Logger)
	default:
		return nil, &BuildError{Builder: b.Name(), Err: fmt.Errorf("unsupported artifact type %q", b.ArtifactType)}
	}
	if err != nil {
		return nil, err
	}
	if err := WritePackagePointers(b.Packages, art.Path); err != nil {
		return nil, err
	}
	removed, err := RotateArtifacts(b.Packages, ext, b.Retention)
	b.Metrics.ArtifactsPruned(len(removed))
	if err != nil {
		return nil, err
	}
	bc.log(model.LogMessage, "Created package %s (%s)", filepath.Base(art.Path), humanize.Bytes(uint64(art.Size)))
	return art, nil
}

// NoOpBuilder is used when the content is already where it needs to be.
type NoOpBuilder struct{}

func (NoOpBuilder) Name() string { return "noop" }

func (NoOpBuilder) Build(_ context.Context, bc *Context) (*Result, error) {
	bc.log(model.LogMessage, "No build required, content is already in place")
	return &Result{}, nil
}
