// Package builder turns a checked-out repository into deployable content.
// A Factory picks one Builder per deployment; builders share packaging and
// retention through the free functions in this package.
package builder

import (
	"context"
	"fmt"
	"time"

	"kiln/api/model"
	"kiln/api/tracing"
)

type Builder interface {
	Name() string
	Build(ctx context.Context, bc *Context) (*Result, error)
}

// Logger receives the deployment narrative. store.DeploymentLog
// implements it.
type Logger interface {
	Log(typ model.LogType, format string, args ...any)
}

type Context struct {
	RepositoryPath       string
	SourcePath           string // RepositoryPath plus the configured project
	OutputPath           string // staging directory for built content
	TempPath             string
	PreviousManifestPath string
	NextManifestPath     string
	CommitID             string
	Logger               Logger
	Tracer               *tracing.Tracer
	Env                  []string
}

func (bc *Context) log(typ model.LogType, format string, args ...any) {
	if bc.Logger != nil {
		bc.Logger.Log(typ, format, args...)
	}
}

// Result tells the deployment manager what to sync. OutputDir is empty when
// the build produced only a package.
type Result struct {
	OutputDir string
	Artifact  *Artifact
}

type Artifact struct {
	Path      string             `json:"path"`
	Dir       string             `json:"dir"`
	Format    model.ArtifactType `json:"format"`
	Size      int64              `json:"size"`
	CreatedAt time.Time          `json:"createdAt"`
}

// BuildError is a failed build step. ExitCode is -1 when the process did
// not exit on its own.
type BuildError struct {
	Builder  string
	ExitCode int
	Err      error
}

func (e *BuildError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s build failed (exit code %d): %v", e.Builder, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s build failed: %v", e.Builder, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// step runs fn inside a trace span named after the builder.
func step(ctx context.Context, bc *Context, name string, fn func(context.Context) error) error {
	ctx, s := bc.Tracer.Step(ctx, name)
	err := fn(ctx)
	s.End(err)
	return err
}
