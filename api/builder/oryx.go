package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"kiln/api/config"
	"kiln/api/filesync"
	"kiln/api/metrics"
	"kiln/api/model"
	"kiln/api/runtime"
	"kiln/api/storage"
)

const expressBuildFlag = "UseExpressBuild"

// OryxBuilder compiles the source with the oryx CLI and optionally packages
// the output for run-from-package hosts.
type OryxBuilder struct {
	Settings *config.Settings
	Runner   runtime.Runner
	Packages string // SitePackages directory
	Uploader storage.Uploader
	Metrics  *metrics.Recorder
	Now      func() time.Time
}

func (b *OryxBuilder) Name() string { return "oryx" }

func (b *OryxBuilder) Build(ctx context.Context, bc *Context) (*Result, error) {
	start := time.Now()
	var res *Result
	err := step(ctx, bc, "oryx build", func(ctx context.Context) error {
		var err error
		res, err = b.build(ctx, bc)
		return err
	})
	b.Metrics.BuildResult(b.Name(), time.Since(start), err)
	if err != nil {
		bc.log(model.LogError, "%v", err)
		return nil, err
	}
	return res, nil
}

func (b *OryxBuilder) build(ctx context.Context, bc *Context) (*Result, error) {
	src := bc.SourcePath
	if b.Settings.Bool(config.KeyOryxIncremental) && bc.TempPath != "" {
		staged := filepath.Join(bc.TempPath, "build")
		report, err := filesync.Sync(ctx, filesync.Options{
			From:             src,
			To:               staged,
			PreviousManifest: filepath.Join(bc.TempPath, "build.manifest"),
			NextManifest:     filepath.Join(bc.TempPath, "build.manifest"),
		})
		if err != nil {
			return nil, fmt.Errorf("incremental sync: %w", err)
		}
		bc.log(model.LogMessage, "Incremental sync: %d copied, %d deleted, %d unchanged", report.Copied, report.Deleted, report.Skipped)
		src = staged
	}

	platform, version := DetectPlatform(src, b.Settings)
	if platform == "" {
		return nil, &BuildError{Builder: b.Name(), Err: fmt.Errorf("could not detect the platform of %s", src)}
	}
	if err := os.MkdirAll(bc.OutputPath, 0o755); err != nil {
		return nil, err
	}

	args := []string{"oryx", "build", src, "-o", bc.OutputPath, "--platform", platform}
	if version != "" {
		args = append(args, "--platform-version", version)
	}
	bc.log(model.LogMessage, "Running oryx build for %s %s", platform, version)
	run, err := b.Runner.Run(ctx, runtime.RunOpts{
		Command: args,
		Dir:     src,
		Env:     append(append([]string{}, bc.Env...), deploymentEnv(bc)...),
		Stdout:  func(line string) { bc.log(model.LogMessage, "%s", line) },
		Stderr:  func(line string) { bc.log(model.LogWarning, "%s", line) },
	})
	if err != nil {
		return nil, &BuildError{Builder: b.Name(), ExitCode: -1, Err: err}
	}
	if run.ExitCode != 0 {
		return nil, &BuildError{Builder: b.Name(), ExitCode: run.ExitCode, Err: errors.New("oryx build failed")}
	}

	format := b.packageFormat()
	if format == model.ArtifactNone {
		return &Result{OutputDir: bc.OutputPath}, nil
	}
	art, err := b.pack(ctx, bc, format)
	if err != nil {
		return nil, err
	}
	return &Result{Artifact: art}, nil
}

func (b *OryxBuilder) packageFormat() model.ArtifactType {
	for _, flag := range strings.Split(b.Settings.Get(config.KeyBuildFlags), ",") {
		if strings.EqualFold(strings.TrimSpace(flag), expressBuildFlag) {
			return model.ArtifactSquashfs
		}
	}
	if b.Settings.Get(config.KeyFunctionsWorkerRuntime) != "" {
		return model.ArtifactZip
	}
	return model.ArtifactNone
}

func (b *OryxBuilder) pack(ctx context.Context, bc *Context, format model.ArtifactType) (*Artifact, error) {
	ext := string(format)
	dest := filepath.Join(b.Packages, ArtifactName(b.Now(), ext))

	var art *Artifact
	var err error
	if format == model.ArtifactSquashfs {
		art, err = PackageSquashfs(ctx, b.Runner, bc.OutputPath, dest, bc.Logger)
	} else {
		art, err = PackageZip(ctx, bc.OutputPath, dest, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("package build output: %w", err)
	}
	if err := WritePackagePointers(b.Packages, art.Path); err != nil {
		return nil, err
	}
	removed, err := RotateArtifacts(b.Packages, ext, DefaultRetention)
	b.Metrics.ArtifactsPruned(len(removed))
	if err != nil {
		return nil, err
	}
	bc.log(model.LogMessage, "Created package %s (%s)", filepath.Base(art.Path), humanize.Bytes(uint64(art.Size)))

	if bucket := b.Settings.Get(config.KeyArtifactBucket); bucket != "" && b.Uploader != nil {
		obj, err := b.Uploader.Upload(ctx, bucket, filepath.Base(art.Path), art.Path)
		if err != nil {
			return nil, fmt.Errorf("upload package: %w", err)
		}
		bc.log(model.LogMessage, "Uploaded package to %s/%s", obj.Bucket, obj.Key)
	}
	return art, nil
}

// markers maps a file that identifies a project to its oryx platform.
var markers = []struct {
	pattern  string
	platform string
}{
	{"package.json", "nodejs"},
	{"requirements.txt", "python"},
	{"composer.json", "php"},
	{"*.csproj", "dotnet"},
	{"go.mod", "golang"},
}

// DetectPlatform returns the platform and version for the project in dir.
// PLATFORM_NAME and PLATFORM_VERSION take precedence over detection.
func DetectPlatform(dir string, s *config.Settings) (platform, version string) {
	version = s.Get(config.KeyPlatformVersion)
	if p := s.Get(config.KeyPlatformName); p != "" {
		return p, version
	}
	for _, m := range markers {
		matches, _ := filepath.Glob(filepath.Join(dir, m.pattern))
		if len(matches) > 0 {
			return m.platform, version
		}
	}
	return "", version
}
