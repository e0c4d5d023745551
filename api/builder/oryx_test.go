package builder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"kiln/api/config"
	"kiln/api/metrics"
	"kiln/api/model"
	"kiln/api/runtime"
	"kiln/api/storage"
)

// fakeRunner records commands and writes a file into the -o directory the
// way oryx would.
type fakeRunner struct {
	mu       sync.Mutex
	commands [][]string
	exitCode int
}

func (r *fakeRunner) LookPath(name string) (string, error) { return name, nil }

func (r *fakeRunner) Run(_ context.Context, opts runtime.RunOpts) (*runtime.RunResult, error) {
	r.mu.Lock()
	r.commands = append(r.commands, opts.Command)
	r.mu.Unlock()
	for i, arg := range opts.Command {
		if arg == "-o" && i+1 < len(opts.Command) {
			os.WriteFile(filepath.Join(opts.Command[i+1], "built.txt"), []byte("ok"), 0o644)
		}
	}
	if opts.Stdout != nil {
		opts.Stdout("build output")
	}
	return &runtime.RunResult{ExitCode: r.exitCode}, nil
}

type fakeUploader struct {
	keys []string
}

func (u *fakeUploader) Upload(_ context.Context, bucket, key, _ string) (*storage.Object, error) {
	u.keys = append(u.keys, bucket+"/"+key)
	return &storage.Object{Bucket: bucket, Key: key}, nil
}

// buildCount reads kiln_build_results_total for the oryx builder.
func buildCount(t *testing.T, reg *prometheus.Registry, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != "kiln_build_results_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["builder"] == "oryx" && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestDetectPlatform(t *testing.T) {
	tests := []struct {
		file string
		env  []string
		want string
	}{
		{file: "package.json", want: "nodejs"},
		{file: "requirements.txt", want: "python"},
		{file: "composer.json", want: "php"},
		{file: "web.csproj", want: "dotnet"},
		{file: "go.mod", want: "golang"},
		{file: "README", want: ""},
		{file: "package.json", env: []string{"PLATFORM_NAME=python"}, want: "python"},
	}
	for _, tt := range tests {
		dir := t.TempDir()
		os.WriteFile(filepath.Join(dir, tt.file), nil, 0o644)
		if got, _ := DetectPlatform(dir, config.NewSettings(tt.env)); got != tt.want {
			t.Errorf("DetectPlatform(%s, %v) = %q, want %q", tt.file, tt.env, got, tt.want)
		}
	}
}

func TestOryxBuild(t *testing.T) {
	bc, _ := buildContext(t)
	os.WriteFile(filepath.Join(bc.SourcePath, "package.json"), []byte("{}"), 0o644)
	runner := &fakeRunner{}
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)

	b := &OryxBuilder{
		Settings: config.NewSettings([]string{"PLATFORM_VERSION=20"}),
		Runner:   runner,
		Metrics:  rec,
		Now:      time.Now,
	}
	res, err := b.Build(context.Background(), bc)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.OutputDir != bc.OutputPath || res.Artifact != nil {
		t.Errorf("result = %+v", res)
	}
	want := []string{"oryx", "build", bc.SourcePath, "-o", bc.OutputPath, "--platform", "nodejs", "--platform-version", "20"}
	if diff := cmp.Diff(want, runner.commands[0]); diff != "" {
		t.Errorf("command (-want +got):\n%s", diff)
	}
	if n := buildCount(t, reg, "success"); n != 1 {
		t.Errorf("success count = %v", n)
	}
}

func TestOryxBuildIncrementalAndPackage(t *testing.T) {
	bc, _ := buildContext(t)
	os.WriteFile(filepath.Join(bc.SourcePath, "requirements.txt"), []byte("flask"), 0o644)
	packages := filepath.Join(t.TempDir(), "SitePackages")
	up := &fakeUploader{}

	b := &OryxBuilder{
		Settings: config.NewSettings([]string{
			"ORYX_INCREMENTAL_SYNC=true",
			"FUNCTIONS_WORKER_RUNTIME=python",
			"ARTIFACT_BUCKET=builds",
		}),
		Runner:   &fakeRunner{},
		Packages: packages,
		Uploader: up,
		Now:      time.Now,
	}
	res, err := b.Build(context.Background(), bc)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Artifact == nil || res.Artifact.Format != model.ArtifactZip || res.OutputDir != "" {
		t.Fatalf("result = %+v", res)
	}
	if _, err := os.Stat(filepath.Join(bc.TempPath, "build", "requirements.txt")); err != nil {
		t.Errorf("source not staged: %v", err)
	}
	if diff := cmp.Diff([]string{"built.txt"}, zipNames(t, res.Artifact.Path)); diff != "" {
		t.Errorf("package (-want +got):\n%s", diff)
	}
	if len(up.keys) != 1 || up.keys[0] != "builds/"+filepath.Base(res.Artifact.Path) {
		t.Errorf("uploads = %v", up.keys)
	}
}

func TestOryxBuildFailureRecorded(t *testing.T) {
	bc, log := buildContext(t)
	os.WriteFile(filepath.Join(bc.SourcePath, "go.mod"), []byte("module x"), 0o644)
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)

	b := &OryxBuilder{Settings: config.NewSettings(nil), Runner: &fakeRunner{exitCode: 2}, Metrics: rec, Now: time.Now}
	_, err := b.Build(context.Background(), bc)
	var be *BuildError
	if !errors.As(err, &be) || be.ExitCode != 2 {
		t.Fatalf("err = %v", err)
	}
	if n := buildCount(t, reg, "failure"); n != 1 {
		t.Errorf("failure count = %v", n)
	}
	if len(log.messages(model.LogError)) == 0 {
		t.Error("failure not logged")
	}
}

func TestDeploymentV2Builder(t *testing.T) {
	bc, _ := buildContext(t)
	os.WriteFile(filepath.Join(bc.SourcePath, "index.html"), []byte("v2"), 0o644)
	artifacts := filepath.Join(t.TempDir(), "artifacts")

	b := &DeploymentV2Builder{ArtifactsDir: artifacts, Retention: 5}
	res, err := b.Build(context.Background(), bc)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := filepath.Join(artifacts, "abc123", "abc123.zip")
	if res.Artifact.Path != want || res.OutputDir != bc.SourcePath {
		t.Errorf("result = %+v", res)
	}
	if diff := cmp.Diff([]string{"index.html"}, zipNames(t, want)); diff != "" {
		t.Errorf("artifact (-want +got):\n%s", diff)
	}

	bc.CommitID = ""
	if _, err := b.Build(context.Background(), bc); err == nil {
		t.Error("expected error without commit id")
	}
}

func TestNoOpBuilder(t *testing.T) {
	res, err := NoOpBuilder{}.Build(context.Background(), &Context{})
	if err != nil || res.OutputDir != "" || res.Artifact != nil {
		t.Errorf("result = %+v, err = %v", res, err)
	}
}
