package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"time"

	"kiln/api/metrics"
	"kiln/api/model"
	"kiln/api/runtime"
)

// CustomBuilder runs the command configured in .deployment or the COMMAND
// setting. The script is expected to put the site content in
// DEPLOYMENT_TARGET.
type CustomBuilder struct {
	Command    string
	WapTargets string
	Runner     runtime.Runner
	Metrics    *metrics.Recorder
}

func (b *CustomBuilder) Name() string { return "custom" }

func (b *CustomBuilder) Build(ctx context.Context, bc *Context) (*Result, error) {
	start := time.Now()
	err := step(ctx, bc, "custom build", func(ctx context.Context) error {
		return b.run(ctx, bc)
	})
	b.Metrics.BuildResult(b.Name(), time.Since(start), err)
	if err != nil {
		bc.log(model.LogError, "%v", err)
		return nil, err
	}
	return &Result{OutputDir: bc.OutputPath}, nil
}

func (b *CustomBuilder) run(ctx context.Context, bc *Context) error {
	command, err := resolveCommand(b.Command, bc.RepositoryPath)
	if err != nil {
		return &BuildError{Builder: b.Name(), Err: err}
	}
	if err := os.MkdirAll(bc.OutputPath, 0o755); err != nil {
		return err
	}
	bc.log(model.LogMessage, "Running deployment command '%s'", b.Command)

	shell := []string{"/bin/sh", "-c", command}
	if goruntime.GOOS == "windows" {
		shell = []string{"cmd", "/c", command}
	}
	res, err := b.Runner.Run(ctx, runtime.RunOpts{
		Command: shell,
		Dir:     bc.RepositoryPath,
		Env:     append(append([]string{}, bc.Env...), append(deploymentEnv(bc), "WAP_TARGETS="+b.WapTargets)...),
		Stdout:  func(line string) { bc.log(model.LogMessage, "%s", line) },
		Stderr:  func(line string) { bc.log(model.LogWarning, "%s", line) },
	})
	if err != nil {
		return &BuildError{Builder: b.Name(), ExitCode: -1, Err: err}
	}
	if res.ExitCode != 0 {
		return &BuildError{Builder: b.Name(), ExitCode: res.ExitCode, Err: fmt.Errorf("command '%s' failed", b.Command)}
	}
	bc.log(model.LogMessage, "Deployment command finished in %s", res.Duration.Round(time.Millisecond))
	return nil
}

func deploymentEnv(bc *Context) []string {
	return []string{
		"DEPLOYMENT_SOURCE=" + bc.SourcePath,
		"DEPLOYMENT_TARGET=" + bc.OutputPath,
		"DEPLOYMENT_TEMP=" + bc.TempPath,
		"NEXT_MANIFEST_PATH=" + bc.NextManifestPath,
		"PREVIOUS_MANIFEST_PATH=" + bc.PreviousManifestPath,
		"SCM_COMMIT_ID=" + bc.CommitID,
	}
}

// resolveCommand turns a relative script at the start of command into an
// absolute path inside repo and makes it executable. Commands that do not
// name a file in the repository are returned unchanged.
func resolveCommand(command, repo string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", errors.New("empty deployment command")
	}
	first, rest, _ := strings.Cut(command, " ")
	if filepath.IsAbs(first) {
		return command, nil
	}
	path := filepath.Join(repo, filepath.FromSlash(first))
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return command, nil
	}
	if goruntime.GOOS != "windows" {
		if err := os.Chmod(path, 0o755); err != nil {
			return "", fmt.Errorf("make %s executable: %w", first, err)
		}
	}
	resolved := shellQuote(path)
	if rest != "" {
		resolved += " " + rest
	}
	return resolved, nil
}

func shellQuote(s string) string {
	if goruntime.GOOS == "windows" {
		return `"` + s + `"`
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
