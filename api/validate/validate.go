// Package validate checks a repository's deployment settings before a
// deployment runs.
package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"kiln/api/builder"
	"kiln/api/config"
	"kiln/api/model"
)

// intSettings must parse as positive integers when set.
var intSettings = []string{config.KeyArtifactRetention, config.KeyMaxHistory}

type Validator struct {
	Builders *builder.Factory
}

// Validate reports problems with the settings a deployment of repoPath
// would run with. info may be nil.
func (v *Validator) Validate(repoPath string, info *model.DeploymentInfo) *model.ValidationResult {
	r := &model.ValidationResult{Path: repoPath}
	if info == nil {
		info = &model.DeploymentInfo{DoFullBuildByDefault: true}
	}

	s, err := v.Builders.Settings.WithRepository(repoPath)
	if err != nil {
		r.Add(model.ValidationFinding{
			Check:    "settings.deployment_file.invalid",
			Severity: model.SeverityError,
			Message:  err.Error(),
			Field:    config.DeploymentFile,
		})
		return r
	}

	src := checkProject(v.Builders, repoPath, r)
	checkIntegers(s, r)
	checkTarget(v.Builders.Layout, s, info, r)

	b, err := v.Builders.GetBuilder(info, repoPath)
	if err != nil {
		r.Add(model.ValidationFinding{
			Check:    "builder.select.error",
			Severity: model.SeverityError,
			Message:  err.Error(),
		})
		return r
	}
	r.Builder = b.Name()
	r.Add(model.ValidationFinding{
		Check:    "builder.selected",
		Severity: model.SeverityInfo,
		Message:  fmt.Sprintf("deployment will use the %s builder", b.Name()),
	})

	switch b := b.(type) {
	case *builder.CustomBuilder:
		v.checkCommand(b.Command, repoPath, r)
	case *builder.OryxBuilder:
		if src != "" {
			if platform, _ := builder.DetectPlatform(src, s); platform == "" {
				r.Add(model.ValidationFinding{
					Check:    "oryx.platform.undetected",
					Severity: model.SeverityError,
					Message:  "no platform detected, set PLATFORM_NAME",
					Field:    config.KeyPlatformName,
				})
			}
		}
	}
	return r
}

// checkProject returns the resolved source directory, or "" when PROJECT
// is unusable.
func checkProject(f *builder.Factory, repoPath string, r *model.ValidationResult) string {
	src, err := f.SourcePath(repoPath)
	if err != nil {
		r.Add(model.ValidationFinding{
			Check:    "settings.project.escape",
			Severity: model.SeverityError,
			Message:  err.Error(),
			Field:    config.KeyProject,
		})
		return ""
	}
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		r.Add(model.ValidationFinding{
			Check:    "settings.project.missing",
			Severity: model.SeverityError,
			Message:  fmt.Sprintf("project directory %s does not exist", src),
			Field:    config.KeyProject,
		})
		return ""
	}
	return src
}

func checkIntegers(s *config.Settings, r *model.ValidationResult) {
	for _, key := range intSettings {
		raw, ok := s.Lookup(key)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err != nil || n < 1 {
			r.Add(model.ValidationFinding{
				Check:    "settings.integer.invalid",
				Severity: model.SeverityWarning,
				Message:  fmt.Sprintf("%s=%q is not a positive integer, the default applies", key, raw),
				Field:    key,
			})
		}
	}
}

func checkTarget(layout config.Layout, s *config.Settings, info *model.DeploymentInfo, r *model.ValidationResult) {
	sub := info.TargetPath
	if sub == "" {
		sub = s.Get(config.KeyTargetPath)
	}
	if _, err := layout.TargetDir(sub); err != nil {
		r.Add(model.ValidationFinding{
			Check:    "settings.target_path.escape",
			Severity: model.SeverityError,
			Message:  err.Error(),
			Field:    config.KeyTargetPath,
		})
	}
}

// checkCommand warns when the first word of COMMAND is neither a file in
// the repository nor on PATH.
func (v *Validator) checkCommand(command, repoPath string, r *model.ValidationResult) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return
	}
	name := fields[0]
	if _, err := os.Stat(filepath.Join(repoPath, name)); err == nil {
		return
	}
	if v.Builders.Runner == nil {
		return
	}
	if _, err := v.Builders.Runner.LookPath(name); err != nil {
		r.Add(model.ValidationFinding{
			Check:    "command.not_found",
			Severity: model.SeverityWarning,
			Message:  fmt.Sprintf("%s is not in the repository or on PATH", name),
			Field:    config.KeyCommand,
		})
	}
}
