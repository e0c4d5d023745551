package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-ini/ini"
	"gopkg.in/yaml.v3"
)

// Setting keys understood by the deployment pipeline.
const (
	KeyCommand                = "COMMAND"
	KeyProject                = "PROJECT"
	KeyDoBuildDuringDeploy    = "SCM_DO_BUILD_DURING_DEPLOYMENT"
	KeyEnableOryxBuild        = "ENABLE_ORYX_BUILD"
	KeyRepositoryPath         = "SCM_REPOSITORY_PATH"
	KeyBranch                 = "DEPLOYMENT_BRANCH"
	KeyBuildFlags             = "BUILD_FLAGS"
	KeyFunctionsWorkerRuntime = "FUNCTIONS_WORKER_RUNTIME"
	KeyRunFromPackage         = "WEBSITE_RUN_FROM_PACKAGE"
	KeyArtifactRetention      = "ARTIFACT_RETENTION"
	KeyArtifactBucket         = "ARTIFACT_BUCKET"
	KeyMaxHistory             = "MAX_DEPLOYMENT_HISTORY"
	KeyRestartOnDeploy        = "RESTART_ON_DEPLOY"
	KeyAutoSwapSlot           = "AUTOSWAP_SLOT"
	KeyPlatformName           = "PLATFORM_NAME"
	KeyPlatformVersion        = "PLATFORM_VERSION"
	KeyOryxIncremental        = "ORYX_INCREMENTAL_SYNC"
	KeyWapTargets             = "WAP_TARGETS"
	KeyTargetPath             = "DEPLOYMENT_TARGET_PATH"

	DeploymentFile = ".deployment"
	defaultBranch  = "master"
)

// Settings is a read-only view of site settings. Later sources override
// earlier ones: process environment, then settings.yaml, then the
// repository's .deployment file. Keys are case-insensitive.
type Settings struct {
	values map[string]string
}

// NewSettings builds settings from KEY=VALUE pairs, as returned by os.Environ.
func NewSettings(env []string) *Settings {
	s := &Settings{values: make(map[string]string, len(env))}
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		s.values[normalize(k)] = v
	}
	return s
}

// LoadSettings reads the environment and, when present, the YAML file at
// path. A missing file is not an error.
func LoadSettings(env []string, path string) (*Settings, error) {
	s := NewSettings(env)
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for k, v := range raw {
		if v == nil {
			continue
		}
		s.values[normalize(k)] = fmt.Sprint(v)
	}
	return s, nil
}

// WithRepository returns a copy of s overlaid with the [config] section of
// the .deployment file in repoPath, if one exists.
func (s *Settings) WithRepository(repoPath string) (*Settings, error) {
	out := s.With(nil)
	path := filepath.Join(repoPath, DeploymentFile)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	f, err := ini.LoadSources(ini.LoadOptions{Insensitive: true, IgnoreInlineComment: true}, path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", DeploymentFile, err)
	}
	for _, key := range f.Section("config").Keys() {
		out.values[normalize(key.Name())] = key.String()
	}
	return out, nil
}

// With returns a copy of s with overrides applied.
func (s *Settings) With(overrides map[string]string) *Settings {
	out := &Settings{values: make(map[string]string, len(s.values)+len(overrides))}
	for k, v := range s.values {
		out.values[k] = v
	}
	for k, v := range overrides {
		out.values[normalize(k)] = v
	}
	return out
}

func (s *Settings) Get(key string) string {
	return s.values[normalize(key)]
}

func (s *Settings) Lookup(key string) (string, bool) {
	v, ok := s.values[normalize(key)]
	return v, ok
}

// Bool treats "1" and anything strconv.ParseBool accepts as true.
func (s *Settings) Bool(key string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s.Get(key)))
	return err == nil && b
}

func (s *Settings) Int(key string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s.Get(key)))
	if err != nil {
		return fallback
	}
	return n
}

func (s *Settings) Branch() string {
	if b := s.Get(KeyBranch); b != "" {
		return b
	}
	return defaultBranch
}

// RepositoryPath is the configured repository path, or fallback.
func (s *Settings) RepositoryPath(fallback string) string {
	if p := s.Get(KeyRepositoryPath); p != "" {
		return p
	}
	return fallback
}

// Environ renders the settings as KEY=VALUE pairs, sorted by key.
func (s *Settings) Environ() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+s.values[k])
	}
	return out
}

func normalize(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}
