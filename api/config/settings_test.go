package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSettingsPrecedence(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "settings.yaml")
	os.WriteFile(yamlPath, []byte("project: from-yaml\nartifact_retention: 3\nscm_do_build_during_deployment: true\n"), 0o644)

	repo := filepath.Join(dir, "repo")
	os.MkdirAll(repo, 0o755)
	os.WriteFile(filepath.Join(repo, ".deployment"), []byte("[config]\nproject = src/web\ncommand = deploy.sh --fast\n"), 0o644)

	s, err := LoadSettings([]string{"PROJECT=from-env", "DEPLOYMENT_BRANCH=main", "BROKEN"}, yamlPath)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if got := s.Get(KeyProject); got != "from-yaml" {
		t.Errorf("PROJECT = %q, want from-yaml", got)
	}
	if got := s.Int(KeyArtifactRetention, 5); got != 3 {
		t.Errorf("ARTIFACT_RETENTION = %d, want 3", got)
	}
	if !s.Bool(KeyDoBuildDuringDeploy) {
		t.Error("SCM_DO_BUILD_DURING_DEPLOYMENT should be true")
	}
	if s.Branch() != "main" {
		t.Errorf("Branch = %q", s.Branch())
	}

	withRepo, err := s.WithRepository(repo)
	if err != nil {
		t.Fatalf("WithRepository: %v", err)
	}
	if got := withRepo.Get("project"); got != "src/web" {
		t.Errorf("project = %q, want src/web", got)
	}
	if got := withRepo.Get(KeyCommand); got != "deploy.sh --fast" {
		t.Errorf("COMMAND = %q", got)
	}
	if got := s.Get(KeyProject); got != "from-yaml" {
		t.Errorf("original settings mutated: PROJECT = %q", got)
	}
}

func TestSettingsMissingSources(t *testing.T) {
	s, err := LoadSettings(nil, filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	s, err = s.WithRepository(t.TempDir())
	if err != nil {
		t.Fatalf("WithRepository: %v", err)
	}
	if s.Branch() != "master" {
		t.Errorf("Branch = %q, want master", s.Branch())
	}
	if s.Int(KeyMaxHistory, 20) != 20 {
		t.Error("Int fallback not used")
	}
	if s.RepositoryPath("/home/site/repository") != "/home/site/repository" {
		t.Error("RepositoryPath fallback not used")
	}
}

func TestSettingsWithOverrides(t *testing.T) {
	s := NewSettings([]string{"A=1"}).With(map[string]string{"b": "2"})
	if s.Get("B") != "2" || s.Get("a") != "1" {
		t.Errorf("Environ = %v", s.Environ())
	}
	env := s.Environ()
	if len(env) != 2 || env[0] != "A=1" || env[1] != "B=2" {
		t.Errorf("Environ = %v", env)
	}
}
