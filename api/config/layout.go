package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Layout maps the on-disk contract under the site root. Other tools read
// these paths, so they must stay stable.
type Layout struct {
	Root string
}

func NewLayout(root string) Layout {
	return Layout{Root: root}
}

func (l Layout) Site() string        { return filepath.Join(l.Root, "site") }
func (l Layout) Locks() string       { return filepath.Join(l.Site(), "locks") }
func (l Layout) Deployments() string { return filepath.Join(l.Site(), "deployments") }
func (l Layout) Repository() string  { return filepath.Join(l.Site(), "repository") }
func (l Layout) WWWRoot() string     { return filepath.Join(l.Site(), "wwwroot") }
func (l Layout) Artifacts() string   { return filepath.Join(l.Site(), "artifacts") }
func (l Layout) Hooks() string       { return filepath.Join(l.Site(), "hooks") }
func (l Layout) ConfigDir() string   { return filepath.Join(l.Site(), "config") }
func (l Layout) Temp() string        { return filepath.Join(l.Site(), "tmp") }
func (l Layout) AutoSwap() string    { return filepath.Join(l.Site(), "autoswap") }

func (l Layout) SitePackages() string { return filepath.Join(l.Root, "data", "SitePackages") }

func (l Layout) DeploymentDir(id string) string { return filepath.Join(l.Deployments(), id) }
func (l Layout) StatusPath(id string) string    { return filepath.Join(l.DeploymentDir(id), "status.json") }
func (l Layout) LogPath(id string) string       { return filepath.Join(l.DeploymentDir(id), "log.jsonl") }
func (l Layout) ManifestPath(id string) string  { return filepath.Join(l.DeploymentDir(id), "manifest") }

func (l Layout) ActivePath() string       { return filepath.Join(l.Deployments(), "active") }
func (l Layout) PendingPath() string      { return filepath.Join(l.Deployments(), "pending") }
func (l Layout) LastModifiedPath() string { return filepath.Join(l.Deployments(), ".lastmodified") }
func (l Layout) HooksFile() string        { return filepath.Join(l.Hooks(), "hooks.json") }
func (l Layout) RestartTrigger() string   { return filepath.Join(l.ConfigDir(), "restart.trigger") }

// Ensure creates every directory of the layout.
func (l Layout) Ensure() error {
	for _, dir := range []string{
		l.Locks(), l.Deployments(), l.Repository(), l.WWWRoot(), l.Artifacts(),
		l.Hooks(), l.ConfigDir(), l.Temp(), l.AutoSwap(), l.SitePackages(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("layout: %w", err)
		}
	}
	return nil
}

// TargetDir resolves sub, a slash-separated path, inside wwwroot. An empty
// sub is wwwroot itself.
func (l Layout) TargetDir(sub string) (string, error) {
	root := l.WWWRoot()
	if sub == "" {
		return root, nil
	}
	target := filepath.Join(root, filepath.FromSlash(sub))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("target path %q is outside the site root", sub)
	}
	return target, nil
}
