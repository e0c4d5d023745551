package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"kiln/api/fsutil"
	"kiln/api/model"
)

// writePending records info as the deployment to run once the lock frees
// up. Only the latest deferred request is kept.
func (m *Manager) writePending(info *model.DeploymentInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(m.Layout.PendingPath(), data, 0o644); err != nil {
		return fmt.Errorf("write pending marker: %w", err)
	}
	return nil
}

// readPending returns the deferred request, or nil when there is none. A
// marker that cannot be parsed is removed.
func (m *Manager) readPending(ctx context.Context) (*model.DeploymentInfo, error) {
	data, err := os.ReadFile(m.Layout.PendingPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var info model.DeploymentInfo
	if err := json.Unmarshal(data, &info); err != nil {
		m.logger().Warn("removing unreadable pending marker", "error", err)
		return nil, fsutil.Remove(ctx, m.Layout.PendingPath())
	}
	return &info, nil
}

// HasPending reports whether a deferred deployment is waiting.
func (m *Manager) HasPending() bool {
	_, err := os.Stat(m.Layout.PendingPath())
	return err == nil
}

// RunPending runs the deferred deployment if there is one and the
// deployment lock is free. It reports whether a deployment was started.
func (m *Manager) RunPending(ctx context.Context) (bool, error) {
	info, err := m.readPending(ctx)
	if err != nil || info == nil {
		return false, err
	}
	ok, err := m.Lock.TryAcquire(ctx, "deferred deployment")
	if err != nil || !ok {
		return false, err
	}
	if err := fsutil.Remove(ctx, m.Layout.PendingPath()); err != nil {
		m.release(ctx)
		return false, &DeploymentError{Stage: StagePending, Err: err}
	}
	repo, err := m.SiteRepository(info)
	if err != nil {
		m.release(ctx)
		return false, &DeploymentError{Stage: StagePending, Err: err}
	}
	m.logger().Info("running deferred deployment", "repository", info.RepositoryURL, "branch", info.Branch)
	_, err = m.runAcquired(ctx, repo, info)
	return true, err
}
