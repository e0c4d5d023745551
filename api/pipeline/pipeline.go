// Package pipeline runs deployments: lock, fetch, build, sync and the
// post-deployment steps, recording every transition in the status store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"kiln/api/builder"
	"kiln/api/config"
	"kiln/api/filesync"
	"kiln/api/fsutil"
	"kiln/api/hooks"
	"kiln/api/hub"
	"kiln/api/lock"
	"kiln/api/logging"
	"kiln/api/metrics"
	"kiln/api/model"
	"kiln/api/repository"
	"kiln/api/store"
	"kiln/api/tracing"
)

const (
	DefaultLockWait     = 5 * time.Second
	DefaultBuildTimeout = 30 * time.Minute
	DefaultMaxHistory   = 20
)

// Publisher delivers post-deployment events. *hooks.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

// Manager owns the deployment lifecycle. Fields are set once at startup.
type Manager struct {
	Settings     *config.Settings
	Layout       config.Layout
	Lock         *lock.Lock // deployment lock
	AutoSwapLock *lock.Lock
	Status       *store.StatusManager
	Builders     *builder.Factory
	Hooks        Publisher
	Swapper      Swapper
	Hub          *hub.Hub
	Metrics      *metrics.Recorder
	Tracer       *tracing.Tracer
	Logger       *slog.Logger

	LockWait     time.Duration
	BuildTimeout time.Duration

	// OpenRepository opens the repository for a deferred deployment. The
	// default opens the site repository as git, or as a folder for zip
	// deployments.
	OpenRepository func(info *model.DeploymentInfo) (repository.Repository, error)

	wg sync.WaitGroup
}

func (m *Manager) logger() *slog.Logger {
	return logging.Ensure(m.Logger).With("component", "pipeline")
}

// Deploy runs one deployment to completion and returns its final record.
// A busy deployment lock returns ErrConflict, or ErrDeferred when the
// request allows deferral. Deploy and Start close repo when it implements
// io.Closer.
func (m *Manager) Deploy(ctx context.Context, repo repository.Repository, info *model.DeploymentInfo) (*model.StatusFile, error) {
	if err := m.acquire(ctx, info); err != nil {
		m.closeRepository(repo)
		return nil, err
	}
	return m.runAcquired(ctx, repo, info)
}

// Start acquires the deployment lock, then runs the deployment in the
// background. It returns the id of the temporary record that tracks the
// deployment until its changeset is known.
func (m *Manager) Start(ctx context.Context, repo repository.Repository, info *model.DeploymentInfo) (string, error) {
	if err := m.acquire(ctx, info); err != nil {
		m.closeRepository(repo)
		return "", err
	}
	temp, err := m.Status.CreateTemporary(ctx, info.Deployer, "Fetching changes")
	if err != nil {
		m.release(ctx)
		m.closeRepository(repo)
		return "", err
	}
	bg := context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sf, err := m.deployLocked(bg, repo, info, temp)
		if err != nil {
			m.logger().Warn("background deployment failed", "error", err)
		}
		m.afterDeploy(bg, repo, sf)
	}()
	return temp.ID, nil
}

// Wait blocks until background deployments have finished.
func (m *Manager) Wait() { m.wg.Wait() }

// Redeploy runs the existing changeset id again.
func (m *Manager) Redeploy(ctx context.Context, repo repository.Repository, id string, clean bool) (*model.StatusFile, error) {
	prev, err := m.Status.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	info := &model.DeploymentInfo{
		RepositoryType:         repositoryType(repo),
		CommitID:               id,
		Deployer:               prev.Deployer,
		Author:                 prev.Author,
		AuthorEmail:            prev.AuthorEmail,
		Message:                prev.Message,
		CleanupTargetDirectory: clean,
		DoFullBuildByDefault:   true,
	}
	return m.Deploy(ctx, repo, info)
}

// Recover fails deployments left unfinished by a previous process. It does
// nothing while another process holds the deployment lock.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	ok, err := m.Lock.TryAcquire(ctx, "recover")
	if err != nil || !ok {
		return 0, err
	}
	defer m.release(ctx)
	return m.Status.RecoverInFlight(ctx)
}

// PruneHistory keeps the newest MAX_DEPLOYMENT_HISTORY records.
func (m *Manager) PruneHistory(ctx context.Context) ([]string, error) {
	keep := m.Settings.Int(config.KeyMaxHistory, DefaultMaxHistory)
	return m.Status.Prune(ctx, keep)
}

func (m *Manager) acquire(ctx context.Context, info *model.DeploymentInfo) error {
	wait := m.LockWait
	if wait <= 0 {
		wait = DefaultLockWait
	}
	err := m.Lock.Acquire(ctx, "deploy", wait)
	if err == nil {
		return nil
	}
	if !errors.Is(err, lock.ErrLockHeld) {
		return err
	}
	m.Metrics.LockConflict(m.Lock.Name())
	if info.AllowDeferredDeployment {
		if werr := m.writePending(info); werr != nil {
			return werr
		}
		m.Metrics.Deployment("deferred")
		m.logger().Info("deployment deferred", "repository", info.RepositoryURL)
		return ErrDeferred
	}
	m.Metrics.Deployment("conflict")
	return fmt.Errorf("%w: %w", ErrConflict, err)
}

func (m *Manager) release(ctx context.Context) {
	if err := m.Lock.Release(context.WithoutCancel(ctx)); err != nil {
		m.logger().Error("release deployment lock", "error", err)
	}
}

// runAcquired runs a deployment whose lock the caller already holds.
func (m *Manager) runAcquired(ctx context.Context, repo repository.Repository, info *model.DeploymentInfo) (*model.StatusFile, error) {
	temp, err := m.Status.CreateTemporary(ctx, info.Deployer, "Fetching changes")
	if err != nil {
		m.release(ctx)
		m.closeRepository(repo)
		return nil, err
	}
	sf, err := m.deployLocked(ctx, repo, info, temp)
	m.afterDeploy(ctx, repo, sf)
	return sf, err
}

// deployLocked runs the locked part of a deployment and releases the lock
// on return.
func (m *Manager) deployLocked(ctx context.Context, repo repository.Repository, info *model.DeploymentInfo, temp *model.StatusFile) (sf *model.StatusFile, err error) {
	defer m.release(ctx)
	defer func() {
		if derr := m.Status.Delete(context.WithoutCancel(ctx), temp.ID); derr != nil && !errors.Is(derr, store.ErrNotFound) {
			m.logger().Warn("remove temporary deployment", "id", temp.ID, "error", derr)
		}
	}()

	ctx, span := m.Tracer.Step(ctx, "deployment", attribute.String("deployment.deployer", info.Deployer))
	defer func() { span.End(err) }()

	s, err := m.Settings.WithRepository(repo.Path())
	if err != nil {
		return nil, &DeploymentError{Stage: StageFetch, Err: err}
	}
	branch := info.Branch
	if branch == "" {
		branch = s.Branch()
	}

	if info.RepositoryURL != "" && info.RepositoryType != model.RepositoryFolder {
		if err := m.step(ctx, "fetch", func(ctx context.Context) error {
			return repo.Fetch(ctx, info.RepositoryURL, branch)
		}); err != nil {
			m.Metrics.Deployment("failed")
			return nil, &DeploymentError{Stage: StageFetch, Err: err}
		}
	}

	id := info.CommitID
	if id == "" {
		cs, err := repo.ChangeSet(ctx, branch)
		if err != nil {
			m.Metrics.Deployment("failed")
			return nil, &DeploymentError{Stage: StageFetch, Err: err}
		}
		id = cs.ID
		fillFromChangeSet(info, cs)
	}
	span.SetAttributes(attribute.String("deployment.id", id))

	sf, err = m.Status.Create(ctx, id, info)
	if err != nil {
		m.Metrics.Deployment("failed")
		return nil, &DeploymentError{ID: id, Stage: StageStatus, Err: err}
	}
	m.broadcast(hub.DeploymentStatus, sf)
	dlog := &eventLog{log: m.Status.Log(id), hub: m.Hub, id: id}
	dlog.Log(model.LogMessage, "Deployment %s received from %s", id, deployerName(info))

	stage, err := m.run(ctx, s, repo, info, sf, dlog)
	if err != nil {
		dlog.Log(model.LogError, "Deployment failed: %v", err)
		if terr := m.transition(ctx, sf, model.StatusFailed, err.Error()); terr != nil {
			m.logger().Error("mark deployment failed", "id", id, "error", terr)
		}
		m.Metrics.Deployment("failed")
		return sf, &DeploymentError{ID: id, Stage: stage, Err: err}
	}

	if err := m.transition(ctx, sf, model.StatusSuccess, "Deployment successful"); err != nil {
		return sf, &DeploymentError{ID: id, Stage: StageFinish, Err: err}
	}
	if err := m.Status.SetActiveDeploymentID(ctx, id); err != nil {
		return sf, &DeploymentError{ID: id, Stage: StageFinish, Err: err}
	}
	sf.Active = true
	dlog.Log(model.LogMessage, "Deployment successful")
	m.Metrics.Deployment("success")

	if removed, err := m.PruneHistory(ctx); err != nil {
		m.logger().Warn("prune deployment history", "error", err)
	} else if len(removed) > 0 {
		m.logger().Info("pruned deployment history", "removed", len(removed))
	}
	return sf, nil
}

// run performs update, build and sync. It returns the stage of a failure.
func (m *Manager) run(ctx context.Context, s *config.Settings, repo repository.Repository, info *model.DeploymentInfo, sf *model.StatusFile, dlog *eventLog) (string, error) {
	if err := m.transition(ctx, sf, model.StatusBuilding, "Building and deploying"); err != nil {
		return StageStatus, err
	}
	if err := m.step(ctx, "update", func(ctx context.Context) error {
		return repo.Update(ctx, sf.ID)
	}); err != nil {
		return StageUpdate, err
	}

	src, err := m.Builders.SourcePath(repo.Path())
	if err != nil {
		return StageBuild, err
	}
	b, err := m.Builders.GetBuilder(info, repo.Path())
	if err != nil {
		return StageBuild, err
	}
	dlog.Log(model.LogMessage, "Using %s builder", b.Name())

	out := filepath.Join(m.Layout.Temp(), sf.ID)
	defer func() {
		if err := fsutil.RemoveAll(context.WithoutCancel(ctx), out); err != nil {
			m.logger().Warn("remove build output", "path", out, "error", err)
		}
	}()
	prevManifest := m.previousManifest(ctx, sf.ID)
	bc := &builder.Context{
		RepositoryPath:       repo.Path(),
		SourcePath:           src,
		OutputPath:           out,
		TempPath:             filepath.Join(m.Layout.Temp(), "cache"),
		PreviousManifestPath: prevManifest,
		NextManifestPath:     m.Status.ManifestPath(sf.ID),
		CommitID:             sf.ID,
		Logger:               dlog,
		Tracer:               m.Tracer,
		Env:                  s.Environ(),
	}

	timeout := m.BuildTimeout
	if timeout <= 0 {
		timeout = DefaultBuildTimeout
	}
	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	res, err := b.Build(buildCtx, bc)
	cancel()
	if err != nil {
		if errors.Is(buildCtx.Err(), context.DeadlineExceeded) {
			return StageBuild, fmt.Errorf("build timed out after %s: %w", timeout, err)
		}
		return StageBuild, err
	}

	if err := m.transition(ctx, sf, model.StatusDeploying, "Deploying"); err != nil {
		return StageStatus, err
	}
	if res.OutputDir == "" {
		if res.Artifact != nil {
			dlog.Log(model.LogMessage, "Package %s is ready", filepath.Base(res.Artifact.Path))
		}
		return "", nil
	}

	target, err := m.targetDir(s, info)
	if err != nil {
		return StageSync, err
	}
	var report *filesync.Report
	err = m.step(ctx, "sync", func(ctx context.Context) error {
		var err error
		report, err = filesync.Sync(ctx, filesync.Options{
			From:             res.OutputDir,
			To:               target,
			PreviousManifest: prevManifest,
			NextManifest:     bc.NextManifestPath,
			Clean:            info.CleanupTargetDirectory,
		})
		return err
	})
	if err != nil {
		return StageSync, err
	}
	dlog.Log(model.LogMessage, "Copied %d files, deleted %d, %d unchanged", report.Copied, report.Deleted, report.Skipped)
	return "", nil
}

// previousManifest is the manifest of the active deployment, if any.
func (m *Manager) previousManifest(ctx context.Context, id string) string {
	active, err := m.Status.ActiveDeploymentID(ctx)
	if err != nil {
		m.logger().Warn("read active deployment", "error", err)
		return ""
	}
	if active == "" {
		return ""
	}
	return m.Status.ManifestPath(active)
}

// targetDir resolves the sync target inside wwwroot.
func (m *Manager) targetDir(s *config.Settings, info *model.DeploymentInfo) (string, error) {
	sub := info.TargetPath
	if sub == "" {
		sub = s.Get(config.KeyTargetPath)
	}
	return m.Layout.TargetDir(sub)
}

// afterDeploy runs the steps that happen outside the deployment lock.
func (m *Manager) afterDeploy(ctx context.Context, repo repository.Repository, sf *model.StatusFile) {
	defer m.runPendingAfter(ctx)
	defer m.closeRepository(repo)
	if sf == nil {
		return
	}
	log := m.logger().With("id", sf.ID)
	s, err := m.Settings.WithRepository(repo.Path())
	if err != nil {
		s = m.Settings
	}

	if m.Hooks != nil {
		if err := m.Hooks.Publish(ctx, hooks.EventPostDeployment, sf); err != nil {
			log.Warn("post-deployment hooks", "error", err)
		}
	}
	if sf.Status == model.StatusSuccess && s.Bool(config.KeyRestartOnDeploy) {
		if err := fsutil.Touch(m.Layout.RestartTrigger()); err != nil {
			log.Warn("touch restart trigger", "error", err)
		}
	}
	if slot := s.Get(config.KeyAutoSwapSlot); slot != "" && sf.Status == model.StatusSuccess {
		if err := m.AutoSwap(ctx, sf, slot); err != nil {
			log.Warn("auto swap", "slot", slot, "error", err)
		} else {
			log.Info("auto swap requested", "slot", slot)
		}
	}
	m.broadcast(hub.DeploymentDone, sf)
}

// AutoSwap requests a slot swap for a successful deployment. Only one swap
// runs at a time.
func (m *Manager) AutoSwap(ctx context.Context, sf *model.StatusFile, slot string) error {
	if sf.Status != model.StatusSuccess {
		return fmt.Errorf("%w: %s is %s", ErrAutoSwapNotReady, sf.ID, sf.Status)
	}
	if m.Swapper == nil || m.AutoSwapLock == nil {
		return errors.New("auto swap is not configured")
	}
	ok, err := m.AutoSwapLock.TryAcquire(ctx, "autoswap "+sf.ID)
	if err != nil {
		return err
	}
	if !ok {
		m.Metrics.LockConflict(m.AutoSwapLock.Name())
		return ErrAutoSwapInProgress
	}
	defer func() {
		if err := m.AutoSwapLock.Release(context.WithoutCancel(ctx)); err != nil {
			m.logger().Error("release autoswap lock", "error", err)
		}
	}()
	return m.Swapper.Swap(ctx, sf, slot)
}

func (m *Manager) runPendingAfter(ctx context.Context) {
	if !m.HasPending() {
		return
	}
	if _, err := m.RunPending(ctx); err != nil {
		m.logger().Warn("deferred deployment", "error", err)
	}
}

func (m *Manager) closeRepository(repo repository.Repository) {
	c, ok := repo.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		m.logger().Warn("close repository", "path", repo.Path(), "error", err)
	}
}

// SiteRepository opens the repository a deployment described by info runs
// against.
func (m *Manager) SiteRepository(info *model.DeploymentInfo) (repository.Repository, error) {
	if m.OpenRepository != nil {
		return m.OpenRepository(info)
	}
	path := m.Settings.RepositoryPath(m.Layout.Repository())
	if info.RepositoryType == model.RepositoryFolder {
		return repository.NewFolder(path)
	}
	return repository.Open(path)
}

func (m *Manager) transition(ctx context.Context, sf *model.StatusFile, status model.DeployStatus, text string) error {
	if err := m.Status.Transition(ctx, sf, status, text); err != nil {
		return err
	}
	m.broadcast(hub.DeploymentStatus, sf)
	return nil
}

func (m *Manager) broadcast(typ string, sf *model.StatusFile) {
	snapshot := *sf
	m.Hub.Broadcast(hub.Event{Type: typ, DeploymentID: sf.ID, Payload: snapshot})
}

func (m *Manager) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, s := m.Tracer.Step(ctx, name)
	err := fn(ctx)
	s.End(err)
	return err
}

func fillFromChangeSet(info *model.DeploymentInfo, cs *model.ChangeSet) {
	if info.Author == "" {
		info.Author = cs.AuthorName
	}
	if info.AuthorEmail == "" {
		info.AuthorEmail = cs.AuthorEmail
	}
	if info.Message == "" {
		info.Message = cs.Message
	}
}

func deployerName(info *model.DeploymentInfo) string {
	if info.Deployer != "" {
		return info.Deployer
	}
	return "unknown"
}

func repositoryType(repo repository.Repository) model.RepositoryType {
	if _, ok := repo.(*repository.Folder); ok {
		return model.RepositoryFolder
	}
	return model.RepositoryGit
}

// eventLog writes to the deployment log and mirrors each entry to the hub.
type eventLog struct {
	log *store.DeploymentLog
	hub *hub.Hub
	id  string
}

func (l *eventLog) Log(typ model.LogType, format string, args ...any) {
	l.log.Log(typ, format, args...)
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	l.hub.Broadcast(hub.Event{
		Type:         hub.DeploymentLog,
		DeploymentID: l.id,
		Payload:      model.LogEntry{Time: time.Now().UTC(), Type: typ, Message: msg},
	})
}
