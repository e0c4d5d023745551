package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"kiln/api/config"
	"kiln/api/fsutil"
	"kiln/api/lock"
	"kiln/api/logging"
	"kiln/api/model"
)

var (
	ErrNotFound  = errors.New("deployment not found")
	ErrActive    = errors.New("deployment is active")
	ErrInvalidID = errors.New("invalid deployment id")
)

// activeLockWait bounds how long pointer reads and writes wait on the
// status lock.
const activeLockWait = 5 * time.Second

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

type Options struct {
	SiteName string
	HostName string
	Now      func() time.Time
	Logger   *slog.Logger
}

// StatusManager owns the deployments/ tree: one status.json per deployment
// id, the active pointer and the last-modified marker.
type StatusManager struct {
	layout     config.Layout
	statusLock *lock.Lock
	siteName   string
	hostName   string
	now        func() time.Time
	logger     *slog.Logger
}

func NewStatusManager(layout config.Layout, statusLock *lock.Lock, opts Options) *StatusManager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HostName == "" {
		opts.HostName, _ = os.Hostname()
	}
	return &StatusManager{
		layout:     layout,
		statusLock: statusLock,
		siteName:   opts.SiteName,
		hostName:   opts.HostName,
		now:        opts.Now,
		logger:     logging.Ensure(opts.Logger).With("component", "status"),
	}
}

func checkID(id string) error {
	if !validID.MatchString(id) || id == "active" || id == "pending" {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Create starts a pending record for id. An existing record with the same
// id is reset for a new attempt.
func (m *StatusManager) Create(ctx context.Context, id string, info *model.DeploymentInfo) (*model.StatusFile, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	now := m.now()
	sf, err := m.Open(ctx, id)
	switch {
	case err == nil:
		sf.Reset(now)
	case errors.Is(err, ErrNotFound):
		sf = &model.StatusFile{
			ID:           id,
			Status:       model.StatusPending,
			ReceivedTime: now,
			SiteName:     m.siteName,
			HostName:     m.hostName,
		}
	default:
		return nil, err
	}
	if info != nil {
		sf.Deployer = info.Deployer
		sf.Author = info.Author
		sf.AuthorEmail = info.AuthorEmail
		sf.Message = info.Message
		sf.IsReadOnly = info.IsReadOnly
	}
	if err := m.Save(ctx, sf); err != nil {
		return nil, err
	}
	return sf, nil
}

// CreateTemporary creates a placeholder record shown while the real id is
// not yet known. Callers delete it when done.
func (m *StatusManager) CreateTemporary(ctx context.Context, deployer, message string) (*model.StatusFile, error) {
	id := "temp-" + uuid.NewString()[:8]
	sf := &model.StatusFile{
		ID:           id,
		Status:       model.StatusPending,
		StatusText:   message,
		Deployer:     deployer,
		ReceivedTime: m.now(),
		IsTemp:       true,
		SiteName:     m.siteName,
		HostName:     m.hostName,
	}
	if err := m.Save(ctx, sf); err != nil {
		return nil, err
	}
	return sf, nil
}

// Open loads the record for id. A record that cannot be parsed is removed
// and reported as not found.
func (m *StatusManager) Open(ctx context.Context, id string) (*model.StatusFile, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(m.layout.StatusPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read status %s: %w", id, err)
	}
	var sf model.StatusFile
	if err := json.Unmarshal(data, &sf); err != nil || sf.ID != id {
		m.logger.Warn("removing unreadable status record", "id", id, "error", err)
		if rerr := fsutil.RemoveAll(ctx, m.layout.DeploymentDir(id)); rerr != nil {
			m.logger.Error("remove corrupt status", "id", id, "error", rerr)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !sf.Status.Valid() {
		sf.Status = model.StatusUnknown
	}
	sf.Active = sf.ID == m.readActive()
	return &sf, nil
}

// Save writes sf atomically and bumps the last-modified marker.
func (m *StatusManager) Save(ctx context.Context, sf *model.StatusFile) error {
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(m.layout.StatusPath(sf.ID), data, 0o644); err != nil {
		return fmt.Errorf("save status %s: %w", sf.ID, err)
	}
	m.touch()
	return nil
}

// Transition moves sf to status, stamping times, and saves it.
func (m *StatusManager) Transition(ctx context.Context, sf *model.StatusFile, status model.DeployStatus, text string) error {
	if err := model.CheckTransition(sf.Status, status); err != nil {
		return fmt.Errorf("deployment %s: %w", sf.ID, err)
	}
	now := m.now()
	sf.Status = status
	sf.StatusText = text
	if sf.StartTime == nil && status != model.StatusPending {
		sf.StartTime = &now
	}
	if status.Terminal() {
		sf.EndTime = &now
		sf.Complete = true
		if status == model.StatusSuccess {
			sf.LastSuccessEndTime = &now
		}
	}
	return m.Save(ctx, sf)
}

// Delete removes a record. The active deployment cannot be deleted.
func (m *StatusManager) Delete(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	if id == m.readActive() {
		return fmt.Errorf("%w: %s", ErrActive, id)
	}
	dir := m.layout.DeploymentDir(id)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := fsutil.RemoveAll(ctx, dir); err != nil {
		return err
	}
	m.touch()
	return nil
}

// ActiveDeploymentID returns the active id, or "" when nothing has been
// deployed yet.
func (m *StatusManager) ActiveDeploymentID(ctx context.Context) (string, error) {
	return lock.Run(ctx, m.statusLock, "read active deployment", activeLockWait, func(context.Context) (string, error) {
		return m.readActive(), nil
	})
}

func (m *StatusManager) SetActiveDeploymentID(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	return m.statusLock.LockOperation(ctx, "set active deployment", activeLockWait, func(context.Context) error {
		if err := fsutil.WriteFileAtomic(m.layout.ActivePath(), []byte(id), 0o644); err != nil {
			return fmt.Errorf("set active deployment: %w", err)
		}
		m.touch()
		return nil
	})
}

// readActive reads the pointer without the status lock. The pointer is
// always replaced by rename, so a reader sees the old or the new id.
func (m *StatusManager) readActive() string {
	data, err := os.ReadFile(m.layout.ActivePath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// LastModified is the time of the most recent status mutation.
func (m *StatusManager) LastModified() time.Time {
	info, err := os.Stat(m.layout.LastModifiedPath())
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func (m *StatusManager) touch() {
	if err := fsutil.Touch(m.layout.LastModifiedPath()); err != nil {
		m.logger.Warn("touch last-modified marker", "error", err)
	}
}

// List returns every non-temporary record, newest first.
func (m *StatusManager) List(ctx context.Context) ([]*model.StatusFile, error) {
	all, err := m.listAll(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, sf := range all {
		if !sf.IsTemp {
			out = append(out, sf)
		}
	}
	return out, nil
}

func (m *StatusManager) listAll(ctx context.Context) ([]*model.StatusFile, error) {
	entries, err := os.ReadDir(m.layout.Deployments())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	var out []*model.StatusFile
	for _, e := range entries {
		if !e.IsDir() || checkID(e.Name()) != nil {
			continue
		}
		sf, err := m.Open(ctx, e.Name())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sf)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ReceivedTime.Equal(out[j].ReceivedTime) {
			return out[i].ReceivedTime.After(out[j].ReceivedTime)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Prune deletes the oldest records beyond keep. The active deployment and
// unfinished ones are never removed. keep <= 0 disables pruning.
func (m *StatusManager) Prune(ctx context.Context, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	records, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	for i, sf := range records {
		if i < keep || sf.Active || !sf.Complete {
			continue
		}
		if err := m.Delete(ctx, sf.ID); err != nil {
			if errors.Is(err, ErrActive) || errors.Is(err, ErrNotFound) {
				continue
			}
			return removed, err
		}
		removed = append(removed, sf.ID)
	}
	if len(removed) > 0 {
		m.logger.Info("pruned deployment history", "removed", len(removed), "keep", keep)
	}
	return removed, nil
}

// RecoverInFlight fails records left unfinished by a crashed process and
// removes leftover temporary records. Only call it while holding the
// deployment lock.
func (m *StatusManager) RecoverInFlight(ctx context.Context) (int, error) {
	records, err := m.listAll(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sf := range records {
		if sf.IsTemp {
			if err := m.Delete(ctx, sf.ID); err != nil && !errors.Is(err, ErrNotFound) {
				return n, err
			}
			n++
			continue
		}
		if sf.Complete || sf.Status.Terminal() {
			continue
		}
		if err := m.Transition(ctx, sf, model.StatusFailed, "Deployment interrupted"); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (m *StatusManager) ManifestPath(id string) string {
	return m.layout.ManifestPath(id)
}

// Log returns the deployment log for id.
func (m *StatusManager) Log(id string) *DeploymentLog {
	return newDeploymentLog(m.layout.LogPath(id), id, m.now, m.logger)
}
