// Package hooks stores webhook subscriptions and delivers deployment events
// to them.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"kiln/api/fsutil"
	"kiln/api/lock"
)

const (
	EventPostDeployment = "PostDeployment"

	lockWait = 5 * time.Second
)

var (
	ErrNotFound = errors.New("hook not found")
	ErrInvalid  = errors.New("invalid hook")
)

type Hook struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Event       string    `json:"event"`
	InsecureSSL bool      `json:"insecureSsl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	// LastStatus is the outcome of the most recent delivery.
	LastStatus string `json:"lastStatus,omitempty"`
}

// Manager keeps subscriptions in a JSON file. Every mutation happens under
// the hooks lock so concurrent agents on a shared volume do not lose writes.
type Manager struct {
	path string
	lock *lock.Lock
}

func NewManager(path string, l *lock.Lock) *Manager {
	return &Manager{path: path, lock: l}
}

func (m *Manager) List(ctx context.Context) ([]Hook, error) {
	return m.read()
}

// Subscribers returns the hooks registered for event.
func (m *Manager) Subscribers(ctx context.Context, event string) ([]Hook, error) {
	all, err := m.read()
	if err != nil {
		return nil, err
	}
	var out []Hook
	for _, h := range all {
		if strings.EqualFold(h.Event, event) {
			out = append(out, h)
		}
	}
	return out, nil
}

// Add registers h. Adding a URL that is already subscribed to the same
// event returns the existing hook.
func (m *Manager) Add(ctx context.Context, h Hook) (*Hook, error) {
	u, err := url.Parse(h.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: url %q", ErrInvalid, h.URL)
	}
	if h.Event == "" {
		h.Event = EventPostDeployment
	}
	return lock.Run(ctx, m.lock, "add hook", lockWait, func(ctx context.Context) (*Hook, error) {
		all, err := m.read()
		if err != nil {
			return nil, err
		}
		for i := range all {
			if all[i].URL == h.URL && strings.EqualFold(all[i].Event, h.Event) {
				return &all[i], nil
			}
		}
		h.ID = uuid.NewString()
		h.CreatedAt = time.Now().UTC()
		all = append(all, h)
		if err := m.write(all); err != nil {
			return nil, err
		}
		return &h, nil
	})
}

func (m *Manager) Remove(ctx context.Context, id string) error {
	return m.lock.LockOperation(ctx, "remove hook", lockWait, func(ctx context.Context) error {
		all, err := m.read()
		if err != nil {
			return err
		}
		kept := all[:0]
		for _, h := range all {
			if h.ID != id {
				kept = append(kept, h)
			}
		}
		if len(kept) == len(all) {
			return ErrNotFound
		}
		return m.write(kept)
	})
}

// recordStatus stores the last delivery outcome per hook id.
func (m *Manager) recordStatus(ctx context.Context, results map[string]string) error {
	return m.lock.LockOperation(ctx, "record hook status", lockWait, func(ctx context.Context) error {
		all, err := m.read()
		if err != nil {
			return err
		}
		for i := range all {
			if s, ok := results[all[i].ID]; ok {
				all[i].LastStatus = s
			}
		}
		return m.write(all)
	})
}

func (m *Manager) read() ([]Hook, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []Hook{}, nil
	}
	if err != nil {
		return nil, err
	}
	var all []Hook
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse %s: %w", m.path, err)
	}
	return all, nil
}

func (m *Manager) write(all []Hook) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(m.path, data, 0o644)
}
