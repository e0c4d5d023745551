// Package health watches the agent's locks and the live site, and
// publishes what it sees to the hub.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"kiln/api/hub"
	"kiln/api/lock"
	"kiln/api/logging"
)

type LockEvent struct {
	Name  string     `json:"name"`
	State lock.State `json:"state"`
	Info  *lock.Info `json:"info,omitempty"`
}

type SiteCheck struct {
	URL        string    `json:"url"`
	Healthy    bool      `json:"healthy"`
	StatusCode int       `json:"statusCode,omitempty"`
	ResponseMs int       `json:"responseMs"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checkedAt"`
}

// Poller periodically inspects locks and, when SiteURL is set, probes the
// live site.
type Poller struct {
	Locks    []*lock.Lock
	WS       *hub.Hub
	SiteURL  string
	Interval time.Duration
	Client   *http.Client
	Logger   *slog.Logger

	last map[string]lock.State
}

// Run starts the polling loop. It blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	if p.Interval == 0 {
		p.Interval = 30 * time.Second
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	// Run once immediately on start
	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	p.PollLocks(ctx)
	if p.SiteURL != "" {
		p.CheckSite(ctx)
	}
}

// PollLocks inspects every lock and broadcasts the ones whose state changed
// since the previous poll.
func (p *Poller) PollLocks(ctx context.Context) []LockEvent {
	logger := logging.Ensure(p.Logger).With("component", "health")
	if p.last == nil {
		p.last = make(map[string]lock.State, len(p.Locks))
	}
	var changed []LockEvent
	for _, l := range p.Locks {
		state, info, err := l.Inspect(ctx)
		if err != nil {
			logger.Warn("inspect lock", "lock", l.Name(), "error", err)
			continue
		}
		prev, seen := p.last[l.Name()]
		p.last[l.Name()] = state
		if seen && prev == state {
			continue
		}
		if !seen && state == lock.Absent {
			continue
		}
		if state == lock.Expired || state == lock.Corrupt {
			logger.Warn("lock needs healing", "lock", l.Name(), "state", state)
		}
		evt := LockEvent{Name: l.Name(), State: state, Info: info}
		changed = append(changed, evt)
		p.WS.Broadcast(hub.Event{Type: hub.LockState, Payload: evt})
	}
	return changed
}

// CheckSite requests SiteURL once and broadcasts the result.
func (p *Poller) CheckSite(ctx context.Context) SiteCheck {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	sc := SiteCheck{URL: p.SiteURL, CheckedAt: time.Now().UTC()}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.SiteURL, nil)
	if err != nil {
		sc.Error = err.Error()
		return sc
	}
	resp, err := client.Do(req)
	sc.ResponseMs = int(time.Since(start).Milliseconds())
	if err != nil {
		sc.Error = err.Error()
	} else {
		sc.StatusCode = resp.StatusCode
		sc.Healthy = resp.StatusCode >= 200 && resp.StatusCode < 400
		resp.Body.Close()
	}

	p.WS.Broadcast(hub.Event{Type: hub.SiteHealth, Payload: sc})
	return sc
}
