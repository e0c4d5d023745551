// Package cron runs the agent's periodic maintenance jobs.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"kiln/api/logging"
)

var ErrUnknownJob = errors.New("no such job")

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

type JobState struct {
	Name     string     `json:"name"`
	Schedule string     `json:"schedule"`
	Paused   bool       `json:"paused"`
	NextRun  *time.Time `json:"nextRun,omitempty"`
	LastRun  *time.Time `json:"lastRun,omitempty"`
	LastErr  string     `json:"lastError,omitempty"`
}

type job struct {
	schedule string
	fn       Job
	entry    cron.EntryID
	paused   bool
	lastRun  *time.Time
	lastErr  string
}

type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

func New(logger *slog.Logger) *Scheduler {
	logger = logging.Ensure(logger).With("component", "cron")
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		jobs:   make(map[string]*job),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop waits for running jobs after cancelling their context.
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// Add schedules fn under name, replacing any job with the same name.
// schedule accepts standard five-field expressions and descriptors such as
// "@every 1m".
func (s *Scheduler) Add(name, schedule string, fn Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[name]; ok {
		s.cron.Remove(old.entry)
	}
	j := &job{schedule: schedule, fn: fn}
	if err := s.schedule(name, j); err != nil {
		return err
	}
	s.jobs[name] = j
	return nil
}

func (s *Scheduler) schedule(name string, j *job) error {
	entry, err := s.cron.AddFunc(j.schedule, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("schedule %s with %q: %w", name, j.schedule, err)
	}
	j.entry = entry
	s.logger.Info("job scheduled", "job", name, "schedule", j.schedule, "next", s.cron.Entry(entry).Next)
	return nil
}

func (s *Scheduler) Pause(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !j.paused {
		s.cron.Remove(j.entry)
		j.paused = true
	}
	return nil
}

func (s *Scheduler) Resume(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !j.paused {
		return nil
	}
	if err := s.schedule(name, j); err != nil {
		return err
	}
	j.paused = false
	return nil
}

// Trigger runs a job now, outside its schedule, and waits for it.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(name)
}

func (s *Scheduler) execute(name string) error {
	s.mu.Lock()
	j := s.jobs[name]
	s.mu.Unlock()
	if j == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	start := time.Now()
	err := j.fn(s.ctx)

	s.mu.Lock()
	j.lastRun = &start
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("job failed", "job", name, "duration", time.Since(start), "error", err)
	} else {
		s.logger.Debug("job finished", "job", name, "duration", time.Since(start))
	}
	return err
}

// States reports every job, sorted by name.
func (s *Scheduler) States() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.jobs))
	for name, j := range s.jobs {
		st := JobState{Name: name, Schedule: j.schedule, Paused: j.paused, LastRun: j.lastRun, LastErr: j.lastErr}
		if !j.paused {
			if next := s.cron.Entry(j.entry).Next; !next.IsZero() {
				st.NextRun = &next
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
