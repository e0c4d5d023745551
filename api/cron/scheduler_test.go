package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"kiln/api/logging"
)

func TestSchedulerRunsJobs(t *testing.T) {
	s := New(logging.Discard())
	var runs atomic.Int32
	if err := s.Add("pending", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never ran")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSchedulerTriggerRecordsError(t *testing.T) {
	s := New(logging.Discard())
	boom := errors.New("boom")
	s.Add("prune", "@hourly", func(context.Context) error { return boom })

	if err := s.Trigger("prune"); !errors.Is(err, boom) {
		t.Fatalf("Trigger = %v", err)
	}
	states := s.States()
	if len(states) != 1 || states[0].LastErr != "boom" || states[0].LastRun == nil {
		t.Errorf("states = %+v", states)
	}
	if err := s.Trigger("missing"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestSchedulerPauseResume(t *testing.T) {
	s := New(logging.Discard())
	s.Add("prune", "@hourly", func(context.Context) error { return nil })
	s.Start()
	defer s.Stop()

	if err := s.Pause("prune"); err != nil {
		t.Fatal(err)
	}
	if st := s.States()[0]; !st.Paused || st.NextRun != nil {
		t.Errorf("paused state = %+v", st)
	}
	if err := s.Resume("prune"); err != nil {
		t.Fatal(err)
	}
	if st := s.States()[0]; st.Paused || st.NextRun == nil {
		t.Errorf("resumed state = %+v", st)
	}
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	s := New(logging.Discard())
	if err := s.Add("bad", "every tuesday", func(context.Context) error { return nil }); err == nil {
		t.Error("expected parse error")
	}
}
