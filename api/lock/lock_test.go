package lock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLock(t *testing.T, dir string, opts ...Option) *Lock {
	t.Helper()
	base := []Option{WithPollInterval(5 * time.Millisecond), WithCorruptRetry(time.Millisecond)}
	return New(dir, NameDeployment, append(base, opts...)...)
}

func TestTryAcquireExclusive(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	a := newTestLock(t, dir)
	b := newTestLock(t, dir)

	ok, err := a.TryAcquire(ctx, "push")
	if err != nil || !ok {
		t.Fatalf("first TryAcquire = %v, %v", ok, err)
	}
	ok, err = b.TryAcquire(ctx, "zipdeploy")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second TryAcquire succeeded while lock was held")
	}

	held, err := b.IsHeld(ctx)
	if err != nil || !held {
		t.Errorf("IsHeld = %v, %v, want true", held, err)
	}

	if err := a.Release(ctx); err != nil {
		t.Fatal(err)
	}
	ok, _ = b.TryAcquire(ctx, "zipdeploy")
	if !ok {
		t.Error("TryAcquire after release failed")
	}
}

func TestInfoRecordFields(t *testing.T) {
	dir := t.TempDir()
	l := newTestLock(t, dir, WithWorker("worker-1"))
	if ok, _ := l.TryAcquire(context.Background(), "fetch"); !ok {
		t.Fatal("not acquired")
	}

	data, err := os.ReadFile(filepath.Join(dir, NameDeployment, "info.lock"))
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"heldByWorker", "lockExpiry", "heldByPID", "heldByTID", "heldByOp", "acquiredAt"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("info.lock missing %q", key)
		}
	}
	if raw["heldByWorker"] != "worker-1" || raw["heldByOp"] != "fetch" {
		t.Errorf("record = %v", raw)
	}
	if int(raw["heldByPID"].(float64)) != os.Getpid() {
		t.Errorf("heldByPID = %v", raw["heldByPID"])
	}
}

func TestIndefiniteLease(t *testing.T) {
	l := newTestLock(t, t.TempDir(), WithLease(0))
	ctx := context.Background()
	l.TryAcquire(ctx, "manual")

	state, info, err := l.Inspect(ctx)
	if err != nil || state != Valid {
		t.Fatalf("Inspect = %v, %v", state, err)
	}
	if info.LockExpiry.Year() != 9999 {
		t.Errorf("LockExpiry = %v, want year 9999", info.LockExpiry)
	}
}

func TestExpiredLeaseSelfHeals(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	crashed := newTestLock(t, dir, WithLease(time.Minute), WithClock(func() time.Time { return start }))
	if ok, _ := crashed.TryAcquire(ctx, "crashed"); !ok {
		t.Fatal("not acquired")
	}

	later := newTestLock(t, dir, WithClock(func() time.Time { return start.Add(2 * time.Minute) }))
	state, _, _ := later.Inspect(ctx)
	if state != Expired {
		t.Fatalf("state = %v, want expired", state)
	}
	held, err := later.IsHeld(ctx)
	if err != nil || held {
		t.Fatalf("IsHeld = %v, %v, want false", held, err)
	}
	if _, err := os.Stat(later.Path()); !os.IsNotExist(err) {
		t.Error("expired lock directory not removed")
	}

	crashed.TryAcquire(ctx, "crashed")
	ok, err := later.TryAcquire(ctx, "next")
	if err != nil || !ok {
		t.Fatalf("TryAcquire over expired lease = %v, %v", ok, err)
	}
	_, info, _ := later.Inspect(ctx)
	if info.HeldByOp != "next" {
		t.Errorf("HeldByOp = %q, want next", info.HeldByOp)
	}
}

func TestCorruptRecord(t *testing.T) {
	tests := []struct {
		name  string
		write func(path string)
	}{
		{"garbage", func(p string) { os.WriteFile(filepath.Join(p, "info.lock"), []byte("{not json"), 0o644) }},
		{"missing expiry", func(p string) { os.WriteFile(filepath.Join(p, "info.lock"), []byte(`{"heldByOp":"x"}`), 0o644) }},
		{"no record", func(string) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()
			l := newTestLock(t, dir)
			os.MkdirAll(l.Path(), 0o755)
			tt.write(l.Path())

			state, _, err := l.Inspect(ctx)
			if err != nil || state != Corrupt {
				t.Fatalf("Inspect = %v, %v, want corrupt", state, err)
			}
			ok, err := l.TryAcquire(ctx, "recover")
			if err != nil || !ok {
				t.Fatalf("TryAcquire = %v, %v, want forced acquisition", ok, err)
			}
			state, _, _ = l.Inspect(ctx)
			if state != Valid {
				t.Errorf("state after recovery = %v", state)
			}
		})
	}
}

func TestIsHeldClearsCorrupt(t *testing.T) {
	l := newTestLock(t, t.TempDir())
	os.MkdirAll(l.Path(), 0o755)
	os.WriteFile(filepath.Join(l.Path(), "info.lock"), []byte("\x00\x00"), 0o644)

	held, err := l.IsHeld(context.Background())
	if err != nil || held {
		t.Fatalf("IsHeld = %v, %v, want false", held, err)
	}
	if state, _, _ := l.Inspect(context.Background()); state != Absent {
		t.Errorf("state = %v, want absent", state)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	l := newTestLock(t, t.TempDir())
	ctx := context.Background()
	if err := l.Release(ctx); err != nil {
		t.Fatalf("Release of unheld lock: %v", err)
	}
	l.TryAcquire(ctx, "op")
	for i := 0; i < 3; i++ {
		if err := l.Release(ctx); err != nil {
			t.Fatalf("Release #%d: %v", i, err)
		}
	}
	if state, _, _ := l.Inspect(ctx); state != Absent {
		t.Errorf("state = %v, want absent", state)
	}
}

func TestLockOperationMutualExclusion(t *testing.T) {
	dir := t.TempDir()
	var active, peak, runs atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := newTestLock(t, dir)
			err := l.LockOperation(context.Background(), "worker", 10*time.Second, func(context.Context) error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)
				runs.Add(1)
				return nil
			})
			if err != nil {
				t.Errorf("LockOperation: %v", err)
			}
		}()
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Errorf("peak concurrent holders = %d, want 1", peak.Load())
	}
	if runs.Load() != 8 {
		t.Errorf("runs = %d, want 8", runs.Load())
	}
}

func TestLockOperationTimeout(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	holder := newTestLock(t, dir)
	holder.TryAcquire(ctx, "long build")

	waiter := newTestLock(t, dir)
	ran := false
	err := waiter.LockOperation(ctx, "second push", 30*time.Millisecond, func(context.Context) error {
		ran = true
		return nil
	})
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("err = %v, want ErrLockHeld", err)
	}
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("err is %T, want *OperationError", err)
	}
	if opErr.Holder == nil || opErr.Holder.HeldByOp != "long build" {
		t.Errorf("Holder = %+v", opErr.Holder)
	}
	if ran {
		t.Error("action ran without the lock")
	}
}

func TestLockOperationReleasesOnError(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	want := errors.New("build exploded")

	err := newTestLock(t, dir).LockOperation(ctx, "build", time.Second, func(context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
	if ok, _ := newTestLock(t, dir).TryAcquire(ctx, "next"); !ok {
		t.Error("lock still held after failing action")
	}
}

func TestLockOperationReleasesOnPanic(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic did not propagate")
			}
		}()
		newTestLock(t, dir).LockOperation(ctx, "build", time.Second, func(context.Context) error {
			panic("boom")
		})
	}()

	if ok, _ := newTestLock(t, dir).TryAcquire(ctx, "next"); !ok {
		t.Error("lock still held after panicking action")
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	dir := t.TempDir()
	newTestLock(t, dir).TryAcquire(context.Background(), "holder")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := newTestLock(t, dir).Acquire(ctx, "waiter", time.Minute)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestRun(t *testing.T) {
	l := newTestLock(t, t.TempDir())
	got, err := Run(context.Background(), l, "compute", time.Second, func(context.Context) (string, error) {
		return "abc123", nil
	})
	if err != nil || got != "abc123" {
		t.Errorf("Run = %q, %v", got, err)
	}
	if state, _, _ := l.Inspect(context.Background()); state != Absent {
		t.Errorf("state after Run = %v", state)
	}
}

func TestAcquisitionSequence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	l := newTestLock(t, dir)

	l.TryAcquire(ctx, "one")
	_, first, _ := l.Inspect(ctx)
	l.Release(ctx)
	l.TryAcquire(ctx, "two")
	_, second, _ := l.Inspect(ctx)

	if second.HeldByTID <= first.HeldByTID {
		t.Errorf("HeldByTID did not advance: %d then %d", first.HeldByTID, second.HeldByTID)
	}
}

func TestLeaseRenewedWhileHeld(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	a := newTestLock(t, dir, WithLease(200*time.Millisecond))
	b := newTestLock(t, dir, WithLease(200*time.Millisecond))

	var stolen atomic.Bool
	err := a.LockOperation(ctx, "long build", time.Second, func(ctx context.Context) error {
		_, first, _ := a.Inspect(ctx)
		time.Sleep(350 * time.Millisecond)
		if ok, _ := b.TryAcquire(ctx, "second"); ok {
			stolen.Store(true)
		}
		_, renewed, _ := a.Inspect(ctx)
		if renewed == nil || !renewed.LockExpiry.After(first.LockExpiry) {
			t.Errorf("lease not renewed: %v then %v", first, renewed)
		}
		time.Sleep(350 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if stolen.Load() {
		t.Fatal("second holder took the lock while the action was still running")
	}
	if ok, err := b.TryAcquire(ctx, "second"); !ok || err != nil {
		t.Fatalf("TryAcquire after release = %v, %v", ok, err)
	}
	b.Release(ctx)
}

func TestLeaseLapsesWithoutRenewal(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	crashed := newTestLock(t, dir, WithLease(100*time.Millisecond))
	if ok, _ := crashed.TryAcquire(ctx, "crashed"); !ok {
		t.Fatal("not acquired")
	}
	crashed.stopRenewal()

	next := newTestLock(t, dir)
	deadline := time.Now().Add(2 * time.Second)
	for {
		ok, err := next.TryAcquire(ctx, "next")
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lease of a holder that stopped renewing never lapsed")
		}
		time.Sleep(20 * time.Millisecond)
	}
	next.Release(ctx)
}

func TestHealKeepsReacquiredLock(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	crashed := newTestLock(t, dir, WithLease(time.Minute), WithClock(func() time.Time { return start }))
	crashed.TryAcquire(ctx, "crashed")
	crashed.stopRenewal()
	later := newTestLock(t, dir, WithClock(func() time.Time { return start.Add(2 * time.Minute) }))
	_, seen, _ := later.Inspect(ctx)

	// Another host heals the record and takes the lock before this one acts.
	os.RemoveAll(crashed.Path())
	other := newTestLock(t, dir)
	if ok, _ := other.TryAcquire(ctx, "other host"); !ok {
		t.Fatal("not acquired")
	}
	defer other.Release(ctx)

	freed, err := later.removeStale(ctx, seen)
	if err != nil || freed {
		t.Fatalf("removeStale = %v, %v, want the lock kept", freed, err)
	}
	state, info, _ := other.Inspect(ctx)
	if state != Valid || info.HeldByOp != "other host" {
		t.Errorf("state = %v, holder = %+v", state, info)
	}
	tombs, _ := filepath.Glob(filepath.Join(dir, ".stale-*"))
	if len(tombs) != 0 {
		t.Errorf("tombstones left behind: %v", tombs)
	}
}

func TestHealRemovesObservedRecord(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	crashed := newTestLock(t, dir, WithLease(time.Minute), WithClock(func() time.Time { return start }))
	crashed.TryAcquire(ctx, "crashed")
	crashed.stopRenewal()
	later := newTestLock(t, dir, WithClock(func() time.Time { return start.Add(2 * time.Minute) }))
	_, seen, _ := later.Inspect(ctx)

	freed, err := later.removeStale(ctx, seen)
	if err != nil || !freed {
		t.Fatalf("removeStale = %v, %v", freed, err)
	}
	if _, err := os.Stat(later.Path()); !os.IsNotExist(err) {
		t.Error("expired lock directory not removed")
	}
	tombs, _ := filepath.Glob(filepath.Join(dir, ".stale-*"))
	if len(tombs) != 0 {
		t.Errorf("tombstones left behind: %v", tombs)
	}
}
