// Package lock implements named operation locks backed by a directory on a
// shared filesystem. Creating the directory is the only compare-and-swap;
// the info.lock record inside it carries a lease so a crashed holder cannot
// wedge the site forever.
//
// A holder renews its lease every third of the lease while it is alive, so
// a lease lapses only when the holder has crashed or stalled.
//
// Leases are compared against the local clock, so hosts sharing the lock
// directory must keep their clocks reasonably in sync. The .guard flock
// only serializes processes on one host; across hosts an expired record is
// moved to a tombstone and deleted only if the moved record is still the
// one that was judged expired.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danjacques/gofslock/fslock"
	"github.com/google/uuid"

	"kiln/api/fsutil"
	"kiln/api/logging"
)

const (
	NameDeployment = "deployment"
	NameStatus     = "status"
	NameHooks      = "hooks"
	NameAutoSwap   = "autoswap"

	infoFile = "info.lock"

	DefaultLease        = 600 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
	DefaultCorruptRetry = 100 * time.Millisecond
)

// acquisitions numbers every successful acquisition in this process and
// stands in for a thread id in the lock record.
var acquisitions atomic.Int64

type Lock struct {
	name      string
	path      string
	guardPath string

	lease        time.Duration
	worker       string
	poll         time.Duration
	corruptRetry time.Duration
	now          func() time.Time
	logger       *slog.Logger

	// seq of the acquisition this instance currently holds, 0 if none.
	seq atomic.Int64

	renewMu   sync.Mutex
	renewStop chan struct{}
	renewDone chan struct{}
}

// errLost means the record being renewed is no longer ours.
var errLost = errors.New("lock record lost")

type Option func(*Lock)

// WithLease sets the lease duration. Zero means the lease never expires and
// the lock is held until released.
func WithLease(d time.Duration) Option { return func(l *Lock) { l.lease = d } }

func WithWorker(id string) Option { return func(l *Lock) { l.worker = id } }

func WithPollInterval(d time.Duration) Option { return func(l *Lock) { l.poll = d } }

func WithCorruptRetry(d time.Duration) Option { return func(l *Lock) { l.corruptRetry = d } }

func WithClock(now func() time.Time) Option { return func(l *Lock) { l.now = now } }

func WithLogger(logger *slog.Logger) Option { return func(l *Lock) { l.logger = logger } }

// New returns the lock called name under dir. Nothing touches the
// filesystem until the lock is used.
func New(dir, name string, opts ...Option) *Lock {
	host, _ := os.Hostname()
	l := &Lock{
		name:         name,
		path:         filepath.Join(dir, name),
		guardPath:    filepath.Join(dir, name+".guard"),
		lease:        DefaultLease,
		worker:       host,
		poll:         DefaultPollInterval,
		corruptRetry: DefaultCorruptRetry,
		now:          time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	l.logger = logging.Ensure(l.logger).With("component", "lock", "lock", name)
	return l
}

func (l *Lock) Name() string { return l.name }
func (l *Lock) Path() string { return l.path }

// Inspect reports the current state of the lock without changing it.
func (l *Lock) Inspect(ctx context.Context) (State, *Info, error) {
	if _, err := os.Stat(l.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Absent, nil, nil
		}
		return Absent, nil, fmt.Errorf("stat lock %s: %w", l.name, err)
	}
	info, err := readInfo(l.path)
	if err != nil {
		// The directory can vanish between the stat and the read.
		if _, serr := os.Stat(l.path); errors.Is(serr, fs.ErrNotExist) {
			return Absent, nil, nil
		}
		return Corrupt, nil, nil
	}
	if info.expiredAt(l.now()) {
		return Expired, info, nil
	}
	return Valid, info, nil
}

func readInfo(dir string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, infoFile))
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	if info.LockExpiry.IsZero() {
		return nil, errors.New("lock record without expiry")
	}
	return &info, nil
}

// TryAcquire takes the lock if it is free, expired or corrupt. It never
// waits for a live holder.
func (l *Lock) TryAcquire(ctx context.Context, op string) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("lock dir: %w", err)
	}
	var acquired bool
	err := fslock.With(l.guardPath, func() error {
		ok, err := l.acquireGuarded(ctx, op)
		acquired = ok
		return err
	})
	if errors.Is(err, fslock.ErrLockHeld) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if acquired {
		l.startRenewal()
	}
	return acquired, nil
}

func (l *Lock) acquireGuarded(ctx context.Context, op string) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		err := os.Mkdir(l.path, 0o755)
		if err == nil {
			if err := l.writeInfo(op); err != nil {
				os.RemoveAll(l.path)
				return false, err
			}
			return true, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return false, fmt.Errorf("create lock %s: %w", l.name, err)
		}
		if attempt > 0 {
			// Someone else won the retry.
			return false, nil
		}
		freed, err := l.heal(ctx)
		if err != nil || !freed {
			return false, err
		}
	}
	return false, nil
}

// heal clears an expired or corrupt record. It reports whether the lock is
// now free. Must be called with the guard held.
func (l *Lock) heal(ctx context.Context) (bool, error) {
	state, info, err := l.Inspect(ctx)
	if err != nil {
		return false, err
	}
	switch state {
	case Absent:
		return true, nil
	case Valid:
		return false, nil
	case Expired:
		l.logger.Warn("removing expired lock", "heldBy", info.HeldByOp, "worker", info.HeldByWorker, "expiry", info.LockExpiry)
		return l.removeStale(ctx, info)
	}

	// Corrupt: a live holder may be halfway through writing its record.
	// Give it one chance before forcing the lock open.
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(l.corruptRetry):
	}
	state, _, err = l.Inspect(ctx)
	if err != nil {
		return false, err
	}
	switch state {
	case Absent:
		return true, nil
	case Valid:
		return false, nil
	}
	l.logger.Warn("force releasing lock with unreadable record", "state", state)
	return true, l.remove(ctx)
}

// removeStale moves the lock directory to a tombstone and deletes it only
// when the moved record is still seen. Otherwise another host healed and
// took the lock in between; its directory is put back and the lock stays
// held.
func (l *Lock) removeStale(ctx context.Context, seen *Info) (bool, error) {
	tomb := filepath.Join(filepath.Dir(l.path), ".stale-"+uuid.NewString())
	if err := os.Rename(l.path, tomb); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("move stale lock %s: %w", l.name, err)
	}
	moved, err := readInfo(tomb)
	if err != nil || !moved.sameRecord(seen) {
		if rerr := os.Rename(tomb, l.path); rerr != nil {
			l.logger.Error("restore lock moved while healing", "tombstone", tomb, "error", rerr)
		}
		return false, nil
	}
	return true, fsutil.RemoveAll(ctx, tomb)
}

func (l *Lock) expiry() time.Time {
	if l.lease <= 0 {
		return indefinite
	}
	return l.now().Add(l.lease).UTC()
}

func (l *Lock) writeInfo(op string) error {
	now := l.now()
	seq := acquisitions.Add(1)
	info := Info{
		HeldByWorker: l.worker,
		LockExpiry:   l.expiry(),
		HeldByPID:    os.Getpid(),
		HeldByTID:    seq,
		HeldByOp:     op,
		AcquiredAt:   now.UTC(),
	}
	if err := l.writeRecord(&info); err != nil {
		return err
	}
	l.seq.Store(seq)
	l.logger.Debug("acquired", "op", op, "expiry", info.LockExpiry)
	return nil
}

func (l *Lock) writeRecord(info *Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(l.path, infoFile), data, 0o644); err != nil {
		return fmt.Errorf("write lock info: %w", err)
	}
	return nil
}

// startRenewal keeps the lease of the acquisition just made alive until
// Release.
func (l *Lock) startRenewal() {
	if l.lease <= 0 {
		return
	}
	l.renewMu.Lock()
	defer l.renewMu.Unlock()
	l.stopRenewalLocked()
	stop, done := make(chan struct{}), make(chan struct{})
	l.renewStop, l.renewDone = stop, done
	go l.renew(l.seq.Load(), stop, done)
}

func (l *Lock) stopRenewal() {
	l.renewMu.Lock()
	defer l.renewMu.Unlock()
	l.stopRenewalLocked()
}

func (l *Lock) stopRenewalLocked() {
	if l.renewStop == nil {
		return
	}
	close(l.renewStop)
	<-l.renewDone
	l.renewStop, l.renewDone = nil, nil
}

func (l *Lock) renew(seq int64, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := l.lease / 3
	retry := min(l.poll, interval)
	t := time.NewTimer(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		next := interval
		err := fslock.With(l.guardPath, func() error { return l.extend(seq) })
		switch {
		case err == nil:
		case errors.Is(err, errLost):
			l.logger.Error("lock taken over while held", "seq", seq)
			return
		case errors.Is(err, fslock.ErrLockHeld):
			next = retry
		default:
			l.logger.Warn("renew lease", "error", err)
			next = retry
		}
		t.Reset(next)
	}
}

// extend pushes the expiry of acquisition seq forward. Must be called with
// the guard held.
func (l *Lock) extend(seq int64) error {
	info, err := readInfo(l.path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !l.holds(info, seq)) {
		return errLost
	}
	if err != nil {
		return err
	}
	info.LockExpiry = l.expiry()
	return l.writeRecord(info)
}

// IsHeld reports whether a live holder owns the lock. Expired and corrupt
// records are cleared on the way.
func (l *Lock) IsHeld(ctx context.Context) (bool, error) {
	state, _, err := l.Inspect(ctx)
	if err != nil {
		return false, err
	}
	switch state {
	case Valid:
		return true, nil
	case Absent:
		return false, nil
	}
	var freed bool
	err = fslock.With(l.guardPath, func() error {
		var err error
		freed, err = l.heal(ctx)
		return err
	})
	if errors.Is(err, fslock.ErrLockHeld) {
		// Someone local is acquiring or healing right now.
		return state == Valid, nil
	}
	if err != nil {
		return false, err
	}
	return !freed, nil
}

// Release removes the lock unconditionally. Releasing a lock that is not
// held is not an error but is logged, since it points at a caller bug.
func (l *Lock) Release(ctx context.Context) error {
	l.stopRenewal()
	state, info, _ := l.Inspect(ctx)
	if state == Absent {
		l.logger.Warn("release of a lock that is not held")
		l.seq.Store(0)
		return nil
	}
	if info != nil && !l.owns(info) {
		l.logger.Warn("releasing lock owned by another holder", "heldBy", info.HeldByOp, "worker", info.HeldByWorker, "pid", info.HeldByPID)
	}
	l.seq.Store(0)
	return l.remove(ctx)
}

func (l *Lock) owns(info *Info) bool {
	return l.holds(info, l.seq.Load())
}

func (l *Lock) holds(info *Info, seq int64) bool {
	return seq != 0 && info.HeldByWorker == l.worker && info.HeldByPID == os.Getpid() && info.HeldByTID == seq
}

func (l *Lock) remove(ctx context.Context) error {
	return fsutil.RemoveAll(ctx, l.path)
}

// Acquire polls TryAcquire until it succeeds, wait elapses or ctx is done.
// A timeout returns an *OperationError describing the current holder.
func (l *Lock) Acquire(ctx context.Context, op string, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.TryAcquire(ctx, op)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			_, holder, _ := l.Inspect(ctx)
			return &OperationError{Name: l.name, Op: op, Wait: wait, Holder: holder}
		}
		delay := l.poll
		if remaining < delay {
			delay = remaining
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// LockOperation runs fn while holding the lock and releases it on every
// exit path, panics included.
func (l *Lock) LockOperation(ctx context.Context, op string, wait time.Duration, fn func(context.Context) error) (err error) {
	if err := l.Acquire(ctx, op, wait); err != nil {
		return err
	}
	defer func() {
		if rerr := l.Release(context.WithoutCancel(ctx)); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(ctx)
}

// Run is LockOperation for functions that produce a value.
func Run[T any](ctx context.Context, l *Lock, op string, wait time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := l.LockOperation(ctx, op, wait, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}
