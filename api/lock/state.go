package lock

import (
	"errors"
	"fmt"
	"time"
)

// State is the result of inspecting a lock directory.
type State int

const (
	Absent State = iota
	Valid
	Expired
	Corrupt
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Valid:
		return "valid"
	case Expired:
		return "expired"
	case Corrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := Absent; st <= Corrupt; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown lock state %q", b)
}

// Info is the record stored in info.lock. The JSON field names are part of
// the on-disk layout and must not change.
type Info struct {
	HeldByWorker string    `json:"heldByWorker"`
	LockExpiry   time.Time `json:"lockExpiry"`
	HeldByPID    int       `json:"heldByPID"`
	HeldByTID    int64     `json:"heldByTID"`
	HeldByOp     string    `json:"heldByOp"`
	AcquiredAt   time.Time `json:"acquiredAt"`
}

// indefinite is the expiry written for leases that never lapse.
var indefinite = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

func (i *Info) expiredAt(now time.Time) bool {
	return !now.Before(i.LockExpiry)
}

// sameRecord reports whether o is the record i describes, lease included.
func (i *Info) sameRecord(o *Info) bool {
	return i.HeldByWorker == o.HeldByWorker &&
		i.HeldByPID == o.HeldByPID &&
		i.HeldByTID == o.HeldByTID &&
		i.LockExpiry.Equal(o.LockExpiry) &&
		i.AcquiredAt.Equal(o.AcquiredAt)
}

var ErrLockHeld = errors.New("lock held by another operation")

// OperationError is returned when a lock could not be acquired within the
// requested wait. It matches ErrLockHeld.
type OperationError struct {
	Name   string
	Op     string
	Wait   time.Duration
	Holder *Info
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("lock %q: %s could not acquire within %s", e.Name, e.Op, e.Wait)
	if e.Holder != nil && e.Holder.HeldByOp != "" {
		msg += fmt.Sprintf(" (held by %s on %s, pid %d)", e.Holder.HeldByOp, e.Holder.HeldByWorker, e.Holder.HeldByPID)
	}
	return msg
}

func (e *OperationError) Is(target error) bool {
	return target == ErrLockHeld
}
