package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict means another deployment holds the deployment lock. It is
	// returned joined with the *lock.OperationError that describes the
	// holder.
	ErrConflict = errors.New("another deployment is in progress")
	// ErrDeferred means the lock was busy and the request was written to the
	// pending marker instead.
	ErrDeferred           = errors.New("deployment deferred")
	ErrAutoSwapInProgress = errors.New("an auto swap is already in progress")
	ErrAutoSwapNotReady   = errors.New("deployment did not succeed")
)

// Stages reported by DeploymentError.
const (
	StageFetch   = "fetch"
	StageStatus  = "status"
	StageUpdate  = "update"
	StageBuild   = "build"
	StageSync    = "sync"
	StageFinish  = "finish"
	StagePending = "pending"
)

// DeploymentError is a deployment attempt that failed at Stage.
type DeploymentError struct {
	ID    string
	Stage string
	Err   error
}

func (e *DeploymentError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("deployment failed at %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("deployment %s failed at %s: %v", e.ID, e.Stage, e.Err)
}

func (e *DeploymentError) Unwrap() error { return e.Err }
