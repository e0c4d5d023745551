package model

import (
	"errors"
	"fmt"
	"time"
)

type DeployStatus string

const (
	StatusPending   DeployStatus = "pending"
	StatusBuilding  DeployStatus = "building"
	StatusDeploying DeployStatus = "deploying"
	StatusSuccess   DeployStatus = "success"
	StatusFailed    DeployStatus = "failed"
	StatusUnknown   DeployStatus = "unknown"
)

var ErrInvalidTransition = errors.New("invalid status transition")

func (s DeployStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusBuilding:
		return 1
	case StatusDeploying:
		return 2
	case StatusSuccess, StatusFailed:
		return 3
	default:
		return -1
	}
}

func (s DeployStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

func (s DeployStatus) Valid() bool {
	return s.rank() >= 0 || s == StatusUnknown
}

// CanTransition reports whether a record in status s may move to next.
// Progress only moves forward and any unfinished state may fail. Terminal
// states are left only through a reset to pending, which is not a
// transition. An unknown status (unreadable record) may move anywhere.
func (s DeployStatus) CanTransition(next DeployStatus) bool {
	if !next.Valid() || next == StatusUnknown {
		return false
	}
	if s == StatusUnknown {
		return true
	}
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return next.rank() > s.rank()
}

// CheckTransition is CanTransition as an error.
func CheckTransition(from, to DeployStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// StatusFile is the persisted record of one deployment attempt, stored as
// deployments/<id>/status.json.
type StatusFile struct {
	ID                 string       `json:"id"`
	Status             DeployStatus `json:"status"`
	StatusText         string       `json:"statusText,omitempty"`
	Message            string       `json:"message,omitempty"`
	Author             string       `json:"author,omitempty"`
	AuthorEmail        string       `json:"authorEmail,omitempty"`
	Deployer           string       `json:"deployer,omitempty"`
	Progress           string       `json:"progress,omitempty"`
	ReceivedTime       time.Time    `json:"receivedTime"`
	StartTime          *time.Time   `json:"startTime,omitempty"`
	EndTime            *time.Time   `json:"endTime,omitempty"`
	LastSuccessEndTime *time.Time   `json:"lastSuccessEndTime,omitempty"`
	Complete           bool         `json:"complete"`
	IsTemp             bool         `json:"isTemp"`
	IsReadOnly         bool         `json:"isReadOnly"`
	SiteName           string       `json:"siteName,omitempty"`
	HostName           string       `json:"hostName,omitempty"`
	Active             bool         `json:"active"` // computed on read
}

// Reset puts a finished record back to pending for a new attempt with the
// same id.
func (f *StatusFile) Reset(now time.Time) {
	f.Status = StatusPending
	f.StatusText = ""
	f.Progress = ""
	f.ReceivedTime = now
	f.StartTime = nil
	f.EndTime = nil
	f.Complete = false
}

type RepositoryType string

const (
	RepositoryGit    RepositoryType = "git"
	RepositoryFolder RepositoryType = "folder"
)

type ArtifactType string

const (
	ArtifactNone     ArtifactType = ""
	ArtifactZip      ArtifactType = "zip"
	ArtifactSquashfs ArtifactType = "squashfs"
)

// DeploymentInfo describes one requested deployment. It lives for one run
// of the deployment manager, except when deferred to the pending marker.
type DeploymentInfo struct {
	RepositoryURL           string         `json:"repositoryUrl,omitempty"`
	RepositoryType          RepositoryType `json:"repositoryType,omitempty"`
	Branch                  string         `json:"branch,omitempty"`
	CommitID                string         `json:"commitId,omitempty"`
	Deployer                string         `json:"deployer,omitempty"`
	Author                  string         `json:"author,omitempty"`
	AuthorEmail             string         `json:"authorEmail,omitempty"`
	Message                 string         `json:"message,omitempty"`
	ArtifactType            ArtifactType   `json:"artifactType,omitempty"`
	TargetPath              string         `json:"targetPath,omitempty"`
	IsContinuous            bool           `json:"isContinuous,omitempty"`
	CleanupTargetDirectory  bool           `json:"cleanupTargetDirectory,omitempty"`
	AllowDeferredDeployment bool           `json:"allowDeferredDeployment,omitempty"`
	DoFullBuildByDefault    bool           `json:"doFullBuildByDefault,omitempty"`
	DeploymentV2            bool           `json:"deploymentV2,omitempty"`
	IsReadOnly              bool           `json:"isReadOnly,omitempty"`
}

type ChangeSet struct {
	ID          string    `json:"id"`
	AuthorName  string    `json:"authorName,omitempty"`
	AuthorEmail string    `json:"authorEmail,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type LogType string

const (
	LogMessage LogType = "message"
	LogWarning LogType = "warning"
	LogError   LogType = "error"
)

// LogEntry is one line of deployments/<id>/log.jsonl.
type LogEntry struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Type    LogType   `json:"type"`
	Message string    `json:"message"`
}
