package orchestrator

import (
	"errors"
	"time"

	"github.com/skylark-robotics/launcher/internal/ota/artifact"
)

// JobState is a stage of the rollout pipeline. The order is strict:
// Proposed → Downloading → Verifying → BackingUp → Installing → Restarting
// → Confirming, ending in exactly one of Succeeded, RolledBack, or Failed.
type JobState string

const (
	StateProposed    JobState = "Proposed"
	StateDownloading JobState = "Downloading"
	StateVerifying   JobState = "Verifying"
	StateBackingUp   JobState = "BackingUp"
	StateInstalling  JobState = "Installing"
	StateRestarting  JobState = "Restarting"
	StateConfirming  JobState = "Confirming"
	StateSucceeded   JobState = "Succeeded"
	StateRolledBack  JobState = "RolledBack"
	StateFailed      JobState = "Failed"
)

// Terminal reports whether s ends the job.
func (s JobState) Terminal() bool {
	switch s {
	case StateSucceeded, StateRolledBack, StateFailed:
		return true
	}
	return false
}

// FailureReason classifies why a job left the happy path.
type FailureReason string

const (
	ReasonDownloadError       FailureReason = "DownloadError"
	ReasonVerifyError         FailureReason = "VerifyError"
	ReasonBackupError         FailureReason = "BackupError"
	ReasonInstallError        FailureReason = "InstallError"
	ReasonUnrecoverable       FailureReason = "UnrecoverableInstallError"
	ReasonConfirmationTimeout FailureReason = "ConfirmationTimeout"
	ReasonPostInstall         FailureReason = "PostInstallUnhealthy"
	ReasonCanceled            FailureReason = "Canceled"
)

// Admission errors surfaced to callers; no job is created when these fire.
var (
	ErrUnknownService    = errors.New("unknown service")
	ErrUpdateInFlight    = errors.New("an update for this service is already in flight")
	ErrVersionCurrent    = errors.New("target version equals the installed version")
	ErrIneligibleVersion = errors.New("target version is not eligible")
	ErrJobNotFound       = errors.New("update job not found")
	ErrCancelNotAllowed  = errors.New("job is past the point of cancellation")
)

// Job is one rollout attempt for one service. At most one non-terminal Job
// exists per service at any time.
type Job struct {
	ID          string             `json:"id"`
	Service     string             `json:"service"`
	Package     string             `json:"package"`
	Unit        string             `json:"unit"`
	FromVersion string             `json:"fromVersion"`
	ToVersion   string             `json:"toVersion"`
	State       JobState           `json:"state"`
	Reason      FailureReason      `json:"reason,omitempty"`
	Error       string             `json:"error,omitempty"`
	Artifact    artifact.Ref       `json:"artifact,omitempty"`
	Backup      artifact.BackupRef `json:"backup,omitempty"`
	StartedAt   time.Time          `json:"startedAt"`
	FinishedAt  time.Time          `json:"finishedAt,omitempty"`

	canceled bool
}
