package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
)

// ErrorKind is the machine-readable failure classification recorded on a
// terminally failed job.
type ErrorKind string

const (
	ErrKindTransient       ErrorKind = "transient"
	ErrKindNonRetriable    ErrorKind = "non_retriable"
	ErrKindMaterialization ErrorKind = "materialization"
	ErrKindCanceled        ErrorKind = "canceled"
)

type Job struct {
	ID              uuid.UUID       `json:"id"`
	QueryDefinition json.RawMessage `json:"query_definition"`
	State           JobState        `json:"state"`
	AttemptCount    int             `json:"attempt_count"`
	Generation      int64           `json:"generation"`
	ArtifactName    *string         `json:"artifact_name,omitempty"`
	ErrorKind       *ErrorKind      `json:"error_kind,omitempty"`
	Error           *string         `json:"error,omitempty"`
	SubmittedAt     time.Time       `json:"submitted_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	HeartbeatAt     *time.Time      `json:"heartbeat_at,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
}

// Terminal reports whether the job can never change state again.
func (j *Job) Terminal() bool {
	return j.State == StateSucceeded || j.State == StateFailed
}

// transitions holds every legal state change. succeeded and failed are
// terminal; running->queued is the retry path.
var transitions = map[JobState][]JobState{
	StateQueued:  {StateRunning, StateFailed},
	StateRunning: {StateSucceeded, StateFailed, StateQueued},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to JobState) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a descriptive error for an illegal state change.
func ValidateTransition(from, to JobState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal job transition %s -> %s", from, to)
	}
	return nil
}
