package service

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/google/uuid"

	"query-offload-service/internal/entity"
	"query-offload-service/internal/repository/postgresql"
)

var (
	// ErrRejected is surfaced synchronously when the pending queue is at the
	// admission ceiling. The system degrades by refusing new work, not by
	// accumulating it.
	ErrRejected = errors.New("queue depth over admission ceiling")
	// ErrNotCancelable means the job has already left the queued state.
	ErrNotCancelable = errors.New("only queued jobs can be canceled")
)

// Repository port (implementation: postgresql.JobRepository).
type SubmitRepository interface {
	Create(ctx context.Context, queryDef json.RawMessage) (uuid.UUID, error)
	MarkFailed(ctx context.Context, id uuid.UUID, kind entity.ErrorKind, message string) error
	CancelQueued(ctx context.Context, id uuid.UUID, reason string) error
}

// Small queue port for admission: enqueue plus the depth check.
type SubmitQueue interface {
	Enqueue(ctx context.Context, jobID string) error
	Depth(ctx context.Context) (int64, error)
}

type AdmissionService struct {
	repo     SubmitRepository
	queue    SubmitQueue
	maxDepth int64
}

func NewAdmissionService(repo SubmitRepository, queue SubmitQueue, maxDepth int64) *AdmissionService {
	if maxDepth <= 0 {
		maxDepth = 1000
	}
	return &AdmissionService{repo: repo, queue: queue, maxDepth: maxDepth}
}

// Submit validates, records a queued job and enqueues its reference. The job
// record is the source of truth; the queue entry is transient routing data.
func (s *AdmissionService) Submit(ctx context.Context, queryDef json.RawMessage) (uuid.UUID, error) {
	if len(queryDef) == 0 {
		return uuid.Nil, errors.New("query_definition is required")
	}
	if !json.Valid(queryDef) {
		return uuid.Nil, errors.New("query_definition is not valid json")
	}

	// Best-effort ceiling: the depth read and the enqueue are not atomic, so
	// concurrent submits can overshoot by the number of in-flight requests.
	// The ceiling bounds backlog, it is not an exact quota.
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	if depth >= s.maxDepth {
		return uuid.Nil, ErrRejected
	}

	id, err := s.repo.Create(ctx, queryDef)
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.queue.Enqueue(ctx, id.String()); err != nil {
		// A queued record with no queue entry would never be picked up.
		// Fail it so the caller sees a terminal state, not a stuck job.
		if mErr := s.repo.MarkFailed(ctx, id, entity.ErrKindTransient, "enqueue failed: "+err.Error()); mErr != nil {
			log.Printf("[admission] job_id=%s mark_failed error=%v", id, mErr)
		}
		return uuid.Nil, err
	}
	return id, nil
}

// Cancel fails a job that is still queued. The queue entry is removed lazily:
// the worker's claim-time state check drops entries whose job already left
// the queued state.
func (s *AdmissionService) Cancel(ctx context.Context, id uuid.UUID) error {
	err := s.repo.CancelQueued(ctx, id, "canceled by caller")
	switch {
	case errors.Is(err, postgresql.ErrConflict):
		return ErrNotCancelable
	case errors.Is(err, postgresql.ErrNotFound):
		return ErrNotFound
	}
	return err
}
