package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"query-offload-service/internal/entity"
	"query-offload-service/internal/repository/postgresql"
	"query-offload-service/internal/resultstore"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrNotReady means the job exists but has not succeeded yet.
	ErrNotReady = errors.New("job result not ready")
)

type StatusRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
}

// Result store port for retrieval.
type ResultReader interface {
	ActiveGeneration() int64
	ReadRows(ctx context.Context, name string) (resultstore.RowIterator, error)
}

// RetrievalService answers status polls and streams succeeded results from
// the job's artifact. Fetch never touches the protected backend.
type RetrievalService struct {
	repo  StatusRepository
	store ResultReader
}

func NewRetrievalService(repo StatusRepository, store ResultReader) *RetrievalService {
	return &RetrievalService{repo: repo, store: store}
}

// Status returns the job snapshot. Read-only: polling never mutates state.
func (s *RetrievalService) Status(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, postgresql.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// Fetch opens a row stream for a succeeded job. A job whose generation has
// been evicted reports ErrNotFound even though its metadata still exists:
// artifacts do not outlive their generation.
func (s *RetrievalService) Fetch(ctx context.Context, id uuid.UUID) (resultstore.RowIterator, error) {
	job, err := s.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State != entity.StateSucceeded {
		return nil, ErrNotReady
	}
	if job.ExpiresAt != nil || job.Generation != s.store.ActiveGeneration() || job.ArtifactName == nil {
		return nil, ErrNotFound
	}

	it, err := s.store.ReadRows(ctx, *job.ArtifactName)
	if err != nil {
		if errors.Is(err, resultstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return it, nil
}
