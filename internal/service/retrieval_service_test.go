package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"query-offload-service/internal/entity"
	"query-offload-service/internal/repository/postgresql"
	"query-offload-service/internal/resultstore"
	"query-offload-service/internal/service"
)

// ---- fakes ----

type fakeStatusRepo struct {
	jobs map[uuid.UUID]*entity.Job
}

func (r *fakeStatusRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	j, ok := r.jobs[id]
	if !ok {
		return nil, postgresql.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

type sliceIterator struct {
	cols []string
	rows [][]json.RawMessage
	pos  int
}

func (it *sliceIterator) Columns() []string { return it.cols }

func (it *sliceIterator) Next() ([]json.RawMessage, error) {
	if it.pos >= len(it.rows) {
		return nil, io.EOF
	}
	row := it.rows[it.pos]
	it.pos++
	return row, nil
}

func (it *sliceIterator) Close() {}

type fakeResultReader struct {
	generation int64
	artifacts  map[string]*sliceIterator
}

func (s *fakeResultReader) ActiveGeneration() int64 { return s.generation }

func (s *fakeResultReader) ReadRows(ctx context.Context, name string) (resultstore.RowIterator, error) {
	it, ok := s.artifacts[name]
	if !ok {
		return nil, resultstore.ErrNotFound
	}
	return it, nil
}

func succeededJob(gen int64, artifact string) *entity.Job {
	return &entity.Job{
		ID:           uuid.New(),
		State:        entity.StateSucceeded,
		AttemptCount: 1,
		Generation:   gen,
		ArtifactName: &artifact,
		SubmittedAt:  time.Now().UTC(),
	}
}

// ---- tests ----

func TestStatus_NotFound(t *testing.T) {
	svc := service.NewRetrievalService(&fakeStatusRepo{jobs: map[uuid.UUID]*entity.Job{}}, &fakeResultReader{generation: 1})

	if _, err := svc.Status(context.Background(), uuid.New()); !errors.Is(err, service.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStatus_PollingIsIdempotent(t *testing.T) {
	job := &entity.Job{ID: uuid.New(), State: entity.StateRunning, AttemptCount: 2}
	repo := &fakeStatusRepo{jobs: map[uuid.UUID]*entity.Job{job.ID: job}}
	svc := service.NewRetrievalService(repo, &fakeResultReader{generation: 1})

	first, err := svc.Status(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("first poll: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := svc.Status(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if again.State != first.State || again.AttemptCount != first.AttemptCount {
			t.Fatalf("polling mutated state: %v vs %v", again, first)
		}
	}
}

func TestFetch_NotReadyUntilSucceeded(t *testing.T) {
	for _, state := range []entity.JobState{entity.StateQueued, entity.StateRunning, entity.StateFailed} {
		job := &entity.Job{ID: uuid.New(), State: state}
		repo := &fakeStatusRepo{jobs: map[uuid.UUID]*entity.Job{job.ID: job}}
		svc := service.NewRetrievalService(repo, &fakeResultReader{generation: 1})

		if _, err := svc.Fetch(context.Background(), job.ID); !errors.Is(err, service.ErrNotReady) {
			t.Fatalf("state %s: expected ErrNotReady, got %v", state, err)
		}
	}
}

func TestFetch_StreamsArtifactRows(t *testing.T) {
	job := succeededJob(1, "r_g1_abc")
	repo := &fakeStatusRepo{jobs: map[uuid.UUID]*entity.Job{job.ID: job}}
	store := &fakeResultReader{
		generation: 1,
		artifacts: map[string]*sliceIterator{
			"r_g1_abc": {
				cols: []string{"id", "name"},
				rows: [][]json.RawMessage{
					{json.RawMessage(`1`), json.RawMessage(`"a"`)},
					{json.RawMessage(`2`), json.RawMessage(`"b"`)},
					{json.RawMessage(`3`), json.RawMessage(`"c"`)},
				},
			},
		},
	}
	svc := service.NewRetrievalService(repo, store)

	it, err := svc.Fetch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer it.Close()

	if !reflect.DeepEqual(it.Columns(), []string{"id", "name"}) {
		t.Fatalf("unexpected columns: %v", it.Columns())
	}
	var n int
	for {
		_, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		n++
	}
	if n != 3 {
		t.Fatalf("expected exactly 3 rows, got %d", n)
	}
}

func TestFetch_EvictedGenerationIsNotFound(t *testing.T) {
	// the job metadata survives the eviction cycle, the artifact does not
	job := succeededJob(1, "r_g1_abc")
	repo := &fakeStatusRepo{jobs: map[uuid.UUID]*entity.Job{job.ID: job}}
	store := &fakeResultReader{generation: 2, artifacts: map[string]*sliceIterator{}}
	svc := service.NewRetrievalService(repo, store)

	if _, err := svc.Fetch(context.Background(), job.ID); !errors.Is(err, service.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for evicted generation, got %v", err)
	}
}

func TestFetch_ExpiredJobIsNotFound(t *testing.T) {
	job := succeededJob(1, "r_g1_abc")
	now := time.Now().UTC()
	job.ExpiresAt = &now
	repo := &fakeStatusRepo{jobs: map[uuid.UUID]*entity.Job{job.ID: job}}
	store := &fakeResultReader{generation: 1, artifacts: map[string]*sliceIterator{"r_g1_abc": {}}}
	svc := service.NewRetrievalService(repo, store)

	if _, err := svc.Fetch(context.Background(), job.ID); !errors.Is(err, service.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired job, got %v", err)
	}
}
