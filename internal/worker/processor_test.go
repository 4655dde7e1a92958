package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"query-offload-service/internal/entity"
	"query-offload-service/internal/executor"
	"query-offload-service/internal/repository/postgresql"
)

// ---- fakes ----

// memRepo mimics the tracker's compare-and-swap semantics in memory.
type memRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*entity.Job
}

func newMemRepo() *memRepo {
	return &memRepo{jobs: map[uuid.UUID]*entity.Job{}}
}

func (r *memRepo) add(state entity.JobState) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.jobs[id] = &entity.Job{
		ID:              id,
		QueryDefinition: json.RawMessage(`{"sql":"select 1"}`),
		State:           state,
		SubmittedAt:     time.Now().UTC(),
	}
	return id
}

func (r *memRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, postgresql.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *memRepo) cas(id uuid.UUID, from []entity.JobState, apply func(*entity.Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return postgresql.ErrNotFound
	}
	for _, f := range from {
		if j.State == f {
			apply(j)
			return nil
		}
	}
	return postgresql.ErrConflict
}

func (r *memRepo) ClaimRunning(ctx context.Context, id uuid.UUID) error {
	return r.cas(id, []entity.JobState{entity.StateQueued}, func(j *entity.Job) {
		now := time.Now().UTC()
		j.State = entity.StateRunning
		j.StartedAt = &now
		j.HeartbeatAt = &now
		j.AttemptCount++
	})
}

func (r *memRepo) MarkSucceeded(ctx context.Context, id uuid.UUID, name string, gen int64) error {
	return r.cas(id, []entity.JobState{entity.StateRunning}, func(j *entity.Job) {
		now := time.Now().UTC()
		j.State = entity.StateSucceeded
		j.ArtifactName = &name
		j.Generation = gen
		j.FinishedAt = &now
	})
}

func (r *memRepo) MarkFailed(ctx context.Context, id uuid.UUID, kind entity.ErrorKind, msg string) error {
	return r.cas(id, []entity.JobState{entity.StateQueued, entity.StateRunning}, func(j *entity.Job) {
		now := time.Now().UTC()
		j.State = entity.StateFailed
		j.ErrorKind = &kind
		j.Error = &msg
		j.FinishedAt = &now
	})
}

func (r *memRepo) RequeueForRetry(ctx context.Context, id uuid.UUID) error {
	return r.cas(id, []entity.JobState{entity.StateRunning}, func(j *entity.Job) {
		j.State = entity.StateQueued
		j.HeartbeatAt = nil
	})
}

func (r *memRepo) Heartbeat(ctx context.Context, id uuid.UUID) error { return nil }

type fakeRetryQueue struct {
	mu     sync.Mutex
	ids    []string
	delays []time.Duration
	err    error
}

func (q *fakeRetryQueue) EnqueueDelayed(ctx context.Context, jobID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, jobID)
	q.delays = append(q.delays, delay)
	return nil
}

type fakeStore struct {
	mu       sync.Mutex
	fail     error
	rowSets  []*executor.RowSet
	material int
}

func (s *fakeStore) Materialize(ctx context.Context, jobID uuid.UUID, rs *executor.RowSet) (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.material++
	if s.fail != nil {
		return "", 0, s.fail
	}
	s.rowSets = append(s.rowSets, rs)
	return fmt.Sprintf("r_g1_%s", jobID), 1, nil
}

// scriptExec returns its scripted outcomes in order; nil error means rows.
type scriptExec struct {
	mu       sync.Mutex
	outcomes []error
	rows     *executor.RowSet
	calls    int
}

func (e *scriptExec) Execute(ctx context.Context, def json.RawMessage) (*executor.RowSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if len(e.outcomes) > 0 {
		out := e.outcomes[0]
		e.outcomes = e.outcomes[1:]
		if out != nil {
			return nil, out
		}
	}
	if e.rows != nil {
		return e.rows, nil
	}
	return &executor.RowSet{Columns: []string{"n"}}, nil
}

type openGate struct{}

func (openGate) Permit(ctx context.Context) error { return nil }

func newTestProcessor(repo JobRepo, exec executor.Executor, store Materializer, queue RetryQueue) *Processor {
	return NewProcessor(repo, exec, store, queue, openGate{}, Config{
		MaxAttempts:       3,
		BackoffBase:       5 * time.Second,
		BackoffMultiplier: 5,
		LeaseTimeout:      time.Minute,
		HeartbeatEvery:    time.Hour, // keep heartbeats out of these tests
	})
}

// ---- tests ----

func TestProcess_Success(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	id := repo.add(entity.StateQueued)

	rows := &executor.RowSet{
		Columns: []string{"id", "name"},
		Rows:    [][]any{{1, "a"}, {2, "b"}, {3, "c"}},
	}
	exec := &scriptExec{rows: rows}
	store := &fakeStore{}
	queue := &fakeRetryQueue{}
	p := newTestProcessor(repo, exec, store, queue)

	if err := p.Process(ctx, id.String()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	job, _ := repo.GetByID(ctx, id)
	if job.State != entity.StateSucceeded {
		t.Fatalf("expected succeeded, got %s", job.State)
	}
	if job.ArtifactName == nil {
		t.Fatal("succeeded job must have an artifact name")
	}
	if job.AttemptCount != 1 {
		t.Fatalf("expected attempt_count=1, got %d", job.AttemptCount)
	}
	if len(store.rowSets) != 1 || len(store.rowSets[0].Rows) != 3 {
		t.Fatalf("expected the 3-row set to be materialized, got %#v", store.rowSets)
	}
	if len(queue.ids) != 0 {
		t.Fatalf("success must not requeue, got %#v", queue.ids)
	}
}

func TestProcess_TransientTwiceThenSuccess(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	id := repo.add(entity.StateQueued)

	exec := &scriptExec{
		outcomes: []error{
			executor.Transient(errors.New("timeout")),
			executor.Transient(errors.New("timeout")),
			nil,
		},
		rows: &executor.RowSet{Columns: []string{"n"}, Rows: [][]any{{1}}},
	}
	store := &fakeStore{}
	queue := &fakeRetryQueue{}
	p := newTestProcessor(repo, exec, store, queue)

	// the reaper promotes delayed entries back; drive the loop directly
	for i := 0; i < 3; i++ {
		if err := p.Process(ctx, id.String()); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}

	job, _ := repo.GetByID(ctx, id)
	if job.State != entity.StateSucceeded {
		t.Fatalf("expected succeeded, got %s", job.State)
	}
	if job.AttemptCount != 3 {
		t.Fatalf("expected attempt_count=3, got %d", job.AttemptCount)
	}
	if len(queue.delays) != 2 {
		t.Fatalf("expected 2 delayed requeues, got %d", len(queue.delays))
	}
	if queue.delays[0] != 5*time.Second || queue.delays[1] != 25*time.Second {
		t.Fatalf("expected backoff 5s,25s got %v", queue.delays)
	}
}

func TestProcess_TransientExhaustion(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	id := repo.add(entity.StateQueued)

	exec := &scriptExec{outcomes: []error{
		executor.Transient(errors.New("conn refused")),
		executor.Transient(errors.New("conn refused")),
		executor.Transient(errors.New("conn refused")),
	}}
	store := &fakeStore{}
	queue := &fakeRetryQueue{}
	p := newTestProcessor(repo, exec, store, queue)

	for i := 0; i < 3; i++ {
		_ = p.Process(ctx, id.String())
	}

	job, _ := repo.GetByID(ctx, id)
	if job.State != entity.StateFailed {
		t.Fatalf("expected failed after exhaustion, got %s", job.State)
	}
	if job.AttemptCount != 3 {
		t.Fatalf("expected exactly max_attempts=3 attempts, got %d", job.AttemptCount)
	}
	if job.ErrorKind == nil || *job.ErrorKind != entity.ErrKindTransient {
		t.Fatalf("expected transient kind recorded, got %v", job.ErrorKind)
	}
	if exec.calls != 3 {
		t.Fatalf("expected exactly 3 backend calls, got %d", exec.calls)
	}
	if job.ArtifactName != nil {
		t.Fatal("failed job must not hold an artifact")
	}
	// terminal: a further stale queue entry must be dropped, not re-run
	if err := p.Process(ctx, id.String()); err != nil {
		t.Fatalf("stale entry after terminal state: %v", err)
	}
	if exec.calls != 3 {
		t.Fatalf("terminal job was re-executed: calls=%d", exec.calls)
	}
}

func TestProcess_RetryEnqueueFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	id := repo.add(entity.StateQueued)

	exec := &scriptExec{outcomes: []error{executor.Transient(errors.New("timeout"))}}
	queue := &fakeRetryQueue{err: errors.New("redis down")}
	p := newTestProcessor(repo, exec, &fakeStore{}, queue)

	if err := p.Process(ctx, id.String()); err == nil {
		t.Fatal("expected the enqueue error to propagate")
	}

	// A queued record whose queue entry was never written is invisible to
	// every recovery sweep; it must end terminal, not queued forever.
	job, _ := repo.GetByID(ctx, id)
	if job.State != entity.StateFailed {
		t.Fatalf("expected failed when the retry entry is lost, got %s", job.State)
	}
	if job.ErrorKind == nil || *job.ErrorKind != entity.ErrKindTransient {
		t.Fatalf("expected transient kind, got %v", job.ErrorKind)
	}
	if job.Error == nil || !strings.Contains(*job.Error, "retry enqueue failed") {
		t.Fatalf("expected the enqueue failure recorded, got %v", job.Error)
	}
}

func TestProcess_NonRetriableFailsImmediately(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	id := repo.add(entity.StateQueued)

	exec := &scriptExec{outcomes: []error{executor.NonRetriable(errors.New("syntax error"))}}
	queue := &fakeRetryQueue{}
	p := newTestProcessor(repo, exec, &fakeStore{}, queue)

	if err := p.Process(ctx, id.String()); err == nil {
		t.Fatal("expected the terminal error to propagate")
	}

	job, _ := repo.GetByID(ctx, id)
	if job.State != entity.StateFailed {
		t.Fatalf("expected failed, got %s", job.State)
	}
	if job.ErrorKind == nil || *job.ErrorKind != entity.ErrKindNonRetriable {
		t.Fatalf("expected non_retriable kind, got %v", job.ErrorKind)
	}
	if job.AttemptCount != 1 {
		t.Fatalf("expected a single attempt, got %d", job.AttemptCount)
	}
	if len(queue.ids) != 0 {
		t.Fatal("non-retriable failure must not requeue")
	}
}

func TestProcess_MaterializationFailureNeverSucceeds(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	id := repo.add(entity.StateQueued)

	store := &fakeStore{fail: errors.New("disk full")}
	p := newTestProcessor(repo, &scriptExec{}, store, &fakeRetryQueue{})

	if err := p.Process(ctx, id.String()); err == nil {
		t.Fatal("expected materialization error to propagate")
	}

	job, _ := repo.GetByID(ctx, id)
	if job.State != entity.StateFailed {
		t.Fatalf("query success must not mask a lost artifact: got %s", job.State)
	}
	if job.ErrorKind == nil || *job.ErrorKind != entity.ErrKindMaterialization {
		t.Fatalf("expected materialization kind, got %v", job.ErrorKind)
	}
	if job.ArtifactName != nil {
		t.Fatal("artifact_name must only be set on succeeded jobs")
	}
}

func TestProcess_LostClaimIsDropped(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	id := repo.add(entity.StateRunning) // already claimed elsewhere

	exec := &scriptExec{}
	p := newTestProcessor(repo, exec, &fakeStore{}, &fakeRetryQueue{})

	if err := p.Process(ctx, id.String()); err != nil {
		t.Fatalf("lost claim must not be an error, got %v", err)
	}
	if exec.calls != 0 {
		t.Fatal("lost claim must not invoke the backend")
	}
}

func TestBackoffFor(t *testing.T) {
	p := newTestProcessor(newMemRepo(), &scriptExec{}, &fakeStore{}, &fakeRetryQueue{})
	want := []time.Duration{5 * time.Second, 25 * time.Second, 125 * time.Second}
	for i, w := range want {
		if got := p.backoffFor(i + 1); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

func TestProcess_ConcurrentClaims_ExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	id := repo.add(entity.StateQueued)

	exec := &scriptExec{rows: &executor.RowSet{Columns: []string{"n"}, Rows: [][]any{{1}}}}
	p := newTestProcessor(repo, exec, &fakeStore{}, &fakeRetryQueue{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Process(ctx, id.String())
		}()
	}
	wg.Wait()

	job, _ := repo.GetByID(ctx, id)
	if job.State != entity.StateSucceeded {
		t.Fatalf("expected succeeded, got %s", job.State)
	}
	if job.AttemptCount != 1 {
		t.Fatalf("expected exactly one winning claim, got attempt_count=%d", job.AttemptCount)
	}
	if exec.calls != 1 {
		t.Fatalf("expected exactly one backend call, got %d", exec.calls)
	}
}
