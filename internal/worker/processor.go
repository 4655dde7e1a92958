package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"query-offload-service/internal/entity"
	"query-offload-service/internal/executor"
	"query-offload-service/internal/repository/postgresql"
)

// JobRepo is the tracker port the processor needs. Every state-changing call
// is a compare-and-swap against the expected source state.
type JobRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	ClaimRunning(ctx context.Context, id uuid.UUID) error
	MarkSucceeded(ctx context.Context, id uuid.UUID, artifactName string, generation int64) error
	MarkFailed(ctx context.Context, id uuid.UUID, kind entity.ErrorKind, message string) error
	RequeueForRetry(ctx context.Context, id uuid.UUID) error
	Heartbeat(ctx context.Context, id uuid.UUID) error
}

// Materializer turns a row set into exactly one readable artifact.
type Materializer interface {
	Materialize(ctx context.Context, jobID uuid.UUID, rs *executor.RowSet) (name string, generation int64, err error)
}

// RetryQueue re-enqueues a job reference after a backoff delay.
type RetryQueue interface {
	EnqueueDelayed(ctx context.Context, jobID string, delay time.Duration) error
}

// Gate is the backend admission permit (service.Throttle).
type Gate interface {
	Permit(ctx context.Context) error
}

type Config struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	LeaseTimeout      time.Duration
	HeartbeatEvery    time.Duration
}

type Processor struct {
	repo  JobRepo
	exec  executor.Executor
	store Materializer
	queue RetryQueue
	gate  Gate
	cfg   Config
}

func NewProcessor(repo JobRepo, exec executor.Executor, store Materializer, queue RetryQueue, gate Gate, cfg Config) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 5
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 2 * time.Minute
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 15 * time.Second
	}
	return &Processor{repo: repo, exec: exec, store: store, queue: queue, gate: gate, cfg: cfg}
}

func (p *Processor) Process(ctx context.Context, jobID string) error {
	start := time.Now()

	id, err := uuid.Parse(jobID)
	if err != nil {
		log.Printf("[worker] job_id=%s parse_error=%v", jobID, err)
		return err
	}

	// Claim: queued -> running. Losing the CAS is normal — the entry was
	// stale (job canceled, already terminal, or claimed elsewhere).
	if err := p.repo.ClaimRunning(ctx, id); err != nil {
		if errors.Is(err, postgresql.ErrConflict) || errors.Is(err, postgresql.ErrNotFound) {
			log.Printf("[worker] job_id=%s claim skipped: %v", id, err)
			return nil
		}
		return err
	}

	job, err := p.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeatLoop(hbCtx, id)

	rs, execErr := p.execute(ctx, job)
	stopHeartbeat()

	if execErr != nil {
		return p.handleExecutionFailure(ctx, job, execErr)
	}

	name, gen, err := p.store.Materialize(ctx, id, rs)
	if err != nil {
		// The query succeeded but the artifact did not: the job fails.
		// succeeded must always imply a complete, readable artifact.
		if mErr := p.repo.MarkFailed(ctx, id, entity.ErrKindMaterialization, err.Error()); mErr != nil {
			log.Printf("[worker] job_id=%s mark_failed error=%v", id, mErr)
		}
		log.Printf("[worker] job_id=%s state=failed kind=materialization duration_ms=%d error=%v",
			id, time.Since(start).Milliseconds(), err)
		return err
	}

	if err := p.repo.MarkSucceeded(ctx, id, name, gen); err != nil {
		return err
	}
	log.Printf("[worker] job_id=%s state=succeeded artifact=%s rows=%d duration_ms=%d",
		id, name, len(rs.Rows), time.Since(start).Milliseconds())
	return nil
}

// execute waits for a throttle permit, then runs the backend call bounded by
// the lease timeout so an abandoned execution is cancellable.
func (p *Processor) execute(ctx context.Context, job *entity.Job) (*executor.RowSet, error) {
	if err := p.gate.Permit(ctx); err != nil {
		return nil, executor.Transient(err)
	}
	execCtx, cancel := context.WithTimeout(ctx, p.cfg.LeaseTimeout)
	defer cancel()
	return p.exec.Execute(execCtx, job.QueryDefinition)
}

func (p *Processor) handleExecutionFailure(ctx context.Context, job *entity.Job, execErr error) error {
	id := job.ID
	kind := executor.KindOf(execErr)
	// job was loaded after the claim, so AttemptCount includes this attempt
	attempt := job.AttemptCount

	if kind == executor.KindTransient && attempt < p.cfg.MaxAttempts {
		if err := p.repo.RequeueForRetry(ctx, id); err != nil {
			return err
		}
		delay := p.backoffFor(attempt)
		if err := p.queue.EnqueueDelayed(ctx, id.String(), delay); err != nil {
			// The queue entry is gone and nothing reconstructs it for a
			// queued job; without this the record would sit queued forever.
			// Terminal beats stranded.
			msg := fmt.Sprintf("retry enqueue failed: %v (after: %v)", err, execErr)
			if mErr := p.repo.MarkFailed(ctx, id, entity.ErrKindTransient, msg); mErr != nil {
				log.Printf("[worker] job_id=%s mark_failed error=%v", id, mErr)
			}
			log.Printf("[worker] job_id=%s state=failed kind=transient attempt=%d/%d enqueue error=%v",
				id, attempt, p.cfg.MaxAttempts, err)
			return err
		}
		log.Printf("[worker] job_id=%s state=queued attempt=%d/%d retry_in=%s error=%v",
			id, attempt, p.cfg.MaxAttempts, delay, execErr)
		return nil
	}

	entKind := entity.ErrKindNonRetriable
	if kind == executor.KindTransient {
		entKind = entity.ErrKindTransient // attempts exhausted
	}
	if err := p.repo.MarkFailed(ctx, id, entKind, execErr.Error()); err != nil {
		return err
	}
	log.Printf("[worker] job_id=%s state=failed kind=%s attempt=%d/%d error=%v",
		id, entKind, attempt, p.cfg.MaxAttempts, execErr)
	return execErr
}

// backoffFor doubles out exponentially: base * multiplier^(attempt-1).
func (p *Processor) backoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.cfg.BackoffBase) * math.Pow(p.cfg.BackoffMultiplier, float64(attempt-1))
	return time.Duration(d)
}

func (p *Processor) heartbeatLoop(ctx context.Context, id uuid.UUID) {
	ticker := time.NewTicker(p.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.repo.Heartbeat(ctx, id); err != nil {
				log.Printf("[worker] job_id=%s heartbeat error=%v", id, err)
			}
		}
	}
}
