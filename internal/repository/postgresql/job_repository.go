package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"query-offload-service/internal/entity"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a compare-and-swap transition lost: the job exists
	// but is no longer in the expected source state.
	ErrConflict = errors.New("state conflict")
)

// JobRepository is the authoritative job state machine. Every transition is a
// conditional UPDATE keyed on the expected source state; RowsAffected()==0
// plus an existence check distinguishes a lost race from a missing job, so
// two workers can never both win a claim.
type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) Create(ctx context.Context, queryDef json.RawMessage) (uuid.UUID, error) {
	if len(queryDef) == 0 {
		queryDef = json.RawMessage(`{}`)
	}

	const q = `
INSERT INTO jobs (query_definition, state)
VALUES ($1, 'queued')
RETURNING id;
`
	var id uuid.UUID
	if err := r.pool.QueryRow(ctx, q, queryDef).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

const jobColumns = `
id, query_definition, state, attempt_count, generation, artifact_name,
error_kind, error, submitted_at, started_at, finished_at, heartbeat_at, expires_at`

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`

	var (
		job       entity.Job
		stateText string
		defBytes  []byte
		kindText  *string
	)
	if err := r.pool.QueryRow(ctx, q, id).Scan(
		&job.ID,
		&defBytes,
		&stateText,
		&job.AttemptCount,
		&job.Generation,
		&job.ArtifactName,
		&kindText,
		&job.Error,
		&job.SubmittedAt,
		&job.StartedAt,
		&job.FinishedAt,
		&job.HeartbeatAt,
		&job.ExpiresAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	job.State = entity.JobState(stateText)
	job.QueryDefinition = json.RawMessage(defBytes)
	if kindText != nil {
		k := entity.ErrorKind(*kindText)
		job.ErrorKind = &k
	}
	return &job, nil
}

// ClaimRunning transitions queued -> running, stamping started_at and the
// heartbeat and counting the attempt. started_at is overwritten on retry.
func (r *JobRepository) ClaimRunning(ctx context.Context, id uuid.UUID) error {
	const q = `
UPDATE jobs
SET state='running', started_at=now(), heartbeat_at=now(), attempt_count=attempt_count+1
WHERE id=$1 AND state='queued';
`
	return r.casExec(ctx, q, id, entity.StateRunning)
}

// MarkSucceeded transitions running -> succeeded and records the artifact.
// This is the only path that sets artifact_name.
func (r *JobRepository) MarkSucceeded(ctx context.Context, id uuid.UUID, artifactName string, generation int64) error {
	const q = `
UPDATE jobs
SET state='succeeded', artifact_name=$2, generation=$3, finished_at=now()
WHERE id=$1 AND state='running';
`
	return r.casExec(ctx, q, id, entity.StateSucceeded, artifactName, generation)
}

// MarkFailed transitions queued|running -> failed terminally.
func (r *JobRepository) MarkFailed(ctx context.Context, id uuid.UUID, kind entity.ErrorKind, message string) error {
	const q = `
UPDATE jobs
SET state='failed', error_kind=$2, error=$3, finished_at=now()
WHERE id=$1 AND state IN ('queued','running');
`
	return r.casExec(ctx, q, id, entity.StateFailed, string(kind), message)
}

// CancelQueued fails a job that has not started yet. Running and terminal
// jobs are not cancellable; the caller gets ErrConflict.
func (r *JobRepository) CancelQueued(ctx context.Context, id uuid.UUID, reason string) error {
	const q = `
UPDATE jobs
SET state='failed', error_kind=$2, error=$3, finished_at=now()
WHERE id=$1 AND state='queued';
`
	return r.casExec(ctx, q, id, entity.StateFailed, string(entity.ErrKindCanceled), reason)
}

// RequeueForRetry transitions running -> queued after a transient failure.
// attempt_count is preserved; it only ever increases, at claim time.
func (r *JobRepository) RequeueForRetry(ctx context.Context, id uuid.UUID) error {
	const q = `
UPDATE jobs
SET state='queued', heartbeat_at=NULL
WHERE id=$1 AND state='running';
`
	return r.casExec(ctx, q, id, entity.StateQueued)
}

// Heartbeat refreshes the lease of a running job. Not a state transition, so
// a miss just reports conflict or not-found without transition diagnostics.
func (r *JobRepository) Heartbeat(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE jobs SET heartbeat_at=now() WHERE id=$1 AND state='running';`
	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		const exists = `SELECT 1 FROM jobs WHERE id=$1;`
		var one int
		if err := r.pool.QueryRow(ctx, exists, id).Scan(&one); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return ErrConflict
	}
	return nil
}

// RequeueAbandoned flips running jobs whose heartbeat is older than
// leaseTimeout back to queued and returns their ids so the caller can
// re-enqueue them. Crash recovery is just this sweep plus the normal retry
// path.
func (r *JobRepository) RequeueAbandoned(ctx context.Context, leaseTimeout time.Duration) ([]uuid.UUID, error) {
	const q = `
UPDATE jobs
SET state='queued', heartbeat_at=NULL
WHERE state='running' AND heartbeat_at < now() - $1::interval
RETURNING id;
`
	rows, err := r.pool.Query(ctx, q, leaseTimeout)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkGenerationExpired stamps expires_at on every job whose artifact
// belonged to a wiped generation, independent of terminal state.
func (r *JobRepository) MarkGenerationExpired(ctx context.Context, generation int64) (int64, error) {
	const q = `
UPDATE jobs
SET expires_at=now()
WHERE generation=$1 AND state='succeeded' AND expires_at IS NULL;
`
	tag, err := r.pool.Exec(ctx, q, generation)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *JobRepository) CountByState(ctx context.Context, state entity.JobState) (int64, error) {
	const q = `SELECT count(*) FROM jobs WHERE state=$1;`
	var n int64
	if err := r.pool.QueryRow(ctx, q, string(state)).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// casExec runs a conditional UPDATE toward the `to` state. Zero rows affected
// means either the job is gone (ErrNotFound) or another transition won; in
// the latter case the current state is read back so the conflict error can
// say which transition actually lost.
func (r *JobRepository) casExec(ctx context.Context, q string, id uuid.UUID, to entity.JobState, args ...any) error {
	tag, err := r.pool.Exec(ctx, q, append([]any{id}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		const current = `SELECT state FROM jobs WHERE id=$1;`
		var stateText string
		if err := r.pool.QueryRow(ctx, current, id).Scan(&stateText); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return conflictError(entity.JobState(stateText), to)
	}
	return nil
}

// conflictError explains a lost CAS through the entity state machine: either
// the current state makes the transition illegal outright, or the transition
// is legal and another actor got there first.
func conflictError(current, to entity.JobState) error {
	if err := entity.ValidateTransition(current, to); err != nil {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return fmt.Errorf("%w: job is %s, transition to %s lost the race", ErrConflict, current, to)
}
