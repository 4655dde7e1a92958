package resultstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"query-offload-service/internal/executor"
)

var ErrNotFound = errors.New("artifact not found")

// RowIterator streams the rows of one artifact. Next returns io.EOF after the
// last row. Callers must Close.
type RowIterator interface {
	Columns() []string
	Next() ([]json.RawMessage, error)
	Close()
}

// Store materializes one artifact per succeeded job into a disposable
// Postgres schema. Each generation owns a schema (results_g<N>) holding one
// table per artifact, so creation cost is independent of how many artifacts
// exist and reclamation is a single DROP SCHEMA, never per-artifact deletes.
//
// The generation swap is the only globally locked step: materializers hold
// the read side of gate while writing, the evictor takes the write side just
// long enough to bump the counter.
type Store struct {
	pool *pgxpool.Pool

	gate sync.RWMutex
	gen  int64
}

func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}

	const q = `SELECT current_generation FROM result_store_state WHERE id;`
	if err := pool.QueryRow(ctx, q).Scan(&s.gen); err != nil {
		return nil, fmt.Errorf("load generation: %w", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, schemaName(s.gen))); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

// ActiveGeneration returns the generation all new artifacts are written to.
func (s *Store) ActiveGeneration() int64 {
	s.gate.RLock()
	defer s.gate.RUnlock()
	return s.gen
}

func schemaName(gen int64) string {
	return fmt.Sprintf("results_g%d", gen)
}

// ArtifactName derives the unique artifact name for a job in a generation.
// Job ids never repeat and a generation bump invalidates all prior names, so
// no coordination is needed for uniqueness.
func ArtifactName(jobID uuid.UUID, gen int64) string {
	return fmt.Sprintf("r_g%d_%s", gen, hex.EncodeToString(jobID[:]))
}

// Materialize writes rs into a fresh artifact table and registers it in the
// catalog within the same transaction. Commit is the visibility point: a
// reader can never observe a partially written artifact, and a failed write
// leaves nothing registered (the orphan table goes away with the schema).
func (s *Store) Materialize(ctx context.Context, jobID uuid.UUID, rs *executor.RowSet) (string, int64, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	gen := s.gen
	name := ArtifactName(jobID, gen)
	table := fmt.Sprintf("%s.%s", schemaName(gen), name)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", 0, err
	}
	defer tx.Rollback(ctx)

	ddl := fmt.Sprintf(`CREATE TABLE %s (pos bigint PRIMARY KEY, payload jsonb NOT NULL);`, table)
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return "", 0, fmt.Errorf("create artifact: %w", err)
	}

	batch := &pgx.Batch{}
	ins := fmt.Sprintf(`INSERT INTO %s (pos, payload) VALUES ($1, $2);`, table)
	for i, row := range rs.Rows {
		payload, err := json.Marshal(row)
		if err != nil {
			return "", 0, fmt.Errorf("encode row %d: %w", i, err)
		}
		batch.Queue(ins, i, payload)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return "", 0, fmt.Errorf("write rows: %w", err)
		}
	}

	cols, err := json.Marshal(rs.Columns)
	if err != nil {
		return "", 0, err
	}
	const reg = `INSERT INTO artifacts (name, job_id, generation, columns, row_count) VALUES ($1, $2, $3, $4, $5);`
	if _, err := tx.Exec(ctx, reg, name, jobID, gen, cols, len(rs.Rows)); err != nil {
		return "", 0, fmt.Errorf("register artifact: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", 0, err
	}
	return name, gen, nil
}

// ReadRows opens a streaming iterator over an artifact. ErrNotFound covers
// both unknown names and names whose generation has been discarded.
func (s *Store) ReadRows(ctx context.Context, name string) (RowIterator, error) {
	const q = `SELECT generation, columns FROM artifacts WHERE name=$1;`

	var (
		gen  int64
		cols []string
	)
	var colsBytes []byte
	if err := s.pool.QueryRow(ctx, q, name).Scan(&gen, &colsBytes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(colsBytes, &cols); err != nil {
		return nil, err
	}
	if gen != s.ActiveGeneration() {
		return nil, ErrNotFound
	}

	sel := fmt.Sprintf(`SELECT payload FROM %s.%s ORDER BY pos;`, schemaName(gen), name)
	rows, err := s.pool.Query(ctx, sel)
	if err != nil {
		return nil, err
	}
	return &pgRowIterator{cols: cols, rows: rows}, nil
}

type pgRowIterator struct {
	cols []string
	rows pgx.Rows
}

func (it *pgRowIterator) Columns() []string { return it.cols }

func (it *pgRowIterator) Next() ([]json.RawMessage, error) {
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	var payload []byte
	if err := it.rows.Scan(&payload); err != nil {
		return nil, err
	}
	var row []json.RawMessage
	if err := json.Unmarshal(payload, &row); err != nil {
		return nil, err
	}
	return row, nil
}

func (it *pgRowIterator) Close() { it.rows.Close() }

// AdvanceGeneration allocates the next generation, persists it and redirects
// all new writes to it. Returns the generation that was just retired.
func (s *Store) AdvanceGeneration(ctx context.Context) (old, next int64, err error) {
	s.gate.Lock()
	defer s.gate.Unlock()

	old = s.gen
	next = old + 1

	if _, err = s.pool.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, schemaName(next))); err != nil {
		return 0, 0, fmt.Errorf("create schema: %w", err)
	}
	if _, err = s.pool.Exec(ctx, `UPDATE result_store_state SET current_generation=$1 WHERE id;`, next); err != nil {
		return 0, 0, fmt.Errorf("persist generation: %w", err)
	}
	s.gen = next
	return old, next, nil
}

// BulkDiscard reclaims an entire retired generation in one DDL statement plus
// one catalog delete. Cost does not depend on how many artifacts the
// generation accumulated.
func (s *Store) BulkDiscard(ctx context.Context, gen int64) error {
	if gen == s.ActiveGeneration() {
		return fmt.Errorf("refusing to discard active generation %d", gen)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %s CASCADE;`, schemaName(gen))); err != nil {
		return fmt.Errorf("drop schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM artifacts WHERE generation=$1;`, gen); err != nil {
		return fmt.Errorf("clear catalog: %w", err)
	}
	return nil
}
