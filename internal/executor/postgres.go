package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresExecutor runs query definitions against the protected backend
// database. It only ever reads; the materialized result lives elsewhere.
type PostgresExecutor struct {
	pool *pgxpool.Pool
}

func NewPostgresExecutor(pool *pgxpool.Pool) *PostgresExecutor {
	return &PostgresExecutor{pool: pool}
}

func (e *PostgresExecutor) Execute(ctx context.Context, def json.RawMessage) (*RowSet, error) {
	var q QueryDefinition
	if err := json.Unmarshal(def, &q); err != nil {
		return nil, NonRetriable(fmt.Errorf("malformed query definition: %w", err))
	}
	if strings.TrimSpace(q.SQL) == "" {
		return nil, NonRetriable(errors.New("query definition has no sql"))
	}

	rows, err := e.pool.Query(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	cols := make([]string, len(fds))
	for i, fd := range fds {
		cols[i] = string(fd.Name)
	}

	rs := &RowSet{Columns: cols}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, classify(err)
		}
		rs.Rows = append(rs.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return rs, nil
}

// classify maps a backend error to the retry taxonomy. Syntax, undefined
// object and permission errors can never succeed on retry; connection and
// resource errors can. Unknown classes default to transient so a real outage
// is not reported as a terminal failure.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "42", "28", "22", "3D", "3F": // syntax/undefined, auth, data, bad catalog/schema
			return NonRetriable(err)
		case "08", "53", "57", "58": // connection, insufficient resources, operator intervention, system
			return Transient(err)
		}
		return Transient(err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient(err)
	}
	return Transient(err)
}
