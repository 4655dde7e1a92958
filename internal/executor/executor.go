package executor

import (
	"context"
	"encoding/json"
)

// RowSet is the complete result of one backend query.
type RowSet struct {
	Columns []string
	Rows    [][]any
}

// QueryDefinition is the payload a submitter provides. The core treats it as
// opaque; only the adapter interprets it.
type QueryDefinition struct {
	SQL  string `json:"sql"`
	Args []any  `json:"args,omitempty"`
}

// Executor runs one read-only query against the protected backend.
// Implementations must classify every returned error as transient or
// non-retriable (see errors.go); an unclassified error is treated as
// transient by callers.
type Executor interface {
	Execute(ctx context.Context, def json.RawMessage) (*RowSet, error)
}
