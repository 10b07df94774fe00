package nl2sql

import (
	"errors"
	"fmt"
)

var (
	ErrDecomposition = errors.New("nl2sql: question decomposition failed")
	ErrInvalidSearch = errors.New("nl2sql: invalid search request")
)

const (
	StageDecompose     = "decompose"
	StageSchemaContext = "schema_context"
	StageFirstSQL      = "first_sql"
	StageSimilarSQL    = "similar_sql"
	StageFinalSQL      = "final_sql"
	StageExecute       = "execute"
	StageAnswer        = "answer"
)

// StageError reports the first workflow stage that failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("nl2sql %s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
