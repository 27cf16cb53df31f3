// Package collector runs the ingestion pipeline: symbol acquisition, gap
// detection and historical backfill, one stage after another.
package collector

import (
	"context"
	"fmt"

	"github.com/johnayoung/cryptoscope/internal/validator"
)

// Pipeline stage names, used in logs and stage errors
const (
	StageAcquire  = "acquire"
	StageGaps     = "gap_detection"
	StageBackfill = "backfill"
)

// Acquirer fetches, filters and stores the ranked asset catalog.
type Acquirer interface {
	// Acquire collects up to targetCount ranked entries and persists the valid
	// ones. A failed page request ends pagination without an error; only
	// storage failures and cancellation are returned.
	Acquire(ctx context.Context, targetCount int) (*AcquireResult, error)
}

// AcquireResult summarizes one acquisition run.
type AcquireResult struct {
	Pages    int `json:"pages"`
	Fetched  int `json:"fetched"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`

	// Inserted counts catalog rows that did not exist before
	Inserted int `json:"inserted"`

	RejectReasons map[validator.RejectReason]int `json:"reject_reasons,omitempty"`

	// StopErr is the request failure that ended pagination early, if any
	StopErr error `json:"-"`
}

// Persisted is the number of assets the run handed to the store
func (r *AcquireResult) Persisted() int {
	return r.Accepted
}

// Partial reports whether pagination stopped on a request failure
func (r *AcquireResult) Partial() bool {
	return r.StopErr != nil
}

// StageError reports a stage that could not complete.
type StageError struct {
	Stage string
	Err   error
}

// Error implements the error interface for StageError.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StageError) Unwrap() error {
	return e.Err
}
