// Package ingest implements the ingestion coordinator: quality gating,
// deduplication, and the synchronized dual write into the metadata store and
// the vector indexes under the cross-process lock.
package ingest

import "fmt"

// Status classifies the outcome of one ingest attempt. Every attempt yields
// exactly one of stored, skipped, or failed.
type Status string

const (
	StatusStored  Status = "stored"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Skip reasons. Skips are expected and frequent; batch callers continue past
// them.
const (
	ReasonDuplicate = "duplicate_record"
)

// Result describes the outcome of one ingest attempt.
type Result struct {
	Status  Status `json:"status"`
	Reason  string `json:"reason,omitempty"`
	PaperID int64  `json:"paper_id,omitempty"`

	// ForcesStored counts force fields newly inserted; ForcesShared counts
	// those that deduplicated against rows contributed by earlier papers.
	ForcesStored int `json:"forces_stored"`
	ForcesShared int `json:"forces_shared"`
	Figures      int `json:"figures"`
}

// PersistenceError reports a failure to durably replace an index file. The
// paired metadata transaction has been rolled back and temporary files
// cleaned up by the time it propagates. Not retried automatically.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ingest: failed to persist index %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
