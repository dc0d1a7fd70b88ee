// Package store persists import jobs, their row ledgers, and the documents
// produced by an import. It defines the domain types shared by the rest of
// the pipeline and the Store interface with two implementations: Postgres
// (production) and an in-memory store (tests, local experiments).
package store

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an import job. Transitions are forward
// only: once a job is completed or failed it never changes again.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Document is one mapped row keyed by destination field name, ready for
// insertion into a target collection.
type Document map[string]any

// ImportJob is the persisted record of one import: where the data goes,
// how columns map to fields, and what happened to every row.
type ImportJob struct {
	ID               uuid.UUID         `json:"id"`
	TargetCollection string            `json:"targetCollection"`
	FieldMapping     map[string]string `json:"fieldMapping"`
	Status           Status            `json:"status"`

	TotalRows      int64 `json:"totalRows"`
	ProcessedRows  int64 `json:"processedRows"`
	SuccessfulRows int64 `json:"successfulRows"`
	DuplicateCount int64 `json:"duplicateCount"`

	FileName string `json:"fileName,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
	FilePath string `json:"-"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// FailedRow is one ledger entry for a row that could not be imported.
type FailedRow struct {
	RowData      Document  `json:"rowData,omitempty"`
	RowNumber    int64     `json:"rowNumber"`
	ErrorMessage string    `json:"errorMessage"`
	Timestamp    time.Time `json:"timestamp"`
}

// DuplicateRow is one ledger entry for a row that already existed in the
// target collection and was therefore not written.
type DuplicateRow struct {
	RowData   Document  `json:"rowData,omitempty"`
	RowNumber int64     `json:"rowNumber"`
	Timestamp time.Time `json:"timestamp"`
}

// Ledger is the append-only accounting of every row that was not inserted.
type Ledger struct {
	Failed     []FailedRow    `json:"failedRows"`
	Duplicates []DuplicateRow `json:"duplicateRows"`
}

// ImportStats aggregates the outcome of one batch or one whole import run.
type ImportStats struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
	Duplicates int64 `json:"duplicates"`
}

// Add folds another set of stats into s.
func (s *ImportStats) Add(o ImportStats) {
	s.Total += o.Total
	s.Successful += o.Successful
	s.Failed += o.Failed
	s.Duplicates += o.Duplicates
}

// BatchCounts are the counter deltas applied for one committed batch.
type BatchCounts struct {
	Processed  int64
	Successful int64
	Duplicates int64
}
