package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrJobNotFound indicates the job id does not resolve to a job record.
	ErrJobNotFound = errors.New("import job not found")

	// ErrJobTerminal indicates a write was refused because the job already
	// reached completed or failed.
	ErrJobTerminal = errors.New("import job already finished")
)

// ValidationError reports a malformed field in a create-job request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CreateJobParams are the client-supplied fields of a new import job.
type CreateJobParams struct {
	TargetCollection string
	FieldMapping     map[string]string
	FileSize         int64
}

// Validate checks the parameters before a job record is created.
func (p *CreateJobParams) Validate() error {
	if p.TargetCollection == "" {
		return &ValidationError{Field: "targetCollection", Reason: "must not be empty"}
	}
	if len(p.FieldMapping) == 0 {
		return &ValidationError{Field: "fieldMapping", Reason: "must contain at least one column"}
	}
	for col, dest := range p.FieldMapping {
		if col == "" {
			return &ValidationError{Field: "fieldMapping", Reason: "source column name must not be empty"}
		}
		if dest == "" {
			return &ValidationError{Field: "fieldMapping", Reason: fmt.Sprintf("destination for column %q must not be empty", col)}
		}
	}
	if p.FileSize < 0 {
		return &ValidationError{Field: "fileSize", Reason: "must be non-negative"}
	}
	return nil
}

// BatchTx is the unit-of-work handle passed to a RunBatch function. Every
// call belongs to the same transaction; if the function returns an error,
// all of its writes (documents, ledger entries, counters) are rolled back.
type BatchTx interface {
	// DocumentExists reports whether a document with exactly this field set
	// already exists in the collection.
	DocumentExists(ctx context.Context, collection string, doc Document) (bool, error)

	// InsertDocuments writes all documents or none of them. On error no
	// document from this call is persisted, but the surrounding transaction
	// remains usable for ledger appends.
	InsertDocuments(ctx context.Context, collection string, docs []Document) error

	// AppendFailed appends failed-row entries to the job's ledger.
	AppendFailed(ctx context.Context, rows []FailedRow) error

	// AppendDuplicates appends duplicate-row entries to the job's ledger.
	AppendDuplicates(ctx context.Context, rows []DuplicateRow) error

	// AddCounts atomically advances the job's row counters.
	AddCounts(ctx context.Context, c BatchCounts) error
}

// Store is the Job Record Store. All implementations must be safe for
// concurrent use; counter updates and ledger appends are atomic so that
// overlapping batch completions cannot corrupt the record.
type Store interface {
	// CreateJob validates the parameters and persists a new pending job.
	CreateJob(ctx context.Context, p CreateJobParams) (*ImportJob, error)

	// Job returns the job record, or ErrJobNotFound.
	Job(ctx context.Context, id uuid.UUID) (*ImportJob, error)

	// Ledger returns the job's failed and duplicate row entries in append order.
	Ledger(ctx context.Context, id uuid.UUID) (*Ledger, error)

	// SetFileInfo records the staged file's name, path and declared size.
	SetFileInfo(ctx context.Context, id uuid.UUID, name, path string, size int64) error

	// MarkProcessing transitions the job into processing. Allowed from
	// pending and from processing (crash resume); returns ErrJobTerminal
	// once the job is completed or failed.
	MarkProcessing(ctx context.Context, id uuid.UUID) error

	// RunBatch executes fn inside one transaction scoped to the job.
	// It fails with ErrJobNotFound if the job record no longer exists;
	// any error from fn rolls back every write performed through the BatchTx.
	RunBatch(ctx context.Context, jobID uuid.UUID, fn func(BatchTx) error) error

	// FinalizeJob computes the terminal status from the cumulative counters:
	// failed only when every processed row failed, completed otherwise.
	// TotalRows is fixed to ProcessedRows and CompletedAt stamped. Once the
	// job is terminal the call is a no-op and returns the record unchanged.
	FinalizeJob(ctx context.Context, id uuid.UUID) (*ImportJob, error)

	// MarkFailed transitions the job to failed, stamps CompletedAt, and
	// appends a ledger entry summarizing the failure. No-op once terminal.
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}
