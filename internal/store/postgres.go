package store

// postgres.go implements Store on PostgreSQL via pgx.
//
// Layout:
//   - import_jobs        one row per job: status, counters, file info
//   - import_row_ledger  append-only failed/duplicate row entries
//   - documents          imported rows as jsonb, keyed by collection name
//
// Duplicate detection relies on jsonb equality, which compares the full
// field set independent of key order. Counters advance with
// "SET x = x + $n" updates so concurrent batch commits cannot lose
// increments. One RunBatch call is exactly one transaction; bulk inserts
// run inside a savepoint so a failed insert set leaves the transaction
// usable for the ledger appends that record the failure.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS import_jobs (
	id                uuid PRIMARY KEY,
	target_collection text        NOT NULL,
	field_mapping     jsonb       NOT NULL,
	status            text        NOT NULL DEFAULT 'pending',
	total_rows        bigint      NOT NULL DEFAULT 0,
	processed_rows    bigint      NOT NULL DEFAULT 0,
	successful_rows   bigint      NOT NULL DEFAULT 0,
	duplicate_count   bigint      NOT NULL DEFAULT 0,
	file_name         text        NOT NULL DEFAULT '',
	file_size         bigint      NOT NULL DEFAULT 0,
	file_path         text        NOT NULL DEFAULT '',
	started_at        timestamptz,
	completed_at      timestamptz,
	created_at        timestamptz NOT NULL DEFAULT now(),
	updated_at        timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS import_jobs_status_idx ON import_jobs (status);
CREATE INDEX IF NOT EXISTS import_jobs_created_idx ON import_jobs (created_at);

CREATE TABLE IF NOT EXISTS import_row_ledger (
	id            bigserial PRIMARY KEY,
	job_id        uuid        NOT NULL REFERENCES import_jobs (id) ON DELETE CASCADE,
	kind          text        NOT NULL,
	row_number    bigint      NOT NULL DEFAULT 0,
	row_data      jsonb,
	error_message text        NOT NULL DEFAULT '',
	recorded_at   timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS import_row_ledger_job_idx ON import_row_ledger (job_id, id);

CREATE TABLE IF NOT EXISTS documents (
	id         bigserial PRIMARY KEY,
	collection text        NOT NULL,
	data       jsonb       NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS documents_collection_data_idx ON documents (collection, data);
`

const jobColumns = `id, target_collection, field_mapping, status,
	total_rows, processed_rows, successful_rows, duplicate_count,
	file_name, file_size, file_path, started_at, completed_at, created_at`

// PG is the PostgreSQL-backed Store.
type PG struct {
	pool *pgxpool.Pool
}

// NewPG creates a Store backed by the given connection pool.
func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *PG) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PG) CreateJob(ctx context.Context, p CreateJobParams) (*ImportJob, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	mapping, err := json.Marshal(p.FieldMapping)
	if err != nil {
		return nil, fmt.Errorf("encode field mapping: %w", err)
	}

	id := uuid.New()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO import_jobs (id, target_collection, field_mapping, file_size)
		VALUES ($1, $2, $3::jsonb, $4)
		RETURNING `+jobColumns,
		id, p.TargetCollection, string(mapping), p.FileSize)

	return scanJob(row)
}

func (s *PG) Job(ctx context.Context, id uuid.UUID) (*ImportJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM import_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (s *PG) Ledger(ctx context.Context, id uuid.UUID) (*Ledger, error) {
	if _, err := s.Job(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT kind, row_number, row_data, error_message, recorded_at
		FROM import_row_ledger
		WHERE job_id = $1
		ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	ledger := &Ledger{}
	for rows.Next() {
		var (
			kind    string
			entry   FailedRow
			rawData []byte
		)
		if err := rows.Scan(&kind, &entry.RowNumber, &rawData, &entry.ErrorMessage, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if len(rawData) > 0 {
			if err := json.Unmarshal(rawData, &entry.RowData); err != nil {
				return nil, fmt.Errorf("decode ledger row data: %w", err)
			}
		}
		switch kind {
		case "duplicate":
			ledger.Duplicates = append(ledger.Duplicates, DuplicateRow{
				RowData:   entry.RowData,
				RowNumber: entry.RowNumber,
				Timestamp: entry.Timestamp,
			})
		default:
			ledger.Failed = append(ledger.Failed, entry)
		}
	}
	return ledger, rows.Err()
}

func (s *PG) SetFileInfo(ctx context.Context, id uuid.UUID, name, path string, size int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE import_jobs
		SET file_name = $2, file_path = $3, file_size = $4, updated_at = now()
		WHERE id = $1`, id, name, path, size)
	if err != nil {
		return fmt.Errorf("set file info: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PG) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE import_jobs
		SET status = 'processing',
		    started_at = COALESCE(started_at, now()),
		    updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')`, id)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Job(ctx, id); err != nil {
			return err
		}
		return ErrJobTerminal
	}
	return nil
}

func (s *PG) RunBatch(ctx context.Context, jobID uuid.UUID, fn func(BatchTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM import_jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("look up job: %w", err)
	}
	if !exists {
		return ErrJobNotFound
	}

	if err := fn(&pgBatchTx{tx: tx, jobID: jobID}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *PG) FinalizeJob(ctx context.Context, id uuid.UUID) (*ImportJob, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE import_jobs
		SET status = CASE
		        WHEN processed_rows > 0 AND successful_rows = 0 AND duplicate_count = 0
		        THEN 'failed' ELSE 'completed'
		    END,
		    total_rows = processed_rows,
		    completed_at = now(),
		    updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed')
		RETURNING `+jobColumns, id)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already terminal, or gone. Job resolves the difference.
		return s.Job(ctx, id)
	}
	return job, err
}

func (s *PG) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin mark failed: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE import_jobs
		SET status = 'failed', completed_at = now(), updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed')`, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Job(ctx, id); err != nil {
			return err
		}
		return nil // already terminal, keep it that way
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO import_row_ledger (job_id, kind, error_message)
		VALUES ($1, 'failed', $2)`, id, reason); err != nil {
		return fmt.Errorf("append failure summary: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit mark failed: %w", err)
	}
	return nil
}

// pgBatchTx implements BatchTx over one pgx transaction.
type pgBatchTx struct {
	tx    pgx.Tx
	jobID uuid.UUID
}

func (t *pgBatchTx) DocumentExists(ctx context.Context, collection string, doc Document) (bool, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("encode document: %w", err)
	}
	var exists bool
	err = t.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM documents WHERE collection = $1 AND data = $2::jsonb)`,
		collection, string(payload)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check duplicate: %w", err)
	}
	return exists, nil
}

func (t *pgBatchTx) InsertDocuments(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	// Savepoint keeps the outer transaction usable when the bulk write
	// fails and the rows get reclassified into the ledger.
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert savepoint: %w", err)
	}

	b := &pgx.Batch{}
	for _, doc := range docs {
		payload, err := json.Marshal(doc)
		if err != nil {
			sp.Rollback(ctx)
			return fmt.Errorf("encode document: %w", err)
		}
		b.Queue(`INSERT INTO documents (collection, data) VALUES ($1, $2::jsonb)`,
			collection, string(payload))
	}

	br := t.tx.SendBatch(ctx, b)
	var execErr error
	for range docs {
		if _, err := br.Exec(); err != nil && execErr == nil {
			execErr = err
		}
	}
	if err := br.Close(); err != nil && execErr == nil {
		execErr = err
	}
	if execErr != nil {
		sp.Rollback(ctx)
		return execErr
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("commit insert savepoint: %w", err)
	}
	return nil
}

func (t *pgBatchTx) AppendFailed(ctx context.Context, rows []FailedRow) error {
	b := &pgx.Batch{}
	for _, r := range rows {
		payload, err := marshalRowData(r.RowData)
		if err != nil {
			return err
		}
		b.Queue(`
			INSERT INTO import_row_ledger (job_id, kind, row_number, row_data, error_message, recorded_at)
			VALUES ($1, 'failed', $2, $3::jsonb, $4, $5)`,
			t.jobID, r.RowNumber, payload, r.ErrorMessage, r.Timestamp)
	}
	return t.sendLedger(ctx, b, len(rows))
}

func (t *pgBatchTx) AppendDuplicates(ctx context.Context, rows []DuplicateRow) error {
	b := &pgx.Batch{}
	for _, r := range rows {
		payload, err := marshalRowData(r.RowData)
		if err != nil {
			return err
		}
		b.Queue(`
			INSERT INTO import_row_ledger (job_id, kind, row_number, row_data, recorded_at)
			VALUES ($1, 'duplicate', $2, $3::jsonb, $4)`,
			t.jobID, r.RowNumber, payload, r.Timestamp)
	}
	return t.sendLedger(ctx, b, len(rows))
}

func (t *pgBatchTx) sendLedger(ctx context.Context, b *pgx.Batch, n int) error {
	if n == 0 {
		return nil
	}
	br := t.tx.SendBatch(ctx, b)
	var execErr error
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil && execErr == nil {
			execErr = err
		}
	}
	if err := br.Close(); err != nil && execErr == nil {
		execErr = err
	}
	if execErr != nil {
		return fmt.Errorf("append ledger entries: %w", execErr)
	}
	return nil
}

func (t *pgBatchTx) AddCounts(ctx context.Context, c BatchCounts) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE import_jobs
		SET processed_rows = processed_rows + $2,
		    successful_rows = successful_rows + $3,
		    duplicate_count = duplicate_count + $4,
		    updated_at = now()
		WHERE id = $1`,
		t.jobID, c.Processed, c.Successful, c.Duplicates)
	if err != nil {
		return fmt.Errorf("advance counters: %w", err)
	}
	return nil
}

// marshalRowData encodes ledger row data, mapping nil to SQL NULL.
func marshalRowData(doc Document) (*string, error) {
	if doc == nil {
		return nil, nil
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode row data: %w", err)
	}
	s := string(payload)
	return &s, nil
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*ImportJob, error) {
	var (
		job        ImportJob
		rawMapping []byte
		status     string
	)
	err := row.Scan(
		&job.ID, &job.TargetCollection, &rawMapping, &status,
		&job.TotalRows, &job.ProcessedRows, &job.SuccessfulRows, &job.DuplicateCount,
		&job.FileName, &job.FileSize, &job.FilePath,
		&job.StartedAt, &job.CompletedAt, &job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = Status(status)
	if err := json.Unmarshal(rawMapping, &job.FieldMapping); err != nil {
		return nil, fmt.Errorf("decode field mapping: %w", err)
	}
	return &job, nil
}
