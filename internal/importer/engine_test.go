package importer

import (
	"context"
	"errors"
	"testing"

	"github.com/dkaplan/importd/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngineFixture(t *testing.T) (*Engine, *store.Memory, uuid.UUID) {
	t.Helper()

	mem := store.NewMemory()
	job, err := mem.CreateJob(context.Background(), store.CreateJobParams{
		TargetCollection: "contacts",
		FieldMapping:     map[string]string{"name": "fullName"},
	})
	require.NoError(t, err)
	return NewEngine(mem), mem, job.ID
}

func row(n int64, fields store.Document) MappedRow {
	return MappedRow{Number: n, Fields: fields}
}

func TestImportBatch_InsertsAndCounts(t *testing.T) {
	engine, mem, jobID := newEngineFixture(t)
	ctx := context.Background()

	stats, err := engine.ImportBatch(ctx, jobID, "contacts", []MappedRow{
		row(1, store.Document{"fullName": "Alice"}),
		row(2, store.Document{"fullName": "Bob"}),
	})
	require.NoError(t, err)

	assert.Equal(t, store.ImportStats{Total: 2, Successful: 2}, stats)
	assert.Equal(t, 2, mem.DocumentCount("contacts"))

	job, err := mem.Job(ctx, jobID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, job.ProcessedRows)
	assert.EqualValues(t, 2, job.SuccessfulRows)
	assert.EqualValues(t, 0, job.DuplicateCount)
}

func TestImportBatch_DuplicateWithinBatch(t *testing.T) {
	engine, mem, jobID := newEngineFixture(t)
	ctx := context.Background()

	stats, err := engine.ImportBatch(ctx, jobID, "contacts", []MappedRow{
		row(1, store.Document{"fullName": "Alice"}),
		row(2, store.Document{"fullName": "Bob"}),
		row(3, store.Document{"fullName": "Alice"}),
	})
	require.NoError(t, err)

	assert.Equal(t, store.ImportStats{Total: 3, Successful: 2, Duplicates: 1}, stats)
	assert.Equal(t, 2, mem.DocumentCount("contacts"))

	ledger, err := mem.Ledger(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, ledger.Duplicates, 1)
	assert.EqualValues(t, 3, ledger.Duplicates[0].RowNumber)
	assert.Equal(t, store.Document{"fullName": "Alice"}, ledger.Duplicates[0].RowData)
}

func TestImportBatch_DuplicateAgainstExisting(t *testing.T) {
	engine, mem, jobID := newEngineFixture(t)
	ctx := context.Background()

	_, err := engine.ImportBatch(ctx, jobID, "contacts", []MappedRow{
		row(1, store.Document{"fullName": "Alice", "city": "Oslo"}),
	})
	require.NoError(t, err)

	// Same field set in a later batch is a duplicate of the stored document.
	stats, err := engine.ImportBatch(ctx, jobID, "contacts", []MappedRow{
		row(2, store.Document{"city": "Oslo", "fullName": "Alice"}),
	})
	require.NoError(t, err)

	assert.Equal(t, store.ImportStats{Total: 1, Duplicates: 1}, stats)
	assert.Equal(t, 1, mem.DocumentCount("contacts"))
}

func TestImportBatch_EmptyBatch(t *testing.T) {
	engine, _, jobID := newEngineFixture(t)

	stats, err := engine.ImportBatch(context.Background(), jobID, "contacts", nil)
	require.NoError(t, err)
	assert.Equal(t, store.ImportStats{}, stats)
}

func TestImportBatch_JobNotFound(t *testing.T) {
	engine := NewEngine(store.NewMemory())

	_, err := engine.ImportBatch(context.Background(), uuid.New(), "contacts", []MappedRow{
		row(1, store.Document{"fullName": "Alice"}),
	})
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

// When the bulk write itself fails, every row of the insertion set is
// reclassified as failed, the ledger and counters still commit, and the call
// reports no error.
func TestImportBatch_BulkInsertFailureReclassifies(t *testing.T) {
	fake := &bulkFailStore{insertErr: errors.New("relation is read-only")}
	engine := NewEngine(fake)

	stats, err := engine.ImportBatch(context.Background(), uuid.New(), "contacts", []MappedRow{
		row(1, store.Document{"fullName": "Alice"}),
		row(2, store.Document{"fullName": "Bob"}),
		row(3, store.Document{"fullName": "Alice"}),
	})
	require.NoError(t, err)

	assert.Equal(t, store.ImportStats{Total: 3, Failed: 2, Duplicates: 1}, stats)

	require.Len(t, fake.tx.failed, 2)
	assert.EqualValues(t, 1, fake.tx.failed[0].RowNumber)
	assert.EqualValues(t, 2, fake.tx.failed[1].RowNumber)
	assert.Contains(t, fake.tx.failed[0].ErrorMessage, "read-only")

	// The in-batch duplicate was classified before the insert attempt and
	// stays a duplicate, not a failure.
	require.Len(t, fake.tx.dups, 1)
	assert.EqualValues(t, 3, fake.tx.dups[0].RowNumber)

	assert.Equal(t, store.BatchCounts{Processed: 3, Successful: 0, Duplicates: 1}, fake.tx.counts)
}

func TestImportBatch_DuplicateCheckFailureIsFatal(t *testing.T) {
	fake := &bulkFailStore{existsErr: errors.New("connection refused")}
	engine := NewEngine(fake)

	_, err := engine.ImportBatch(context.Background(), uuid.New(), "contacts", []MappedRow{
		row(1, store.Document{"fullName": "Alice"}),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate check for row 1")
}

// Accounting identity: successful + failed + duplicates always equals the
// number of processed rows, whatever mix of outcomes a batch produces.
func TestImportBatch_AccountingIdentity(t *testing.T) {
	engine, _, jobID := newEngineFixture(t)

	rows := []MappedRow{
		row(1, store.Document{"fullName": "Alice"}),
		row(2, store.Document{"fullName": "Bob"}),
		row(3, store.Document{"fullName": "Alice"}),
		row(4, store.Document{"fullName": "Carol"}),
		row(5, store.Document{"fullName": "Bob"}),
	}

	stats, err := engine.ImportBatch(context.Background(), jobID, "contacts", rows)
	require.NoError(t, err)
	assert.Equal(t, stats.Total, stats.Successful+stats.Failed+stats.Duplicates)
}

// bulkFailStore is a Store whose batch transaction can be made to fail the
// bulk insert or the duplicate check, for exercising the engine's error
// classification. Only RunBatch is functional.
type bulkFailStore struct {
	insertErr error
	existsErr error
	tx        recordingTx
}

func (s *bulkFailStore) RunBatch(_ context.Context, _ uuid.UUID, fn func(store.BatchTx) error) error {
	s.tx = recordingTx{insertErr: s.insertErr, existsErr: s.existsErr}
	return fn(&s.tx)
}

func (s *bulkFailStore) CreateJob(context.Context, store.CreateJobParams) (*store.ImportJob, error) {
	return nil, errors.New("not implemented")
}
func (s *bulkFailStore) Job(context.Context, uuid.UUID) (*store.ImportJob, error) {
	return nil, store.ErrJobNotFound
}
func (s *bulkFailStore) Ledger(context.Context, uuid.UUID) (*store.Ledger, error) {
	return nil, store.ErrJobNotFound
}
func (s *bulkFailStore) SetFileInfo(context.Context, uuid.UUID, string, string, int64) error {
	return nil
}
func (s *bulkFailStore) MarkProcessing(context.Context, uuid.UUID) error { return nil }
func (s *bulkFailStore) FinalizeJob(context.Context, uuid.UUID) (*store.ImportJob, error) {
	return nil, store.ErrJobNotFound
}
func (s *bulkFailStore) MarkFailed(context.Context, uuid.UUID, string) error { return nil }

type recordingTx struct {
	insertErr error
	existsErr error

	inserted []store.Document
	failed   []store.FailedRow
	dups     []store.DuplicateRow
	counts   store.BatchCounts
}

func (t *recordingTx) DocumentExists(context.Context, string, store.Document) (bool, error) {
	return false, t.existsErr
}

func (t *recordingTx) InsertDocuments(_ context.Context, _ string, docs []store.Document) error {
	if t.insertErr != nil {
		return t.insertErr
	}
	t.inserted = append(t.inserted, docs...)
	return nil
}

func (t *recordingTx) AppendFailed(_ context.Context, rows []store.FailedRow) error {
	t.failed = append(t.failed, rows...)
	return nil
}

func (t *recordingTx) AppendDuplicates(_ context.Context, rows []store.DuplicateRow) error {
	t.dups = append(t.dups, rows...)
	return nil
}

func (t *recordingTx) AddCounts(_ context.Context, c store.BatchCounts) error {
	t.counts.Processed += c.Processed
	t.counts.Successful += c.Successful
	t.counts.Duplicates += c.Duplicates
	return nil
}
