package store

// memory.go implements Store entirely in memory. It backs the test suite
// and is handy for poking at the pipeline without a database. Semantics
// mirror the Postgres implementation: RunBatch stages every write and
// applies all of them only when the batch function succeeds.

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory Store.
type Memory struct {
	mu      sync.RWMutex
	jobs    map[uuid.UUID]*ImportJob
	ledgers map[uuid.UUID]*Ledger
	docs    map[string][]memDoc
}

type memDoc struct {
	key string
	doc Document
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[uuid.UUID]*ImportJob),
		ledgers: make(map[uuid.UUID]*Ledger),
		docs:    make(map[string][]memDoc),
	}
}

func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (*ImportJob, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	mapping := make(map[string]string, len(p.FieldMapping))
	for k, v := range p.FieldMapping {
		mapping[k] = v
	}

	job := &ImportJob{
		ID:               uuid.New(),
		TargetCollection: p.TargetCollection,
		FieldMapping:     mapping,
		Status:           StatusPending,
		FileSize:         p.FileSize,
		CreatedAt:        time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	m.ledgers[job.ID] = &Ledger{}

	cp := *job
	return &cp, nil
}

func (m *Memory) Job(_ context.Context, id uuid.UUID) (*ImportJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *Memory) Ledger(_ context.Context, id uuid.UUID) (*Ledger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ledger, ok := m.ledgers[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := &Ledger{
		Failed:     append([]FailedRow(nil), ledger.Failed...),
		Duplicates: append([]DuplicateRow(nil), ledger.Duplicates...),
	}
	return cp, nil
}

func (m *Memory) SetFileInfo(_ context.Context, id uuid.UUID, name, path string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.FileName = name
	job.FilePath = path
	job.FileSize = size
	return nil
}

func (m *Memory) MarkProcessing(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return ErrJobTerminal
	}
	job.Status = StatusProcessing
	if job.StartedAt == nil {
		now := time.Now().UTC()
		job.StartedAt = &now
	}
	return nil
}

func (m *Memory) RunBatch(ctx context.Context, jobID uuid.UUID, fn func(BatchTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return ErrJobNotFound
	}

	tx := &memBatchTx{store: m, jobID: jobID}
	if err := fn(tx); err != nil {
		return err
	}
	tx.apply()
	return nil
}

func (m *Memory) FinalizeJob(_ context.Context, id uuid.UUID) (*ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !job.Status.Terminal() {
		if job.ProcessedRows > 0 && job.SuccessfulRows == 0 && job.DuplicateCount == 0 {
			job.Status = StatusFailed
		} else {
			job.Status = StatusCompleted
		}
		job.TotalRows = job.ProcessedRows
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
	cp := *job
	return &cp, nil
}

func (m *Memory) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	job.Status = StatusFailed
	now := time.Now().UTC()
	job.CompletedAt = &now
	m.ledgers[id].Failed = append(m.ledgers[id].Failed, FailedRow{
		ErrorMessage: reason,
		Timestamp:    now,
	})
	return nil
}

// DocumentCount returns the number of documents in a collection.
func (m *Memory) DocumentCount(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[collection])
}

// memBatchTx stages writes and applies them when the batch function
// succeeds. The store lock is held for the whole RunBatch call, so the
// staged view never races with other batches.
type memBatchTx struct {
	store *Memory
	jobID uuid.UUID

	inserts map[string][]memDoc
	failed  []FailedRow
	dups    []DuplicateRow
	counts  BatchCounts
}

func (t *memBatchTx) DocumentExists(_ context.Context, collection string, doc Document) (bool, error) {
	key, err := canonicalKey(doc)
	if err != nil {
		return false, err
	}
	for _, existing := range t.store.docs[collection] {
		if existing.key == key {
			return true, nil
		}
	}
	return false, nil
}

func (t *memBatchTx) InsertDocuments(_ context.Context, collection string, docs []Document) error {
	for _, doc := range docs {
		key, err := canonicalKey(doc)
		if err != nil {
			return err
		}
		if t.inserts == nil {
			t.inserts = make(map[string][]memDoc)
		}
		t.inserts[collection] = append(t.inserts[collection], memDoc{key: key, doc: doc})
	}
	return nil
}

func (t *memBatchTx) AppendFailed(_ context.Context, rows []FailedRow) error {
	t.failed = append(t.failed, rows...)
	return nil
}

func (t *memBatchTx) AppendDuplicates(_ context.Context, rows []DuplicateRow) error {
	t.dups = append(t.dups, rows...)
	return nil
}

func (t *memBatchTx) AddCounts(_ context.Context, c BatchCounts) error {
	t.counts.Processed += c.Processed
	t.counts.Successful += c.Successful
	t.counts.Duplicates += c.Duplicates
	return nil
}

// apply commits the staged writes. Caller holds the store lock.
func (t *memBatchTx) apply() {
	for collection, docs := range t.inserts {
		t.store.docs[collection] = append(t.store.docs[collection], docs...)
	}
	ledger := t.store.ledgers[t.jobID]
	ledger.Failed = append(ledger.Failed, t.failed...)
	ledger.Duplicates = append(ledger.Duplicates, t.dups...)

	job := t.store.jobs[t.jobID]
	job.ProcessedRows += t.counts.Processed
	job.SuccessfulRows += t.counts.Successful
	job.DuplicateCount += t.counts.Duplicates
}

// canonicalKey renders a document as canonical JSON (sorted keys) for
// equality comparison.
func canonicalKey(doc Document) (string, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(payload), nil
}
