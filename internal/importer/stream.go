package importer

// stream.go is the position-tracked stream processor. It reads a staged
// file sequentially from the resume cursor, maps columns to destination
// fields, batches rows into the engine, and advances the cursor only after
// each batch has committed. A crash mid-batch therefore resumes exactly at
// the last committed boundary.
//
// Offsets are raw-file byte offsets taken from csv.Reader.InputOffset at
// batch boundaries. A fresh run skips a UTF-8 BOM and takes the header from
// the main reader; a resumed run re-reads the header from the start of the
// file with a throwaway reader and seeks straight to the cursor offset, so
// the header is never reinterpreted as data and no data row is skipped.

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/dkaplan/importd/internal/events"
	"github.com/dkaplan/importd/internal/store"
	"github.com/google/uuid"
)

var (
	// ErrJobBusy indicates a second processing run was attempted while the
	// job's current run is still active.
	ErrJobBusy = errors.New("import job is already being processed")

	// ErrNoStagedFile indicates processing was requested before the upload
	// completed.
	ErrNoStagedFile = errors.New("import job has no staged file")
)

var utf8BOM = [3]byte{0xEF, 0xBB, 0xBF}

// Processor drives imports batch by batch. Batches within one file run
// strictly sequentially; distinct jobs may process concurrently.
type Processor struct {
	store     store.Store
	engine    *Engine
	bus       *events.Bus
	batchSize int

	mu     sync.Mutex
	active map[uuid.UUID]struct{}
}

// NewProcessor creates a stream processor.
func NewProcessor(st store.Store, engine *Engine, bus *events.Bus, batchSize int) *Processor {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Processor{
		store:     st,
		engine:    engine,
		bus:       bus,
		batchSize: batchSize,
		active:    make(map[uuid.UUID]struct{}),
	}
}

// ProcessJob runs one import for the job's staged file, resuming from the
// persisted cursor if one exists. Exactly one run per job may be active;
// concurrent invocations fail with ErrJobBusy without touching the record.
//
// Completion and failure are reported on the event bus. Guard failures
// (busy, terminal job, missing file) are returned without publishing a
// failure event, since no processing run ever started.
func (p *Processor) ProcessJob(ctx context.Context, jobID uuid.UUID) (store.ImportStats, error) {
	if !p.acquire(jobID) {
		return store.ImportStats{}, ErrJobBusy
	}
	defer p.release(jobID)

	job, err := p.store.Job(ctx, jobID)
	if err != nil {
		return store.ImportStats{}, err
	}
	if job.FilePath == "" {
		return store.ImportStats{}, ErrNoStagedFile
	}
	if err := p.store.MarkProcessing(ctx, jobID); err != nil {
		return store.ImportStats{}, err
	}

	log := slog.With("job_id", jobID, "collection", job.TargetCollection, "file", job.FilePath)
	log.Info("processing started", "batch_size", p.batchSize)

	stats, err := p.processFile(ctx, job)
	if err != nil {
		log.Error("processing failed", "error", err,
			"processed", stats.Total, "successful", stats.Successful)
		p.bus.PublishFailed(jobID, err)
		return stats, err
	}

	log.Info("processing completed",
		"rows", stats.Total,
		"successful", stats.Successful,
		"failed", stats.Failed,
		"duplicates", stats.Duplicates,
	)
	p.bus.PublishCompleted(jobID, stats)
	return stats, nil
}

// processFile streams the staged file from the cursor position through the
// engine. The cursor is advanced only after a batch commit; on failure it is
// left at the last committed boundary so a retry resumes there.
func (p *Processor) processFile(ctx context.Context, job *store.ImportJob) (store.ImportStats, error) {
	var stats store.ImportStats

	cur, resuming, err := LoadCursor(job.FilePath)
	if err != nil {
		return stats, err
	}

	f, err := os.Open(job.FilePath)
	if err != nil {
		return stats, fmt.Errorf("open staged file: %w", err)
	}
	defer f.Close()

	var (
		base   int64
		header []string
	)
	if resuming {
		header, err = readHeader(job.FilePath)
		if err != nil {
			return stats, err
		}
		if _, err := f.Seek(cur.Offset, io.SeekStart); err != nil {
			return stats, fmt.Errorf("seek to resume offset %d: %w", cur.Offset, err)
		}
		base = cur.Offset
	} else {
		base, err = skipBOM(f)
		if err != nil {
			return stats, err
		}
	}

	r := csv.NewReader(NewUTF8Sanitizer(f))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	if !resuming {
		rec, err := r.Read()
		if err == io.EOF {
			// Empty file: nothing to import.
			if err := ClearCursor(job.FilePath); err != nil {
				return stats, err
			}
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("read header: %w", err)
		}
		header = trimFields(rec)
	}

	var (
		batch  = make([]MappedRow, 0, p.batchSize)
		rowNum = cur.Rows
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		res, err := p.engine.ImportBatch(ctx, job.ID, job.TargetCollection, batch)
		if err != nil {
			return err
		}
		stats.Add(res)
		batch = batch[:0]

		// Advance only after the batch committed. Never before.
		return SaveCursor(job.FilePath, Cursor{Offset: base + r.InputOffset(), Rows: rowNum})
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("read row: %w", err)
		}
		if blankRow(rec) {
			continue
		}

		rowNum++
		batch = append(batch, MappedRow{
			Number: rowNum,
			Fields: mapRow(header, rec, job.FieldMapping),
		})

		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}

	if err := flush(); err != nil {
		return stats, err
	}
	if err := ClearCursor(job.FilePath); err != nil {
		return stats, err
	}
	return stats, nil
}

// readHeader reads the header record from the start of a staged file.
func readHeader(filePath string) ([]string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open staged file for header: %w", err)
	}
	defer f.Close()

	if _, err := skipBOM(f); err != nil {
		return nil, err
	}

	r := csv.NewReader(NewUTF8Sanitizer(f))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	rec, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	return trimFields(rec), nil
}

// skipBOM consumes a UTF-8 BOM if present and returns the resulting raw
// file offset (3 or 0).
func skipBOM(f *os.File) (int64, error) {
	var buf [3]byte
	n, err := io.ReadFull(f, buf[:])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return 0, fmt.Errorf("read file prefix: %w", err)
	}
	if n == 3 && buf == utf8BOM {
		return 3, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewind after BOM probe: %w", err)
	}
	return 0, nil
}

// mapRow applies the field mapping to one record. Columns without a mapping
// entry are dropped; mapped columns missing from the record stay absent.
func mapRow(header, rec []string, mapping map[string]string) store.Document {
	doc := make(store.Document, len(mapping))
	for i, col := range header {
		dest, ok := mapping[col]
		if !ok {
			continue
		}
		if i < len(rec) {
			doc[dest] = strings.TrimSpace(rec[i])
		}
	}
	return doc
}

func trimFields(rec []string) []string {
	out := make([]string, len(rec))
	for i, v := range rec {
		out[i] = strings.TrimSpace(v)
	}
	return out
}

func blankRow(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func (p *Processor) acquire(jobID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.active[jobID]; busy {
		return false
	}
	p.active[jobID] = struct{}{}
	return true
}

func (p *Processor) release(jobID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, jobID)
}
