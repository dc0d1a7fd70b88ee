// Package importer contains the position-tracked stream processor and the
// bulk import engine: it turns a staged delimited file into documents in a
// target collection, batch by batch, with a durable resume cursor and a
// per-row ledger of everything that was not inserted.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dkaplan/importd/internal/store"
	"github.com/google/uuid"
)

// MappedRow is one parsed source row after field mapping, tagged with its
// 1-based position among the file's data rows.
type MappedRow struct {
	Number int64
	Fields store.Document
}

// Engine writes batches of mapped rows into the document store. One
// ImportBatch call is one transaction: duplicate checks, the bulk insert,
// ledger appends and counter updates all commit or roll back together.
type Engine struct {
	store store.Store
}

// NewEngine creates a bulk import engine on top of the given store.
func NewEngine(st store.Store) *Engine {
	return &Engine{store: st}
}

// ImportBatch imports one batch of rows into the collection on behalf of a
// job. Row-level problems (unserializable values) and a failing bulk write
// are recorded in the ledger and do not fail the call; the returned error is
// reserved for fatal conditions (job deleted, store unreachable), in which
// case nothing from this batch is persisted.
func (e *Engine) ImportBatch(ctx context.Context, jobID uuid.UUID, collection string, rows []MappedRow) (store.ImportStats, error) {
	stats := store.ImportStats{Total: int64(len(rows))}
	if len(rows) == 0 {
		return stats, nil
	}

	err := e.store.RunBatch(ctx, jobID, func(tx store.BatchTx) error {
		now := time.Now().UTC()

		var (
			pending     []store.Document
			pendingRows []MappedRow
			failed      []store.FailedRow
			duplicates  []store.DuplicateRow
			seen        = make(map[string]struct{}, len(rows))
		)

		for _, row := range rows {
			key, err := json.Marshal(row.Fields)
			if err != nil {
				failed = append(failed, store.FailedRow{
					RowData:      row.Fields,
					RowNumber:    row.Number,
					ErrorMessage: fmt.Sprintf("encode row: %v", err),
					Timestamp:    now,
				})
				continue
			}

			if _, dup := seen[string(key)]; dup {
				duplicates = append(duplicates, store.DuplicateRow{
					RowData:   row.Fields,
					RowNumber: row.Number,
					Timestamp: now,
				})
				continue
			}

			exists, err := tx.DocumentExists(ctx, collection, row.Fields)
			if err != nil {
				return fmt.Errorf("duplicate check for row %d: %w", row.Number, err)
			}
			if exists {
				duplicates = append(duplicates, store.DuplicateRow{
					RowData:   row.Fields,
					RowNumber: row.Number,
					Timestamp: now,
				})
				continue
			}

			seen[string(key)] = struct{}{}
			pending = append(pending, row.Fields)
			pendingRows = append(pendingRows, row)
		}

		if len(pending) > 0 {
			if err := tx.InsertDocuments(ctx, collection, pending); err != nil {
				// The bulk write is all-or-nothing: reclassify the whole
				// insertion set as failed, no partial success.
				slog.Warn("bulk insert failed, reclassifying batch",
					"job_id", jobID,
					"collection", collection,
					"rows", len(pending),
					"error", err,
				)
				for _, row := range pendingRows {
					failed = append(failed, store.FailedRow{
						RowData:      row.Fields,
						RowNumber:    row.Number,
						ErrorMessage: err.Error(),
						Timestamp:    now,
					})
				}
				pending = nil
			}
		}

		if err := tx.AppendFailed(ctx, failed); err != nil {
			return err
		}
		if err := tx.AppendDuplicates(ctx, duplicates); err != nil {
			return err
		}
		if err := tx.AddCounts(ctx, store.BatchCounts{
			Processed:  int64(len(rows)),
			Successful: int64(len(pending)),
			Duplicates: int64(len(duplicates)),
		}); err != nil {
			return err
		}

		stats.Successful = int64(len(pending))
		stats.Failed = int64(len(failed))
		stats.Duplicates = int64(len(duplicates))
		return nil
	})
	if err != nil {
		return store.ImportStats{Total: int64(len(rows))}, err
	}
	return stats, nil
}
