package events

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dkaplan/importd/internal/store"
	"github.com/google/uuid"
)

// Processor runs one import for a job's staged file. Implemented by the
// stream processor; abstracted here so the orchestrator can be exercised
// without files or a database.
type Processor interface {
	ProcessJob(ctx context.Context, jobID uuid.UUID) (store.ImportStats, error)
}

// Orchestrator owns the production subscribers of the bus. Each handler is
// a pure function of its event payload plus the job store: ready triggers
// processing, completed finalizes the job, failed marks it failed with a
// ledger entry. Handlers share no state with the components that publish.
type Orchestrator struct {
	ctx       context.Context
	store     store.Store
	processor Processor
}

// NewOrchestrator registers exactly one subscriber per event kind on the
// bus. ctx bounds the background processing runs it starts; cancel it on
// shutdown.
func NewOrchestrator(ctx context.Context, bus *Bus, st store.Store, proc Processor) *Orchestrator {
	o := &Orchestrator{
		ctx:       ctx,
		store:     st,
		processor: proc,
	}
	bus.SubscribeReady(o.onReady)
	bus.SubscribeCompleted(o.onCompleted)
	bus.SubscribeFailed(o.onFailed)
	return o
}

func (o *Orchestrator) onReady(jobID uuid.UUID) {
	slog.Info("import ready", "job_id", jobID)

	_, err := o.processor.ProcessJob(o.ctx, jobID)
	switch {
	case err == nil:
		// Completion is reported through the completed event.
	case errors.Is(err, store.ErrJobTerminal):
		slog.Info("import already finished, skipping", "job_id", jobID)
	default:
		// Processing failures are handled by the failed subscriber; the
		// busy case means another run owns the job.
		slog.Warn("import run did not complete", "job_id", jobID, "error", err)
	}
}

func (o *Orchestrator) onCompleted(jobID uuid.UUID, stats store.ImportStats) {
	job, err := o.store.FinalizeJob(o.ctx, jobID)
	if err != nil {
		slog.Error("failed to finalize import", "job_id", jobID, "error", err)
		return
	}
	slog.Info("import completed",
		"job_id", jobID,
		"status", job.Status,
		"total", stats.Total,
		"successful", stats.Successful,
		"failed", stats.Failed,
		"duplicates", stats.Duplicates,
	)
}

func (o *Orchestrator) onFailed(jobID uuid.UUID, cause error) {
	if err := o.store.MarkFailed(o.ctx, jobID, cause.Error()); err != nil {
		slog.Error("failed to record import failure", "job_id", jobID, "error", err)
		return
	}
	slog.Warn("import failed", "job_id", jobID, "error", cause)
}
