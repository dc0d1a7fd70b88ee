// Package events sequences the import pipeline: an in-process publish/
// subscribe bus with three event kinds (ready, completed, failed) and the
// orchestrator that owns the production subscription for each kind.
//
// The bus is an explicitly constructed component injected where needed;
// there is no process-global instance. Publishing is fire-and-forget: each
// subscriber runs in its own goroutine and the publisher never waits.
// Deliveries are not serialized, so subscribers must rely on the job
// record's atomic updates for consistency under concurrent events.
package events

import (
	"sync"

	"github.com/dkaplan/importd/internal/store"
	"github.com/google/uuid"
)

// ReadyHandler receives jobs whose staged file is complete.
type ReadyHandler func(jobID uuid.UUID)

// CompletedHandler receives jobs whose stream was fully processed.
type CompletedHandler func(jobID uuid.UUID, stats store.ImportStats)

// FailedHandler receives jobs whose processing run failed.
type FailedHandler func(jobID uuid.UUID, err error)

// Bus is the import event bus.
type Bus struct {
	mu        sync.RWMutex
	ready     []ReadyHandler
	completed []CompletedHandler
	failed    []FailedHandler
}

// NewBus creates an empty bus. Subscribers are registered once, at startup.
func NewBus() *Bus {
	return &Bus{}
}

// SubscribeReady registers a handler for ready events.
func (b *Bus) SubscribeReady(h ReadyHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = append(b.ready, h)
}

// SubscribeCompleted registers a handler for completed events.
func (b *Bus) SubscribeCompleted(h CompletedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completed = append(b.completed, h)
}

// SubscribeFailed registers a handler for failed events.
func (b *Bus) SubscribeFailed(h FailedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed = append(b.failed, h)
}

// PublishReady announces that a job's file is fully staged.
func (b *Bus) PublishReady(jobID uuid.UUID) {
	b.mu.RLock()
	handlers := b.ready
	b.mu.RUnlock()
	for _, h := range handlers {
		go h(jobID)
	}
}

// PublishCompleted announces a finished processing run with its final stats.
func (b *Bus) PublishCompleted(jobID uuid.UUID, stats store.ImportStats) {
	b.mu.RLock()
	handlers := b.completed
	b.mu.RUnlock()
	for _, h := range handlers {
		go h(jobID, stats)
	}
}

// PublishFailed announces a failed processing run.
func (b *Bus) PublishFailed(jobID uuid.UUID, err error) {
	b.mu.RLock()
	handlers := b.failed
	b.mu.RUnlock()
	for _, h := range handlers {
		go h(jobID, err)
	}
}
