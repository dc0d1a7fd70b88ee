package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkaplan/importd/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	jobID := uuid.New()

	var wg sync.WaitGroup
	wg.Add(2)
	var mu sync.Mutex
	var got []uuid.UUID

	for i := 0; i < 2; i++ {
		bus.SubscribeReady(func(id uuid.UUID) {
			mu.Lock()
			got = append(got, id)
			mu.Unlock()
			wg.Done()
		})
	}

	bus.PublishReady(jobID)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all subscribers received the event")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, jobID, got[0])
	assert.Equal(t, jobID, got[1])
}

func TestBus_CompletedCarriesStats(t *testing.T) {
	bus := NewBus()
	jobID := uuid.New()
	want := store.ImportStats{Total: 10, Successful: 7, Failed: 1, Duplicates: 2}

	ch := make(chan store.ImportStats, 1)
	bus.SubscribeCompleted(func(id uuid.UUID, stats store.ImportStats) {
		assert.Equal(t, jobID, id)
		ch <- stats
	})

	bus.PublishCompleted(jobID, want)

	select {
	case got := <-ch:
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("completed event not delivered")
	}
}

func TestBus_FailedCarriesCause(t *testing.T) {
	bus := NewBus()
	cause := errors.New("disk full")

	ch := make(chan error, 1)
	bus.SubscribeFailed(func(_ uuid.UUID, err error) {
		ch <- err
	})

	bus.PublishFailed(uuid.New(), cause)

	select {
	case got := <-ch:
		assert.Equal(t, cause, got)
	case <-time.After(time.Second):
		t.Fatal("failed event not delivered")
	}
}

func TestBus_PublishWithoutSubscribersIsNoop(t *testing.T) {
	bus := NewBus()

	assert.NotPanics(t, func() {
		bus.PublishReady(uuid.New())
		bus.PublishCompleted(uuid.New(), store.ImportStats{})
		bus.PublishFailed(uuid.New(), errors.New("x"))
	})
}

// Publishing never blocks on a slow subscriber.
func TestBus_PublishDoesNotBlock(t *testing.T) {
	bus := NewBus()
	release := make(chan struct{})
	bus.SubscribeReady(func(uuid.UUID) {
		<-release
	})
	defer close(release)

	done := make(chan struct{})
	go func() {
		bus.PublishReady(uuid.New())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PublishReady blocked on a stuck subscriber")
	}
}
