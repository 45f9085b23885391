package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/metrics"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/model"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/retry"
)

type OutboxStore interface {
	PendingOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxDispatched(ctx context.Context, id string) error
	MarkOutboxFailed(ctx context.Context, id string, cause error, dead bool) error
}

type Dispatcher interface {
	DispatchEvent(ctx context.Context, ev model.OutboxEvent) error
}

// Relay publishes outbox events written alongside data changes. Delivery is
// at-least-once: an event published but not yet marked is sent again.
type Relay struct {
	store      OutboxStore
	dispatcher Dispatcher
	strategy   retry.Strategy
	batchSize  int
	metrics    *metrics.Metrics
}

func NewRelay(store OutboxStore, d Dispatcher, strategy retry.Strategy, batchSize int, m *metrics.Metrics) *Relay {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Relay{
		store:      store,
		dispatcher: d,
		strategy:   strategy,
		batchSize:  batchSize,
		metrics:    m,
	}
}

// Run polls the outbox every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Outbox relay started", "interval", interval, "batchSize", r.batchSize)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Outbox relay stopped")
			return
		case <-ticker.C:
			if _, err := r.ProcessBatch(ctx); err != nil {
				slog.Error("Outbox batch failed", "error", err)
			}
		}
	}
}

// ProcessBatch publishes up to one batch of pending events in creation order
// and returns how many were dispatched.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	events, err := r.store.PendingOutbox(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}

		if err := r.dispatcher.DispatchEvent(ctx, ev); err != nil {
			attempt := ev.Attempts + 1
			dead := r.strategy.ShouldDeadLetter(attempt)
			if markErr := r.store.MarkOutboxFailed(ctx, ev.ID, err, dead); markErr != nil {
				slog.Error("Outbox bookkeeping failed", "id", ev.ID, "error", markErr)
			}

			result := "failed"
			if dead {
				result = "dead"
				slog.Error("Outbox event abandoned", "id", ev.ID, "queue", ev.Queue, "attempts", attempt, "error", err)
			}
			r.metrics.ObserveOutbox(result)
			continue
		}

		if err := r.store.MarkOutboxDispatched(ctx, ev.ID); err != nil {
			slog.Error("Outbox bookkeeping failed", "id", ev.ID, "error", err)
			continue
		}
		r.metrics.ObserveOutbox("dispatched")
		dispatched++
	}

	if dispatched > 0 {
		slog.Debug("Outbox events dispatched", "count", dispatched)
	}
	return dispatched, nil
}
