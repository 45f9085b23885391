package consumers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/broker"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/metrics"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/model"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/pipeline"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/retry"
)

// Handler processes one delivery. It must not settle it; the worker does
// that from the returned error.
type Handler interface {
	Handle(ctx context.Context, d broker.Delivery) error
}

type HandlerFunc func(ctx context.Context, d broker.Delivery) error

func (f HandlerFunc) Handle(ctx context.Context, d broker.Delivery) error {
	return f(ctx, d)
}

// Worker binds one handler to one queue and processes its messages strictly
// one at a time: receive, handle, settle.
type Worker struct {
	broker   broker.Broker
	queue    string
	handler  Handler
	sink     broker.DeadLetterSink
	strategy retry.Strategy
	metrics  *metrics.Metrics
	now      func() time.Time

	subscribed atomic.Bool
}

func NewWorker(b broker.Broker, queue string, h Handler, sink broker.DeadLetterSink, strategy retry.Strategy, m *metrics.Metrics) *Worker {
	return &Worker{
		broker:   b,
		queue:    queue,
		handler:  h,
		sink:     sink,
		strategy: strategy,
		metrics:  m,
		now:      time.Now,
	}
}

func (w *Worker) Queue() string {
	return w.queue
}

// Subscribe declares the queue and opens the delivery stream.
func (w *Worker) Subscribe(ctx context.Context) (broker.Deliveries, error) {
	if err := w.broker.Declare(ctx, w.queue); err != nil {
		return nil, err
	}
	deliveries, err := w.broker.Consume(ctx, w.queue)
	if err != nil {
		return nil, err
	}
	w.subscribed.Store(true)
	return deliveries, nil
}

// Subscribed reports whether the worker currently holds a delivery stream.
func (w *Worker) Subscribed() bool {
	return w.subscribed.Load()
}

// Run subscribes and processes messages until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", w.queue, err)
	}
	return w.Serve(ctx, deliveries)
}

// Serve runs Loop on deliveries and, whenever the stream closes under it,
// subscribes again with exponential backoff. A stream that keeps closing
// right after it opens is paced by the same backoff. Serve returns nil once
// ctx is cancelled.
func (w *Worker) Serve(ctx context.Context, deliveries broker.Deliveries) error {
	pace := w.backOff()
	for {
		opened := time.Now()
		err := w.Loop(ctx, deliveries)
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, broker.ErrClosed) {
			return err
		}

		if time.Since(opened) > pace.MaxInterval {
			pace.Reset()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pace.NextBackOff()):
		}

		deliveries, err = backoff.Retry(ctx, func() (broker.Deliveries, error) {
			return w.Subscribe(ctx)
		},
			backoff.WithBackOff(w.backOff()),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				slog.Warn("Resubscribe failed, retrying", "queue", w.queue, "next", next, "error", err)
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("resubscribe to %s: %w", w.queue, err)
		}
		slog.Info("Consumer resubscribed", "queue", w.queue)
	}
}

func (w *Worker) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if w.strategy.BaseDelay > 0 {
		b.InitialInterval = w.strategy.BaseDelay
	}
	if w.strategy.MaxDelay > 0 {
		b.MaxInterval = w.strategy.MaxDelay
	}
	return b
}

// Loop processes deliveries until ctx is cancelled or the stream closes.
// A message already received when ctx is cancelled is still handled and
// settled, under a context detached from the cancellation.
func (w *Worker) Loop(ctx context.Context, deliveries broker.Deliveries) error {
	w.subscribed.Store(true)
	defer w.subscribed.Store(false)
	defer deliveries.Stop()
	slog.Info("Consumer started", "queue", w.queue, "retry", w.strategy.Schedule())

	for {
		d, err := deliveries.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Consumer stopped", "queue", w.queue)
				return nil
			}
			if errors.Is(err, broker.ErrClosed) {
				slog.Warn("Delivery stream closed", "queue", w.queue)
				return err
			}

			slog.Error("Receive failed", "queue", w.queue, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		w.Process(context.WithoutCancel(ctx), d)
	}
}

// Process handles one delivery and settles it exactly once. It returns the
// outcome recorded in metrics.
func (w *Worker) Process(ctx context.Context, d broker.Delivery) string {
	start := w.now()

	err := w.handler.Handle(ctx, d)
	outcome := w.settle(ctx, d, err)

	w.metrics.ObserveIngest(w.queue, outcome, w.now().Sub(start))
	return outcome
}

func (w *Worker) settle(ctx context.Context, d broker.Delivery, err error) string {
	switch {
	case err == nil:
		w.ack(ctx, d)
		return metrics.OutcomeAcked

	case pipeline.IsDuplicate(err):
		slog.Info("Duplicate delivery acknowledged",
			"queue", w.queue,
			"messageID", d.ID(),
			"error", err)
		w.ack(ctx, d)
		return metrics.OutcomeDuplicate

	case pipeline.IsMalformed(err):
		return w.deadLetter(ctx, d, model.DeadLetterMalformed, err)

	case !pipeline.Retryable(err):
		return w.deadLetter(ctx, d, model.DeadLetterRejected, err)

	case w.strategy.ShouldDeadLetter(d.Attempt()):
		return w.deadLetter(ctx, d, model.DeadLetterExhausted, err)

	default:
		return w.requeue(ctx, d, err)
	}
}

func (w *Worker) ack(ctx context.Context, d broker.Delivery) {
	if err := d.Ack(ctx); err != nil {
		// the broker redelivers; the inbox or the primary key absorbs it
		slog.Error("Ack failed", "queue", w.queue, "messageID", d.ID(), "error", err)
	}
}

func (w *Worker) requeue(ctx context.Context, d broker.Delivery, cause error) string {
	delay := w.strategy.Delay(d.Attempt())
	slog.Warn("Message processing failed, requeueing",
		"queue", w.queue,
		"messageID", d.ID(),
		"attempt", d.Attempt(),
		"delay", delay,
		"error", cause)

	if err := d.Nack(ctx, true, delay); err != nil {
		slog.Error("Nack failed", "queue", w.queue, "messageID", d.ID(), "error", err)
	}
	return metrics.OutcomeRequeued
}

func (w *Worker) deadLetter(ctx context.Context, d broker.Delivery, reason string, cause error) string {
	dl := model.DeadLetter{
		ID:        uuid.NewString(),
		Queue:     w.queue,
		MessageID: d.ID(),
		Body:      d.Body(),
		Attempts:  d.Attempt(),
		Reason:    reason,
		LastError: cause.Error(),
		FailedAt:  w.now().UTC(),
	}

	if w.sink != nil {
		if err := w.sink.Put(ctx, dl); err != nil {
			slog.Error("Dead-letter store failed, requeueing instead",
				"queue", w.queue,
				"messageID", d.ID(),
				"error", err)
			return w.requeue(ctx, d, cause)
		}
	}

	slog.Error("Message dead-lettered",
		"queue", w.queue,
		"messageID", d.ID(),
		"deadLetterID", dl.ID,
		"reason", reason,
		"attempt", d.Attempt(),
		"error", cause)

	if err := d.Nack(ctx, false, 0); err != nil {
		slog.Error("Reject failed", "queue", w.queue, "messageID", d.ID(), "error", err)
	}
	w.metrics.ObserveDeadLetter(w.queue, reason)
	return metrics.OutcomeDeadLettered
}
