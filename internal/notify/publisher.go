// Package notify publishes the pipeline's outbound events: order status
// updates, new medications and patient lookup requests.
package notify

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/broker"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/metrics"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/model"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/pipeline"
)

// Publisher sends events over a broker connection it shares for the life of
// the process. Failures are DELIVERY errors and never undo a committed write.
type Publisher struct {
	broker  broker.Broker
	metrics *metrics.Metrics
}

func NewPublisher(b broker.Broker, m *metrics.Metrics) *Publisher {
	return &Publisher{broker: b, metrics: m}
}

func (p *Publisher) PublishOrderStatusUpdate(ctx context.Context, update model.OrderUpdate) error {
	payload, err := update.Encode()
	if err != nil {
		return pipeline.NewErrorWithCause(pipeline.ErrCodeMalformed, "encode order update", err)
	}
	return p.Dispatch(ctx, model.QueueOrderUpdates, payload)
}

func (p *Publisher) PublishNewMedication(ctx context.Context, med model.Medication) error {
	payload, err := med.EncodeEvent()
	if err != nil {
		return pipeline.NewErrorWithCause(pipeline.ErrCodeMalformed, "encode medication event", err)
	}
	return p.Dispatch(ctx, model.QueueNewMedication, payload)
}

// RequestPatient asks the directory to publish the patient's record. The
// body is the bare decimal id.
func (p *Publisher) RequestPatient(ctx context.Context, patientID int64) error {
	return p.Dispatch(ctx, model.QueuePatientRequest, []byte(strconv.FormatInt(patientID, 10)))
}

// Dispatch declares queue and publishes payload to it without waiting for
// any consumer.
func (p *Publisher) Dispatch(ctx context.Context, queue string, payload []byte) error {
	return p.dispatch(ctx, queue, payload)
}

// DispatchEvent publishes an outbox event under its own id, so every resend
// of the event reaches the broker as the same message.
func (p *Publisher) DispatchEvent(ctx context.Context, ev model.OutboxEvent) error {
	return p.dispatch(ctx, ev.Queue, ev.Payload, broker.WithMessageID(ev.ID))
}

func (p *Publisher) dispatch(ctx context.Context, queue string, payload []byte, opts ...broker.PublishOption) error {
	err := p.broker.Declare(ctx, queue)
	if err == nil {
		err = p.broker.Publish(ctx, queue, payload, opts...)
	}
	p.metrics.ObservePublish(queue, err)

	if err != nil {
		slog.Error("Publish failed", "queue", queue, "error", err)
		return pipeline.NewErrorWithCause(pipeline.ErrCodeDelivery, "publish to "+queue, err)
	}

	slog.Debug("Event published", "queue", queue, "bytes", len(payload))
	return nil
}
