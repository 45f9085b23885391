// Package broker is the message-broker client used by the consumers and the
// publishers. Two adapters implement it: NATS JetStream and AMQP 0-9-1.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Deliveries.Next once the subscription has stopped.
var ErrClosed = errors.New("broker: subscription closed")

type Broker interface {
	// Declare creates the queue if it does not exist. It is idempotent.
	Declare(ctx context.Context, queue string) error

	// Consume subscribes to queue with manual acknowledgement and a prefetch
	// of one.
	Consume(ctx context.Context, queue string) (Deliveries, error)

	// Publish sends payload to queue and returns once the broker has taken
	// it. It does not wait for any consumer.
	Publish(ctx context.Context, queue string, payload []byte, opts ...PublishOption) error

	Close() error
}

type PublishOptions struct {
	// MessageID is the broker message id. Consumers and JetStream
	// deduplication key on it.
	MessageID string
}

type PublishOption func(*PublishOptions)

// WithMessageID publishes under a caller-chosen id, so a resend of the same
// event carries the same id as the first send.
func WithMessageID(id string) PublishOption {
	return func(o *PublishOptions) {
		o.MessageID = id
	}
}

// ApplyPublishOptions resolves opts. Without WithMessageID every publish gets
// a fresh uuid.
func ApplyPublishOptions(opts ...PublishOption) PublishOptions {
	var o PublishOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.MessageID == "" {
		o.MessageID = uuid.NewString()
	}
	return o
}

// Deliveries is a lazy, blocking stream of messages from one queue.
type Deliveries interface {
	// Next blocks until a message arrives, ctx is done or the stream stops.
	Next(ctx context.Context) (Delivery, error)
	Stop()
}

// Delivery is one received message. It must be settled exactly once, by Ack
// or by Nack.
type Delivery interface {
	ID() string
	Tag() uint64
	Queue() string
	Body() []byte
	// Attempt is the 1-based delivery count.
	Attempt() int

	Ack(ctx context.Context) error
	// Nack with requeue redelivers the message after delay; without requeue
	// the broker discards it.
	Nack(ctx context.Context, requeue bool, delay time.Duration) error
}
