package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/model"
)

// DeadLetterSink keeps messages the consumers gave up on.
type DeadLetterSink interface {
	Put(ctx context.Context, dl model.DeadLetter) error
}

// QueueDeadLetters publishes dead letters as JSON to "<queue>.dead_letter".
type QueueDeadLetters struct {
	broker Broker
}

func NewQueueDeadLetters(b Broker) *QueueDeadLetters {
	return &QueueDeadLetters{broker: b}
}

func (q *QueueDeadLetters) Put(ctx context.Context, dl model.DeadLetter) error {
	target := model.DeadLetterQueue(dl.Queue)
	if err := q.broker.Declare(ctx, target); err != nil {
		return err
	}

	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("broker: encode dead letter %s: %w", dl.ID, err)
	}
	return q.broker.Publish(ctx, target, body, WithMessageID(dl.ID))
}
