package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RetryCountHeader carries the number of failed deliveries across
// republishes, since a plain AMQP requeue does not count them.
const RetryCountHeader = "x-retry-count"

const defaultConfirmTimeout = 5 * time.Second

// ErrNotConfirmed is returned when the broker nacks a publish.
var ErrNotConfirmed = errors.New("broker: publish not confirmed")

// AMQP implements Broker on RabbitMQ. Every consumer gets its own channel;
// publishing shares one confirm-mode channel guarded by a mutex. A dropped
// connection or channel is reopened on next use.
type AMQP struct {
	url            string
	confirmTimeout time.Duration

	mu     sync.Mutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	closed bool
}

func DialAMQP(url string) (*AMQP, error) {
	b := &AMQP{url: url, confirmTimeout: defaultConfirmTimeout}

	b.mu.Lock()
	_, err := b.publishChannel()
	b.mu.Unlock()
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	slog.Info("AMQP broker connected")
	return b, nil
}

// connection returns the live connection, redialing after a drop. Callers
// hold mu.
func (b *AMQP) connection() (*amqp.Connection, error) {
	if b.closed {
		return nil, ErrClosed
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}

	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, fmt.Errorf("broker: dial amqp: %w", err)
	}
	if b.conn != nil {
		slog.Warn("AMQP connection re-established")
	}
	b.conn = conn
	b.pubCh = nil
	return conn, nil
}

// publishChannel returns the shared publish channel, reopening it in confirm
// mode when it or its connection has closed. Callers hold mu.
func (b *AMQP) publishChannel() (*amqp.Channel, error) {
	conn, err := b.connection()
	if err != nil {
		return nil, err
	}
	if b.pubCh != nil && !b.pubCh.IsClosed() {
		return b.pubCh, nil
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("broker: open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("broker: enable publisher confirms: %w", err)
	}
	b.pubCh = ch
	return ch, nil
}

func (b *AMQP) Declare(_ context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.publishChannel()
	if err != nil {
		return err
	}
	return declareQueue(ch, queue)
}

func declareQueue(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare %s: %w", queue, err)
	}
	return nil
}

func (b *AMQP) Publish(ctx context.Context, queue string, payload []byte, opts ...PublishOption) error {
	o := ApplyPublishOptions(opts...)
	return b.publish(ctx, queue, newPublishing(payload, o.MessageID))
}

// publish returns once the broker has confirmed msg.
func (b *AMQP) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.publishChannel()
	if err != nil {
		return fmt.Errorf("broker: publish to %s: %w", queue, err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		return fmt.Errorf("broker: publish to %s: %w", queue, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.confirmTimeout)
	defer cancel()

	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		return fmt.Errorf("broker: confirm publish to %s: %w", queue, err)
	}
	if !acked {
		return fmt.Errorf("%w: %s", ErrNotConfirmed, queue)
	}
	return nil
}

func newPublishing(payload []byte, messageID string) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now(),
		Body:         payload,
	}
}

// requeuePublishing builds the retry copy of msg. It keeps the body, the
// headers and the message id, so inbox deduplication still applies, and
// increments the retry count.
func requeuePublishing(msg amqp.Delivery, messageID string) amqp.Publishing {
	headers := make(amqp.Table, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[RetryCountHeader] = int32(retryCount(msg.Headers) + 1)

	p := newPublishing(msg.Body, messageID)
	p.Headers = headers
	if msg.ContentType != "" {
		p.ContentType = msg.ContentType
	}
	if !msg.Timestamp.IsZero() {
		p.Timestamp = msg.Timestamp
	}
	return p
}

func (b *AMQP) Consume(_ context.Context, queue string) (Deliveries, error) {
	b.mu.Lock()
	conn, err := b.connection()
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("broker: open consumer channel: %w", err)
	}
	if err := declareQueue(ch, queue); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("broker: set prefetch on %s: %w", queue, err)
	}

	tag := ConsumerName(queue) + "-" + uuid.NewString()[:8]
	msgs, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("broker: consume %s: %w", queue, err)
	}
	return &amqpDeliveries{broker: b, queue: queue, tag: tag, ch: ch, msgs: msgs}, nil
}

func (b *AMQP) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}

type amqpDeliveries struct {
	broker *AMQP
	queue  string
	tag    string
	ch     *amqp.Channel
	msgs   <-chan amqp.Delivery
	once   sync.Once
}

// Next reports ErrClosed when the channel or its connection goes away; the
// caller resubscribes through Consume, which redials.
func (d *amqpDeliveries) Next(ctx context.Context) (Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-d.msgs:
		if !ok {
			return nil, ErrClosed
		}
		return newAMQPDelivery(d.broker, d.queue, msg), nil
	}
}

func (d *amqpDeliveries) Stop() {
	d.once.Do(func() {
		_ = d.ch.Cancel(d.tag, false)
		_ = d.ch.Close()
	})
}

type amqpDelivery struct {
	broker *AMQP
	queue  string
	msg    amqp.Delivery
	id     string
}

// Producers outside this service may omit the message id. Delivery tags are
// only unique per channel, so such messages get a fresh id that the retry
// republish then carries forward.
func newAMQPDelivery(b *AMQP, queue string, msg amqp.Delivery) *amqpDelivery {
	id := msg.MessageId
	if id == "" {
		id = uuid.NewString()
	}
	return &amqpDelivery{broker: b, queue: queue, msg: msg, id: id}
}

func (d *amqpDelivery) ID() string    { return d.id }
func (d *amqpDelivery) Tag() uint64   { return d.msg.DeliveryTag }
func (d *amqpDelivery) Queue() string { return d.queue }
func (d *amqpDelivery) Body() []byte  { return d.msg.Body }

func (d *amqpDelivery) Attempt() int {
	return retryCount(d.msg.Headers) + 1
}

func (d *amqpDelivery) Ack(_ context.Context) error {
	return d.msg.Ack(false)
}

// Nack with requeue republishes the body with an incremented retry count and
// acks the original only after the broker confirmed the copy.
func (d *amqpDelivery) Nack(ctx context.Context, requeue bool, delay time.Duration) error {
	if !requeue {
		return d.msg.Nack(false, false)
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	msg := requeuePublishing(d.msg, d.ID())
	if err := d.broker.publish(context.WithoutCancel(ctx), d.queue, msg); err != nil {
		slog.Warn("Retry republish failed, requeueing original", "queue", d.queue, "messageId", d.id, "error", err)
		if nackErr := d.msg.Nack(false, true); nackErr != nil {
			return fmt.Errorf("broker: requeue after failed republish: %w", nackErr)
		}
		return nil
	}
	return d.msg.Ack(false)
}

func retryCount(headers amqp.Table) int {
	switch v := headers[RetryCountHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	case int8:
		return int(v)
	default:
		return 0
	}
}
