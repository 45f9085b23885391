package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StreamName maps a queue onto the JetStream stream that backs it,
// e.g. "patient_publish" -> "PHARMA_PATIENT_PUBLISH".
func StreamName(queue string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return "PHARMA_" + strings.ToUpper(r.Replace(queue))
}

func subjectFor(queue string) string {
	return "pharma." + queue
}

// JetStreamOptions tunes the durable consumers.
type JetStreamOptions struct {
	// MaxDeliver bounds redeliveries on the server side. The retry strategy
	// dead-letters earlier, so this is only a backstop.
	MaxDeliver int
	AckWait    time.Duration
	MaxAge     time.Duration
}

// JetStream implements Broker on NATS JetStream. Each queue is a
// work-queue stream with one subject and one durable pull consumer.
type JetStream struct {
	js   jetstream.JetStream
	opts JetStreamOptions

	mu       sync.Mutex
	declared map[string]bool
}

func NewJetStream(js jetstream.JetStream, opts JetStreamOptions) *JetStream {
	if opts.MaxDeliver == 0 {
		opts.MaxDeliver = 10
	}
	if opts.AckWait == 0 {
		opts.AckWait = 30 * time.Second
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = 7 * 24 * time.Hour
	}
	return &JetStream{js: js, opts: opts, declared: make(map[string]bool)}
}

// Stream exposes the underlying JetStream context for monitoring endpoints.
func (b *JetStream) Stream() jetstream.JetStream {
	return b.js
}

func (b *JetStream) Declare(ctx context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declared[queue] {
		return nil
	}

	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName(queue),
		Description: "pharmacy queue " + queue,
		Subjects:    []string{subjectFor(queue)},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      b.opts.MaxAge,
		Duplicates:  2 * time.Minute,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("broker: declare stream for %s: %w", queue, err)
	}

	b.declared[queue] = true
	slog.Debug("Stream declared", "queue", queue, "stream", StreamName(queue))
	return nil
}

func (b *JetStream) Publish(ctx context.Context, queue string, payload []byte, opts ...PublishOption) error {
	o := ApplyPublishOptions(opts...)
	if _, err := b.js.Publish(ctx, subjectFor(queue), payload, jetstream.WithMsgID(o.MessageID)); err != nil {
		return fmt.Errorf("broker: publish to %s: %w", queue, err)
	}
	return nil
}

func (b *JetStream) Consume(ctx context.Context, queue string) (Deliveries, error) {
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, StreamName(queue), jetstream.ConsumerConfig{
		Durable:       ConsumerName(queue),
		Description:   "pharmacy ingestion consumer for " + queue,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.opts.AckWait,
		MaxDeliver:    b.opts.MaxDeliver,
		MaxAckPending: 1,
		FilterSubject: subjectFor(queue),
	})
	if err != nil {
		return nil, fmt.Errorf("broker: create consumer for %s: %w", queue, err)
	}

	iter, err := consumer.Messages(jetstream.PullMaxMessages(1))
	if err != nil {
		return nil, fmt.Errorf("broker: subscribe to %s: %w", queue, err)
	}
	return &jsDeliveries{queue: queue, iter: iter}, nil
}

// ConsumerName is the durable consumer bound to queue.
func ConsumerName(queue string) string {
	return strings.ReplaceAll(queue, ".", "_") + "-ingest"
}

// Close is a no-op; the NATS connection belongs to whoever created it.
func (b *JetStream) Close() error {
	return nil
}

type jsDeliveries struct {
	queue string
	iter  jetstream.MessagesContext
}

func (d *jsDeliveries) Next(ctx context.Context) (Delivery, error) {
	stop := context.AfterFunc(ctx, d.iter.Stop)
	defer stop()

	msg, err := d.iter.Next()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("broker: receive from %s: %w", d.queue, err)
	}
	return newJSDelivery(d.queue, msg), nil
}

func (d *jsDeliveries) Stop() {
	d.iter.Stop()
}

type jsDelivery struct {
	queue   string
	msg     jetstream.Msg
	id      string
	tag     uint64
	attempt int
}

func newJSDelivery(queue string, msg jetstream.Msg) *jsDelivery {
	d := &jsDelivery{queue: queue, msg: msg, attempt: 1}
	if meta, err := msg.Metadata(); err == nil {
		d.tag = meta.Sequence.Stream
		d.attempt = int(meta.NumDelivered)
	}

	d.id = msg.Headers().Get(nats.MsgIdHdr)
	if d.id == "" {
		d.id = strconv.FormatUint(d.tag, 10)
	}
	return d
}

func (d *jsDelivery) ID() string    { return d.id }
func (d *jsDelivery) Tag() uint64   { return d.tag }
func (d *jsDelivery) Queue() string { return d.queue }
func (d *jsDelivery) Body() []byte  { return d.msg.Data() }
func (d *jsDelivery) Attempt() int  { return d.attempt }

func (d *jsDelivery) Ack(ctx context.Context) error {
	return d.msg.DoubleAck(ctx)
}

func (d *jsDelivery) Nack(_ context.Context, requeue bool, delay time.Duration) error {
	if !requeue {
		return d.msg.Term()
	}
	if delay > 0 {
		return d.msg.NakWithDelay(delay)
	}
	return d.msg.Nak()
}
