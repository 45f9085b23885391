package consumers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/broker"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/model"
)

type settlement struct {
	acked   bool
	nacked  bool
	requeue bool
	delay   time.Duration
}

type fakeDelivery struct {
	id      string
	queue   string
	body    []byte
	attempt int

	mu      sync.Mutex
	settles []settlement
}

func newDelivery(queue, id, body string, attempt int) *fakeDelivery {
	return &fakeDelivery{id: id, queue: queue, body: []byte(body), attempt: attempt}
}

func (d *fakeDelivery) ID() string    { return d.id }
func (d *fakeDelivery) Tag() uint64   { return 1 }
func (d *fakeDelivery) Queue() string { return d.queue }
func (d *fakeDelivery) Body() []byte  { return d.body }
func (d *fakeDelivery) Attempt() int  { return d.attempt }

func (d *fakeDelivery) Ack(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settles = append(d.settles, settlement{acked: true})
	return nil
}

func (d *fakeDelivery) Nack(_ context.Context, requeue bool, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settles = append(d.settles, settlement{nacked: true, requeue: requeue, delay: delay})
	return nil
}

func (d *fakeDelivery) settlements() []settlement {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]settlement(nil), d.settles...)
}

type fakeSink struct {
	mu      sync.Mutex
	letters []model.DeadLetter
	err     error
}

func (s *fakeSink) Put(_ context.Context, dl model.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.letters = append(s.letters, dl)
	return nil
}

func (s *fakeSink) all() []model.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.DeadLetter(nil), s.letters...)
}

// chanBroker feeds deliveries from a channel.
type chanBroker struct {
	ch       chan broker.Delivery
	declared []string
}

func newChanBroker() *chanBroker {
	return &chanBroker{ch: make(chan broker.Delivery, 16)}
}

func (b *chanBroker) Declare(_ context.Context, queue string) error {
	b.declared = append(b.declared, queue)
	return nil
}

func (b *chanBroker) Consume(context.Context, string) (broker.Deliveries, error) {
	return &chanDeliveries{ch: b.ch}, nil
}

func (b *chanBroker) Publish(context.Context, string, []byte, ...broker.PublishOption) error {
	return errors.New("not supported")
}

func (b *chanBroker) Close() error { return nil }

// reconnectingBroker opens a fresh stream per Consume call, failing the
// first failures calls, so tests can drop a stream and watch it come back.
type reconnectingBroker struct {
	mu       sync.Mutex
	streams  map[string][]chan broker.Delivery
	failures int
}

func newReconnectingBroker() *reconnectingBroker {
	return &reconnectingBroker{streams: map[string][]chan broker.Delivery{}}
}

func (b *reconnectingBroker) Declare(context.Context, string) error { return nil }

func (b *reconnectingBroker) Consume(_ context.Context, queue string) (broker.Deliveries, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return nil, errors.New("connection refused")
	}
	ch := make(chan broker.Delivery, 4)
	b.streams[queue] = append(b.streams[queue], ch)
	return &chanDeliveries{ch: ch}, nil
}

func (b *reconnectingBroker) Publish(context.Context, string, []byte, ...broker.PublishOption) error {
	return errors.New("not supported")
}

func (b *reconnectingBroker) Close() error { return nil }

func (b *reconnectingBroker) failNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = n
}

func (b *reconnectingBroker) subscriptions(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams[queue])
}

// latest returns the newest stream opened for queue.
func (b *reconnectingBroker) latest(queue string) chan broker.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	streams := b.streams[queue]
	return streams[len(streams)-1]
}

type chanDeliveries struct {
	ch <-chan broker.Delivery
}

func (d *chanDeliveries) Next(ctx context.Context) (broker.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-d.ch:
		if !ok {
			return nil, broker.ErrClosed
		}
		return msg, nil
	}
}

func (d *chanDeliveries) Stop() {}
