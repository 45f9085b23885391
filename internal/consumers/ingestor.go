package consumers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/broker"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/metrics"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/model"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/retry"
)

type Store interface {
	OrderStore
	PatientStore
}

// Ingestor runs the order and patient consumers, one goroutine each.
type Ingestor struct {
	workers []*Worker
	wg      sync.WaitGroup
}

func NewIngestor(b broker.Broker, store Store, sink broker.DeadLetterSink, strategy retry.Strategy, m *metrics.Metrics) *Ingestor {
	return &Ingestor{
		workers: []*Worker{
			NewWorker(b, model.QueueOrders, NewOrderConsumer(store), sink, strategy, m),
			NewWorker(b, model.QueuePatients, NewPatientConsumer(store), sink, strategy, m),
		},
	}
}

// Start subscribes every consumer before returning, so a broker that cannot
// serve a queue fails startup. Processing continues until ctx is cancelled;
// a consumer whose stream closes resubscribes on its own.
func (i *Ingestor) Start(ctx context.Context) error {
	subscriptions := make([]broker.Deliveries, 0, len(i.workers))
	for _, w := range i.workers {
		deliveries, err := w.Subscribe(ctx)
		if err != nil {
			for _, d := range subscriptions {
				d.Stop()
			}
			return fmt.Errorf("%s consumer: %w", w.Queue(), err)
		}
		subscriptions = append(subscriptions, deliveries)
	}

	for idx, w := range i.workers {
		i.wg.Add(1)
		go func(w *Worker, deliveries broker.Deliveries) {
			defer i.wg.Done()
			if err := w.Serve(ctx, deliveries); err != nil {
				slog.Error("Consumer exited", "queue", w.Queue(), "error", err)
			}
		}(w, subscriptions[idx])
	}
	return nil
}

// Subscribed reports, per queue, whether its consumer holds a live stream.
func (i *Ingestor) Subscribed() map[string]bool {
	status := make(map[string]bool, len(i.workers))
	for _, w := range i.workers {
		status[w.Queue()] = w.Subscribed()
	}
	return status
}

// Wait blocks until every consumer has settled its last message and returned.
func (i *Ingestor) Wait() {
	i.wg.Wait()
}
