// Package metrics exposes pipeline counters and latencies to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pharmacy"

// Ingestion outcomes.
const (
	OutcomeAcked        = "acked"
	OutcomeDuplicate    = "duplicate"
	OutcomeRequeued     = "requeued"
	OutcomeDeadLettered = "dead_lettered"
)

type Metrics struct {
	registry *prometheus.Registry

	ingested        *prometheus.CounterVec
	ingestDuration  *prometheus.HistogramVec
	published       *prometheus.CounterVec
	outbox          *prometheus.CounterVec
	lookups         *prometheus.CounterVec
	lookupDuration  prometheus.Histogram
	deadLetterTotal *prometheus.CounterVec
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New registers the pipeline collectors plus the Go and process collectors
// on a fresh registry.
func New() (*Metrics, error) {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		ingested:  newCounterVec("ingest", "messages_total", "Messages consumed, by queue and outcome", "queue", "outcome"),
		published: newCounterVec("publish", "messages_total", "Messages published, by queue and result", "queue", "result"),
		outbox:    newCounterVec("outbox", "events_total", "Outbox relay results", "result"),
		lookups:   newCounterVec("directory", "lookups_total", "Patient directory lookups, by result", "result"),
		deadLetterTotal: newCounterVec("ingest", "dead_letters_total",
			"Messages moved to the dead-letter store, by queue and reason", "queue", "reason"),
		ingestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Time from receipt to settlement of one message",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		lookupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "lookup_duration_seconds",
			Help:      "Duration of a joined patient directory lookup",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
	}

	toRegister := []prometheus.Collector{
		m.ingested, m.ingestDuration, m.published, m.outbox, m.lookups, m.lookupDuration, m.deadLetterTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		if err := m.registry.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveIngest(queue, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(queue, outcome).Inc()
	m.ingestDuration.WithLabelValues(queue).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveDeadLetter(queue, reason string) {
	if m == nil {
		return
	}
	m.deadLetterTotal.WithLabelValues(queue, reason).Inc()
}

func (m *Metrics) ObservePublish(queue string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.published.WithLabelValues(queue, result).Inc()
}

func (m *Metrics) ObserveOutbox(result string) {
	if m == nil {
		return
	}
	m.outbox.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveLookup(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(result).Inc()
	m.lookupDuration.Observe(elapsed.Seconds())
}
