package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.ObserveIngest("orders", OutcomeAcked, 10*time.Millisecond)
	m.ObserveIngest("orders", OutcomeAcked, 12*time.Millisecond)
	m.ObserveIngest("orders", OutcomeRequeued, time.Millisecond)
	m.ObservePublish("order_updates", nil)
	m.ObservePublish("order_updates", errors.New("down"))
	m.ObserveDeadLetter("orders", "malformed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ingested.WithLabelValues("orders", OutcomeAcked)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingested.WithLabelValues("orders", OutcomeRequeued)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.published.WithLabelValues("order_updates", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLetterTotal.WithLabelValues("orders", "malformed")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	m.ObserveOutbox("dispatched")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `pharmacy_outbox_events_total{result="dispatched"} 1`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveIngest("orders", OutcomeAcked, time.Second)
		m.ObservePublish("orders", nil)
		m.ObserveOutbox("dispatched")
		m.ObserveLookup("found", time.Second)
		m.ObserveDeadLetter("orders", "malformed")
	})
	assert.Nil(t, m.Registry())
}
