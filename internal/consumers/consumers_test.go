package consumers

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/metrics"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/model"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/pipeline"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/retry"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/store"
)

type mockOrderStore struct {
	mock.Mock
}

func (m *mockOrderStore) IngestOrder(ctx context.Context, queue, messageID string, req model.OrderRequest) (int64, error) {
	args := m.Called(ctx, queue, messageID, req)
	return args.Get(0).(int64), args.Error(1)
}

func newSQLiteStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "pharmacy.db") + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	require.NoError(t, store.Migrate("sqlite3", dsn))

	s, err := store.Open(context.Background(), "sqlite3", dsn, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOrderConsumerParsesBeforePersisting(t *testing.T) {
	st := &mockOrderStore{}
	c := NewOrderConsumer(st)

	err := c.Handle(context.Background(), newDelivery(model.QueueOrders, "m-1", "abc", 1))

	assert.True(t, pipeline.IsMalformed(err))
	st.AssertNotCalled(t, "IngestOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestOrderConsumerPassesMessageIdentity(t *testing.T) {
	st := &mockOrderStore{}
	st.On("IngestOrder", mock.Anything, model.QueueOrders, "m-7", model.OrderRequest{MedicationID: 5, PatientID: 42}).
		Return(int64(1), nil).Once()

	err := NewOrderConsumer(st).Handle(context.Background(), newDelivery(model.QueueOrders, "m-7", "5,42", 1))

	require.NoError(t, err)
	st.AssertExpectations(t)
}

func TestOrderMessageBecomesPendingOrder(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)
	_, err := st.DB().Exec(`INSERT INTO medications (medication_id, name, description) VALUES (5, 'Amoxicillin', '')`)
	require.NoError(t, err)
	require.NoError(t, st.InsertPatient(ctx, model.Patient{PatientID: 42, FirstName: "Ana", LastName: "Ruiz"}))

	m, err := metrics.New()
	require.NoError(t, err)
	w := NewWorker(newChanBroker(), model.QueueOrders, NewOrderConsumer(st), &fakeSink{}, testStrategy, m)

	d := newDelivery(model.QueueOrders, "m-1", "5,42", 1)
	assert.Equal(t, metrics.OutcomeAcked, w.Process(ctx, d))

	order, err := st.GetOrder(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.Order{OrderID: 1, MedicationID: 5, Status: model.StatusPending, PatientID: 42}, order)

	// the same message redelivered is acknowledged without a second row
	redelivered := newDelivery(model.QueueOrders, "m-1", "5,42", 2)
	assert.Equal(t, metrics.OutcomeDuplicate, w.Process(ctx, redelivered))

	orders, err := st.ListOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestNewOrderIsStoredWhenOrderIDIsTaken(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)
	_, err := st.DB().Exec(`INSERT INTO medications (medication_id, name, description) VALUES (5, 'Amoxicillin', '')`)
	require.NoError(t, err)
	require.NoError(t, st.InsertPatient(ctx, model.Patient{PatientID: 42, FirstName: "Ana", LastName: "Ruiz"}))

	// written by another process while the counter still reads 0
	_, err = st.DB().Exec(`INSERT INTO orders (order_id, medication_id, status, patient_id) VALUES (1, 5, 'pending', 42)`)
	require.NoError(t, err)

	w := NewWorker(newChanBroker(), model.QueueOrders, NewOrderConsumer(st), &fakeSink{}, testStrategy, nil)
	d := newDelivery(model.QueueOrders, "brand-new-msg", "5,42", 1)

	assert.Equal(t, metrics.OutcomeAcked, w.Process(ctx, d))
	require.Len(t, d.settlements(), 1)
	assert.True(t, d.settlements()[0].acked)

	orders, err := st.ListOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 2, "an acked message always leaves its row")
	assert.Equal(t, model.Order{OrderID: 2, MedicationID: 5, Status: model.StatusPending, PatientID: 42}, orders[1])
}

func TestFailedOrderIsNotAcked(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)
	w := NewWorker(newChanBroker(), model.QueueOrders, NewOrderConsumer(st), &fakeSink{}, testStrategy, nil)

	// neither the medication nor the patient exists yet
	d := newDelivery(model.QueueOrders, "m-1", "5,42", 1)
	assert.Equal(t, metrics.OutcomeRequeued, w.Process(ctx, d))

	for _, s := range d.settlements() {
		assert.False(t, s.acked)
	}
	orders, err := st.ListOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestDuplicatePatientMessageKeepsOneRow(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)
	w := NewWorker(newChanBroker(), model.QueuePatients, NewPatientConsumer(st), &fakeSink{}, testStrategy, nil)
	body := `{"patient_id":7,"first_name":"Ana","last_name":"Ruiz","medical_history":"none","ssn":"123-45-6789"}`

	first := newDelivery(model.QueuePatients, "p-1", body, 1)
	second := newDelivery(model.QueuePatients, "p-2", body, 1)

	assert.Equal(t, metrics.OutcomeAcked, w.Process(ctx, first))
	assert.Equal(t, metrics.OutcomeDuplicate, w.Process(ctx, second))
	require.Len(t, second.settlements(), 1)
	assert.True(t, second.settlements()[0].acked)

	var count int
	require.NoError(t, st.DB().Get(&count, `SELECT COUNT(*) FROM patients WHERE patient_id = 7`))
	assert.Equal(t, 1, count)
}

func TestMalformedPatientIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)
	sink := &fakeSink{}
	w := NewWorker(newChanBroker(), model.QueuePatients, NewPatientConsumer(st), sink, testStrategy, nil)

	d := newDelivery(model.QueuePatients, "p-1", `{"patient_id":7}`, 1)
	assert.Equal(t, metrics.OutcomeDeadLettered, w.Process(ctx, d))

	require.Len(t, sink.all(), 1)
	assert.Equal(t, model.QueuePatients, sink.all()[0].Queue)
	assert.False(t, d.settlements()[0].requeue)
}

func TestIngestorStartsBothConsumers(t *testing.T) {
	b := newChanBroker()
	st := newSQLiteStore(t)
	ing := NewIngestor(b, st, &fakeSink{}, testStrategy, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ing.Start(ctx))
	assert.ElementsMatch(t, []string{model.QueueOrders, model.QueuePatients}, b.declared)

	cancel()
	ing.Wait()
}

func TestIngestorKeepsConsumingAfterStreamDrop(t *testing.T) {
	b := newReconnectingBroker()
	st := newSQLiteStore(t)
	strategy := retry.Strategy{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2, DLQThreshold: 3}
	ing := NewIngestor(b, st, &fakeSink{}, strategy, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ing.Start(ctx))
	require.Eventually(t, func() bool {
		return ing.Subscribed()[model.QueueOrders] && ing.Subscribed()[model.QueuePatients]
	}, 2*time.Second, 5*time.Millisecond)

	close(b.latest(model.QueuePatients))

	require.Eventually(t, func() bool { return b.subscriptions(model.QueuePatients) == 2 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return ing.Subscribed()[model.QueuePatients] }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, b.subscriptions(model.QueueOrders), "other consumers are untouched")

	d := newDelivery(model.QueuePatients, "p-1", `{"patient_id":9,"first_name":"Ana","last_name":"Ruiz","medical_history":"","ssn":"1"}`, 1)
	b.latest(model.QueuePatients) <- d
	require.Eventually(t, func() bool { return len(d.settlements()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, d.settlements()[0].acked)

	_, err := st.GetPatient(context.Background(), 9)
	require.NoError(t, err)

	cancel()
	ing.Wait()
}
