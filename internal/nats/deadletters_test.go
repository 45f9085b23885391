package nats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/model"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/pipeline"
)

func startServer(t *testing.T) *EmbeddedServer {
	t.Helper()
	es, err := NewEmbeddedServer(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(es.Shutdown)
	return es
}

func TestEmbeddedServerCreatesBuckets(t *testing.T) {
	es := startServer(t)
	ctx := context.Background()

	_, err := es.JetStream().KeyValue(ctx, DeadLetterBucket)
	require.NoError(t, err)
	assert.True(t, es.Connection().IsConnected())

	// idempotent on an existing bucket
	require.NoError(t, CreateBuckets(ctx, es.JetStream()))
}

func TestKVDeadLetters(t *testing.T) {
	es := startServer(t)
	ctx := context.Background()

	dlq, err := NewKVDeadLetters(ctx, es.JetStream())
	require.NoError(t, err)

	letters, err := dlq.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, letters)

	older := model.DeadLetter{
		ID: "a1", Queue: model.QueueOrders, MessageID: "m1", Body: []byte("5"),
		Attempts: 1, Reason: model.DeadLetterMalformed, FailedAt: time.Now().Add(-time.Minute).UTC(),
	}
	newer := model.DeadLetter{
		ID: "b2", Queue: model.QueuePatients, MessageID: "m2", Body: []byte(`{"patient_id":1}`),
		Attempts: 5, Reason: model.DeadLetterExhausted, LastError: "STORAGE: disk full", FailedAt: time.Now().UTC(),
	}
	require.NoError(t, dlq.Put(ctx, older))
	require.NoError(t, dlq.Put(ctx, newer))

	got, err := dlq.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, older.Body, got.Body)
	assert.Equal(t, older.Reason, got.Reason)

	letters, err = dlq.List(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, "b2", letters[0].ID)

	require.NoError(t, dlq.Delete(ctx, "a1"))
	_, err = dlq.Get(ctx, "a1")
	assert.True(t, pipeline.IsNotFound(err), "got %v", err)

	letters, err = dlq.List(ctx)
	require.NoError(t, err)
	assert.Len(t, letters, 1)
}
