package consumers

import (
	"context"
	"log/slog"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/broker"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/model"
)

type OrderStore interface {
	IngestOrder(ctx context.Context, queue, messageID string, req model.OrderRequest) (int64, error)
}

// OrderConsumer turns "<medication_id>,<patient_id>" messages into pending orders.
type OrderConsumer struct {
	store OrderStore
}

func NewOrderConsumer(store OrderStore) *OrderConsumer {
	return &OrderConsumer{store: store}
}

func (c *OrderConsumer) Handle(ctx context.Context, d broker.Delivery) error {
	req, err := model.ParseOrderRequest(d.Body())
	if err != nil {
		return err
	}

	orderID, err := c.store.IngestOrder(ctx, d.Queue(), d.ID(), req)
	if err != nil {
		return err
	}

	slog.Info("Order ingested",
		"orderID", orderID,
		"medicationID", req.MedicationID,
		"patientID", req.PatientID,
		"messageID", d.ID())
	return nil
}
