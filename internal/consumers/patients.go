package consumers

import (
	"context"
	"log/slog"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/broker"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/model"
)

type PatientStore interface {
	InsertPatient(ctx context.Context, p model.Patient) error
}

// PatientConsumer stores patient records published by the directory.
type PatientConsumer struct {
	store PatientStore
}

func NewPatientConsumer(store PatientStore) *PatientConsumer {
	return &PatientConsumer{store: store}
}

func (c *PatientConsumer) Handle(ctx context.Context, d broker.Delivery) error {
	patient, err := model.DecodePatientRecord(d.Body())
	if err != nil {
		return err
	}

	if err := c.store.InsertPatient(ctx, patient); err != nil {
		return err
	}

	slog.Info("Patient ingested", "patientID", patient.PatientID, "messageID", d.ID())
	return nil
}
