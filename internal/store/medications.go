package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/model"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/pipeline"
)

// CreateMedication allocates an id, inserts the medication and queues the
// new_medication event carrying exactly the persisted name and description.
func (s *Store) CreateMedication(ctx context.Context, name, description string) (model.Medication, error) {
	med := model.Medication{Name: name, Description: description}
	if err := med.Validate(); err != nil {
		return model.Medication{}, pipeline.NewErrorWithCause(pipeline.ErrCodeMalformed, "invalid medication", err)
	}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		id, err := nextID(ctx, tx, seqMedications)
		if err != nil {
			return err
		}
		med.MedicationID = id

		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO medications (medication_id, name, description) VALUES (:medication_id, :name, :description)`,
			med); err != nil {
			return classify(fmt.Sprintf("insert medication %d", id), err)
		}

		payload, err := med.EncodeEvent()
		if err != nil {
			return fmt.Errorf("store: encode medication event: %w", err)
		}
		return s.enqueue(ctx, tx, model.QueueNewMedication, payload)
	})
	if err != nil {
		return model.Medication{}, err
	}
	return med, nil
}

func (s *Store) GetMedication(ctx context.Context, medicationID int64) (model.Medication, error) {
	var med model.Medication
	err := s.db.GetContext(ctx, &med,
		s.db.Rebind(`SELECT medication_id, name, description FROM medications WHERE medication_id = ?`), medicationID)
	if err != nil {
		return model.Medication{}, classify(fmt.Sprintf("get medication %d", medicationID), err)
	}
	return med, nil
}
