package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/model"
)

// InsertPatient stores the record verbatim. Patients are write-once: an
// existing patient_id yields a DUPLICATE error and leaves the row untouched.
func (s *Store) InsertPatient(ctx context.Context, p model.Patient) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx,
			`INSERT INTO patients (patient_id, first_name, last_name, medical_history, ssn)
			 VALUES (:patient_id, :first_name, :last_name, :medical_history, :ssn)`, p)
		if err != nil {
			return classify(fmt.Sprintf("insert patient %d", p.PatientID), err)
		}
		return nil
	})
}

func (s *Store) GetPatient(ctx context.Context, patientID int64) (model.Patient, error) {
	var p model.Patient
	err := s.db.GetContext(ctx, &p,
		s.db.Rebind(`SELECT patient_id, first_name, last_name, medical_history, ssn FROM patients WHERE patient_id = ?`), patientID)
	if err != nil {
		return model.Patient{}, classify(fmt.Sprintf("get patient %d", patientID), err)
	}
	return p, nil
}
