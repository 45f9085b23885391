package model

import (
	"encoding/json"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type Medication struct {
	MedicationID int64  `db:"medication_id" json:"medication_id"`
	Name         string `db:"name" json:"name"`
	Description  string `db:"description" json:"description"`
}

func (m Medication) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Name, validation.Required, validation.Length(1, 255)),
	)
}

// MedicationEvent is the new_medication event body.
type MedicationEvent struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (m Medication) Event() MedicationEvent {
	return MedicationEvent{Name: m.Name, Description: m.Description}
}

// EncodeEvent renders the new_medication event body.
func (m Medication) EncodeEvent() ([]byte, error) {
	return json.Marshal(m.Event())
}
