package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/pipeline"
)

// Patient is both the stored row and the merged directory view.
type Patient struct {
	PatientID      int64  `db:"patient_id" json:"patient_id"`
	FirstName      string `db:"first_name" json:"first_name"`
	LastName       string `db:"last_name" json:"last_name"`
	MedicalHistory string `db:"medical_history" json:"medical_history"`
	SSN            string `db:"ssn" json:"ssn"`
}

// PatientRecord is the patient_publish payload. Pointer fields distinguish
// a missing key from an empty value.
type PatientRecord struct {
	PatientID      *int64        `json:"patient_id"`
	FirstName      *string       `json:"first_name"`
	LastName       *string       `json:"last_name"`
	MedicalHistory *string       `json:"medical_history"`
	SSN            *textOrNumber `json:"ssn"`
}

func (r PatientRecord) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.PatientID, validation.NotNil, validation.Min(1)),
		validation.Field(&r.FirstName, validation.NotNil),
		validation.Field(&r.LastName, validation.NotNil),
		validation.Field(&r.MedicalHistory, validation.NotNil),
		validation.Field(&r.SSN, validation.NotNil),
	)
}

// DecodePatientRecord parses and validates a patient-creation message.
// Every failure is MALFORMED.
func DecodePatientRecord(body []byte) (Patient, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var rec PatientRecord
	if err := dec.Decode(&rec); err != nil {
		return Patient{}, pipeline.NewErrorWithCause(pipeline.ErrCodeMalformed, "patient payload is not valid JSON", err)
	}
	if err := rec.Validate(); err != nil {
		return Patient{}, pipeline.NewErrorWithCause(pipeline.ErrCodeMalformed, "invalid patient payload", err)
	}

	return Patient{
		PatientID:      *rec.PatientID,
		FirstName:      *rec.FirstName,
		LastName:       *rec.LastName,
		MedicalHistory: *rec.MedicalHistory,
		SSN:            string(*rec.SSN),
	}, nil
}

// textOrNumber accepts "123-45-6789" as well as 123456789.
type textOrNumber string

func (t *textOrNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = textOrNumber(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", strings.TrimSpace(string(data)))
	}
	*t = textOrNumber(n.String())
	return nil
}
