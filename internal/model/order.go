package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/pipeline"
)

type OrderStatus string

const (
	StatusPending  OrderStatus = "pending"
	StatusAccepted OrderStatus = "accepted"
	StatusRejected OrderStatus = "rejected"
	StatusCanceled OrderStatus = "canceled"
	StatusReady    OrderStatus = "ready"
)

var orderStatuses = []interface{}{StatusPending, StatusAccepted, StatusRejected, StatusCanceled, StatusReady}

// ParseOrderStatus accepts any casing and returns the stored lower-case form.
func ParseOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(s)))
	if err := validation.Validate(status, validation.Required, validation.In(orderStatuses...)); err != nil {
		return "", pipeline.NewErrorWithCause(pipeline.ErrCodeMalformed, fmt.Sprintf("invalid order status %q", s), err)
	}
	return status, nil
}

type Order struct {
	OrderID      int64       `db:"order_id" json:"order_id"`
	MedicationID int64       `db:"medication_id" json:"medication_id"`
	Status       OrderStatus `db:"status" json:"status"`
	PatientID    int64       `db:"patient_id" json:"patient_id"`
}

// OrderRequest is the payload of an order-creation message.
type OrderRequest struct {
	MedicationID int64 `json:"medication_id"`
	PatientID    int64 `json:"patient_id"`
}

func (r OrderRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MedicationID, validation.Required, validation.Min(1)),
		validation.Field(&r.PatientID, validation.Required, validation.Min(1)),
	)
}

// ParseOrderRequest decodes "<medication_id>,<patient_id>" or the equivalent
// JSON object. Every failure is MALFORMED.
func ParseOrderRequest(body []byte) (OrderRequest, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return OrderRequest{}, pipeline.NewError(pipeline.ErrCodeMalformed, "empty order payload")
	}

	var (
		req OrderRequest
		err error
	)
	if trimmed[0] == '{' {
		req, err = parseOrderJSON(trimmed)
	} else {
		req, err = parseOrderCSV(string(trimmed))
	}
	if err != nil {
		return OrderRequest{}, err
	}

	if err := req.Validate(); err != nil {
		return OrderRequest{}, pipeline.NewErrorWithCause(pipeline.ErrCodeMalformed, "invalid order payload", err)
	}
	return req, nil
}

func parseOrderCSV(s string) (OrderRequest, error) {
	fields := strings.Split(s, ",")
	if len(fields) != 2 {
		return OrderRequest{}, pipeline.NewError(pipeline.ErrCodeMalformed,
			fmt.Sprintf("order payload %q: want 2 comma-separated fields, got %d", s, len(fields)))
	}

	medicationID, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return OrderRequest{}, pipeline.NewErrorWithCause(pipeline.ErrCodeMalformed, "order payload: medication_id", err)
	}
	patientID, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
	if err != nil {
		return OrderRequest{}, pipeline.NewErrorWithCause(pipeline.ErrCodeMalformed, "order payload: patient_id", err)
	}

	return OrderRequest{MedicationID: medicationID, PatientID: patientID}, nil
}

func parseOrderJSON(body []byte) (OrderRequest, error) {
	var raw struct {
		MedicationID *int64 `json:"medication_id"`
		PatientID    *int64 `json:"patient_id"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return OrderRequest{}, pipeline.NewErrorWithCause(pipeline.ErrCodeMalformed, "order payload is not valid JSON", err)
	}
	if raw.MedicationID == nil || raw.PatientID == nil {
		return OrderRequest{}, pipeline.NewError(pipeline.ErrCodeMalformed, "order payload: medication_id and patient_id are required")
	}
	return OrderRequest{MedicationID: *raw.MedicationID, PatientID: *raw.PatientID}, nil
}

// OrderUpdate is a partial change to an existing order. Nil fields are left
// untouched. Its JSON form is the order_updates event body.
type OrderUpdate struct {
	OrderID      int64        `json:"order_id"`
	MedicationID *int64       `json:"medication_id,omitempty"`
	Status       *OrderStatus `json:"status,omitempty"`
	PatientID    *int64       `json:"patient_id,omitempty"`
}

func (u OrderUpdate) Empty() bool {
	return u.MedicationID == nil && u.Status == nil && u.PatientID == nil
}

// Encode renders the order_updates event body. The outbox and the publisher
// both go through it.
func (u OrderUpdate) Encode() ([]byte, error) {
	return json.Marshal(u)
}

func (u OrderUpdate) Validate() error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.OrderID, validation.Required, validation.Min(1)),
		validation.Field(&u.MedicationID, validation.Min(1)),
		validation.Field(&u.PatientID, validation.Min(1)),
		validation.Field(&u.Status, validation.In(orderStatuses...)),
	)
}
