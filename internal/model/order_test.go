package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/pipeline"
)

func TestParseOrderRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    OrderRequest
		wantErr bool
	}{
		{name: "csv", body: "5,42", want: OrderRequest{MedicationID: 5, PatientID: 42}},
		{name: "csv with spaces", body: " 5 , 42\n", want: OrderRequest{MedicationID: 5, PatientID: 42}},
		{name: "json", body: `{"medication_id":3,"patient_id":9}`, want: OrderRequest{MedicationID: 3, PatientID: 9}},
		{name: "empty", body: "", wantErr: true},
		{name: "single field", body: "5", wantErr: true},
		{name: "three fields", body: "5,42,7", wantErr: true},
		{name: "not a number", body: "abc", wantErr: true},
		{name: "non numeric patient", body: "5,x", wantErr: true},
		{name: "zero medication", body: "0,42", wantErr: true},
		{name: "negative patient", body: "5,-1", wantErr: true},
		{name: "json missing patient", body: `{"medication_id":3}`, wantErr: true},
		{name: "broken json", body: `{"medication_id":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOrderRequest([]byte(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, pipeline.IsMalformed(err), "want MALFORMED, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseOrderStatus(t *testing.T) {
	status, err := ParseOrderStatus("Accepted")
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, status)

	status, err = ParseOrderStatus("READY")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, status)

	_, err = ParseOrderStatus("shipped")
	assert.True(t, pipeline.IsMalformed(err))

	_, err = ParseOrderStatus("")
	assert.True(t, pipeline.IsMalformed(err))
}

func TestOrderUpdateEventBody(t *testing.T) {
	status := StatusCanceled
	update := OrderUpdate{OrderID: 12, Status: &status}

	require.NoError(t, update.Validate())
	assert.False(t, update.Empty())

	body, err := json.Marshal(update)
	require.NoError(t, err)
	assert.JSONEq(t, `{"order_id":12,"status":"canceled"}`, string(body))

	assert.True(t, OrderUpdate{OrderID: 12}.Empty())

	bad := OrderStatus("lost")
	assert.Error(t, OrderUpdate{OrderID: 12, Status: &bad}.Validate())
}
