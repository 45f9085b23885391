package model

// Queue names shared with the rest of the pharmacy backend.
const (
	QueueOrders         = "orders"
	QueuePatients       = "patient_publish"
	QueueOrderUpdates   = "order_updates"
	QueueNewMedication  = "new_medication"
	QueuePatientRequest = "patient_request"
)

// DeadLetterQueue names the queue that receives messages given up on from queue.
func DeadLetterQueue(queue string) string {
	return queue + ".dead_letter"
}

// IngestQueues are consumed by this service.
var IngestQueues = []string{QueueOrders, QueuePatients}

// PublishQueues are produced by this service.
var PublishQueues = []string{QueueOrderUpdates, QueueNewMedication, QueuePatientRequest}
