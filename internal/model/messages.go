package model

import (
	"time"
)

// DeadLetter is a message the pipeline gave up on, kept for inspection and replay.
type DeadLetter struct {
	ID        string    `json:"id"`
	Queue     string    `json:"queue"`
	MessageID string    `json:"message_id"`
	Body      []byte    `json:"body"`
	Attempts  int       `json:"attempts"`
	Reason    string    `json:"reason"`
	LastError string    `json:"last_error,omitempty"`
	FailedAt  time.Time `json:"failed_at"`
}

// Dead-letter reasons.
const (
	DeadLetterMalformed = "malformed"
	DeadLetterExhausted = "retries_exhausted"
	DeadLetterRejected  = "rejected"
)

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxDispatched OutboxStatus = "dispatched"
	OutboxDead       OutboxStatus = "dead"
)

// OutboxEvent is a notification written in the same transaction as the data
// change it announces.
type OutboxEvent struct {
	ID           string       `db:"id" json:"id"`
	Seq          int64        `db:"seq" json:"seq"`
	Queue        string       `db:"queue" json:"queue"`
	Payload      []byte       `db:"payload" json:"payload"`
	Attempts     int          `db:"attempts" json:"attempts"`
	Status       OutboxStatus `db:"status" json:"status"`
	LastError    *string      `db:"last_error" json:"last_error,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	DispatchedAt *time.Time   `db:"dispatched_at" json:"dispatched_at,omitempty"`
}

type StreamInfo struct {
	Queue         string `json:"queue"`
	Name          string `json:"name"`
	Messages      uint64 `json:"messages"`
	Bytes         uint64 `json:"bytes"`
	FirstSequence uint64 `json:"first_sequence"`
	LastSequence  uint64 `json:"last_sequence"`
}

type ConsumerInfo struct {
	Stream          string `json:"stream"`
	Name            string `json:"name"`
	Pending         uint64 `json:"pending"`
	Delivered       uint64 `json:"delivered"`
	AckPending      int    `json:"ack_pending"`
	RedeliveryCount int    `json:"redelivery_count"`
}
