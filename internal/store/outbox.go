package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/model"
)

// enqueue writes an event inside tx. seq comes from a counter so events keep
// commit order even when created_at has only second precision.
func (s *Store) enqueue(ctx context.Context, tx *sqlx.Tx, queue string, payload []byte) error {
	seq, err := nextID(ctx, tx, seqOutbox)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		tx.Rebind(`INSERT INTO outbox (id, seq, queue, payload, attempts, status, created_at) VALUES (?, ?, ?, ?, 0, ?, ?)`),
		uuid.NewString(), seq, queue, string(payload), string(model.OutboxPending), s.now())
	if err != nil {
		return classify("enqueue "+queue+" event", err)
	}
	return nil
}

// PendingOutbox returns up to limit undispatched events, oldest first.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	events := []model.OutboxEvent{}
	err := s.db.SelectContext(ctx, &events,
		s.db.Rebind(`SELECT id, seq, queue, payload, attempts, status, last_error, created_at, dispatched_at
			FROM outbox WHERE status = ? ORDER BY seq LIMIT ?`),
		string(model.OutboxPending), limit)
	if err != nil {
		return nil, classify("list pending outbox", err)
	}
	return events, nil
}

func (s *Store) MarkOutboxDispatched(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE outbox SET status = ?, dispatched_at = ? WHERE id = ?`),
		string(model.OutboxDispatched), s.now(), id)
	if err != nil {
		return classify(fmt.Sprintf("mark outbox %s dispatched", id), err)
	}
	return nil
}

// MarkOutboxFailed records a failed publish. dead stops further attempts.
func (s *Store) MarkOutboxFailed(ctx context.Context, id string, cause error, dead bool) error {
	status := model.OutboxPending
	if dead {
		status = model.OutboxDead
	}

	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE outbox SET attempts = attempts + 1, status = ?, last_error = ? WHERE id = ?`),
		string(status), cause.Error(), id)
	if err != nil {
		return classify(fmt.Sprintf("mark outbox %s failed", id), err)
	}
	return nil
}

func (s *Store) GetOutboxEvent(ctx context.Context, id string) (model.OutboxEvent, error) {
	var ev model.OutboxEvent
	err := s.db.GetContext(ctx, &ev,
		s.db.Rebind(`SELECT id, seq, queue, payload, attempts, status, last_error, created_at, dispatched_at FROM outbox WHERE id = ?`), id)
	if err != nil {
		return model.OutboxEvent{}, classify("get outbox event "+id, err)
	}
	return ev, nil
}
