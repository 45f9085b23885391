package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/model"
	"github.com/Chris8115/CS490-Group-1-Pharmacy-Backend/internal/pipeline"
)

// IngestOrder records the message in the inbox, allocates the next order id
// and inserts the order as pending, all in one transaction. A message that
// was already ingested yields a DUPLICATE error and changes nothing. Only
// the inbox insert reports DUPLICATE.
func (s *Store) IngestOrder(ctx context.Context, queue, messageID string, req model.OrderRequest) (orderID int64, err error) {
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			tx.Rebind(`INSERT INTO ingested_messages (queue, message_id, ingested_at) VALUES (?, ?, ?)`),
			queue, messageID, s.now()); err != nil {
			return classify(fmt.Sprintf("record message %s/%s", queue, messageID), err)
		}

		id, err := insertOrder(ctx, tx, req.MedicationID, model.StatusPending, req.PatientID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			tx.Rebind(`UPDATE ingested_messages SET order_id = ? WHERE queue = ? AND message_id = ?`),
			id, queue, messageID); err != nil {
			return classifyWrite("link message to order", err)
		}

		orderID = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	return orderID, nil
}

// AllocateAndInsertOrder allocates the next order id and inserts the order.
func (s *Store) AllocateAndInsertOrder(ctx context.Context, medicationID int64, status model.OrderStatus, patientID int64) (orderID int64, err error) {
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		orderID, err = insertOrder(ctx, tx, medicationID, status, patientID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return orderID, nil
}

func insertOrder(ctx context.Context, tx *sqlx.Tx, medicationID int64, status model.OrderStatus, patientID int64) (int64, error) {
	id, err := nextID(ctx, tx, seqOrders)
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		tx.Rebind(`INSERT INTO orders (order_id, medication_id, status, patient_id) VALUES (?, ?, ?, ?)`),
		id, medicationID, string(status), patientID); err != nil {
		return 0, classifyWrite(fmt.Sprintf("insert order %d", id), err)
	}
	return id, nil
}

// UpdateOrderStatus applies a partial update and queues the order_updates
// event in the same transaction. An empty update is a no-op.
func (s *Store) UpdateOrderStatus(ctx context.Context, update model.OrderUpdate) error {
	if err := update.Validate(); err != nil {
		return pipeline.NewErrorWithCause(pipeline.ErrCodeMalformed, "invalid order update", err)
	}
	if update.Empty() {
		return nil
	}

	var (
		sets []string
		args []interface{}
	)
	if update.MedicationID != nil {
		sets = append(sets, "medication_id = ?")
		args = append(args, *update.MedicationID)
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.PatientID != nil {
		sets = append(sets, "patient_id = ?")
		args = append(args, *update.PatientID)
	}
	args = append(args, update.OrderID)

	payload, err := update.Encode()
	if err != nil {
		return fmt.Errorf("store: encode order update: %w", err)
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var exists int
		if err := tx.GetContext(ctx, &exists,
			tx.Rebind(`SELECT COUNT(*) FROM orders WHERE order_id = ?`), update.OrderID); err != nil {
			return classify("find order", err)
		}
		if exists == 0 {
			return pipeline.NewError(pipeline.ErrCodeNotFound, fmt.Sprintf("order %d not found", update.OrderID))
		}

		query := `UPDATE orders SET ` + strings.Join(sets, ", ") + ` WHERE order_id = ?`
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return classify(fmt.Sprintf("update order %d", update.OrderID), err)
		}

		return s.enqueue(ctx, tx, model.QueueOrderUpdates, payload)
	})
}

func (s *Store) GetOrder(ctx context.Context, orderID int64) (model.Order, error) {
	var order model.Order
	err := s.db.GetContext(ctx, &order,
		s.db.Rebind(`SELECT order_id, medication_id, status, patient_id FROM orders WHERE order_id = ?`), orderID)
	if err != nil {
		return model.Order{}, classify(fmt.Sprintf("get order %d", orderID), err)
	}
	return order, nil
}

func (s *Store) ListOrders(ctx context.Context) ([]model.Order, error) {
	orders := []model.Order{}
	if err := s.db.SelectContext(ctx, &orders,
		`SELECT order_id, medication_id, status, patient_id FROM orders ORDER BY order_id`); err != nil {
		return nil, classify("list orders", err)
	}
	return orders, nil
}
