package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const orderColumns = `id, operation_id, broker_order_id, symbol, action, order_type, quantity, price,
	stop_loss, take_profit, status, filled_quantity, avg_fill_price, commission, reason,
	created_at, updated_at, filled_at`

// ErrOrderFinal is returned when a status change targets a terminal order.
var ErrOrderFinal = errors.New("order already in a final state")

// CreateOrder persists a new order (normally PENDING).
func (q *Queries) CreateOrder(ctx context.Context, o Order) error {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	_, err := q.db.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.OperationID, o.BrokerOrderID, o.Symbol, o.Action, o.OrderType, o.Quantity, nullFloat(o.Price),
		nullFloat(o.StopLoss), nullFloat(o.TakeProfit), o.Status, o.FilledQuantity, o.AvgFillPrice, o.Commission,
		o.Reason, toMillis(o.CreatedAt), toMillis(o.UpdatedAt), nullMillis(o.FilledAt),
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder returns ErrNotFound when id does not exist.
func (q *Queries) GetOrder(ctx context.Context, id string) (*Order, error) {
	return q.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
}

// GetOrderByBrokerID looks an order up by the venue's identifier.
func (q *Queries) GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*Order, error) {
	if brokerOrderID == "" {
		return nil, ErrNotFound
	}
	return q.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE broker_order_id = ?`, brokerOrderID)
}

func (q *Queries) getOrder(ctx context.Context, query string, arg any) (*Order, error) {
	o, err := scanOrder(q.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// SetBrokerOrderID records the venue id returned by submission.
func (q *Queries) SetBrokerOrderID(ctx context.Context, id, brokerOrderID string) error {
	res, err := q.db.ExecContext(ctx, `UPDATE orders SET broker_order_id = ?, updated_at = ? WHERE id = ?`,
		brokerOrderID, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set broker order id: %w", err)
	}
	return requireAffected(res)
}

// UpdateOrderStatus changes the status of a non-terminal order.
// It returns ErrOrderFinal when the order is already FILLED, CANCELLED or REJECTED.
func (q *Queries) UpdateOrderStatus(ctx context.Context, id, status, reason string) error {
	res, err := q.db.ExecContext(ctx, `UPDATE orders SET status = ?, reason = ?, updated_at = ?
		WHERE id = ? AND status IN ('PENDING', 'PARTIALLY_FILLED')`,
		status, reason, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return q.finalOrMissing(ctx, res, id)
}

// RecordOrderFill stores cumulative fill figures and the resulting status.
func (q *Queries) RecordOrderFill(ctx context.Context, id, status string, filledQty, avgPrice, commission float64, at time.Time) error {
	var filledAt sql.NullInt64
	if status == OrderFilled {
		filledAt = sql.NullInt64{Int64: toMillis(at), Valid: true}
	}
	res, err := q.db.ExecContext(ctx, `UPDATE orders
		SET status = ?, filled_quantity = ?, avg_fill_price = ?, commission = ?, updated_at = ?, filled_at = ?
		WHERE id = ? AND status IN ('PENDING', 'PARTIALLY_FILLED')`,
		status, filledQty, avgPrice, commission, toMillis(at), filledAt, id)
	if err != nil {
		return fmt.Errorf("record order fill: %w", err)
	}
	return q.finalOrMissing(ctx, res, id)
}

func (q *Queries) finalOrMissing(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := q.GetOrder(ctx, id); err != nil {
		return err
	}
	return ErrOrderFinal
}

// ListOrders returns an operation's orders newest first; status filters when set.
func (q *Queries) ListOrders(ctx context.Context, operationID, status string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + orderColumns + ` FROM orders WHERE operation_id = ?`
	args := []any{operationID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func scanOrder(s rowScanner) (*Order, error) {
	var (
		o                Order
		price, sl, tp    sql.NullFloat64
		created, updated int64
		filled           sql.NullInt64
	)
	if err := s.Scan(&o.ID, &o.OperationID, &o.BrokerOrderID, &o.Symbol, &o.Action, &o.OrderType, &o.Quantity,
		&price, &sl, &tp, &o.Status, &o.FilledQuantity, &o.AvgFillPrice, &o.Commission, &o.Reason,
		&created, &updated, &filled); err != nil {
		return nil, err
	}
	o.Price = floatPtr(price)
	o.StopLoss = floatPtr(sl)
	o.TakeProfit = floatPtr(tp)
	o.CreatedAt = fromMillis(created)
	o.UpdatedAt = fromMillis(updated)
	o.FilledAt = timePtr(filled)
	return &o, nil
}
