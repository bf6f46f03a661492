package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const positionColumns = `id, operation_id, symbol, quantity, entry_price, current_price, unrealized_pnl,
	unrealized_pnl_pct, stop_loss, take_profit, opened_at, closed_at`

// CreatePosition inserts an open position. The partial unique index rejects a
// second open position for the same (operation, symbol).
func (q *Queries) CreatePosition(ctx context.Context, p Position) error {
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, `INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OperationID, p.Symbol, p.Quantity, p.EntryPrice, p.CurrentPrice, p.UnrealizedPnL,
		p.UnrealizedPnLPct, nullFloat(p.StopLoss), nullFloat(p.TakeProfit), toMillis(p.OpenedAt), nullMillis(p.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// UpdatePosition writes every mutable field of p.
func (q *Queries) UpdatePosition(ctx context.Context, p Position) error {
	res, err := q.db.ExecContext(ctx, `UPDATE positions
		SET quantity = ?, entry_price = ?, current_price = ?, unrealized_pnl = ?, unrealized_pnl_pct = ?,
		    stop_loss = ?, take_profit = ?, closed_at = ?
		WHERE id = ?`,
		p.Quantity, p.EntryPrice, p.CurrentPrice, p.UnrealizedPnL, p.UnrealizedPnLPct,
		nullFloat(p.StopLoss), nullFloat(p.TakeProfit), nullMillis(p.ClosedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	return requireAffected(res)
}

// GetPosition returns ErrNotFound when id does not exist.
func (q *Queries) GetPosition(ctx context.Context, id string) (*Position, error) {
	p, err := scanPosition(q.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// GetOpenPosition returns the open position for (operation, symbol) or ErrNotFound.
func (q *Queries) GetOpenPosition(ctx context.Context, operationID, symbol string) (*Position, error) {
	p, err := scanPosition(q.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions
		WHERE operation_id = ? AND symbol = ? AND closed_at IS NULL`, operationID, symbol))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get open position: %w", err)
	}
	return p, nil
}

// ListPositions returns an operation's positions newest first.
func (q *Queries) ListPositions(ctx context.Context, operationID string, openOnly bool) ([]Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE operation_id = ?`
	if openOnly {
		query += ` AND closed_at IS NULL`
	}
	query += ` ORDER BY opened_at DESC, id`
	return q.queryPositions(ctx, query, operationID)
}

// ListOpenPositions returns every open position across operations.
func (q *Queries) ListOpenPositions(ctx context.Context) ([]Position, error) {
	return q.queryPositions(ctx, `SELECT `+positionColumns+` FROM positions WHERE closed_at IS NULL ORDER BY opened_at, id`)
}

func (q *Queries) queryPositions(ctx context.Context, query string, args ...any) ([]Position, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPosition(s rowScanner) (*Position, error) {
	var (
		p      Position
		sl, tp sql.NullFloat64
		opened int64
		closed sql.NullInt64
	)
	if err := s.Scan(&p.ID, &p.OperationID, &p.Symbol, &p.Quantity, &p.EntryPrice, &p.CurrentPrice,
		&p.UnrealizedPnL, &p.UnrealizedPnLPct, &sl, &tp, &opened, &closed); err != nil {
		return nil, err
	}
	p.StopLoss = floatPtr(sl)
	p.TakeProfit = floatPtr(tp)
	p.OpenedAt = fromMillis(opened)
	p.ClosedAt = timePtr(closed)
	return &p, nil
}
