package db

import (
	"context"
	"fmt"
)

const tradeColumns = `id, operation_id, position_id, symbol, position_type, entry_transaction_id,
	exit_transaction_id, quantity, entry_price, exit_price, pnl, pnl_pct, commission, entry_time,
	exit_time, duration_seconds`

// CreateTrade records one matched round trip.
func (q *Queries) CreateTrade(ctx context.Context, t Trade) error {
	_, err := q.db.ExecContext(ctx, `INSERT INTO trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OperationID, t.PositionID, t.Symbol, t.PositionType, t.EntryTransactionID,
		t.ExitTransactionID, t.Quantity, t.EntryPrice, t.ExitPrice, t.PnL, t.PnLPct, t.Commission,
		toMillis(t.EntryTime), toMillis(t.ExitTime), t.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// ListTrades returns an operation's trades in exit order.
func (q *Queries) ListTrades(ctx context.Context, operationID string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := q.db.QueryContext(ctx, `SELECT `+tradeColumns+` FROM trades
		WHERE operation_id = ? ORDER BY exit_time, id LIMIT ?`, operationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var (
			t               Trade
			entryAt, exitAt int64
		)
		if err := rows.Scan(&t.ID, &t.OperationID, &t.PositionID, &t.Symbol, &t.PositionType, &t.EntryTransactionID,
			&t.ExitTransactionID, &t.Quantity, &t.EntryPrice, &t.ExitPrice, &t.PnL, &t.PnLPct, &t.Commission,
			&entryAt, &exitAt, &t.DurationSeconds); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.EntryTime = fromMillis(entryAt)
		t.ExitTime = fromMillis(exitAt)
		out = append(out, t)
	}
	return out, rows.Err()
}
