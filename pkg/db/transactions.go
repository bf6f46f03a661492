package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const transactionColumns = `id, operation_id, position_id, order_id, symbol, role, position_type, quantity,
	price, commission, profit, profit_pct, related_entry_transaction_id, executed_at`

// CreateTransaction appends one fill leg.
func (q *Queries) CreateTransaction(ctx context.Context, t Transaction) error {
	var related sql.NullString
	if t.RelatedEntryTransactionID != "" {
		related = sql.NullString{String: t.RelatedEntryTransactionID, Valid: true}
	}
	_, err := q.db.ExecContext(ctx, `INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OperationID, t.PositionID, t.OrderID, t.Symbol, t.Role, t.PositionType, t.Quantity,
		t.Price, t.Commission, nullFloat(t.Profit), nullFloat(t.ProfitPct), related, toMillis(t.ExecutedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// ListTransactions returns an operation's transactions in execution order.
func (q *Queries) ListTransactions(ctx context.Context, operationID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := q.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE operation_id = ? ORDER BY executed_at, id LIMIT ?`, operationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// OpenEntries returns the position's ENTRY legs oldest first with the quantity
// not yet consumed by linked EXIT legs. Fully consumed entries are omitted.
func (q *Queries) OpenEntries(ctx context.Context, positionID string) ([]OpenEntry, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+prefixed("e", transactionColumns)+`,
		e.quantity - COALESCE((
			SELECT SUM(x.quantity) FROM transactions x
			WHERE x.related_entry_transaction_id = e.id AND x.role = 'EXIT'
		), 0) AS remaining
		FROM transactions e
		WHERE e.position_id = ? AND e.role = 'ENTRY'
		ORDER BY e.executed_at, e.id`, positionID)
	if err != nil {
		return nil, fmt.Errorf("open entries: %w", err)
	}
	defer rows.Close()

	var out []OpenEntry
	for rows.Next() {
		var (
			e         OpenEntry
			profit    sql.NullFloat64
			pct       sql.NullFloat64
			related   sql.NullString
			executed  int64
			remaining float64
		)
		if err := rows.Scan(&e.ID, &e.OperationID, &e.PositionID, &e.OrderID, &e.Symbol, &e.Role, &e.PositionType,
			&e.Quantity, &e.Price, &e.Commission, &profit, &pct, &related, &executed, &remaining); err != nil {
			return nil, fmt.Errorf("scan open entry: %w", err)
		}
		if remaining <= quantityEpsilon {
			continue
		}
		e.Profit = floatPtr(profit)
		e.ProfitPct = floatPtr(pct)
		e.RelatedEntryTransactionID = related.String
		e.ExecutedAt = fromMillis(executed)
		e.Remaining = remaining
		out = append(out, e)
	}
	return out, rows.Err()
}

// quantityEpsilon absorbs float residue left by partial matches.
const quantityEpsilon = 1e-9

func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func scanTransaction(s rowScanner) (*Transaction, error) {
	var (
		t           Transaction
		profit, pct sql.NullFloat64
		related     sql.NullString
		executed    int64
	)
	if err := s.Scan(&t.ID, &t.OperationID, &t.PositionID, &t.OrderID, &t.Symbol, &t.Role, &t.PositionType,
		&t.Quantity, &t.Price, &t.Commission, &profit, &pct, &related, &executed); err != nil {
		return nil, err
	}
	t.Profit = floatPtr(profit)
	t.ProfitPct = floatPtr(pct)
	t.RelatedEntryTransactionID = related.String
	t.ExecutedAt = fromMillis(executed)
	return &t, nil
}
