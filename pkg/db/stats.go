package db

import (
	"context"
	"fmt"
)

// OperationStats aggregates trades and open positions for one operation.
func (q *Queries) OperationStats(ctx context.Context, operationID string) (*Stats, error) {
	op, err := q.GetOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	st := &Stats{
		OperationID:    operationID,
		InitialCapital: op.InitialCapital,
		CurrentCapital: op.CurrentCapital,
		TotalPnLPct:    op.TotalPnLPct,
	}
	if err := q.fillStats(ctx, st, ` WHERE operation_id = ?`, operationID); err != nil {
		return nil, err
	}
	return st, nil
}

// OverallStats aggregates every operation.
func (q *Queries) OverallStats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(initial_capital), 0), COALESCE(SUM(current_capital), 0)
		FROM operations`).Scan(&st.Operations, &st.InitialCapital, &st.CurrentCapital)
	if err != nil {
		return nil, fmt.Errorf("operation totals: %w", err)
	}
	if err := q.fillStats(ctx, st, ""); err != nil {
		return nil, err
	}
	if st.InitialCapital > 0 {
		st.TotalPnLPct = st.TotalPnL / st.InitialCapital * 100
	}
	return st, nil
}

func (q *Queries) fillStats(ctx context.Context, st *Stats, where string, args ...any) error {
	err := q.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN pnl < 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(pnl), 0),
			COALESCE(SUM(CASE WHEN pnl > 0 THEN pnl ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN pnl < 0 THEN pnl ELSE 0 END), 0),
			COALESCE(SUM(commission), 0)
		FROM trades`+where, args...).Scan(
		&st.TotalTrades, &st.Wins, &st.Losses, &st.TotalPnL, &st.GrossProfit, &st.GrossLoss, &st.TotalCommission)
	if err != nil {
		return fmt.Errorf("trade stats: %w", err)
	}
	if st.TotalTrades > 0 {
		st.WinRate = float64(st.Wins) / float64(st.TotalTrades) * 100
	}

	where2 := ` WHERE closed_at IS NULL`
	if where != "" {
		where2 += ` AND operation_id = ?`
	}
	err = q.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(unrealized_pnl), 0) FROM positions`+where2, args...).
		Scan(&st.OpenPositions, &st.UnrealizedPnL)
	if err != nil {
		return fmt.Errorf("position stats: %w", err)
	}
	return nil
}
