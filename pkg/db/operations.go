package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const operationColumns = `id, name, asset, bar_sizes, primary_bar_size, strategy_name, strategy_config,
	stop_loss_type, stop_loss_value, take_profit_type, take_profit_value, crash_recovery_mode,
	emergency_stop_loss_pct, data_retention_bars, risk_per_trade, order_type, initial_capital,
	current_capital, total_pnl, total_pnl_pct, status, last_error, created_at, updated_at, stopped_at`

// CreateOperation inserts a new trading operation.
func (q *Queries) CreateOperation(ctx context.Context, op TradingOperation) error {
	barSizes, err := json.Marshal(op.BarSizes)
	if err != nil {
		return fmt.Errorf("encode bar sizes: %w", err)
	}
	cfg := op.StrategyConfig
	if cfg == nil {
		cfg = map[string]any{}
	}
	strategyConfig, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode strategy config: %w", err)
	}
	now := time.Now().UTC()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	if op.UpdatedAt.IsZero() {
		op.UpdatedAt = now
	}

	_, err = q.db.ExecContext(ctx, `INSERT INTO operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Name, op.Asset, string(barSizes), op.PrimaryBarSize, op.StrategyName, string(strategyConfig),
		op.StopLossType, op.StopLossValue, op.TakeProfitType, op.TakeProfitValue, op.CrashRecoveryMode,
		op.EmergencyStopLossPct, op.DataRetentionBars, op.RiskPerTrade, op.OrderType, op.InitialCapital,
		op.CurrentCapital, op.TotalPnL, op.TotalPnLPct, op.Status, op.LastError,
		toMillis(op.CreatedAt), toMillis(op.UpdatedAt), nullMillis(op.StoppedAt),
	)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// GetOperation returns ErrNotFound when id does not exist.
func (q *Queries) GetOperation(ctx context.Context, id string) (*TradingOperation, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

// ListOperations returns operations newest first, optionally filtered by status.
func (q *Queries) ListOperations(ctx context.Context, status string) ([]TradingOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []TradingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

// UpdateOperationStatus moves an operation to status; closing stamps stopped_at.
func (q *Queries) UpdateOperationStatus(ctx context.Context, id, status, lastError string) error {
	now := time.Now().UTC()
	var stopped sql.NullInt64
	if status == OperationClosed {
		stopped = sql.NullInt64{Int64: toMillis(now), Valid: true}
	}
	res, err := q.db.ExecContext(ctx, `UPDATE operations
		SET status = ?, last_error = ?, updated_at = ?, stopped_at = COALESCE(?, stopped_at)
		WHERE id = ?`, status, lastError, toMillis(now), stopped, id)
	if err != nil {
		return fmt.Errorf("update operation status: %w", err)
	}
	return requireAffected(res)
}

// UpdateOperationCapital stores the capital figures after a realised trade.
func (q *Queries) UpdateOperationCapital(ctx context.Context, id string, currentCapital, totalPnL, totalPnLPct float64) error {
	res, err := q.db.ExecContext(ctx, `UPDATE operations
		SET current_capital = ?, total_pnl = ?, total_pnl_pct = ?, updated_at = ?
		WHERE id = ?`, currentCapital, totalPnL, totalPnLPct, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update operation capital: %w", err)
	}
	return requireAffected(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(s rowScanner) (*TradingOperation, error) {
	var (
		op               TradingOperation
		barSizes, cfg    string
		created, updated int64
		stopped          sql.NullInt64
	)
	if err := s.Scan(&op.ID, &op.Name, &op.Asset, &barSizes, &op.PrimaryBarSize, &op.StrategyName, &cfg,
		&op.StopLossType, &op.StopLossValue, &op.TakeProfitType, &op.TakeProfitValue, &op.CrashRecoveryMode,
		&op.EmergencyStopLossPct, &op.DataRetentionBars, &op.RiskPerTrade, &op.OrderType, &op.InitialCapital,
		&op.CurrentCapital, &op.TotalPnL, &op.TotalPnLPct, &op.Status, &op.LastError,
		&created, &updated, &stopped); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(barSizes), &op.BarSizes); err != nil {
		return nil, fmt.Errorf("decode bar sizes: %w", err)
	}
	if err := json.Unmarshal([]byte(cfg), &op.StrategyConfig); err != nil {
		return nil, fmt.Errorf("decode strategy config: %w", err)
	}
	op.CreatedAt = fromMillis(created)
	op.UpdatedAt = fromMillis(updated)
	op.StoppedAt = timePtr(stopped)
	return &op, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
