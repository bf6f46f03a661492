package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// upsertBarSQL merges duplicates: a zero-volume row yields to one carrying volume,
// otherwise the open is kept, the range widened and the close taken from the newer bar.
const upsertBarSQL = `INSERT INTO bars (operation_id, bar_size, ts, open, high, low, close, volume, indicators)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(operation_id, bar_size, ts) DO UPDATE SET
    open = CASE WHEN bars.volume = 0 AND excluded.volume > 0 THEN excluded.open ELSE bars.open END,
    high = CASE WHEN bars.volume = 0 AND excluded.volume > 0 THEN excluded.high ELSE MAX(bars.high, excluded.high) END,
    low = CASE WHEN bars.volume = 0 AND excluded.volume > 0 THEN excluded.low ELSE MIN(bars.low, excluded.low) END,
    close = excluded.close,
    volume = MAX(bars.volume, excluded.volume),
    indicators = CASE WHEN excluded.indicators IN ('', '{}', 'null') THEN bars.indicators ELSE excluded.indicators END`

// UpsertBar inserts b or merges it into the existing row with the same key.
func (q *Queries) UpsertBar(ctx context.Context, b Bar) error {
	ind, err := encodeIndicators(b.Indicators)
	if err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx, upsertBarSQL,
		b.OperationID, b.BarSize, toMillis(b.Timestamp), b.Open, b.High, b.Low, b.Close, b.Volume, ind,
	); err != nil {
		return fmt.Errorf("upsert bar: %w", err)
	}
	return nil
}

// ListBars returns the most recent limit bars in ascending time order.
func (q *Queries) ListBars(ctx context.Context, operationID, barSize string, limit int) ([]Bar, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := q.db.QueryContext(ctx, `SELECT operation_id, bar_size, ts, open, high, low, close, volume, indicators
		FROM (
			SELECT * FROM bars WHERE operation_id = ? AND bar_size = ? ORDER BY ts DESC LIMIT ?
		) ORDER BY ts ASC`, operationID, barSize, limit)
	if err != nil {
		return nil, fmt.Errorf("list bars: %w", err)
	}
	defer rows.Close()

	var out []Bar
	for rows.Next() {
		var (
			b   Bar
			ts  int64
			ind string
		)
		if err := rows.Scan(&b.OperationID, &b.BarSize, &ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &ind); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.Timestamp = fromMillis(ts)
		if ind != "" {
			if err := json.Unmarshal([]byte(ind), &b.Indicators); err != nil {
				return nil, fmt.Errorf("decode indicators: %w", err)
			}
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CountBars returns how many bars are stored for the key.
func (q *Queries) CountBars(ctx context.Context, operationID, barSize string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bars WHERE operation_id = ? AND bar_size = ?`,
		operationID, barSize).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count bars: %w", err)
	}
	return n, nil
}

// LatestBarTime returns ErrNotFound when no bar is stored for the key.
func (q *Queries) LatestBarTime(ctx context.Context, operationID, barSize string) (time.Time, error) {
	var ts sql.NullInt64
	err := q.db.QueryRowContext(ctx, `SELECT MAX(ts) FROM bars WHERE operation_id = ? AND bar_size = ?`,
		operationID, barSize).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !ts.Valid) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("latest bar: %w", err)
	}
	return fromMillis(ts.Int64), nil
}

func encodeIndicators(ind map[string]float64) (string, error) {
	if len(ind) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(ind)
	if err != nil {
		return "", fmt.Errorf("encode indicators: %w", err)
	}
	return string(raw), nil
}
