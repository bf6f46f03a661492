package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertJournalEntry appends e. The sequence number is the primary key, so a
// reused number fails instead of overwriting.
func (q *Queries) InsertJournalEntry(ctx context.Context, e JournalEntry) error {
	data := string(e.ActionData)
	if data == "" {
		data = "{}"
	}
	_, err := q.db.ExecContext(ctx, `INSERT INTO journal (sequence_number, id, operation_id, action_type, action_data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.SequenceNumber, e.ID, e.OperationID, e.ActionType, data, toMillis(e.Timestamp))
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// MaxJournalSequence returns the highest sequence number, or 0 for an empty journal.
func (q *Queries) MaxJournalSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := q.db.QueryRowContext(ctx, `SELECT MAX(sequence_number) FROM journal`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max journal sequence: %w", err)
	}
	return seq.Int64, nil
}

// ListJournal returns entries in ascending sequence order. An empty operationID
// matches every operation; a zero since disables the time filter.
func (q *Queries) ListJournal(ctx context.Context, operationID string, since time.Time, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT sequence_number, id, operation_id, action_type, action_data, timestamp FROM journal WHERE 1 = 1`
	var args []any
	if operationID != "" {
		query += ` AND operation_id = ?`
		args = append(args, operationID)
	}
	if !since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, toMillis(since))
	}
	query += ` ORDER BY sequence_number ASC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		e, err := scanJournal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// LastJournalEntry returns the newest entry for operationID (any operation when empty).
func (q *Queries) LastJournalEntry(ctx context.Context, operationID string) (*JournalEntry, error) {
	query := `SELECT sequence_number, id, operation_id, action_type, action_data, timestamp FROM journal`
	var args []any
	if operationID != "" {
		query += ` WHERE operation_id = ?`
		args = append(args, operationID)
	}
	query += ` ORDER BY sequence_number DESC LIMIT 1`

	e, err := scanJournal(q.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("last journal entry: %w", err)
	}
	return e, nil
}

// PruneJournal deletes entries older than before. The newest entry always
// survives so sequence numbering can resume from it.
func (q *Queries) PruneJournal(ctx context.Context, before time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM journal
		WHERE timestamp < ? AND sequence_number < (SELECT MAX(sequence_number) FROM journal)`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}

func scanJournal(s rowScanner) (*JournalEntry, error) {
	var (
		e    JournalEntry
		data string
		ts   int64
	)
	if err := s.Scan(&e.SequenceNumber, &e.ID, &e.OperationID, &e.ActionType, &data, &ts); err != nil {
		return nil, err
	}
	e.ActionData = []byte(data)
	e.Timestamp = fromMillis(ts)
	return &e, nil
}
