// Package journal keeps the append-only action log used for audit and crash
// recovery.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/marcosuma/trading-bot-sub000/pkg/db"
)

// Action types written by the runtime.
const (
	ActionOperationStarted   = "OPERATION_STARTED"
	ActionOperationStopped   = "OPERATION_STOPPED"
	ActionOperationPaused    = "OPERATION_PAUSED"
	ActionOperationResumed   = "OPERATION_RESUMED"
	ActionOperationError     = "OPERATION_ERROR"
	ActionOrderPlaced        = "ORDER_PLACED"
	ActionOrderRejected      = "ORDER_REJECTED"
	ActionOrderCancelled     = "ORDER_CANCELLED"
	ActionOrderFilled        = "ORDER_FILLED"
	ActionPositionClosed     = "POSITION_CLOSED"
	ActionCrashRecoveryClose = "CRASH_RECOVERY_CLOSE"
	ActionEmergencyExit      = "CRASH_RECOVERY_EMERGENCY_EXIT"
	ActionPositionReconciled = "POSITION_RECONCILED"
	ActionRecoveryCompleted  = "RECOVERY_COMPLETED"
)

// Manager assigns strictly increasing sequence numbers and never mutates past
// entries. Numbers are reserved before the insert, so a failed or rolled-back
// write leaves a gap rather than a reuse.
type Manager struct {
	db  *db.Database
	seq atomic.Int64
	log *zap.Logger
	now func() time.Time
}

// New recovers the sequence counter from the last persisted entry.
func New(ctx context.Context, database *db.Database, log *zap.Logger) (*Manager, error) {
	last, err := database.Queries().MaxJournalSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover journal sequence: %w", err)
	}
	m := &Manager{
		db:  database,
		log: log.With(zap.String("component", "journal")),
		now: func() time.Time { return time.Now().UTC() },
	}
	m.seq.Store(last)
	m.log.Info("journal ready", zap.Int64("sequence", last))
	return m, nil
}

// Sequence returns the last reserved sequence number.
func (m *Manager) Sequence() int64 { return m.seq.Load() }

// LogAction appends an entry outside any transaction.
func (m *Manager) LogAction(ctx context.Context, operationID, actionType string, data any) (db.JournalEntry, error) {
	return m.LogActionTx(ctx, m.db.Queries(), operationID, actionType, data)
}

// LogActionTx appends an entry through q, so it commits or rolls back with the
// caller's transaction.
func (m *Manager) LogActionTx(ctx context.Context, q *db.Queries, operationID, actionType string, data any) (db.JournalEntry, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return db.JournalEntry{}, fmt.Errorf("encode %s: %w", actionType, err)
	}
	if data == nil {
		raw = []byte("{}")
	}

	e := db.JournalEntry{
		SequenceNumber: m.seq.Add(1),
		ID:             ulid.Make().String(),
		OperationID:    operationID,
		ActionType:     actionType,
		ActionData:     raw,
		Timestamp:      m.now(),
	}
	if err := q.InsertJournalEntry(ctx, e); err != nil {
		return db.JournalEntry{}, err
	}
	m.log.Debug("journaled",
		zap.Int64("sequence", e.SequenceNumber),
		zap.String("action", actionType),
		zap.String("operation_id", operationID))
	return e, nil
}

// GetEntries returns entries in ascending sequence order.
func (m *Manager) GetEntries(ctx context.Context, operationID string, since time.Time, limit int) ([]db.JournalEntry, error) {
	return m.db.Queries().ListJournal(ctx, operationID, since, limit)
}

// LastEntry returns the newest entry for an operation, nil when there is none.
func (m *Manager) LastEntry(ctx context.Context, operationID string) (*db.JournalEntry, error) {
	e, err := m.db.Queries().LastJournalEntry(ctx, operationID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// Prune deletes entries older than before, keeping the newest entry.
func (m *Manager) Prune(ctx context.Context, before time.Time) (int64, error) {
	n, err := m.db.Queries().PruneJournal(ctx, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info("journal pruned", zap.Int64("removed", n), zap.Time("before", before))
	}
	return n, nil
}
