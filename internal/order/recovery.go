package order

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/marcosuma/trading-bot-sub000/internal/broker"
	"github.com/marcosuma/trading-bot-sub000/internal/journal"
	"github.com/marcosuma/trading-bot-sub000/internal/risk"
	"github.com/marcosuma/trading-bot-sub000/pkg/db"
)

// RecoveryReport lists what crash recovery did to an operation's positions.
type RecoveryReport struct {
	OperationID string     `json:"operation_id"`
	Mode        string     `json:"mode"`
	Closed      []string   `json:"closed,omitempty"`
	Kept        []string   `json:"kept,omitempty"`
	Orders      []db.Order `json:"orders,omitempty"`
	Failed      []string   `json:"failed,omitempty"`
}

// HandleCrashRecovery applies the operation's crash recovery mode to its open
// positions. CLOSE_ALL flattens everything; RESUME and EMERGENCY_EXIT keep a
// position unless its unrealized loss breaches the emergency threshold. Each
// close is journaled before its order is submitted. A failed close is
// reported and does not stop the others.
func (m *Manager) HandleCrashRecovery(ctx context.Context, operationID string, h broker.OrderHandler) (*RecoveryReport, error) {
	q := m.db.Queries()
	op, err := q.GetOperation(ctx, operationID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, operationID)
	}
	if err != nil {
		return nil, err
	}
	if err := m.markFromLastBar(ctx, op); err != nil {
		return nil, err
	}
	positions, err := q.ListPositions(ctx, operationID, true)
	if err != nil {
		return nil, err
	}

	mode := op.CrashRecoveryMode
	if !risk.ValidRecoveryMode(mode) {
		m.log.Warn("unknown crash recovery mode, closing all positions",
			zap.String("operation_id", operationID), zap.String("mode", mode))
		mode = risk.RecoveryCloseAll
	}
	report := &RecoveryReport{OperationID: operationID, Mode: mode}

	for _, p := range positions {
		_, pct := risk.UnrealizedPnL(p.Quantity, p.EntryPrice, p.CurrentPrice)
		breach := p.CurrentPrice > 0 && risk.EmergencyExit(pct, op.EmergencyStopLossPct)

		action := journal.ActionCrashRecoveryClose
		switch mode {
		case risk.RecoveryResume, risk.RecoveryEmergencyExit:
			if !breach {
				m.log.Info("position resumed after restart",
					zap.String("operation_id", operationID),
					zap.String("position_id", p.ID),
					zap.Float64("unrealized_pnl_pct", pct))
				report.Kept = append(report.Kept, p.ID)
				continue
			}
			action = journal.ActionEmergencyExit
		}

		if _, err := m.journal.LogAction(ctx, operationID, action, map[string]any{
			"position_id":        p.ID,
			"asset":              p.Symbol,
			"quantity":           p.Quantity,
			"entry_price":        p.EntryPrice,
			"current_price":      p.CurrentPrice,
			"unrealized_pnl_pct": pct,
			"mode":               mode,
		}); err != nil {
			return report, fmt.Errorf("journal recovery close: %w", err)
		}

		o, err := m.ClosePosition(ctx, operationID, p.ID, "crash recovery: "+mode, h)
		if err != nil {
			m.log.Error("crash recovery close failed",
				zap.String("operation_id", operationID),
				zap.String("position_id", p.ID),
				zap.Error(err))
			report.Failed = append(report.Failed, p.ID)
			continue
		}
		report.Closed = append(report.Closed, p.ID)
		report.Orders = append(report.Orders, *o)
	}

	m.log.Info("crash recovery applied",
		zap.String("operation_id", operationID),
		zap.String("mode", mode),
		zap.Int("closed", len(report.Closed)),
		zap.Int("kept", len(report.Kept)),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

// markFromLastBar marks open positions at the close of the newest persisted
// primary bar, so the emergency threshold is tested against the price seen
// just before the restart.
func (m *Manager) markFromLastBar(ctx context.Context, op *db.TradingOperation) error {
	bars, err := m.db.Queries().ListBars(ctx, op.ID, op.PrimaryBarSize, 1)
	if err != nil {
		return fmt.Errorf("latest bar: %w", err)
	}
	if len(bars) == 0 {
		return nil
	}
	return m.UpdatePositions(ctx, op.ID, bars[0].Close)
}
