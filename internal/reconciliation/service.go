// Package reconciliation aligns local position records with the broker's
// authoritative position list.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcosuma/trading-bot-sub000/internal/broker"
	"github.com/marcosuma/trading-bot-sub000/internal/journal"
	"github.com/marcosuma/trading-bot-sub000/internal/risk"
	"github.com/marcosuma/trading-bot-sub000/pkg/db"
)

// minQuantity ignores broker dust below this size.
const minQuantity = 0.0001

// PositionSource returns the broker's open positions.
type PositionSource interface {
	Positions(ctx context.Context) ([]broker.Position, error)
}

// Journal records reconciliation actions.
type Journal interface {
	LogAction(ctx context.Context, operationID, actionType string, data any) (db.JournalEntry, error)
}

// Action describes what a sync did to one position.
type Action string

const (
	ActionUpdated Action = "updated"
	ActionCreated Action = "created"
	ActionClosed  Action = "closed"
)

// PositionDiff represents a position difference
type PositionDiff struct {
	OperationID string  `json:"operation_id"`
	Symbol      string  `json:"symbol"`
	PositionID  string  `json:"position_id,omitempty"`
	LocalQty    float64 `json:"local_qty"`
	BrokerQty   float64 `json:"broker_qty"`
	Difference  float64 `json:"difference"`
	Action      Action  `json:"action,omitempty"`
	Synced      bool    `json:"synced"`
}

// Report contains reconciliation results
type Report struct {
	Timestamp   time.Time      `json:"timestamp"`
	Diffs       []PositionDiff `json:"diffs"`
	SyncedCount int            `json:"synced_count"`
}

// HasDiffs reports whether any position disagreed.
func (r *Report) HasDiffs() bool { return len(r.Diffs) > 0 }

// Service handles startup and periodic reconciliation
type Service struct {
	source   PositionSource
	database *db.Database
	journal  Journal
	log      *zap.Logger
	now      func() time.Time
	mu       sync.Mutex
}

// NewService creates a new reconciliation service
func NewService(source PositionSource, database *db.Database, j Journal, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		source:   source,
		database: database,
		journal:  j,
		log:      log.With(zap.String("component", "reconciliation")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SyncOperation fetches broker positions and applies them to one operation.
func (s *Service) SyncOperation(ctx context.Context, op *db.TradingOperation) (*Report, error) {
	positions, err := s.source.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch broker positions: %w", err)
	}
	return s.Apply(ctx, op, positions, true)
}

// Apply compares the operation's open position for its asset against the
// broker's list. With sync set, a matching position takes the broker's
// quantity and average price, a broker position with no local record is
// created, and a local position the broker no longer holds is closed.
func (s *Service) Apply(ctx context.Context, op *db.TradingOperation, positions []broker.Position, sync bool) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{Timestamp: s.now()}
	q := s.database.Queries()

	local, err := q.GetOpenPosition(ctx, op.ID, op.Asset)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	remote, found := match(op.Asset, positions)
	if found && math.Abs(remote.Quantity) < minQuantity {
		found = false
	}

	var diff *PositionDiff
	switch {
	case local != nil && found:
		if math.Abs(local.Quantity-remote.Quantity) < minQuantity &&
			(remote.AvgPrice <= 0 || math.Abs(local.EntryPrice-remote.AvgPrice) < 1e-9) {
			return report, nil
		}
		diff = &PositionDiff{PositionID: local.ID, LocalQty: local.Quantity, BrokerQty: remote.Quantity, Action: ActionUpdated}
		if sync {
			local.Quantity = remote.Quantity
			if remote.AvgPrice > 0 {
				local.EntryPrice = remote.AvgPrice
			}
			if local.CurrentPrice > 0 {
				local.UnrealizedPnL, local.UnrealizedPnLPct = risk.UnrealizedPnL(local.Quantity, local.EntryPrice, local.CurrentPrice)
			}
			if err := q.UpdatePosition(ctx, *local); err != nil {
				return nil, err
			}
		}

	case local == nil && found:
		diff = &PositionDiff{BrokerQty: remote.Quantity, Action: ActionCreated}
		if sync {
			p := db.Position{
				ID:           uuid.NewString(),
				OperationID:  op.ID,
				Symbol:       op.Asset,
				Quantity:     remote.Quantity,
				EntryPrice:   remote.AvgPrice,
				CurrentPrice: remote.AvgPrice,
				OpenedAt:     s.now(),
			}
			if err := q.CreatePosition(ctx, p); err != nil {
				return nil, err
			}
			diff.PositionID = p.ID
		}

	case local != nil && !found:
		diff = &PositionDiff{PositionID: local.ID, LocalQty: local.Quantity, Action: ActionClosed}
		if sync {
			at := s.now()
			local.ClosedAt = &at
			local.UnrealizedPnL, local.UnrealizedPnLPct = 0, 0
			if err := q.UpdatePosition(ctx, *local); err != nil {
				return nil, err
			}
		}

	default:
		return report, nil
	}

	diff.OperationID = op.ID
	diff.Symbol = op.Asset
	diff.Difference = diff.LocalQty - diff.BrokerQty
	diff.Synced = sync
	report.Diffs = append(report.Diffs, *diff)
	if sync {
		report.SyncedCount++
		if s.journal != nil {
			if _, err := s.journal.LogAction(ctx, op.ID, journal.ActionPositionReconciled, diff); err != nil {
				return report, fmt.Errorf("journal reconciliation: %w", err)
			}
		}
	}
	s.handleReport(report)
	return report, nil
}

// Check compares every active operation without changing anything.
func (s *Service) Check(ctx context.Context) (*Report, error) {
	positions, err := s.source.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch broker positions: %w", err)
	}
	ops, err := s.database.Queries().ListOperations(ctx, db.OperationActive)
	if err != nil {
		return nil, err
	}
	out := &Report{Timestamp: s.now()}
	for i := range ops {
		r, err := s.Apply(ctx, &ops[i], positions, false)
		if err != nil {
			return nil, err
		}
		out.Diffs = append(out.Diffs, r.Diffs...)
	}
	return out, nil
}

// Start runs Check every interval until ctx ends; differences are only logged.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Check(ctx); err != nil {
					s.log.Error("reconciliation check failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	s.log.Info("reconciliation service started", zap.Duration("interval", interval))
}

func (s *Service) handleReport(report *Report) {
	for _, d := range report.Diffs {
		s.log.Warn("position difference",
			zap.String("operation_id", d.OperationID),
			zap.String("symbol", d.Symbol),
			zap.Float64("local_qty", d.LocalQty),
			zap.Float64("broker_qty", d.BrokerQty),
			zap.String("action", string(d.Action)),
			zap.Bool("synced", d.Synced))
	}
}

func match(asset string, positions []broker.Position) (broker.Position, bool) {
	want := normalize(asset)
	for _, p := range positions {
		if normalize(p.Symbol) == want {
			return p, true
		}
	}
	return broker.Position{}, false
}

// normalize folds EUR-USD, EUR/USD and eur_usd to one form.
func normalize(symbol string) string {
	return strings.NewReplacer("-", "_", "/", "_").Replace(strings.ToUpper(strings.TrimSpace(symbol)))
}
