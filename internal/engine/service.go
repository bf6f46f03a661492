// Package engine runs trading operations: one OperationRunner per operation,
// coordinated by the TradingEngine that owns their lifecycle and startup
// recovery.
package engine

import (
	"context"

	"github.com/marcosuma/trading-bot-sub000/internal/monitor"
	"github.com/marcosuma/trading-bot-sub000/pkg/db"
)

// Service defines the engine operations the API layer may call.
// The API layer should only interact with the engine through this interface.
type Service interface {
	// Operation commands
	StartOperation(ctx context.Context, req CreateOperationRequest) (*db.TradingOperation, error)
	StopOperation(ctx context.Context, id string) error
	PauseOperation(ctx context.Context, id string) error
	ResumeOperation(ctx context.Context, id string) error
	ClosePosition(ctx context.Context, operationID, positionID string) (*db.Order, error)
	CancelOrder(ctx context.Context, operationID, orderID string) (*db.Order, error)

	// Operation queries
	GetOperation(ctx context.Context, id string) (*db.TradingOperation, error)
	ListOperations(ctx context.Context, status string) ([]db.TradingOperation, error)
	Positions(ctx context.Context, operationID string, openOnly bool) ([]db.Position, error)
	Transactions(ctx context.Context, operationID string, limit int) ([]db.Transaction, error)
	Trades(ctx context.Context, operationID string, limit int) ([]db.Trade, error)
	Orders(ctx context.Context, operationID, status string, limit int) ([]db.Order, error)
	Bars(ctx context.Context, operationID, barSize string, limit int) ([]db.Bar, error)
	Journal(ctx context.Context, operationID string, limit int) ([]db.JournalEntry, error)
	Stats(ctx context.Context, operationID string) (*db.Stats, error)
	OverallStats(ctx context.Context) (*db.Stats, error)

	// System
	Strategies() []string
	Health(ctx context.Context) HealthStatus
	Metrics() monitor.MetricsSnapshot
	Alerts(limit int, severity monitor.Severity) []monitor.Alert
}

var _ Service = (*Engine)(nil)
