package engine

import (
	"errors"
	"time"

	"github.com/marcosuma/trading-bot-sub000/internal/balance"
	"github.com/marcosuma/trading-bot-sub000/internal/gateway"
	"github.com/marcosuma/trading-bot-sub000/internal/market"
	"github.com/marcosuma/trading-bot-sub000/internal/order"
	"github.com/marcosuma/trading-bot-sub000/internal/reconciliation"
)

var (
	// ErrOperationNotActive is returned when pausing an operation that is not running.
	ErrOperationNotActive = errors.New("operation not active")
	// ErrNotPaused is returned when resuming an operation that is not paused.
	ErrNotPaused = errors.New("operation not paused")
	// ErrOperationClosed is returned for commands against a stopped operation.
	ErrOperationClosed = errors.New("operation closed")
	// ErrInvalidRequest wraps validation failures of a create request.
	ErrInvalidRequest = errors.New("invalid operation request")
	// ErrRunnerState is returned when a runner is started twice or after stop.
	ErrRunnerState = errors.New("runner in wrong state")
)

// RunnerState is the lifecycle of an OperationRunner.
type RunnerState string

const (
	StateStopped  RunnerState = "stopped"
	StateStarting RunnerState = "starting"
	StateRunning  RunnerState = "running"
	StatePaused   RunnerState = "paused"
)

// CreateOperationRequest describes a new operation. Zero values take the
// configured defaults.
type CreateOperationRequest struct {
	Name                 string         `json:"name"`
	Asset                string         `json:"asset" binding:"required"`
	BarSizes             []string       `json:"bar_sizes" binding:"required"`
	PrimaryBarSize       string         `json:"primary_bar_size"`
	StrategyName         string         `json:"strategy_name" binding:"required"`
	StrategyConfig       map[string]any `json:"strategy_config"`
	StopLossType         string         `json:"stop_loss_type"`
	StopLossValue        float64        `json:"stop_loss_value"`
	TakeProfitType       string         `json:"take_profit_type"`
	TakeProfitValue      float64        `json:"take_profit_value"`
	CrashRecoveryMode    string         `json:"crash_recovery_mode"`
	EmergencyStopLossPct float64        `json:"emergency_stop_loss_pct"`
	DataRetentionBars    int            `json:"data_retention_bars"`
	RiskPerTrade         float64        `json:"risk_per_trade"`
	OrderType            string         `json:"order_type"`
	InitialCapital       float64        `json:"initial_capital"`
}

// RecoverySummary reports what startup recovery did.
type RecoverySummary struct {
	Recovered []string                      `json:"recovered"`
	Failed    map[string]string             `json:"failed,omitempty"`
	Crash     []order.RecoveryReport        `json:"crash,omitempty"`
	Reconcile []reconciliation.PositionDiff `json:"reconcile,omitempty"`
}

// OperationRuntime is the in-memory view of one runner.
type OperationRuntime struct {
	OperationID  string      `json:"operation_id"`
	State        RunnerState `json:"state"`
	SubscriberID string      `json:"subscriber_id"`
	LastTick     *time.Time  `json:"last_tick,omitempty"`
}

// HealthStatus is returned by the health endpoint.
type HealthStatus struct {
	Status     string                  `json:"status"`
	Adapters   []gateway.AdapterStatus `json:"adapters"`
	Stale      []market.StaleOperation `json:"stale"`
	Operations []OperationRuntime      `json:"operations"`
	Account    *balance.Snapshot       `json:"account,omitempty"`
	ServerTime time.Time               `json:"server_time"`
}
