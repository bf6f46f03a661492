package db

import (
	"encoding/json"
	"time"
)

// Operation status values.
const (
	OperationActive = "active"
	OperationPaused = "paused"
	OperationClosed = "closed"
	OperationError  = "error"
)

// Order actions, types and statuses.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"

	OrderMarket = "MARKET"
	OrderLimit  = "LIMIT"
	OrderStop   = "STOP"

	OrderPending         = "PENDING"
	OrderPartiallyFilled = "PARTIALLY_FILLED"
	OrderFilled          = "FILLED"
	OrderCancelled       = "CANCELLED"
	OrderRejected        = "REJECTED"
)

// Transaction roles and position sides.
const (
	RoleEntry = "ENTRY"
	RoleExit  = "EXIT"

	SideLong  = "LONG"
	SideShort = "SHORT"
)

// TradingOperation is one live strategy deployment on one asset.
type TradingOperation struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	Asset                string         `json:"asset"`
	BarSizes             []string       `json:"bar_sizes"`
	PrimaryBarSize       string         `json:"primary_bar_size"`
	StrategyName         string         `json:"strategy_name"`
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
	CurrentCapital       float64        `json:"current_capital"`
	TotalPnL             float64        `json:"total_pnl"`
	TotalPnLPct          float64        `json:"total_pnl_pct"`
	Status               string         `json:"status"`
	LastError            string         `json:"last_error,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	StoppedAt            *time.Time     `json:"stopped_at,omitempty"`
}

// Bar is a persisted OHLCV row keyed by (operation, bar size, timestamp).
type Bar struct {
	OperationID string             `json:"operation_id"`
	BarSize     string             `json:"bar_size"`
	Timestamp   time.Time          `json:"timestamp"`
	Open        float64            `json:"open"`
	High        float64            `json:"high"`
	Low         float64            `json:"low"`
	Close       float64            `json:"close"`
	Volume      float64            `json:"volume"`
	Indicators  map[string]float64 `json:"indicators,omitempty"`
}

// Order is created PENDING before submission and moved by broker callbacks.
type Order struct {
	ID             string     `json:"id"`
	OperationID    string     `json:"operation_id"`
	BrokerOrderID  string     `json:"broker_order_id"`
	Symbol         string     `json:"symbol"`
	Action         string     `json:"action"`
	OrderType      string     `json:"order_type"`
	Quantity       float64    `json:"quantity"`
	Price          *float64   `json:"price,omitempty"`
	StopLoss       *float64   `json:"stop_loss,omitempty"`
	TakeProfit     *float64   `json:"take_profit,omitempty"`
	Status         string     `json:"status"`
	FilledQuantity float64    `json:"filled_quantity"`
	AvgFillPrice   float64    `json:"avg_fill_price"`
	Commission     float64    `json:"commission"`
	Reason         string     `json:"reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	FilledAt       *time.Time `json:"filled_at,omitempty"`
}

// Terminal reports whether the order can no longer change status.
func (o Order) Terminal() bool {
	switch o.Status {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// Position holds a signed quantity (positive = long).
type Position struct {
	ID               string     `json:"id"`
	OperationID      string     `json:"operation_id"`
	Symbol           string     `json:"symbol"`
	Quantity         float64    `json:"quantity"`
	EntryPrice       float64    `json:"entry_price"`
	CurrentPrice     float64    `json:"current_price"`
	UnrealizedPnL    float64    `json:"unrealized_pnl"`
	UnrealizedPnLPct float64    `json:"unrealized_pnl_pct"`
	StopLoss         *float64   `json:"stop_loss,omitempty"`
	TakeProfit       *float64   `json:"take_profit,omitempty"`
	OpenedAt         time.Time  `json:"opened_at"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
}

// Side returns LONG or SHORT from the sign of the quantity.
func (p Position) Side() string {
	if p.Quantity < 0 {
		return SideShort
	}
	return SideLong
}

// Open reports whether the position has not been closed.
func (p Position) Open() bool { return p.ClosedAt == nil }

// Transaction is one fill-driven leg of a position.
type Transaction struct {
	ID                        string    `json:"id"`
	OperationID               string    `json:"operation_id"`
	PositionID                string    `json:"position_id"`
	OrderID                   string    `json:"order_id"`
	Symbol                    string    `json:"symbol"`
	Role                      string    `json:"role"`
	PositionType              string    `json:"position_type"`
	Quantity                  float64   `json:"quantity"`
	Price                     float64   `json:"price"`
	Commission                float64   `json:"commission"`
	Profit                    *float64  `json:"profit,omitempty"`
	ProfitPct                 *float64  `json:"profit_pct,omitempty"`
	RelatedEntryTransactionID string    `json:"related_entry_transaction_id,omitempty"`
	ExecutedAt                time.Time `json:"executed_at"`
}

// OpenEntry is an ENTRY transaction with the quantity not yet matched by exits.
type OpenEntry struct {
	Transaction
	Remaining float64
}

// Trade is one matched (entry, exit, quantity) triple.
type Trade struct {
	ID                 string    `json:"id"`
	OperationID        string    `json:"operation_id"`
	PositionID         string    `json:"position_id"`
	Symbol             string    `json:"symbol"`
	PositionType       string    `json:"position_type"`
	EntryTransactionID string    `json:"entry_transaction_id,omitempty"`
	ExitTransactionID  string    `json:"exit_transaction_id"`
	Quantity           float64   `json:"quantity"`
	EntryPrice         float64   `json:"entry_price"`
	ExitPrice          float64   `json:"exit_price"`
	PnL                float64   `json:"pnl"`
	PnLPct             float64   `json:"pnl_pct"`
	Commission         float64   `json:"commission"`
	EntryTime          time.Time `json:"entry_time"`
	ExitTime           time.Time `json:"exit_time"`
	DurationSeconds    int64     `json:"duration_seconds"`
}

// JournalEntry is one append-only action record.
type JournalEntry struct {
	SequenceNumber int64           `json:"sequence_number"`
	ID             string          `json:"id"`
	OperationID    string          `json:"operation_id,omitempty"`
	ActionType     string          `json:"action_type"`
	ActionData     json.RawMessage `json:"action_data"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Stats summarises realised performance.
type Stats struct {
	OperationID     string  `json:"operation_id,omitempty"`
	Operations      int     `json:"operations,omitempty"`
	TotalTrades     int     `json:"total_trades"`
	Wins            int     `json:"wins"`
	Losses          int     `json:"losses"`
	WinRate         float64 `json:"win_rate"`
	TotalPnL        float64 `json:"total_pnl"`
	GrossProfit     float64 `json:"gross_profit"`
	GrossLoss       float64 `json:"gross_loss"`
	TotalCommission float64 `json:"total_commission"`
	OpenPositions   int     `json:"open_positions"`
	UnrealizedPnL   float64 `json:"unrealized_pnl"`
	InitialCapital  float64 `json:"initial_capital"`
	CurrentCapital  float64 `json:"current_capital"`
	TotalPnLPct     float64 `json:"total_pnl_pct"`
}
