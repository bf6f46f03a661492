// Package order turns strategy signals into broker orders and reconciles the
// resulting fills into positions, transactions and trades.
package order

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marcosuma/trading-bot-sub000/pkg/db"
)

// DefaultSubmitTimeout bounds a venue submission when none is configured.
const DefaultSubmitTimeout = 15 * time.Second

var (
	// ErrOperationNotFound is returned for an unknown operation id.
	ErrOperationNotFound = errors.New("operation not found")
	// ErrPositionNotFound is returned when a position is missing or already closed.
	ErrPositionNotFound = errors.New("open position not found")
	// ErrOrderNotFound is returned for an unknown order id.
	ErrOrderNotFound = errors.New("order not found")
	// ErrRejected marks an order the broker refused. It is never retried.
	ErrRejected = errors.New("order rejected")
	// ErrNoReferencePrice is returned when an entry has no price to size against.
	ErrNoReferencePrice = errors.New("reference price required")
)

// ReasonBracket tags exit orders the venue created itself (stop or target hit).
const ReasonBracket = "bracket"

// epsilon absorbs float residue in quantity comparisons.
var epsilon = decimal.New(1, -9)

// PlaceRequest is a request to trade on behalf of an operation.
type PlaceRequest struct {
	OperationID string
	Action      string   // BUY or SELL
	Price       *float64 // signal price; the limit price for LIMIT orders
	Quantity    float64  // zero sizes the order by risk
	StopLoss    *float64 // nil computes from the operation's risk config
	TakeProfit  *float64
	OrderType   string // empty uses the operation's order type
	Reason      string
}

// Journal is the subset of the journal manager the order manager writes to.
type Journal interface {
	LogAction(ctx context.Context, operationID, actionType string, data any) (db.JournalEntry, error)
	LogActionTx(ctx context.Context, q *db.Queries, operationID, actionType string, data any) (db.JournalEntry, error)
}

// Counters receives order metrics.
type Counters interface {
	IncrementOrders()
	IncrementRejected()
	IncrementFills()
	ObserveOrderLatency(time.Duration)
	ObserveDBLatency(time.Duration)
}

// ATRSource returns the latest ATR for an operation.
type ATRSource func(operationID string) (float64, bool)

type noopCounters struct{}

func (noopCounters) IncrementOrders()   {}
func (noopCounters) IncrementRejected() {}
func (noopCounters) IncrementFills()    {}

func (noopCounters) ObserveOrderLatency(time.Duration) {}
func (noopCounters) ObserveDBLatency(time.Duration)    {}

// fillResult collects what a fill changed, published after commit.
type fillResult struct {
	order   *db.Order
	opened  []db.Position
	updated []db.Position
	closed  []db.Position
	trades  []db.Trade
}

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func ptr(f float64) *float64 { return &f }
