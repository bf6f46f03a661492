// Package broker defines the venue adapter contract shared by every broker
// integration, plus the reconnecting Session that implements its generic half.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/marcosuma/trading-bot-sub000/internal/market"
)

var (
	// ErrNotConnected is returned when a request needs an authenticated session.
	ErrNotConnected = errors.New("broker not connected")
	// ErrOffline is returned once reconnection attempts are exhausted.
	ErrOffline = errors.New("broker offline: reconnection attempts exhausted")
	// ErrRejected is returned when the venue refuses an order.
	ErrRejected = errors.New("order rejected by broker")
	// ErrUnknownOrder is returned when cancelling an order the venue does not know.
	ErrUnknownOrder = errors.New("unknown broker order")
)

// State is the connection state of an adapter.
type State string

const (
	StateDisconnected  State = "DISCONNECTED"
	StateConnecting    State = "CONNECTING"
	StateConnected     State = "CONNECTED"
	StateAuthenticated State = "AUTHENTICATED"
	StateOffline       State = "OFFLINE"
)

// OrderRequest describes an order to submit. ClientOrderID is the local order id.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Action        string // BUY or SELL
	Type          string // MARKET, LIMIT or STOP
	Quantity      float64
	Price         *float64
	StopLoss      *float64
	TakeProfit    *float64
}

// Fill reports an execution against a submitted order.
type Fill struct {
	ClientOrderID string
	BrokerOrderID string
	Symbol        string
	Action        string
	Quantity      float64
	Price         float64
	Commission    float64
	Time          time.Time
}

// OrderUpdate reports a venue-side status change (cancel or reject) without a fill.
type OrderUpdate struct {
	ClientOrderID string
	BrokerOrderID string
	Status        string
	Reason        string
}

// OrderHandler receives asynchronous order events. Implementations must not
// block: they are called from the venue's own goroutines.
type OrderHandler interface {
	OnFill(Fill)
	OnOrderUpdate(OrderUpdate)
}

// TickHandler receives ticks for a subscribed asset. Like OrderHandler it runs
// on the venue's goroutine and must hand the tick off without blocking.
type TickHandler func(market.Tick)

// Position is the venue's authoritative view of an open position.
type Position struct {
	Symbol        string
	Quantity      float64 // signed, positive = long
	AvgPrice      float64
	UnrealizedPnL float64
}

// AccountInfo summarises the trading account.
type AccountInfo struct {
	ID            string  `json:"id"`
	Currency      string  `json:"currency"`
	Balance       float64 `json:"balance"`
	Equity        float64 `json:"equity"`
	MarginUsed    float64 `json:"margin_used"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Adapter owns one connection to a trading venue.
//
// Subscriptions are reference counted per asset: many subscribers share one
// venue subscription, which is torn down only when the last one leaves, and
// every subscription is restored automatically after a reconnect. PlaceOrder
// returning an error (and an empty id) is a hard rejection; everything else is
// reported through the OrderHandler.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	State() State
	// Reconnect drops the current connection and starts the reconnection cycle.
	Reconnect()

	Subscribe(asset, subscriberID string, h TickHandler) error
	Unsubscribe(asset, subscriberID string) error

	PlaceOrder(ctx context.Context, req OrderRequest, h OrderHandler) (string, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	Positions(ctx context.Context) ([]Position, error)
	AccountInfo(ctx context.Context) (AccountInfo, error)
	FetchHistory(ctx context.Context, asset string, size market.BarSize, from, to time.Time) ([]market.Bar, error)
}

// Venue is the vendor-specific half of an adapter. Session drives it through
// the connection state machine and owns subscription bookkeeping.
type Venue interface {
	Name() string
	// Dial opens the physical connection. onDrop must be called at most once
	// when the connection is lost unexpectedly after Dial returned nil.
	Dial(ctx context.Context, onDrop func(error)) error
	Authenticate(ctx context.Context) error
	Close() error

	SubscribeTicks(ctx context.Context, asset string, sink TickHandler) error
	UnsubscribeTicks(asset string) error

	PlaceOrder(ctx context.Context, req OrderRequest, h OrderHandler) (string, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	Positions(ctx context.Context) ([]Position, error)
	AccountInfo(ctx context.Context) (AccountInfo, error)
	FetchHistory(ctx context.Context, asset string, size market.BarSize, from, to time.Time) ([]market.Bar, error)
}
