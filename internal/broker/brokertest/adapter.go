// Package brokertest provides an in-memory broker.Adapter for tests.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marcosuma/trading-bot-sub000/internal/broker"
	"github.com/marcosuma/trading-bot-sub000/internal/market"
)

// Adapter records requests and lets tests drive ticks and fills by hand.
type Adapter struct {
	mu       sync.Mutex
	name     string
	state    broker.State
	subs     *broker.Registry
	seq      int
	orders   []broker.OrderRequest
	handlers map[string]broker.OrderHandler
	requests map[string]broker.OrderRequest
	cancels  []string
	last     map[string]float64
	history  map[string][]market.Bar

	// AutoFill fills market orders in full before PlaceOrder returns.
	AutoFill bool
	// Commission is charged on every automatic fill.
	Commission float64
	// Reject makes PlaceOrder refuse every order.
	Reject bool
	// WaitReady makes PlaceOrder wait for AUTHENTICATED like a reconnecting
	// session, giving up when ctx ends.
	WaitReady bool
	// ConnectErr is returned by Connect.
	ConnectErr error
	// HistoryErr is returned by FetchHistory.
	HistoryErr error
	// BrokerPositions is returned by Positions.
	BrokerPositions []broker.Position
	// Account is returned by AccountInfo.
	Account broker.AccountInfo
	// Reconnects counts Reconnect calls.
	Reconnects int
	// HistoryCalls counts FetchHistory calls.
	HistoryCalls int
}

var _ broker.Adapter = (*Adapter)(nil)

// New returns a disconnected adapter.
func New(name string) *Adapter {
	if name == "" {
		name = "TEST"
	}
	return &Adapter{
		name:     name,
		state:    broker.StateDisconnected,
		subs:     broker.NewRegistry(),
		handlers: make(map[string]broker.OrderHandler),
		requests: make(map[string]broker.OrderRequest),
		last:     make(map[string]float64),
		history:  make(map[string][]market.Bar),
		Account:  broker.AccountInfo{ID: "test", Currency: "USD", Balance: 10000, Equity: 10000},
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Connect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ConnectErr != nil {
		return a.ConnectErr
	}
	a.state = broker.StateAuthenticated
	return nil
}

func (a *Adapter) Disconnect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = broker.StateDisconnected
	return nil
}

func (a *Adapter) State() broker.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SetState forces the connection state.
func (a *Adapter) SetState(s broker.State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

func (a *Adapter) Reconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Reconnects++
}

func (a *Adapter) Subscribe(asset, subscriberID string, h broker.TickHandler) error {
	if asset == "" || subscriberID == "" || h == nil {
		return errors.New("subscribe: asset, subscriber id and handler are required")
	}
	a.subs.Add(asset, subscriberID, h)
	return nil
}

func (a *Adapter) Unsubscribe(asset, subscriberID string) error {
	a.subs.Remove(asset, subscriberID)
	return nil
}

// Subscribers lists subscriber ids for asset.
func (a *Adapter) Subscribers(asset string) []string { return a.subs.Subscribers(asset) }

// Tick delivers a tick to every subscriber of asset and remembers its price
// for automatic fills.
func (a *Adapter) Tick(asset string, price float64, at time.Time) {
	a.mu.Lock()
	a.last[asset] = price
	a.mu.Unlock()
	a.subs.Dispatch(asset, market.Tick{Symbol: asset, Price: price, Bid: price, Ask: price, Size: 1, Time: at})
}

func (a *Adapter) PlaceOrder(ctx context.Context, req broker.OrderRequest, h broker.OrderHandler) (string, error) {
	if err := a.waitReady(ctx); err != nil {
		return "", err
	}
	a.mu.Lock()
	a.orders = append(a.orders, req)
	if a.Reject {
		a.mu.Unlock()
		return "", fmt.Errorf("%w: test rejection", broker.ErrRejected)
	}
	a.seq++
	id := fmt.Sprintf("B-%d", a.seq)
	a.handlers[id] = h
	a.requests[id] = req
	auto := a.AutoFill && req.Type != "LIMIT" && req.Type != "STOP"
	price := a.last[req.Symbol]
	if req.Price != nil && (price == 0 || req.Type != "MARKET") {
		price = *req.Price
	}
	commission := a.Commission
	a.mu.Unlock()

	if auto && h != nil {
		h.OnFill(broker.Fill{
			ClientOrderID: req.ClientOrderID,
			BrokerOrderID: id,
			Symbol:        req.Symbol,
			Action:        req.Action,
			Quantity:      req.Quantity,
			Price:         price,
			Commission:    commission,
			Time:          time.Now().UTC(),
		})
	}
	return id, nil
}

func (a *Adapter) waitReady(ctx context.Context) error {
	a.mu.Lock()
	wait := a.WaitReady
	a.mu.Unlock()
	if !wait {
		return nil
	}
	poll := time.NewTicker(2 * time.Millisecond)
	defer poll.Stop()
	for a.State() != broker.StateAuthenticated {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", broker.ErrNotConnected, ctx.Err())
		case <-poll.C:
		}
	}
	return nil
}

// Fill reports a fill for a previously placed order.
func (a *Adapter) Fill(brokerOrderID string, qty, price, commission float64, at time.Time) error {
	a.mu.Lock()
	h, ok := a.handlers[brokerOrderID]
	req := a.requests[brokerOrderID]
	a.mu.Unlock()
	if !ok {
		return broker.ErrUnknownOrder
	}
	h.OnFill(broker.Fill{
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: brokerOrderID,
		Symbol:        req.Symbol,
		Action:        req.Action,
		Quantity:      qty,
		Price:         price,
		Commission:    commission,
		Time:          at,
	})
	return nil
}

// Update reports a status change for a previously placed order.
func (a *Adapter) Update(brokerOrderID, status, reason string) error {
	a.mu.Lock()
	h, ok := a.handlers[brokerOrderID]
	req := a.requests[brokerOrderID]
	a.mu.Unlock()
	if !ok {
		return broker.ErrUnknownOrder
	}
	h.OnOrderUpdate(broker.OrderUpdate{ClientOrderID: req.ClientOrderID, BrokerOrderID: brokerOrderID, Status: status, Reason: reason})
	return nil
}

// Orders returns every order request received.
func (a *Adapter) Orders() []broker.OrderRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]broker.OrderRequest(nil), a.orders...)
}

func (a *Adapter) CancelOrder(_ context.Context, brokerOrderID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.handlers[brokerOrderID]; !ok {
		return broker.ErrUnknownOrder
	}
	a.cancels = append(a.cancels, brokerOrderID)
	return nil
}

// Cancels returns the broker ids passed to CancelOrder.
func (a *Adapter) Cancels() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancels...)
}

func (a *Adapter) Positions(context.Context) ([]broker.Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]broker.Position(nil), a.BrokerPositions...), nil
}

func (a *Adapter) AccountInfo(context.Context) (broker.AccountInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Account, nil
}

// SetHistory stores bars returned by FetchHistory for (asset, size).
func (a *Adapter) SetHistory(asset, size string, bars []market.Bar) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history[asset+"|"+size] = bars
}

func (a *Adapter) FetchHistory(_ context.Context, asset string, size market.BarSize, from, to time.Time) ([]market.Bar, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.HistoryCalls++
	if a.HistoryErr != nil {
		return nil, a.HistoryErr
	}
	var out []market.Bar
	for _, b := range a.history[asset+"|"+size.String()] {
		if !b.Time.Before(from) && b.Time.Before(to) {
			out = append(out, b)
		}
	}
	return out, nil
}
