package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/marcosuma/trading-bot-sub000/internal/broker"
	"github.com/marcosuma/trading-bot-sub000/internal/events"
	"github.com/marcosuma/trading-bot-sub000/internal/journal"
	"github.com/marcosuma/trading-bot-sub000/internal/risk"
	"github.com/marcosuma/trading-bot-sub000/internal/trace"
	"github.com/marcosuma/trading-bot-sub000/pkg/db"
)

// Manager computes protective levels, sizes and submits orders, and applies
// fills. Writes for one operation are serialised; different operations never
// share a lock.
type Manager struct {
	db      *db.Database
	adapter broker.Adapter
	journal Journal
	bus     *events.Bus
	metrics Counters
	atr     ATRSource
	log     *zap.Logger
	now     func() time.Time
	// submitTimeout bounds each venue submission, including any wait for a
	// reconnecting session.
	submitTimeout time.Duration

	locks sync.Map // operation id -> *sync.Mutex
}

// NewManager wires the order manager to its collaborators. bus may be nil.
func NewManager(database *db.Database, adapter broker.Adapter, j Journal, bus *events.Bus, log *zap.Logger) *Manager {
	return &Manager{
		db:      database,
		adapter: adapter,
		journal: j,
		bus:     bus,
		metrics: noopCounters{},
		atr:     func(string) (float64, bool) { return 0, false },
		log:     log.With(zap.String("component", "order_manager")),
		now:     func() time.Time { return time.Now().UTC() },

		submitTimeout: DefaultSubmitTimeout,
	}
}

// SetSubmitTimeout bounds how long a venue submission may take. An order
// still unsubmitted when it expires is rejected.
func (m *Manager) SetSubmitTimeout(d time.Duration) {
	if d > 0 {
		m.submitTimeout = d
	}
}

// SetMetrics sets the counters updated on submit, reject and fill.
func (m *Manager) SetMetrics(c Counters) {
	if c != nil {
		m.metrics = c
	}
}

// SetATRSource sets where ATR-based levels read the indicator from.
func (m *Manager) SetATRSource(src ATRSource) {
	if src != nil {
		m.atr = src
	}
}

func (m *Manager) lock(operationID string) func() {
	v, _ := m.locks.LoadOrStore(operationID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// PlaceOrder persists a PENDING order, then submits it. Fills and status
// changes arrive later through h. A broker refusal marks the order REJECTED
// and returns it together with an error wrapping ErrRejected.
//
// An order against an open position in the opposite direction is a close:
// it defaults to the full position size and carries no stop or target.
func (m *Manager) PlaceOrder(ctx context.Context, req PlaceRequest, h broker.OrderHandler) (*db.Order, error) {
	ctx, span := trace.StartSpan(ctx, "order.place",
		attribute.String("operation_id", req.OperationID),
		attribute.String("action", req.Action))
	defer span.End()

	if req.Action != db.ActionBuy && req.Action != db.ActionSell {
		return nil, fmt.Errorf("invalid action %q", req.Action)
	}

	unlock := m.lock(req.OperationID)
	o, err := m.prepare(ctx, req)
	unlock()
	if err != nil {
		return nil, err
	}
	m.metrics.IncrementOrders()
	m.emitOrder(events.EventOrderSubmitted, o)

	sctx, cancel := context.WithTimeout(ctx, m.submitTimeout)
	started := time.Now()
	brokerID, err := m.adapter.PlaceOrder(sctx, broker.OrderRequest{
		ClientOrderID: o.ID,
		Symbol:        o.Symbol,
		Action:        o.Action,
		Type:          o.OrderType,
		Quantity:      o.Quantity,
		Price:         limitPrice(o),
		StopLoss:      o.StopLoss,
		TakeProfit:    o.TakeProfit,
	}, h)
	m.metrics.ObserveOrderLatency(time.Since(started))
	cancel()
	if err != nil {
		span.RecordError(err)
		return m.reject(ctx, o, err)
	}

	unlock = m.lock(req.OperationID)
	defer unlock()
	q := m.db.Queries()
	if err := q.SetBrokerOrderID(ctx, o.ID, brokerID); err != nil {
		return o, fmt.Errorf("record broker order id: %w", err)
	}
	if cur, err := q.GetOrder(ctx, o.ID); err == nil {
		o = cur
	}
	o.BrokerOrderID = brokerID
	m.log.Info("order submitted",
		zap.String("operation_id", o.OperationID),
		zap.String("order_id", o.ID),
		zap.String("broker_order_id", brokerID),
		zap.String("action", o.Action),
		zap.Float64("quantity", o.Quantity),
		zap.String("type", o.OrderType))
	return o, nil
}

// prepare resolves type, levels and size, then stores the PENDING order and
// its journal entry atomically.
func (m *Manager) prepare(ctx context.Context, req PlaceRequest) (*db.Order, error) {
	q := m.db.Queries()
	op, err := q.GetOperation(ctx, req.OperationID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, req.OperationID)
	}
	if err != nil {
		return nil, err
	}

	orderType := req.OrderType
	if orderType == "" {
		orderType = op.OrderType
	}
	if orderType == "" {
		orderType = db.OrderMarket
	}
	if orderType != db.OrderMarket && req.Price == nil {
		return nil, fmt.Errorf("%s order requires a price", orderType)
	}

	pos, err := q.GetOpenPosition(ctx, op.ID, op.Asset)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	side := risk.SideForAction(req.Action)
	closing := pos != nil && pos.Side() != side

	o := &db.Order{
		ID:          uuid.NewString(),
		OperationID: op.ID,
		Symbol:      op.Asset,
		Action:      req.Action,
		OrderType:   orderType,
		Quantity:    req.Quantity,
		Price:       req.Price,
		StopLoss:    req.StopLoss,
		TakeProfit:  req.TakeProfit,
		Status:      db.OrderPending,
		Reason:      req.Reason,
		CreatedAt:   m.now(),
	}

	if closing {
		if o.Quantity <= 0 {
			o.Quantity = d(pos.Quantity).Abs().InexactFloat64()
		}
	} else {
		if err := m.protect(op, side, o); err != nil {
			return nil, err
		}
	}
	if o.Quantity <= 0 {
		return nil, fmt.Errorf("order quantity must be > 0")
	}

	err = m.db.WithTx(ctx, func(q *db.Queries) error {
		if err := q.CreateOrder(ctx, *o); err != nil {
			return err
		}
		_, err := m.journal.LogActionTx(ctx, q, o.OperationID, journal.ActionOrderPlaced, map[string]any{
			"order_id":    o.ID,
			"asset":       o.Symbol,
			"action":      o.Action,
			"order_type":  o.OrderType,
			"quantity":    o.Quantity,
			"price":       o.Price,
			"stop_loss":   o.StopLoss,
			"take_profit": o.TakeProfit,
			"reason":      o.Reason,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}
	return o, nil
}

// protect fills in missing stop, target and quantity for an entry order.
func (m *Manager) protect(op *db.TradingOperation, side string, o *db.Order) error {
	if o.StopLoss != nil && o.TakeProfit != nil && o.Quantity > 0 {
		return nil
	}
	if o.Price == nil || *o.Price <= 0 {
		return ErrNoReferencePrice
	}
	entry := *o.Price
	atr, ok := m.atr(op.ID)
	if !ok {
		atr = 0
	}

	if o.StopLoss == nil {
		stop, err := risk.StopLoss(op.StopLossType, op.StopLossValue, side, entry, atr)
		if err != nil {
			return fmt.Errorf("stop loss: %w", err)
		}
		o.StopLoss = ptr(stop)
	}
	if o.TakeProfit == nil {
		target, err := risk.TakeProfit(op.TakeProfitType, op.TakeProfitValue, side, entry, *o.StopLoss, atr)
		if err != nil {
			return fmt.Errorf("take profit: %w", err)
		}
		o.TakeProfit = ptr(target)
	}
	if o.Quantity <= 0 {
		qty, err := risk.PositionSize(op.CurrentCapital, op.RiskPerTrade, entry, *o.StopLoss)
		if err != nil {
			return fmt.Errorf("size order: %w", err)
		}
		o.Quantity = qty
	}
	return nil
}

func (m *Manager) reject(ctx context.Context, o *db.Order, cause error) (*db.Order, error) {
	unlock := m.lock(o.OperationID)
	defer unlock()

	o.Status = db.OrderRejected
	o.Reason = cause.Error()
	err := m.db.WithTx(ctx, func(q *db.Queries) error {
		if err := q.UpdateOrderStatus(ctx, o.ID, db.OrderRejected, o.Reason); err != nil {
			return err
		}
		_, err := m.journal.LogActionTx(ctx, q, o.OperationID, journal.ActionOrderRejected, map[string]any{
			"order_id": o.ID,
			"reason":   o.Reason,
		})
		return err
	})
	if err != nil {
		m.log.Error("record rejection failed", zap.String("order_id", o.ID), zap.Error(err))
	}
	m.metrics.IncrementRejected()
	m.emitOrder(events.EventOrderRejected, o)
	m.log.Warn("order rejected",
		zap.String("operation_id", o.OperationID),
		zap.String("order_id", o.ID),
		zap.Error(cause))
	return o, fmt.Errorf("%w: %v", ErrRejected, cause)
}

// OnOrderUpdate applies a venue-side cancel or reject.
func (m *Manager) OnOrderUpdate(ctx context.Context, operationID string, u broker.OrderUpdate) error {
	if u.Status != db.OrderCancelled && u.Status != db.OrderRejected {
		return nil
	}
	unlock := m.lock(operationID)
	defer unlock()

	var o *db.Order
	err := m.db.WithTx(ctx, func(q *db.Queries) error {
		var err error
		o, err = findOrder(ctx, q, u.ClientOrderID, u.BrokerOrderID)
		if err != nil {
			return err
		}
		if err := q.UpdateOrderStatus(ctx, o.ID, u.Status, u.Reason); err != nil {
			return err
		}
		action := journal.ActionOrderCancelled
		if u.Status == db.OrderRejected {
			action = journal.ActionOrderRejected
		}
		_, err = m.journal.LogActionTx(ctx, q, o.OperationID, action, map[string]any{
			"order_id": o.ID,
			"reason":   u.Reason,
		})
		return err
	})
	if errors.Is(err, db.ErrOrderFinal) {
		m.log.Debug("status update for finished order ignored", zap.String("broker_order_id", u.BrokerOrderID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("order update: %w", err)
	}

	o.Status, o.Reason = u.Status, u.Reason
	if u.Status == db.OrderRejected {
		m.metrics.IncrementRejected()
		m.emitOrder(events.EventOrderRejected, o)
	} else {
		m.emitOrder(events.EventOrderCancelled, o)
	}
	m.log.Info("order status changed",
		zap.String("operation_id", o.OperationID),
		zap.String("order_id", o.ID),
		zap.String("status", u.Status),
		zap.String("reason", u.Reason))
	return nil
}

// CancelOrder cancels a working order at the broker and marks it CANCELLED.
func (m *Manager) CancelOrder(ctx context.Context, operationID, orderID string) (*db.Order, error) {
	q := m.db.Queries()
	o, err := q.GetOrder(ctx, orderID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && o.OperationID != operationID) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	if o.Terminal() {
		return o, fmt.Errorf("cancel %s: %w", o.ID, db.ErrOrderFinal)
	}
	if o.BrokerOrderID == "" {
		return o, fmt.Errorf("cancel %s: not yet acknowledged by broker", o.ID)
	}
	if err := m.adapter.CancelOrder(ctx, o.BrokerOrderID); err != nil {
		return o, fmt.Errorf("cancel %s: %w", o.ID, err)
	}
	if err := m.OnOrderUpdate(ctx, operationID, broker.OrderUpdate{
		ClientOrderID: o.ID,
		BrokerOrderID: o.BrokerOrderID,
		Status:        db.OrderCancelled,
		Reason:        "cancelled by user",
	}); err != nil {
		return o, err
	}
	return q.GetOrder(ctx, o.ID)
}

// ClosePosition submits a market order flattening an open position.
func (m *Manager) ClosePosition(ctx context.Context, operationID, positionID, reason string, h broker.OrderHandler) (*db.Order, error) {
	pos, err := m.db.Queries().GetPosition(ctx, positionID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && (pos.OperationID != operationID || !pos.Open())) {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	if err != nil {
		return nil, err
	}

	action := db.ActionSell
	if pos.Side() == db.SideShort {
		action = db.ActionBuy
	}
	if reason == "" {
		reason = "manual close"
	}
	req := PlaceRequest{
		OperationID: operationID,
		Action:      action,
		Quantity:    d(pos.Quantity).Abs().InexactFloat64(),
		OrderType:   db.OrderMarket,
		Reason:      reason,
	}
	if pos.CurrentPrice > 0 {
		req.Price = ptr(pos.CurrentPrice)
	}
	return m.PlaceOrder(ctx, req, h)
}

// UpdatePositions marks every open position of an operation to price.
func (m *Manager) UpdatePositions(ctx context.Context, operationID string, price float64) error {
	if price <= 0 {
		return nil
	}
	unlock := m.lock(operationID)
	defer unlock()

	q := m.db.Queries()
	positions, err := q.ListPositions(ctx, operationID, true)
	if err != nil {
		return err
	}
	for _, p := range positions {
		p.CurrentPrice = price
		p.UnrealizedPnL, p.UnrealizedPnLPct = risk.UnrealizedPnL(p.Quantity, p.EntryPrice, price)
		if err := q.UpdatePosition(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func findOrder(ctx context.Context, q *db.Queries, clientID, brokerID string) (*db.Order, error) {
	if clientID != "" {
		o, err := q.GetOrder(ctx, clientID)
		if err == nil || !errors.Is(err, db.ErrNotFound) {
			return o, err
		}
	}
	o, err := q.GetOrderByBrokerID(ctx, brokerID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: client=%q broker=%q", ErrOrderNotFound, clientID, brokerID)
	}
	return o, err
}

// limitPrice returns the price sent to the venue: only non-market orders carry one.
func limitPrice(o *db.Order) *float64 {
	if o.OrderType == db.OrderMarket {
		return nil
	}
	return o.Price
}
