package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/marcosuma/trading-bot-sub000/internal/broker"
	"github.com/marcosuma/trading-bot-sub000/internal/journal"
	"github.com/marcosuma/trading-bot-sub000/internal/risk"
	"github.com/marcosuma/trading-bot-sub000/internal/trace"
	"github.com/marcosuma/trading-bot-sub000/pkg/db"
)

var hundred = decimal.NewFromInt(100)

// OnOrderFilled applies one execution. A fill with no open position opens
// one; a same-direction fill scales in at the volume-weighted price; an
// opposite fill closes quantity against open entries oldest first, writing
// one EXIT transaction and one Trade per matched entry. Any quantity left
// after the position is flat opens a position in the other direction.
//
// Fills for orders the venue created itself (bracket stops and targets) are
// recorded against a synthetic FILLED order. A repeated fill for a finished
// order is ignored.
func (m *Manager) OnOrderFilled(ctx context.Context, operationID string, f broker.Fill) error {
	ctx, span := trace.StartSpan(ctx, "order.fill",
		attribute.String("operation_id", operationID),
		attribute.String("broker_order_id", f.BrokerOrderID))
	defer span.End()

	if f.Quantity <= 0 || f.Price <= 0 {
		return fmt.Errorf("invalid fill: quantity %v price %v", f.Quantity, f.Price)
	}
	if f.Time.IsZero() {
		f.Time = m.now()
	}
	f.Time = f.Time.UTC()

	unlock := m.lock(operationID)
	defer unlock()

	var res fillResult
	started := time.Now()
	err := m.db.WithTx(ctx, func(q *db.Queries) error {
		res = fillResult{}
		o, err := m.orderForFill(ctx, q, operationID, f)
		if err != nil {
			return err
		}
		if o.Terminal() {
			return db.ErrOrderFinal
		}
		if err := m.recordFill(ctx, q, o, f); err != nil {
			return err
		}
		res.order = o

		op, err := q.GetOperation(ctx, operationID)
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrOperationNotFound, operationID)
		}
		if err != nil {
			return err
		}
		if err := m.applyFill(ctx, q, op, o, f, &res); err != nil {
			return err
		}
		if err := m.bookCapital(ctx, q, op, res.trades); err != nil {
			return err
		}

		if _, err := m.journal.LogActionTx(ctx, q, operationID, journal.ActionOrderFilled, map[string]any{
			"order_id":        o.ID,
			"broker_order_id": f.BrokerOrderID,
			"asset":           f.Symbol,
			"action":          f.Action,
			"quantity":        f.Quantity,
			"price":           f.Price,
			"commission":      f.Commission,
			"status":          o.Status,
			"trades":          len(res.trades),
		}); err != nil {
			return err
		}
		for _, p := range res.closed {
			if _, err := m.journal.LogActionTx(ctx, q, operationID, journal.ActionPositionClosed, map[string]any{
				"position_id": p.ID,
				"asset":       p.Symbol,
				"exit_price":  p.CurrentPrice,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	m.metrics.ObserveDBLatency(time.Since(started))
	if errors.Is(err, db.ErrOrderFinal) {
		m.log.Warn("fill for finished order ignored",
			zap.String("operation_id", operationID),
			zap.String("client_order_id", f.ClientOrderID),
			zap.String("broker_order_id", f.BrokerOrderID))
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("apply fill: %w", err)
	}

	m.metrics.IncrementFills()
	m.emitFill(res)
	m.log.Info("fill applied",
		zap.String("operation_id", operationID),
		zap.String("order_id", res.order.ID),
		zap.String("action", f.Action),
		zap.Float64("quantity", f.Quantity),
		zap.Float64("price", f.Price),
		zap.String("order_status", res.order.Status),
		zap.Int("trades", len(res.trades)))
	return nil
}

// orderForFill resolves the local order, creating one for venue-initiated exits.
func (m *Manager) orderForFill(ctx context.Context, q *db.Queries, operationID string, f broker.Fill) (*db.Order, error) {
	o, err := findOrder(ctx, q, f.ClientOrderID, f.BrokerOrderID)
	if err == nil {
		if o.OperationID != operationID {
			return nil, fmt.Errorf("%w: %s belongs to %s", ErrOrderNotFound, o.ID, o.OperationID)
		}
		return o, nil
	}
	if !errors.Is(err, ErrOrderNotFound) || f.ClientOrderID != "" {
		return nil, err
	}

	o = &db.Order{
		ID:            uuid.NewString(),
		OperationID:   operationID,
		BrokerOrderID: f.BrokerOrderID,
		Symbol:        f.Symbol,
		Action:        f.Action,
		OrderType:     db.OrderMarket,
		Quantity:      f.Quantity,
		Status:        db.OrderPending,
		Reason:        ReasonBracket,
		CreatedAt:     f.Time,
	}
	if err := q.CreateOrder(ctx, *o); err != nil {
		return nil, err
	}
	m.log.Info("venue-initiated exit recorded",
		zap.String("operation_id", operationID),
		zap.String("order_id", o.ID),
		zap.String("broker_order_id", f.BrokerOrderID))
	return o, nil
}

// recordFill accumulates the fill into the order and moves its status.
func (m *Manager) recordFill(ctx context.Context, q *db.Queries, o *db.Order, f broker.Fill) error {
	prev := d(o.FilledQuantity)
	filled := prev.Add(d(f.Quantity))
	avg := prev.Mul(d(o.AvgFillPrice)).Add(d(f.Quantity).Mul(d(f.Price))).Div(filled)

	status := db.OrderPartiallyFilled
	if filled.Add(epsilon).GreaterThanOrEqual(d(o.Quantity)) {
		status = db.OrderFilled
	}
	o.Status = status
	o.FilledQuantity = filled.InexactFloat64()
	o.AvgFillPrice = avg.InexactFloat64()
	o.Commission = d(o.Commission).Add(d(f.Commission)).InexactFloat64()
	if o.BrokerOrderID == "" {
		o.BrokerOrderID = f.BrokerOrderID
		if err := q.SetBrokerOrderID(ctx, o.ID, f.BrokerOrderID); err != nil {
			return err
		}
	}
	if status == db.OrderFilled {
		at := f.Time
		o.FilledAt = &at
	}
	return q.RecordOrderFill(ctx, o.ID, status, o.FilledQuantity, o.AvgFillPrice, o.Commission, f.Time)
}

// applyFill routes the fill to open, scale-in or FIFO close.
func (m *Manager) applyFill(ctx context.Context, q *db.Queries, op *db.TradingOperation, o *db.Order, f broker.Fill, res *fillResult) error {
	qty := d(f.Quantity)
	perUnit := d(f.Commission).Div(qty)
	side := risk.SideForAction(f.Action)

	pos, err := q.GetOpenPosition(ctx, op.ID, f.Symbol)
	if errors.Is(err, db.ErrNotFound) {
		p, err := m.openPosition(ctx, q, op, o, f, side, qty, perUnit)
		if err != nil {
			return err
		}
		res.opened = append(res.opened, *p)
		return nil
	}
	if err != nil {
		return err
	}

	if pos.Side() == side {
		if err := m.scaleIn(ctx, q, pos, o, f, qty, perUnit); err != nil {
			return err
		}
		res.updated = append(res.updated, *pos)
		return nil
	}

	open := d(pos.Quantity).Abs()
	closing := decimal.Min(qty, open)
	trades, err := m.closeFIFO(ctx, q, pos, o, f, closing, perUnit)
	if err != nil {
		return err
	}
	res.trades = append(res.trades, trades...)
	if pos.Open() {
		res.updated = append(res.updated, *pos)
	} else {
		res.closed = append(res.closed, *pos)
	}

	if rest := qty.Sub(closing); rest.GreaterThan(epsilon) {
		p, err := m.openPosition(ctx, q, op, o, f, side, rest, perUnit)
		if err != nil {
			return err
		}
		m.log.Info("position reversed",
			zap.String("operation_id", op.ID),
			zap.String("closed_position_id", pos.ID),
			zap.String("position_id", p.ID),
			zap.String("side", side))
		res.opened = append(res.opened, *p)
	}
	return nil
}

func (m *Manager) openPosition(ctx context.Context, q *db.Queries, op *db.TradingOperation, o *db.Order, f broker.Fill,
	side string, qty, perUnit decimal.Decimal) (*db.Position, error) {
	signed := qty
	if side == db.SideShort {
		signed = qty.Neg()
	}
	p := &db.Position{
		ID:           uuid.NewString(),
		OperationID:  op.ID,
		Symbol:       f.Symbol,
		Quantity:     signed.InexactFloat64(),
		EntryPrice:   f.Price,
		CurrentPrice: f.Price,
		StopLoss:     o.StopLoss,
		TakeProfit:   o.TakeProfit,
		OpenedAt:     f.Time,
	}
	if err := q.CreatePosition(ctx, *p); err != nil {
		return nil, err
	}
	err := q.CreateTransaction(ctx, db.Transaction{
		ID:           ulid.Make().String(),
		OperationID:  op.ID,
		PositionID:   p.ID,
		OrderID:      o.ID,
		Symbol:       f.Symbol,
		Role:         db.RoleEntry,
		PositionType: side,
		Quantity:     qty.InexactFloat64(),
		Price:        f.Price,
		Commission:   perUnit.Mul(qty).InexactFloat64(),
		ExecutedAt:   f.Time,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// scaleIn grows the position and re-weights its entry price.
func (m *Manager) scaleIn(ctx context.Context, q *db.Queries, pos *db.Position, o *db.Order, f broker.Fill, qty, perUnit decimal.Decimal) error {
	open := d(pos.Quantity).Abs()
	total := open.Add(qty)
	avg := open.Mul(d(pos.EntryPrice)).Add(qty.Mul(d(f.Price))).Div(total)

	if pos.Side() == db.SideShort {
		total = total.Neg()
	}
	pos.Quantity = total.InexactFloat64()
	pos.EntryPrice = avg.InexactFloat64()
	pos.CurrentPrice = f.Price
	pos.UnrealizedPnL, pos.UnrealizedPnLPct = risk.UnrealizedPnL(pos.Quantity, pos.EntryPrice, f.Price)
	if o.StopLoss != nil {
		pos.StopLoss = o.StopLoss
	}
	if o.TakeProfit != nil {
		pos.TakeProfit = o.TakeProfit
	}
	if err := q.UpdatePosition(ctx, *pos); err != nil {
		return err
	}
	return q.CreateTransaction(ctx, db.Transaction{
		ID:           ulid.Make().String(),
		OperationID:  pos.OperationID,
		PositionID:   pos.ID,
		OrderID:      o.ID,
		Symbol:       pos.Symbol,
		Role:         db.RoleEntry,
		PositionType: pos.Side(),
		Quantity:     qty.InexactFloat64(),
		Price:        f.Price,
		Commission:   perUnit.Mul(qty).InexactFloat64(),
		ExecutedAt:   f.Time,
	})
}

// closeFIFO consumes closing quantity from the oldest open entries. Quantity
// that no entry can absorb is closed at the position's blended price and
// logged as a reconciliation gap. The position is reduced, re-priced from its
// remaining entries, or closed.
func (m *Manager) closeFIFO(ctx context.Context, q *db.Queries, pos *db.Position, o *db.Order, f broker.Fill,
	closing, perUnit decimal.Decimal) ([]db.Trade, error) {
	entries, err := q.OpenEntries(ctx, pos.ID)
	if err != nil {
		return nil, err
	}

	side := pos.Side()
	var trades []db.Trade
	left := closing
	for _, e := range entries {
		if !left.GreaterThan(epsilon) {
			break
		}
		take := decimal.Min(left, d(e.Remaining))
		entryCommission := d(e.Commission).Mul(take).Div(d(e.Quantity))
		t, err := m.exitLeg(ctx, q, pos, o, f, side, take, perUnit, exitSource{
			entryID:    e.ID,
			entryPrice: e.Price,
			entryTime:  e.ExecutedAt,
			commission: entryCommission,
		})
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
		left = left.Sub(take)
	}

	if left.GreaterThan(epsilon) {
		m.log.Warn("fifo match incomplete, closing remainder at blended entry price",
			zap.String("operation_id", pos.OperationID),
			zap.String("position_id", pos.ID),
			zap.Float64("unmatched_quantity", left.InexactFloat64()),
			zap.Float64("blended_price", pos.EntryPrice))
		t, err := m.exitLeg(ctx, q, pos, o, f, side, left, perUnit, exitSource{
			entryPrice: pos.EntryPrice,
			entryTime:  pos.OpenedAt,
		})
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}

	remaining := d(pos.Quantity).Abs().Sub(closing)
	pos.CurrentPrice = f.Price
	if !remaining.GreaterThan(epsilon) {
		at := f.Time
		pos.Quantity = 0
		pos.UnrealizedPnL, pos.UnrealizedPnLPct = 0, 0
		pos.ClosedAt = &at
		return trades, q.UpdatePosition(ctx, *pos)
	}

	if side == db.SideShort {
		remaining = remaining.Neg()
	}
	pos.Quantity = remaining.InexactFloat64()
	if rest, err := q.OpenEntries(ctx, pos.ID); err == nil && len(rest) > 0 {
		var qty, cost decimal.Decimal
		for _, e := range rest {
			qty = qty.Add(d(e.Remaining))
			cost = cost.Add(d(e.Remaining).Mul(d(e.Price)))
		}
		pos.EntryPrice = cost.Div(qty).InexactFloat64()
	}
	pos.UnrealizedPnL, pos.UnrealizedPnLPct = risk.UnrealizedPnL(pos.Quantity, pos.EntryPrice, f.Price)
	return trades, q.UpdatePosition(ctx, *pos)
}

// exitSource is the entry side of one matched leg.
type exitSource struct {
	entryID    string // empty for the blended-price fallback
	entryPrice float64
	entryTime  time.Time
	commission decimal.Decimal
}

// exitLeg writes one EXIT transaction and its Trade.
func (m *Manager) exitLeg(ctx context.Context, q *db.Queries, pos *db.Position, o *db.Order, f broker.Fill,
	side string, qty, perUnit decimal.Decimal, src exitSource) (db.Trade, error) {
	entry := d(src.entryPrice)
	exit := d(f.Price)
	pnl := exit.Sub(entry).Mul(qty)
	if side == db.SideShort {
		pnl = entry.Sub(exit).Mul(qty)
	}
	pct := decimal.Zero
	if basis := entry.Mul(qty); basis.IsPositive() {
		pct = pnl.Div(basis).Mul(hundred)
	}
	exitCommission := perUnit.Mul(qty)

	tx := db.Transaction{
		ID:                        ulid.Make().String(),
		OperationID:               pos.OperationID,
		PositionID:                pos.ID,
		OrderID:                   o.ID,
		Symbol:                    pos.Symbol,
		Role:                      db.RoleExit,
		PositionType:              side,
		Quantity:                  qty.InexactFloat64(),
		Price:                     f.Price,
		Commission:                exitCommission.InexactFloat64(),
		Profit:                    ptr(pnl.InexactFloat64()),
		ProfitPct:                 ptr(pct.InexactFloat64()),
		RelatedEntryTransactionID: src.entryID,
		ExecutedAt:                f.Time,
	}
	if err := q.CreateTransaction(ctx, tx); err != nil {
		return db.Trade{}, err
	}

	t := db.Trade{
		ID:                 ulid.Make().String(),
		OperationID:        pos.OperationID,
		PositionID:         pos.ID,
		Symbol:             pos.Symbol,
		PositionType:       side,
		EntryTransactionID: src.entryID,
		ExitTransactionID:  tx.ID,
		Quantity:           tx.Quantity,
		EntryPrice:         src.entryPrice,
		ExitPrice:          f.Price,
		PnL:                pnl.InexactFloat64(),
		PnLPct:             pct.InexactFloat64(),
		Commission:         exitCommission.Add(src.commission).InexactFloat64(),
		EntryTime:          src.entryTime,
		ExitTime:           f.Time,
		DurationSeconds:    int64(f.Time.Sub(src.entryTime) / time.Second),
	}
	if err := q.CreateTrade(ctx, t); err != nil {
		return db.Trade{}, err
	}
	return t, nil
}

// bookCapital adds realised P/L net of commission to the operation's capital.
func (m *Manager) bookCapital(ctx context.Context, q *db.Queries, op *db.TradingOperation, trades []db.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	net := decimal.Zero
	for _, t := range trades {
		net = net.Add(d(t.PnL)).Sub(d(t.Commission))
	}
	capital := d(op.CurrentCapital).Add(net)
	total := d(op.TotalPnL).Add(net)
	pct := decimal.Zero
	if op.InitialCapital > 0 {
		pct = total.Div(d(op.InitialCapital)).Mul(hundred)
	}
	op.CurrentCapital = capital.InexactFloat64()
	op.TotalPnL = total.InexactFloat64()
	op.TotalPnLPct = pct.InexactFloat64()
	return q.UpdateOperationCapital(ctx, op.ID, op.CurrentCapital, op.TotalPnL, op.TotalPnLPct)
}
