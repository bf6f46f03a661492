package order

import (
	"github.com/marcosuma/trading-bot-sub000/internal/events"
	"github.com/marcosuma/trading-bot-sub000/pkg/db"
)

func orderPayload(o *db.Order) events.OrderPayload {
	p := events.OrderPayload{
		OperationID: o.OperationID,
		OrderID:     o.ID,
		Symbol:      o.Symbol,
		Action:      o.Action,
		Quantity:    o.Quantity,
		Status:      o.Status,
		Reason:      o.Reason,
	}
	switch {
	case o.AvgFillPrice > 0:
		p.Price = o.AvgFillPrice
	case o.Price != nil:
		p.Price = *o.Price
	}
	return p
}

// emitOrder publishes an order lifecycle event.
func (m *Manager) emitOrder(e events.Event, o *db.Order) {
	if m.bus == nil || o == nil {
		return
	}
	m.bus.Publish(e, orderPayload(o))
}

// emitFill publishes everything a committed fill changed.
func (m *Manager) emitFill(res fillResult) {
	if m.bus == nil {
		return
	}
	if res.order != nil {
		evt := events.EventOrderPartiallyFilled
		if res.order.Status == db.OrderFilled {
			evt = events.EventOrderFilled
		}
		m.bus.Publish(evt, orderPayload(res.order))
	}
	for _, p := range res.closed {
		m.bus.Publish(events.EventPositionClosed, p)
	}
	for _, p := range res.updated {
		m.bus.Publish(events.EventPositionUpdated, p)
	}
	for _, p := range res.opened {
		m.bus.Publish(events.EventPositionOpened, p)
	}
	for _, t := range res.trades {
		m.bus.Publish(events.EventTradeClosed, t)
	}
}
