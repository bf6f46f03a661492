// Package monitor turns runtime events into alerts and keeps process metrics.
package monitor

import (
	"context"

	"go.uber.org/zap"

	"github.com/marcosuma/trading-bot-sub000/internal/broker"
	"github.com/marcosuma/trading-bot-sub000/internal/events"
)

// Monitor watches the bus and raises alerts for broker and order trouble.
type Monitor struct {
	Bus     *events.Bus
	Alerts  *AlertManager
	Metrics *SystemMetrics
	Log     *zap.Logger
}

// Start consumes events until ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	log := m.Log
	if log == nil {
		log = zap.NewNop()
	}
	if m.Bus == nil || m.Alerts == nil {
		log.Warn("monitor not fully configured; skipping")
		return
	}
	states, unsubStates := m.Bus.Subscribe(events.EventBrokerState, 50)
	rejects, unsubRejects := m.Bus.Subscribe(events.EventOrderRejected, 50)
	go func() {
		defer unsubStates()
		defer unsubRejects()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-states:
				if !ok {
					return
				}
				m.onBrokerState(msg)
			case msg, ok := <-rejects:
				if !ok {
					return
				}
				if m.Metrics != nil {
					m.Metrics.IncrementErrors()
				}
				if o, ok := msg.(events.OrderPayload); ok {
					m.Alerts.Raise(SeverityWarning, "order", o.OperationID, "order %s %s %g %s rejected: %s",
						o.OrderID, o.Action, o.Quantity, o.Symbol, o.Reason)
				}
			}
		}
	}()
}

func (m *Monitor) onBrokerState(msg any) {
	p, ok := msg.(events.BrokerStatePayload)
	if !ok {
		return
	}
	switch broker.State(p.To) {
	case broker.StateOffline:
		m.Alerts.Raise(SeverityCritical, "broker", "", "%s is OFFLINE after exhausting reconnection attempts; operator action required", p.Adapter)
	case broker.StateDisconnected:
		if broker.State(p.From) == broker.StateAuthenticated {
			m.Alerts.Raise(SeverityWarning, "broker", "", "%s connection lost; reconnecting", p.Adapter)
		}
	}
}
