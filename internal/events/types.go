package events

import "time"

// Event enumerates high-level topics inside the trading core.
type Event string

const (
	EventOrderSubmitted       Event = "order.submitted"
	EventOrderRejected        Event = "order.rejected"
	EventOrderCancelled       Event = "order.cancelled"
	EventOrderFilled          Event = "order.filled"
	EventOrderPartiallyFilled Event = "order.partially_filled"
	EventPositionOpened       Event = "position.opened"
	EventPositionUpdated      Event = "position.updated"
	EventPositionClosed       Event = "position.closed"
	EventTradeClosed          Event = "trade.closed"
	EventStrategySignal       Event = "strategy.signal"
	EventOperationStatus      Event = "operation.status"
	EventBrokerState          Event = "broker.state"
	EventAccountUpdated       Event = "account.updated"
	EventAlert                Event = "alert"
)

// Envelope wraps a payload for subscribers of every topic.
type Envelope struct {
	Event   Event     `json:"event"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

// SignalPayload is published when a strategy emits a buy or sell price.
type SignalPayload struct {
	OperationID string    `json:"operation_id"`
	Action      string    `json:"action"`
	Price       float64   `json:"price"`
	BarTime     time.Time `json:"bar_time"`
}

// OperationStatusPayload is published on every operation status change.
type OperationStatusPayload struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
}

// BrokerStatePayload is published on every adapter state transition.
type BrokerStatePayload struct {
	Adapter string `json:"adapter"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// OrderPayload is published on order lifecycle events.
type OrderPayload struct {
	OperationID string  `json:"operation_id"`
	OrderID     string  `json:"order_id"`
	Symbol      string  `json:"symbol"`
	Action      string  `json:"action"`
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price,omitempty"`
	Status      string  `json:"status"`
	Reason      string  `json:"reason,omitempty"`
}
