package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/marcosuma/trading-bot-sub000/internal/events"
)

// Severity ranks alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator-facing notification.
type Alert struct {
	ID          string    `json:"id"`
	Severity    Severity  `json:"severity"`
	Source      string    `json:"source"`
	OperationID string    `json:"operation_id,omitempty"`
	Message     string    `json:"message"`
	Time        time.Time `json:"time"`
}

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(Alert) error
}

// LogSink writes alerts to the logger.
type LogSink struct{ Log *zap.Logger }

func (s LogSink) Send(a Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", a.ID),
		zap.String("source", a.Source),
		zap.String("operation_id", a.OperationID),
	}
	switch a.Severity {
	case SeverityCritical:
		s.Log.Error(a.Message, fields...)
	case SeverityWarning:
		s.Log.Warn(a.Message, fields...)
	default:
		s.Log.Info(a.Message, fields...)
	}
	return nil
}

// AlertManager keeps the most recent alerts and forwards each one to the
// sinks and the event bus.
type AlertManager struct {
	mu     sync.RWMutex
	recent []Alert
	max    int
	sinks  []AlertSink
	bus    *events.Bus
	log    *zap.Logger
}

// NewAlertManager keeps up to max alerts in memory.
func NewAlertManager(max int, bus *events.Bus, log *zap.Logger, sinks ...AlertSink) *AlertManager {
	if max <= 0 {
		max = 200
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AlertManager{max: max, bus: bus, log: log.With(zap.String("component", "alerts")), sinks: sinks}
}

// Raise records an alert.
func (m *AlertManager) Raise(sev Severity, source, operationID, format string, args ...any) Alert {
	a := Alert{
		ID:          ulid.Make().String(),
		Severity:    sev,
		Source:      source,
		OperationID: operationID,
		Message:     fmt.Sprintf(format, args...),
		Time:        time.Now().UTC(),
	}

	m.mu.Lock()
	if len(m.recent) >= m.max {
		m.recent = m.recent[1:]
	}
	m.recent = append(m.recent, a)
	m.mu.Unlock()

	for _, s := range m.sinks {
		if err := s.Send(a); err != nil {
			m.log.Warn("alert sink failed", zap.Error(err))
		}
	}
	m.bus.Publish(events.EventAlert, a)
	return a
}

// Recent returns alerts newest first, optionally filtered by severity.
func (m *AlertManager) Recent(limit int, sev Severity) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, 0, len(m.recent))
	for i := len(m.recent) - 1; i >= 0; i-- {
		if sev != "" && m.recent[i].Severity != sev {
			continue
		}
		out = append(out, m.recent[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
