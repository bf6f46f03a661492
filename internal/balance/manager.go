// Package balance keeps a cached snapshot of the broker account.
package balance

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcosuma/trading-bot-sub000/internal/broker"
	"github.com/marcosuma/trading-bot-sub000/internal/events"
)

// Source returns the broker account summary.
type Source interface {
	AccountInfo(ctx context.Context) (broker.AccountInfo, error)
}

// Snapshot is the last account summary read from the broker.
type Snapshot struct {
	broker.AccountInfo
	SyncedAt time.Time `json:"synced_at"`
	// Failures counts consecutive failed syncs since SyncedAt.
	Failures int `json:"failures,omitempty"`
}

// Manager polls the broker account and caches the result.
type Manager struct {
	source       Source
	bus          *events.Bus
	syncInterval time.Duration
	timeout      time.Duration
	log          *zap.Logger

	mu     sync.RWMutex
	snap   Snapshot
	synced bool
}

// NewManager creates a manager that syncs every syncInterval.
func NewManager(source Source, bus *events.Bus, syncInterval time.Duration, log *zap.Logger) *Manager {
	if syncInterval <= 0 {
		syncInterval = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		source:       source,
		bus:          bus,
		syncInterval: syncInterval,
		timeout:      10 * time.Second,
		log:          log.With(zap.String("component", "balance")),
	}
}

// Start syncs once and then periodically until ctx ends.
func (m *Manager) Start(ctx context.Context) {
	if err := m.Sync(ctx); err != nil {
		m.log.Warn("initial account sync failed", zap.Error(err))
	}

	ticker := time.NewTicker(m.syncInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Sync(ctx); err != nil {
					m.log.Warn("account sync failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sync fetches the latest account summary. A failed sync keeps the previous
// snapshot and counts the failure.
func (m *Manager) Sync(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	info, err := m.source.AccountInfo(ctx)
	if err != nil {
		m.mu.Lock()
		m.snap.Failures++
		m.mu.Unlock()
		return err
	}

	snap := Snapshot{AccountInfo: info, SyncedAt: time.Now().UTC()}
	m.mu.Lock()
	m.snap = snap
	m.synced = true
	m.mu.Unlock()

	m.log.Debug("account synced",
		zap.Float64("balance", info.Balance),
		zap.Float64("equity", info.Equity),
		zap.Float64("margin_used", info.MarginUsed))
	m.bus.Publish(events.EventAccountUpdated, snap)
	return nil
}

// Snapshot returns the cached account summary and whether any sync has
// succeeded yet.
func (m *Manager) Snapshot() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap, m.synced
}
