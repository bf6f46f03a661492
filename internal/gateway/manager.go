// Package gateway builds broker adapters and supervises the live ones.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marcosuma/trading-bot-sub000/internal/broker"
)

var (
	ErrAdapterNotFound  = errors.New("adapter not found")
	ErrDuplicateAdapter = errors.New("adapter already registered")
)

// ManagedAdapter holds an adapter with health bookkeeping.
type ManagedAdapter struct {
	Adapter   broker.Adapter
	Name      string
	CreatedAt time.Time
	HealthyAt time.Time
	Failures  int
}

// Config holds configuration for the Supervisor.
type Config struct {
	ShutdownTimeout  time.Duration // per-adapter bound on Disconnect
	HealthInterval   time.Duration // interval between account pings
	FailureThreshold int           // failed pings before forcing a reconnect
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		ShutdownTimeout:  10 * time.Second,
		HealthInterval:   time.Minute,
		FailureThreshold: 3,
	}
}

// Supervisor owns every live adapter and shuts them all down together.
type Supervisor struct {
	mu       sync.RWMutex
	adapters map[string]*ManagedAdapter
	order    []string // registration order

	config Config
	log    *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSupervisor creates an empty Supervisor.
func NewSupervisor(cfg Config, log *zap.Logger) *Supervisor {
	def := DefaultConfig()
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		adapters: make(map[string]*ManagedAdapter),
		config:   cfg,
		log:      log.With(zap.String("component", "supervisor")),
		stopCh:   make(chan struct{}),
	}
}

// Add registers an adapter under its name.
func (s *Supervisor) Add(a broker.Adapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := a.Name()
	if _, ok := s.adapters[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAdapter, name)
	}
	now := time.Now()
	s.adapters[name] = &ManagedAdapter{Adapter: a, Name: name, CreatedAt: now, HealthyAt: now}
	s.order = append(s.order, name)
	return nil
}

// Get returns the adapter registered under name.
func (s *Supervisor) Get(name string) (broker.Adapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, name)
	}
	return m.Adapter, nil
}

// Default returns the first registered adapter.
func (s *Supervisor) Default() (broker.Adapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return nil, ErrAdapterNotFound
	}
	return s.adapters[s.order[0]].Adapter, nil
}

func (s *Supervisor) snapshot() []*ManagedAdapter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ManagedAdapter, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.adapters[name])
	}
	return out
}

// ConnectAll connects every adapter; the first failure is returned.
func (s *Supervisor) ConnectAll(ctx context.Context) error {
	for _, m := range s.snapshot() {
		if err := m.Adapter.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", m.Name, err)
		}
		s.log.Info("adapter connected", zap.String("adapter", m.Name))
	}
	return nil
}

// Start begins the background health check.
func (s *Supervisor) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.HealthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.healthCheckAll(ctx)
			}
		}
	}()
}

func (s *Supervisor) healthCheckAll(ctx context.Context) {
	for _, m := range s.snapshot() {
		s.healthCheck(ctx, m)
	}
}

// healthCheck pings an authenticated adapter; repeated failures force a
// reconnection cycle.
func (s *Supervisor) healthCheck(ctx context.Context, m *ManagedAdapter) {
	if m.Adapter.State() != broker.StateAuthenticated {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	_, err := m.Adapter.AccountInfo(pctx)
	cancel()

	s.mu.Lock()
	if err == nil {
		m.Failures = 0
		m.HealthyAt = time.Now()
		s.mu.Unlock()
		return
	}
	m.Failures++
	reconnect := m.Failures >= s.config.FailureThreshold
	if reconnect {
		m.Failures = 0
	}
	s.mu.Unlock()

	s.log.Warn("adapter health check failed", zap.String("adapter", m.Name), zap.Error(err))
	if reconnect {
		s.log.Warn("forcing reconnect", zap.String("adapter", m.Name))
		m.Adapter.Reconnect()
	}
}

// AdapterStatus describes one adapter for health reporting.
type AdapterStatus struct {
	Name      string       `json:"name"`
	State     broker.State `json:"state"`
	HealthyAt time.Time    `json:"healthy_at"`
	Failures  int          `json:"failures"`
}

// Status returns every adapter's state, sorted by name.
func (s *Supervisor) Status() []AdapterStatus {
	adapters := s.snapshot()
	s.mu.RLock()
	out := make([]AdapterStatus, 0, len(adapters))
	for _, m := range adapters {
		out = append(out, AdapterStatus{Name: m.Name, HealthyAt: m.HealthyAt, Failures: m.Failures})
	}
	s.mu.RUnlock()
	for i := range out {
		out[i].State = adapters[i].Adapter.State()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown stops the health check and disconnects every adapter in parallel,
// giving each at most ShutdownTimeout before moving on.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	var g errgroup.Group
	for _, m := range s.snapshot() {
		m := m // per-iteration copy (go directive < 1.22)
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- m.Adapter.Disconnect(dctx) }()
			select {
			case err := <-done:
				if err != nil {
					s.log.Warn("adapter disconnect failed", zap.String("adapter", m.Name), zap.Error(err))
					return fmt.Errorf("disconnect %s: %w", m.Name, err)
				}
				s.log.Info("adapter disconnected", zap.String("adapter", m.Name))
				return nil
			case <-dctx.Done():
				s.log.Error("adapter disconnect timed out", zap.String("adapter", m.Name), zap.Duration("timeout", s.config.ShutdownTimeout))
				return fmt.Errorf("disconnect %s: %w", m.Name, dctx.Err())
			}
		})
	}
	return g.Wait()
}
