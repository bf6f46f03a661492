package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcosuma/trading-bot-sub000/pkg/db"
)

// ErrNotRegistered is returned for operations unknown to the DataManager.
var ErrNotRegistered = errors.New("operation not registered with data manager")

// DefaultStaleThreshold flags an operation whose last tick is older than this.
const DefaultStaleThreshold = 120 * time.Second

// IndicatorCalculator enriches a bar window. It returns one map per input bar,
// in the same order, and must be deterministic for the same window.
type IndicatorCalculator interface {
	Calculate(bars []Bar) []map[string]float64
}

// BarStore persists completed bars. *db.Queries satisfies it.
type BarStore interface {
	UpsertBar(ctx context.Context, b db.Bar) error
}

// Counters receives pipeline counts; *monitor.SystemMetrics satisfies it.
type Counters interface {
	IncTicks()
	IncBars()
	IncDiscardedBars()
}

// BarHandler is called with each completed bar of a registered bar size.
type BarHandler func(barSize string, bar Bar)

// StaleOperation describes an operation whose feed has gone quiet.
type StaleOperation struct {
	OperationID string
	Asset       string
	Silence     time.Duration
}

type series struct {
	size    BarSize
	agg     *Aggregator
	buf     *BarBuffer
	handler BarHandler
}

type operationData struct {
	asset      string
	series     map[string]*series
	order      []string // bar sizes, longest first
	lastTick   time.Time
	registered time.Time
}

// DataManager owns per-operation bar buffers for every registered bar size.
type DataManager struct {
	mu       sync.RWMutex
	ops      map[string]*operationData
	store    BarStore
	calc     IndicatorCalculator
	counters Counters
	log      *zap.Logger
	now      func() time.Time
}

// NewDataManager wires the persistence and indicator collaborators. Either may be nil.
func NewDataManager(store BarStore, calc IndicatorCalculator, counters Counters, log *zap.Logger) *DataManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &DataManager{
		ops:      make(map[string]*operationData),
		store:    store,
		calc:     calc,
		counters: counters,
		log:      log.With(zap.String("component", "data_manager")),
		now:      time.Now,
	}
}

// Register creates buffers of retention bars for each bar size of an operation.
// Registering again replaces the previous state.
func (m *DataManager) Register(operationID, asset string, barSizes []string, retention int) error {
	od := &operationData{
		asset:      asset,
		series:     make(map[string]*series, len(barSizes)),
		registered: m.now(),
	}
	for _, raw := range barSizes {
		bs, err := ParseBarSize(raw)
		if err != nil {
			return err
		}
		od.series[raw] = &series{size: bs, agg: NewAggregator(bs), buf: NewBarBuffer(retention)}
		od.order = append(od.order, raw)
	}
	sort.SliceStable(od.order, func(i, j int) bool {
		return od.series[od.order[i]].size.Duration() > od.series[od.order[j]].size.Duration()
	})

	m.mu.Lock()
	m.ops[operationID] = od
	m.mu.Unlock()
	return nil
}

// SetHandler registers the completed-bar callback for (operation, bar size).
func (m *DataManager) SetHandler(operationID, barSize string, h BarHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.seriesLocked(operationID, barSize)
	if err != nil {
		return err
	}
	s.handler = h
	return nil
}

// Unregister drops every buffer and handler of an operation.
func (m *DataManager) Unregister(operationID string) {
	m.mu.Lock()
	delete(m.ops, operationID)
	m.mu.Unlock()
}

// Registered reports whether operationID has buffers.
func (m *DataManager) Registered(operationID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ops[operationID]
	return ok
}

type completedBar struct {
	barSize string
	bar     Bar
	handler BarHandler
}

// HandleTick folds one tick into every bar size of the operation. Completed
// bars are validated, merged into the buffer, enriched, persisted and then
// dispatched, all before HandleTick returns. Larger bar sizes are dispatched
// first so a primary-bar handler sees them.
func (m *DataManager) HandleTick(ctx context.Context, operationID string, t Tick) error {
	if m.counters != nil {
		m.counters.IncTicks()
	}

	m.mu.Lock()
	od, ok := m.ops[operationID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, operationID)
	}
	od.lastTick = m.now()

	var done []completedBar
	for _, name := range od.order {
		s := od.series[name]
		bar, err := s.agg.AddTick(t.Price, t.Size, t.Time)
		if err != nil {
			m.discard(operationID, name, err)
			continue
		}
		if bar == nil {
			continue
		}
		stored, ok := m.storeLocked(operationID, name, s, *bar)
		if !ok {
			continue
		}
		done = append(done, completedBar{barSize: name, bar: stored, handler: s.handler})
	}
	m.mu.Unlock()

	for _, c := range done {
		m.persist(ctx, operationID, c.barSize, c.bar)
		if c.handler != nil {
			c.handler(c.barSize, c.bar)
		}
	}
	return nil
}

// AddBar merges a completed bar that did not come from the tick stream (a
// gap fill or a venue-built bar), then persists and dispatches it like a
// tick-built bar.
func (m *DataManager) AddBar(ctx context.Context, operationID, barSize string, bar Bar) error {
	m.mu.Lock()
	s, err := m.seriesLocked(operationID, barSize)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	stored, ok := m.storeLocked(operationID, barSize, s, bar)
	handler := s.handler
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: discarded", ErrInvalidBar)
	}

	m.persist(ctx, operationID, barSize, stored)
	if handler != nil {
		handler(barSize, stored)
	}
	return nil
}

func (m *DataManager) storeLocked(operationID, barSize string, s *series, bar Bar) (Bar, bool) {
	if err := bar.Validate(); err != nil {
		m.discard(operationID, barSize, err)
		return Bar{}, false
	}
	stored, ok := s.buf.Upsert(bar)
	if !ok {
		m.log.Debug("bar older than retention window dropped",
			zap.String("operation_id", operationID), zap.String("bar_size", barSize), zap.Time("time", bar.Time))
		return Bar{}, false
	}
	if m.calc != nil {
		window := s.buf.Slice(0)
		if ind := m.calc.Calculate(window); len(ind) == len(window) {
			for i := range window {
				if window[i].Time.Equal(stored.Time) {
					stored.Indicators = ind[i]
					s.buf.SetIndicators(stored.Time, ind[i])
					break
				}
			}
		}
	}
	if m.counters != nil {
		m.counters.IncBars()
	}
	return stored, true
}

// LoadHistory seeds a buffer with historical bars, recomputes indicators over
// the whole window and, when persist is set, writes the enriched bars.
func (m *DataManager) LoadHistory(ctx context.Context, operationID, barSize string, bars []Bar, persist bool) (int, error) {
	m.mu.Lock()
	s, err := m.seriesLocked(operationID, barSize)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	loaded := 0
	for _, b := range bars {
		if err := b.Validate(); err != nil {
			m.discard(operationID, barSize, err)
			continue
		}
		if _, ok := s.buf.Upsert(b); ok {
			loaded++
		}
	}
	window := s.buf.Slice(0)
	if m.calc != nil {
		if ind := m.calc.Calculate(window); len(ind) == len(window) {
			for i := range window {
				window[i].Indicators = ind[i]
				s.buf.SetIndicators(window[i].Time, ind[i])
			}
		}
	}
	m.mu.Unlock()

	if persist {
		for _, b := range window {
			m.persist(ctx, operationID, barSize, b)
		}
	}
	return loaded, nil
}

// Bars returns a copy of the newest n bars (all when n <= 0) in ascending order.
func (m *DataManager) Bars(operationID, barSize string, n int) ([]Bar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.seriesLocked(operationID, barSize)
	if err != nil {
		return nil, err
	}
	return s.buf.Slice(n), nil
}

// Latest returns the newest buffered bar.
func (m *DataManager) Latest(operationID, barSize string) (Bar, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.seriesLocked(operationID, barSize)
	if err != nil {
		return Bar{}, false
	}
	return s.buf.Last()
}

// LastTick returns when the operation last received a tick.
func (m *DataManager) LastTick(operationID string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	od, ok := m.ops[operationID]
	if !ok || od.lastTick.IsZero() {
		return time.Time{}, false
	}
	return od.lastTick, true
}

// Stale lists operations with no tick within threshold. Operations that never
// received a tick are measured from their registration.
func (m *DataManager) Stale(threshold time.Duration) []StaleOperation {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	now := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []StaleOperation
	for id, od := range m.ops {
		last := od.lastTick
		if last.IsZero() {
			last = od.registered
		}
		if silence := now.Sub(last); silence > threshold {
			out = append(out, StaleOperation{OperationID: id, Asset: od.asset, Silence: silence})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OperationID < out[j].OperationID })
	return out
}

// RunHealthCheck calls onStale for every stale operation each interval until ctx ends.
func (m *DataManager) RunHealthCheck(ctx context.Context, interval, threshold time.Duration, onStale func(StaleOperation)) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, s := range m.Stale(threshold) {
				m.log.Warn("market data stale",
					zap.String("operation_id", s.OperationID), zap.String("asset", s.Asset), zap.Duration("silence", s.Silence))
				if onStale != nil {
					onStale(s)
				}
			}
		}
	}
}

func (m *DataManager) seriesLocked(operationID, barSize string) (*series, error) {
	od, ok := m.ops[operationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, operationID)
	}
	s, ok := od.series[barSize]
	if !ok {
		return nil, fmt.Errorf("%w: %s not configured for %s", ErrInvalidBarSize, barSize, operationID)
	}
	return s, nil
}

func (m *DataManager) discard(operationID, barSize string, err error) {
	if m.counters != nil && errors.Is(err, ErrInvalidBar) {
		m.counters.IncDiscardedBars()
	}
	m.log.Warn("bar discarded",
		zap.String("operation_id", operationID), zap.String("bar_size", barSize), zap.Error(err))
}

func (m *DataManager) persist(ctx context.Context, operationID, barSize string, b Bar) {
	if m.store == nil {
		return
	}
	if err := m.store.UpsertBar(ctx, b.ToRow(operationID, barSize)); err != nil {
		m.log.Error("persist bar failed",
			zap.String("operation_id", operationID), zap.String("bar_size", barSize), zap.Error(err))
	}
}
