package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcosuma/trading-bot-sub000/internal/balance"
	"github.com/marcosuma/trading-bot-sub000/internal/broker"
	"github.com/marcosuma/trading-bot-sub000/internal/events"
	"github.com/marcosuma/trading-bot-sub000/internal/gateway"
	"github.com/marcosuma/trading-bot-sub000/internal/indicators"
	"github.com/marcosuma/trading-bot-sub000/internal/journal"
	"github.com/marcosuma/trading-bot-sub000/internal/market"
	"github.com/marcosuma/trading-bot-sub000/internal/monitor"
	"github.com/marcosuma/trading-bot-sub000/internal/order"
	"github.com/marcosuma/trading-bot-sub000/internal/reconciliation"
	"github.com/marcosuma/trading-bot-sub000/internal/risk"
	"github.com/marcosuma/trading-bot-sub000/internal/strategy"
	"github.com/marcosuma/trading-bot-sub000/pkg/config"
	"github.com/marcosuma/trading-bot-sub000/pkg/db"
)

const defaultMaintenanceInterval = 24 * time.Hour

// Config holds the collaborators of the engine.
type Config struct {
	DB         *db.Database
	Journal    *journal.Manager
	Data       *market.DataManager
	Orders     *order.Manager
	Adapter    broker.Adapter
	Supervisor *gateway.Supervisor
	Reconciler *reconciliation.Service
	Account    *balance.Manager
	Strategies *strategy.Registry
	Params     ParamsMerger
	Bus        *events.Bus
	Alerts     *monitor.AlertManager
	Metrics    *monitor.SystemMetrics
	Defaults   config.RiskDefaults
	Log        *zap.Logger

	StaleThreshold      time.Duration
	HealthCheckInterval time.Duration
	JournalRetention    time.Duration
	MaintenanceInterval time.Duration
	HistoryTimeout      time.Duration
	InboxSize           int
}

// Engine is the TradingEngine: it persists operations, owns their runners
// and recovers them at startup.
type Engine struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	mu      sync.Mutex
	runners map[string]*Runner
	// stale maps an operation to the last tick time of its current stale
	// episode. A new tick ends the episode.
	stale map[string]time.Time
}

// New wires the engine and points the order manager's ATR lookup at the
// data manager.
func New(cfg Config) (*Engine, error) {
	if cfg.DB == nil || cfg.Journal == nil || cfg.Data == nil || cfg.Orders == nil || cfg.Adapter == nil {
		return nil, errors.New("engine: db, journal, data, orders and adapter are required")
	}
	if cfg.Strategies == nil {
		cfg.Strategies = strategy.DefaultRegistry()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = monitor.NewSystemMetrics()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = defaultMaintenanceInterval
	}
	e := &Engine{
		cfg:     cfg,
		log:     cfg.Log.With(zap.String("component", "engine")),
		now:     func() time.Time { return time.Now().UTC() },
		runners: make(map[string]*Runner),
		stale:   make(map[string]time.Time),
	}
	cfg.Orders.SetATRSource(e.latestATR)
	return e, nil
}

func (e *Engine) latestATR(operationID string) (float64, bool) {
	r := e.runner(operationID)
	if r == nil {
		return 0, false
	}
	bar, ok := e.cfg.Data.Latest(operationID, r.PrimaryBarSize())
	if !ok {
		return 0, false
	}
	atr, ok := bar.Indicators[indicators.ATRColumn]
	return atr, ok && atr > 0
}

func (e *Engine) runner(id string) *Runner {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runners[id]
}

func (e *Engine) newRunner(op db.TradingOperation) (*Runner, error) {
	return NewRunner(op, RunnerDeps{
		DB:             e.cfg.DB,
		Data:           e.cfg.Data,
		Orders:         e.cfg.Orders,
		Adapter:        e.cfg.Adapter,
		Strategies:     e.cfg.Strategies,
		Params:         e.cfg.Params,
		Bus:            e.cfg.Bus,
		Metrics:        e.cfg.Metrics,
		Log:            e.cfg.Log,
		InboxSize:      e.cfg.InboxSize,
		HistoryTimeout: e.cfg.HistoryTimeout,
	})
}

// StartOperation persists a new operation, starts its runner and journals
// OPERATION_STARTED. A runner that fails to start leaves the operation in
// the error status.
func (e *Engine) StartOperation(ctx context.Context, req CreateOperationRequest) (*db.TradingOperation, error) {
	op, err := e.buildOperation(req)
	if err != nil {
		return nil, err
	}
	q := e.cfg.DB.Queries()
	if err := q.CreateOperation(ctx, *op); err != nil {
		return nil, err
	}

	r, err := e.newRunner(*op)
	if err == nil {
		err = r.Start(ctx)
	}
	if err != nil {
		e.fail(ctx, op.ID, err)
		return nil, fmt.Errorf("start operation %s: %w", op.ID, err)
	}

	e.mu.Lock()
	e.runners[op.ID] = r
	e.mu.Unlock()

	if _, err := e.cfg.Journal.LogAction(ctx, op.ID, journal.ActionOperationStarted, map[string]any{
		"asset":     op.Asset,
		"strategy":  op.StrategyName,
		"bar_sizes": op.BarSizes,
		"capital":   op.InitialCapital,
	}); err != nil {
		e.log.Error("journal operation start failed", zap.String("operation_id", op.ID), zap.Error(err))
	}
	e.publishStatus(op.ID, db.OperationActive, "started")
	e.log.Info("operation started",
		zap.String("operation_id", op.ID),
		zap.String("asset", op.Asset),
		zap.String("strategy", op.StrategyName))
	return e.cfg.DB.Queries().GetOperation(ctx, op.ID)
}

func (e *Engine) buildOperation(req CreateOperationRequest) (*db.TradingOperation, error) {
	d := e.cfg.Defaults
	op := &db.TradingOperation{
		ID:                   uuid.NewString(),
		Name:                 req.Name,
		Asset:                req.Asset,
		BarSizes:             req.BarSizes,
		PrimaryBarSize:       req.PrimaryBarSize,
		StrategyName:         req.StrategyName,
		StrategyConfig:       req.StrategyConfig,
		StopLossType:         orString(req.StopLossType, d.StopLossType),
		StopLossValue:        orFloat(req.StopLossValue, d.StopLossValue),
		TakeProfitType:       orString(req.TakeProfitType, d.TakeProfitType),
		TakeProfitValue:      orFloat(req.TakeProfitValue, d.TakeProfitValue),
		CrashRecoveryMode:    orString(req.CrashRecoveryMode, d.CrashRecoveryMode),
		EmergencyStopLossPct: orFloat(req.EmergencyStopLossPct, d.EmergencyStopLossPct),
		DataRetentionBars:    req.DataRetentionBars,
		RiskPerTrade:         orFloat(req.RiskPerTrade, d.RiskPerTrade),
		OrderType:            orString(req.OrderType, d.OrderType),
		InitialCapital:       orFloat(req.InitialCapital, d.InitialCapital),
		Status:               db.OperationActive,
		CreatedAt:            e.now(),
		UpdatedAt:            e.now(),
	}
	if op.DataRetentionBars <= 0 {
		op.DataRetentionBars = d.DataRetentionBars
	}
	if op.OrderType == "" {
		op.OrderType = db.OrderMarket
	}
	if op.StrategyConfig == nil {
		op.StrategyConfig = map[string]any{}
	}
	if op.Name == "" {
		op.Name = fmt.Sprintf("%s %s", op.StrategyName, op.Asset)
	}
	op.CurrentCapital = op.InitialCapital

	if op.Asset == "" {
		return nil, fmt.Errorf("%w: asset is required", ErrInvalidRequest)
	}
	if len(op.BarSizes) == 0 {
		return nil, fmt.Errorf("%w: at least one bar size is required", ErrInvalidRequest)
	}
	if op.PrimaryBarSize == "" {
		op.PrimaryBarSize = op.BarSizes[0]
	}
	primaryListed := false
	for _, s := range op.BarSizes {
		if _, err := market.ParseBarSize(s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		primaryListed = primaryListed || s == op.PrimaryBarSize
	}
	if !primaryListed {
		return nil, fmt.Errorf("%w: primary bar size %q not in bar sizes", ErrInvalidRequest, op.PrimaryBarSize)
	}
	if !e.cfg.Strategies.Has(op.StrategyName) {
		return nil, fmt.Errorf("%w: %w: %s", ErrInvalidRequest, strategy.ErrUnknownStrategy, op.StrategyName)
	}
	rc := risk.Config{
		StopLossType:         op.StopLossType,
		StopLossValue:        op.StopLossValue,
		TakeProfitType:       op.TakeProfitType,
		TakeProfitValue:      op.TakeProfitValue,
		RiskPerTrade:         op.RiskPerTrade,
		EmergencyStopLossPct: op.EmergencyStopLossPct,
	}
	if err := rc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !risk.ValidRecoveryMode(op.CrashRecoveryMode) {
		return nil, fmt.Errorf("%w: crash recovery mode %q", ErrInvalidRequest, op.CrashRecoveryMode)
	}
	if op.OrderType != db.OrderMarket && op.OrderType != db.OrderLimit {
		return nil, fmt.Errorf("%w: order type %q", ErrInvalidRequest, op.OrderType)
	}
	if op.InitialCapital <= 0 {
		return nil, fmt.Errorf("%w: initial capital must be > 0", ErrInvalidRequest)
	}
	if op.DataRetentionBars <= 0 {
		return nil, fmt.Errorf("%w: data retention must be > 0", ErrInvalidRequest)
	}
	return op, nil
}

// StopOperation stops the runner and closes the operation. Open positions
// are left with the broker.
func (e *Engine) StopOperation(ctx context.Context, id string) error {
	op, err := e.GetOperation(ctx, id)
	if err != nil {
		return err
	}
	if op.Status == db.OperationClosed {
		return fmt.Errorf("%w: %s", ErrOperationClosed, id)
	}

	e.mu.Lock()
	r := e.runners[id]
	delete(e.runners, id)
	delete(e.stale, id)
	e.mu.Unlock()
	if r != nil {
		if err := r.Stop(ctx); err != nil {
			e.log.Warn("runner stop", zap.String("operation_id", id), zap.Error(err))
		}
	}

	if err := e.cfg.DB.Queries().UpdateOperationStatus(ctx, id, db.OperationClosed, ""); err != nil {
		return err
	}
	e.journal(ctx, id, journal.ActionOperationStopped, map[string]any{"previous_status": op.Status})
	e.publishStatus(id, db.OperationClosed, "stopped")
	e.log.Info("operation stopped", zap.String("operation_id", id))
	return nil
}

// PauseOperation stops signal forwarding; bars keep flowing.
func (e *Engine) PauseOperation(ctx context.Context, id string) error {
	op, err := e.GetOperation(ctx, id)
	if err != nil {
		return err
	}
	if op.Status != db.OperationActive {
		return fmt.Errorf("%w: %s is %s", ErrOperationNotActive, id, op.Status)
	}
	if r := e.runner(id); r != nil {
		if err := r.Pause(); err != nil && !errors.Is(err, ErrOperationNotActive) {
			return err
		}
	}
	if err := e.cfg.DB.Queries().UpdateOperationStatus(ctx, id, db.OperationPaused, ""); err != nil {
		return err
	}
	e.journal(ctx, id, journal.ActionOperationPaused, nil)
	e.publishStatus(id, db.OperationPaused, "paused")
	return nil
}

// ResumeOperation re-enables a paused operation, starting a runner when none
// is live (an operation paused before a restart).
func (e *Engine) ResumeOperation(ctx context.Context, id string) error {
	op, err := e.GetOperation(ctx, id)
	if err != nil {
		return err
	}
	if op.Status != db.OperationPaused {
		return fmt.Errorf("%w: %s is %s", ErrNotPaused, id, op.Status)
	}

	if r := e.runner(id); r != nil {
		if err := r.Resume(); err != nil {
			return err
		}
	} else {
		op.Status = db.OperationActive
		r, err := e.newRunner(*op)
		if err != nil {
			return err
		}
		if err := r.Start(ctx); err != nil {
			return fmt.Errorf("resume operation %s: %w", id, err)
		}
		e.mu.Lock()
		e.runners[id] = r
		e.mu.Unlock()
	}

	if err := e.cfg.DB.Queries().UpdateOperationStatus(ctx, id, db.OperationActive, ""); err != nil {
		return err
	}
	e.journal(ctx, id, journal.ActionOperationResumed, nil)
	e.publishStatus(id, db.OperationActive, "resumed")
	return nil
}

// ClosePosition submits a manual close through the operation's runner.
func (e *Engine) ClosePosition(ctx context.Context, operationID, positionID string) (*db.Order, error) {
	if _, err := e.GetOperation(ctx, operationID); err != nil {
		return nil, err
	}
	return e.cfg.Orders.ClosePosition(ctx, operationID, positionID, "manual", e.handler(operationID))
}

// CancelOrder cancels a working order.
func (e *Engine) CancelOrder(ctx context.Context, operationID, orderID string) (*db.Order, error) {
	return e.cfg.Orders.CancelOrder(ctx, operationID, orderID)
}

// handler routes fills to the runner's goroutine, or straight to the order
// manager when the operation has no live runner.
func (e *Engine) handler(operationID string) broker.OrderHandler {
	if r := e.runner(operationID); r != nil {
		return r
	}
	return directHandler{orders: e.cfg.Orders, operationID: operationID, log: e.log}
}

// RecoverFromJournal runs once at startup. For every active operation it
// applies crash recovery, reconciles positions with the broker, replays
// persisted bars and starts a fresh runner, which subscribes last.
func (e *Engine) RecoverFromJournal(ctx context.Context) (*RecoverySummary, error) {
	ops, err := e.cfg.DB.Queries().ListOperations(ctx, db.OperationActive)
	if err != nil {
		return nil, fmt.Errorf("list active operations: %w", err)
	}
	summary := &RecoverySummary{Failed: map[string]string{}}
	for _, op := range ops {
		if err := e.recoverOperation(ctx, op, summary); err != nil {
			summary.Failed[op.ID] = err.Error()
			e.fail(ctx, op.ID, err)
			continue
		}
		summary.Recovered = append(summary.Recovered, op.ID)
	}
	e.log.Info("recovery finished",
		zap.Int("operations", len(ops)),
		zap.Int("recovered", len(summary.Recovered)),
		zap.Int("failed", len(summary.Failed)),
		zap.Int64("journal_sequence", e.cfg.Journal.Sequence()))
	return summary, nil
}

func (e *Engine) recoverOperation(ctx context.Context, op db.TradingOperation, summary *RecoverySummary) error {
	log := e.log.With(zap.String("operation_id", op.ID))
	r, err := e.newRunner(op)
	if err != nil {
		return err
	}

	report, err := e.cfg.Orders.HandleCrashRecovery(ctx, op.ID, r)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("crash recovery: %w", err)
	}
	summary.Crash = append(summary.Crash, *report)
	if err := r.Drain(ctx); err != nil {
		r.shutdown()
		return err
	}

	if e.cfg.Reconciler != nil {
		rec, err := e.cfg.Reconciler.SyncOperation(ctx, &op)
		if err != nil {
			// The broker may still be reconnecting; the periodic check reports drift later.
			log.Warn("startup reconciliation failed", zap.Error(err))
		} else {
			summary.Reconcile = append(summary.Reconcile, rec.Diffs...)
		}
	}

	if err := r.Start(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	e.runners[op.ID] = r
	e.mu.Unlock()

	e.journal(ctx, op.ID, journal.ActionRecoveryCompleted, map[string]any{
		"mode":   report.Mode,
		"closed": report.Closed,
		"kept":   report.Kept,
		"failed": report.Failed,
	})
	e.publishStatus(op.ID, db.OperationActive, "recovered")
	log.Info("operation recovered", zap.Int("closed", len(report.Closed)), zap.Int("kept", len(report.Kept)))
	return nil
}

// Start launches the stale-feed health check and the journal maintenance
// loop. Both stop with ctx.
func (e *Engine) Start(ctx context.Context) {
	go e.cfg.Data.RunHealthCheck(ctx, e.cfg.HealthCheckInterval, e.cfg.StaleThreshold, e.onStale)
	if e.cfg.JournalRetention > 0 {
		go e.maintain(ctx)
	}
}

// onStale alerts and forces one reconnect per stale episode. A closed market
// stays stale across health checks without reconnecting again.
func (e *Engine) onStale(s market.StaleOperation) {
	last, _ := e.cfg.Data.LastTick(s.OperationID)
	e.mu.Lock()
	seen, ongoing := e.stale[s.OperationID]
	ongoing = ongoing && seen.Equal(last)
	e.stale[s.OperationID] = last
	e.mu.Unlock()
	if ongoing {
		e.log.Debug("feed still stale",
			zap.String("operation_id", s.OperationID),
			zap.Duration("silence", s.Silence))
		return
	}

	if e.cfg.Alerts != nil {
		e.cfg.Alerts.Raise(monitor.SeverityCritical, "market_data", s.OperationID,
			"no ticks for %s on %s for %s; reconnecting", s.OperationID, s.Asset, s.Silence.Round(time.Second))
	}
	e.cfg.Adapter.Reconnect()
}

func (e *Engine) maintain(ctx context.Context) {
	t := time.NewTicker(e.cfg.MaintenanceInterval)
	defer t.Stop()
	for {
		e.pruneJournal(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (e *Engine) pruneJournal(ctx context.Context) {
	cutoff := e.now().Add(-e.cfg.JournalRetention)
	n, err := e.cfg.Journal.Prune(ctx, cutoff)
	if err != nil {
		e.log.Error("journal prune failed", zap.Error(err))
		return
	}
	if n > 0 {
		e.log.Info("journal pruned", zap.Int64("entries", n), zap.Time("before", cutoff))
	}
}

// Shutdown stops every runner, then disconnects the adapters through the
// supervisor with its per-adapter timeout.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	runners := make([]*Runner, 0, len(e.runners))
	for _, r := range e.runners {
		runners = append(runners, r)
	}
	e.runners = make(map[string]*Runner)
	e.mu.Unlock()

	for _, r := range runners {
		if err := r.Stop(ctx); err != nil {
			e.log.Warn("runner stop", zap.String("operation_id", r.OperationID()), zap.Error(err))
		}
	}
	e.log.Info("runners stopped", zap.Int("count", len(runners)))
	if e.cfg.Supervisor != nil {
		return e.cfg.Supervisor.Shutdown(ctx)
	}
	return e.cfg.Adapter.Disconnect(ctx)
}

// --- Queries ---

func (e *Engine) GetOperation(ctx context.Context, id string) (*db.TradingOperation, error) {
	op, err := e.cfg.DB.Queries().GetOperation(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", order.ErrOperationNotFound, id)
	}
	return op, err
}

func (e *Engine) ListOperations(ctx context.Context, status string) ([]db.TradingOperation, error) {
	return e.cfg.DB.Queries().ListOperations(ctx, status)
}

func (e *Engine) Positions(ctx context.Context, operationID string, openOnly bool) ([]db.Position, error) {
	if _, err := e.GetOperation(ctx, operationID); err != nil {
		return nil, err
	}
	return e.cfg.DB.Queries().ListPositions(ctx, operationID, openOnly)
}

func (e *Engine) Transactions(ctx context.Context, operationID string, limit int) ([]db.Transaction, error) {
	if _, err := e.GetOperation(ctx, operationID); err != nil {
		return nil, err
	}
	return e.cfg.DB.Queries().ListTransactions(ctx, operationID, limit)
}

func (e *Engine) Trades(ctx context.Context, operationID string, limit int) ([]db.Trade, error) {
	if _, err := e.GetOperation(ctx, operationID); err != nil {
		return nil, err
	}
	return e.cfg.DB.Queries().ListTrades(ctx, operationID, limit)
}

func (e *Engine) Orders(ctx context.Context, operationID, status string, limit int) ([]db.Order, error) {
	if _, err := e.GetOperation(ctx, operationID); err != nil {
		return nil, err
	}
	return e.cfg.DB.Queries().ListOrders(ctx, operationID, status, limit)
}

// Bars returns persisted bars; an empty barSize means the primary bar size.
func (e *Engine) Bars(ctx context.Context, operationID, barSize string, limit int) ([]db.Bar, error) {
	op, err := e.GetOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if barSize == "" {
		barSize = op.PrimaryBarSize
	}
	return e.cfg.DB.Queries().ListBars(ctx, operationID, barSize, limit)
}

func (e *Engine) Journal(ctx context.Context, operationID string, limit int) ([]db.JournalEntry, error) {
	if _, err := e.GetOperation(ctx, operationID); err != nil {
		return nil, err
	}
	return e.cfg.Journal.GetEntries(ctx, operationID, time.Time{}, limit)
}

func (e *Engine) Stats(ctx context.Context, operationID string) (*db.Stats, error) {
	st, err := e.cfg.DB.Queries().OperationStats(ctx, operationID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", order.ErrOperationNotFound, operationID)
	}
	return st, err
}

func (e *Engine) OverallStats(ctx context.Context) (*db.Stats, error) {
	return e.cfg.DB.Queries().OverallStats(ctx)
}

func (e *Engine) Strategies() []string { return e.cfg.Strategies.Names() }

func (e *Engine) Metrics() monitor.MetricsSnapshot { return e.cfg.Metrics.GetSnapshot() }

func (e *Engine) Alerts(limit int, severity monitor.Severity) []monitor.Alert {
	if e.cfg.Alerts == nil {
		return nil
	}
	return e.cfg.Alerts.Recent(limit, severity)
}

// Health reports adapter states, stale feeds and live runners. It is
// degraded when an adapter is not authenticated or a feed is stale.
func (e *Engine) Health(ctx context.Context) HealthStatus {
	h := HealthStatus{Status: "ok", ServerTime: e.now()}
	if e.cfg.Supervisor != nil {
		h.Adapters = e.cfg.Supervisor.Status()
	} else {
		h.Adapters = []gateway.AdapterStatus{{Name: e.cfg.Adapter.Name(), State: e.cfg.Adapter.State()}}
	}
	for _, a := range h.Adapters {
		if a.State != broker.StateAuthenticated {
			h.Status = "degraded"
		}
	}
	h.Stale = e.cfg.Data.Stale(e.cfg.StaleThreshold)
	if len(h.Stale) > 0 {
		h.Status = "degraded"
	}
	if e.cfg.Account != nil {
		if snap, ok := e.cfg.Account.Snapshot(); ok {
			h.Account = &snap
		}
	}

	e.mu.Lock()
	for id, r := range e.runners {
		rt := OperationRuntime{OperationID: id, State: r.State(), SubscriberID: r.SubscriberID()}
		if at, ok := e.cfg.Data.LastTick(id); ok {
			rt.LastTick = &at
		}
		h.Operations = append(h.Operations, rt)
	}
	e.mu.Unlock()
	return h
}

// Runtime returns the state of the operation's runner, if any.
func (e *Engine) Runtime(operationID string) (RunnerState, bool) {
	r := e.runner(operationID)
	if r == nil {
		return StateStopped, false
	}
	return r.State(), true
}

// --- helpers ---

func (e *Engine) fail(ctx context.Context, id string, cause error) {
	e.log.Error("operation failed", zap.String("operation_id", id), zap.Error(cause))
	if err := e.cfg.DB.Queries().UpdateOperationStatus(ctx, id, db.OperationError, cause.Error()); err != nil {
		e.log.Error("record operation error", zap.String("operation_id", id), zap.Error(err))
	}
	e.journal(ctx, id, journal.ActionOperationError, map[string]any{"error": cause.Error()})
	e.publishStatus(id, db.OperationError, cause.Error())
}

func (e *Engine) journal(ctx context.Context, id, action string, data any) {
	if _, err := e.cfg.Journal.LogAction(ctx, id, action, data); err != nil {
		e.log.Error("journal write failed", zap.String("operation_id", id), zap.String("action", action), zap.Error(err))
	}
}

func (e *Engine) publishStatus(id, status, reason string) {
	if e.cfg.Bus == nil {
		return
	}
	e.cfg.Bus.Publish(events.EventOperationStatus, events.OperationStatusPayload{
		OperationID: id, Status: status, Reason: reason,
	})
}

// directHandler applies broker callbacks without a runner.
type directHandler struct {
	orders      *order.Manager
	operationID string
	log         *zap.Logger
}

func (h directHandler) OnFill(f broker.Fill) {
	go func() {
		if err := h.orders.OnOrderFilled(context.Background(), h.operationID, f); err != nil {
			h.log.Error("fill processing failed", zap.String("operation_id", h.operationID), zap.Error(err))
		}
	}()
}

func (h directHandler) OnOrderUpdate(u broker.OrderUpdate) {
	go func() {
		if err := h.orders.OnOrderUpdate(context.Background(), h.operationID, u); err != nil {
			h.log.Error("order update failed", zap.String("operation_id", h.operationID), zap.Error(err))
		}
	}()
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
