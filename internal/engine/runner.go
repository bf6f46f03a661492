package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marcosuma/trading-bot-sub000/internal/broker"
	"github.com/marcosuma/trading-bot-sub000/internal/events"
	"github.com/marcosuma/trading-bot-sub000/internal/market"
	"github.com/marcosuma/trading-bot-sub000/internal/order"
	"github.com/marcosuma/trading-bot-sub000/internal/strategy"
	"github.com/marcosuma/trading-bot-sub000/internal/trace"
	"github.com/marcosuma/trading-bot-sub000/pkg/db"
)

const (
	defaultInboxSize      = 1024
	defaultHistoryTimeout = 30 * time.Second
	maxHistoryTimeout     = 5 * time.Minute
	// historyTimeoutStep adds one base timeout per week of requested history.
	historyTimeoutStep = 7 * 24 * time.Hour
)

// RunnerMetrics receives runner counts. *monitor.SystemMetrics satisfies it.
type RunnerMetrics interface {
	IncDroppedTicks()
	IncrementSignals()
	IncrementErrors()
	ObserveStrategyLatency(time.Duration)
}

// ParamsMerger overlays an operation's strategy parameters on file defaults.
type ParamsMerger func(name string, params map[string]any) map[string]any

// RunnerDeps are the collaborators shared by every runner.
type RunnerDeps struct {
	DB             *db.Database
	Data           *market.DataManager
	Orders         *order.Manager
	Adapter        broker.Adapter
	Strategies     *strategy.Registry
	Params         ParamsMerger
	Bus            *events.Bus
	Metrics        RunnerMetrics
	Log            *zap.Logger
	InboxSize      int
	HistoryTimeout time.Duration
}

type task func(ctx context.Context)

// Runner drives one operation. A single goroutine owns every state change:
// broker callbacks only enqueue work for it. Ticks go through a bounded inbox
// and are dropped when it is full; fills and order updates go through an
// unbounded queue and are never dropped.
type Runner struct {
	deps    RunnerDeps
	op      db.TradingOperation
	primary market.BarSize
	subID   string
	strat   strategy.Strategy
	log     *zap.Logger
	now     func() time.Time

	mu         sync.Mutex
	state      RunnerState
	closed     bool
	subscribed bool
	pending    []task

	inbox    chan task
	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewRunner validates the operation's bar sizes and starts the owning goroutine.
func NewRunner(op db.TradingOperation, deps RunnerDeps) (*Runner, error) {
	if len(op.BarSizes) == 0 {
		return nil, fmt.Errorf("%w: no bar sizes", market.ErrInvalidBarSize)
	}
	if op.PrimaryBarSize == "" {
		op.PrimaryBarSize = op.BarSizes[0]
	}
	found := false
	for _, raw := range op.BarSizes {
		if _, err := market.ParseBarSize(raw); err != nil {
			return nil, err
		}
		if raw == op.PrimaryBarSize {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: primary %q not in bar sizes", market.ErrInvalidBarSize, op.PrimaryBarSize)
	}
	primary, _ := market.ParseBarSize(op.PrimaryBarSize)

	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.InboxSize <= 0 {
		deps.InboxSize = defaultInboxSize
	}
	if deps.HistoryTimeout <= 0 {
		deps.HistoryTimeout = defaultHistoryTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		deps:    deps,
		op:      op,
		primary: primary,
		subID:   "operation-" + op.ID,
		log:     deps.Log.With(zap.String("component", "runner"), zap.String("operation_id", op.ID)),
		now:     func() time.Time { return time.Now().UTC() },
		state:   StateStopped,
		inbox:   make(chan task, deps.InboxSize),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go r.loop()
	return r, nil
}

// OperationID returns the operation this runner drives.
func (r *Runner) OperationID() string { return r.op.ID }

// SubscriberID is the id this runner subscribes to ticks with.
func (r *Runner) SubscriberID() string { return r.subID }

// PrimaryBarSize is the bar size that triggers signal evaluation.
func (r *Runner) PrimaryBarSize() string { return r.op.PrimaryBarSize }

// State returns the current lifecycle state.
func (r *Runner) State() RunnerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s RunnerState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Start resolves the strategy, loads history for every bar size, fills any
// gap up to now and subscribes to live ticks. A paused operation starts
// paused. A runner that fails to start is torn down and cannot be reused.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateStopped || r.closed {
		st := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrRunnerState, st)
	}
	r.state = StateStarting
	r.mu.Unlock()

	ctx, span := trace.StartSpan(ctx, "runner.start", attribute.String("operation_id", r.op.ID))
	defer span.End()

	if err := r.start(ctx); err != nil {
		span.RecordError(err)
		r.shutdown()
		r.deps.Data.Unregister(r.op.ID)
		r.setState(StateStopped)
		return err
	}

	next := StateRunning
	if r.op.Status == db.OperationPaused {
		next = StatePaused
	}
	r.setState(next)
	r.log.Info("runner started",
		zap.String("asset", r.op.Asset),
		zap.String("strategy", r.op.StrategyName),
		zap.Strings("bar_sizes", r.op.BarSizes),
		zap.String("state", string(next)))
	return nil
}

func (r *Runner) start(ctx context.Context) error {
	params := r.op.StrategyConfig
	if r.deps.Params != nil {
		params = r.deps.Params(r.op.StrategyName, params)
	}
	strat, err := r.deps.Strategies.New(r.op.StrategyName, params)
	if err != nil {
		return fmt.Errorf("resolve strategy: %w", err)
	}
	r.strat = strat

	if err := r.deps.Data.Register(r.op.ID, r.op.Asset, r.op.BarSizes, r.op.DataRetentionBars); err != nil {
		return fmt.Errorf("register data: %w", err)
	}
	for _, size := range r.op.BarSizes {
		if err := r.deps.Data.SetHandler(r.op.ID, size, r.onBar); err != nil {
			return err
		}
	}

	if err := r.backfill(ctx); err != nil {
		return err
	}

	if err := r.deps.Adapter.Subscribe(r.op.Asset, r.subID, r.onTick); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.op.Asset, err)
	}
	r.mu.Lock()
	r.subscribed = true
	r.mu.Unlock()
	return nil
}

// backfill loads every bar size in parallel. A venue failure is logged and
// the runner starts with whatever is persisted.
func (r *Runner) backfill(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, raw := range r.op.BarSizes {
		raw := raw // per-iteration copy (go directive < 1.22)
		g.Go(func() error {
			size, _ := market.ParseBarSize(raw)
			if err := r.loadHistory(gctx, raw, size); err != nil {
				return err
			}
			return r.fillGap(gctx, raw, size)
		})
	}
	return g.Wait()
}

func (r *Runner) loadHistory(ctx context.Context, raw string, size market.BarSize) error {
	need := r.op.DataRetentionBars
	q := r.deps.DB.Queries()

	count, err := q.CountBars(ctx, r.op.ID, raw)
	if err != nil {
		return err
	}
	if count >= need {
		return r.loadPersisted(ctx, raw, need)
	}

	end := size.Align(r.now())
	from := end.Add(-time.Duration(need) * size.Duration())
	bars, err := r.fetch(ctx, size, from, end)
	if err != nil {
		r.log.Warn("history fetch failed, using persisted bars",
			zap.String("bar_size", raw), zap.Int("persisted", count), zap.Error(err))
		return r.loadPersisted(ctx, raw, need)
	}
	if err := r.loadPersisted(ctx, raw, need); err != nil {
		return err
	}
	n, err := r.deps.Data.LoadHistory(ctx, r.op.ID, raw, bars, true)
	if err != nil {
		return err
	}
	r.log.Info("history fetched", zap.String("bar_size", raw), zap.Int("bars", n))
	return nil
}

func (r *Runner) loadPersisted(ctx context.Context, raw string, limit int) error {
	rows, err := r.deps.DB.Queries().ListBars(ctx, r.op.ID, raw, limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	bars := make([]market.Bar, len(rows))
	for i, row := range rows {
		bars[i] = market.FromRow(row)
	}
	n, err := r.deps.Data.LoadHistory(ctx, r.op.ID, raw, bars, false)
	if err != nil {
		return err
	}
	r.log.Debug("persisted bars loaded", zap.String("bar_size", raw), zap.Int("bars", n))
	return nil
}

// fillGap fetches completed bars between the newest persisted bar and now.
// Gap bars are loaded as history, so they never trigger signals.
func (r *Runner) fillGap(ctx context.Context, raw string, size market.BarSize) error {
	latest, err := r.deps.DB.Queries().LatestBarTime(ctx, r.op.ID, raw)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	from := latest.Add(size.Duration())
	end := size.Align(r.now())
	if !end.After(from) {
		return nil
	}

	bars, err := r.fetch(ctx, size, from, end)
	if err != nil {
		r.log.Warn("gap fill failed", zap.String("bar_size", raw), zap.Time("from", from), zap.Error(err))
		return nil
	}
	if len(bars) == 0 {
		return nil
	}
	n, err := r.deps.Data.LoadHistory(ctx, r.op.ID, raw, bars, true)
	if err != nil {
		return err
	}
	r.log.Info("gap filled", zap.String("bar_size", raw), zap.Time("from", from), zap.Int("bars", n))
	return nil
}

func (r *Runner) fetch(ctx context.Context, size market.BarSize, from, to time.Time) ([]market.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, historyTimeout(r.deps.HistoryTimeout, to.Sub(from)))
	defer cancel()
	return r.deps.Adapter.FetchHistory(ctx, r.op.Asset, size, from, to)
}

// historyTimeout grows with the requested span, capped at maxHistoryTimeout.
func historyTimeout(base, span time.Duration) time.Duration {
	t := base + base*time.Duration(span/historyTimeoutStep)
	if t > maxHistoryTimeout {
		return maxHistoryTimeout
	}
	return t
}

// Pause keeps bars flowing but stops forwarding signals.
func (r *Runner) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRunning {
		return fmt.Errorf("%w: %s", ErrOperationNotActive, r.state)
	}
	r.state = StatePaused
	r.log.Info("runner paused")
	return nil
}

// Resume re-enables signal forwarding.
func (r *Runner) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePaused {
		return fmt.Errorf("%w: %s", ErrNotPaused, r.state)
	}
	r.state = StateRunning
	r.log.Info("runner resumed")
	return nil
}

// Stop unsubscribes first, then drains queued work on the owning goroutine
// and drops the operation's buffers. Fills arriving afterwards are applied
// directly.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	subscribed := r.subscribed
	r.subscribed = false
	r.mu.Unlock()

	var unsubErr error
	if subscribed {
		unsubErr = r.deps.Adapter.Unsubscribe(r.op.Asset, r.subID)
	}

	r.shutdown()
	select {
	case <-r.done:
	case <-ctx.Done():
		r.log.Warn("runner drain interrupted", zap.Error(ctx.Err()))
	}
	r.cancel()
	r.deps.Data.Unregister(r.op.ID)
	r.setState(StateStopped)
	r.log.Info("runner stopped")
	return unsubErr
}

func (r *Runner) shutdown() {
	r.stopOnce.Do(func() { close(r.quit) })
}

func (r *Runner) loop() {
	defer close(r.done)
	for {
		select {
		case t := <-r.inbox:
			t(r.ctx)
		case <-r.wake:
			r.runPending()
		case <-r.quit:
			r.mu.Lock()
			r.closed = true
			r.mu.Unlock()
			for {
				select {
				case t := <-r.inbox:
					t(r.ctx)
				default:
					r.runPending()
					return
				}
			}
		}
	}
}

func (r *Runner) runPending() {
	for {
		r.mu.Lock()
		batch := r.pending
		r.pending = nil
		r.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, t := range batch {
			t(r.ctx)
		}
	}
}

// enqueueReliable queues t for the owning goroutine, or runs it on its own
// goroutine once the runner has stopped.
func (r *Runner) enqueueReliable(t task) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		go t(context.Background())
		return
	}
	r.pending = append(r.pending, t)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Drain blocks until ticks and order events queued before the call have
// been processed.
func (r *Runner) Drain(ctx context.Context) error {
	barrier := make(chan struct{})
	t := func(context.Context) {
		r.runPending()
		close(barrier)
	}
	select {
	case r.inbox <- t:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onTick runs on the broker's callback goroutine and never blocks.
func (r *Runner) onTick(t market.Tick) {
	select {
	case r.inbox <- func(ctx context.Context) { r.handleTick(ctx, t) }:
	default:
		r.deps.Metrics.IncDroppedTicks()
		r.log.Warn("inbox full, tick dropped", zap.Float64("price", t.Price), zap.Time("time", t.Time))
	}
}

// OnFill hands a broker fill to the owning goroutine.
func (r *Runner) OnFill(f broker.Fill) {
	r.enqueueReliable(func(ctx context.Context) {
		if err := r.deps.Orders.OnOrderFilled(ctx, r.op.ID, f); err != nil {
			r.deps.Metrics.IncrementErrors()
			r.log.Error("fill processing failed",
				zap.String("broker_order_id", f.BrokerOrderID), zap.Error(err))
		}
	})
}

// OnOrderUpdate hands a broker status change to the owning goroutine.
func (r *Runner) OnOrderUpdate(u broker.OrderUpdate) {
	r.enqueueReliable(func(ctx context.Context) {
		if err := r.deps.Orders.OnOrderUpdate(ctx, r.op.ID, u); err != nil {
			r.log.Error("order update failed",
				zap.String("broker_order_id", u.BrokerOrderID), zap.String("status", u.Status), zap.Error(err))
		}
	})
}

func (r *Runner) handleTick(ctx context.Context, t market.Tick) {
	if err := r.deps.Data.HandleTick(ctx, r.op.ID, t); err != nil {
		r.log.Debug("tick not handled", zap.Error(err))
	}
}

// onBar is called by the DataManager on the owning goroutine.
func (r *Runner) onBar(barSize string, bar market.Bar) {
	if barSize != r.op.PrimaryBarSize {
		return
	}
	ctx := r.ctx
	if err := r.deps.Orders.UpdatePositions(ctx, r.op.ID, bar.Close); err != nil {
		r.log.Error("mark to market failed", zap.Error(err))
	}
	if r.State() != StateRunning {
		return
	}
	r.evaluate(ctx, bar)
}

// evaluate runs the strategy over the primary window joined with the other
// bar sizes and forwards the newest row's signal.
func (r *Runner) evaluate(ctx context.Context, bar market.Bar) {
	ctx, span := trace.StartSpan(ctx, "runner.evaluate",
		attribute.String("operation_id", r.op.ID),
		attribute.String("strategy", r.strat.Name()))
	defer span.End()

	bars, err := r.deps.Data.Bars(r.op.ID, r.op.PrimaryBarSize, 0)
	if err != nil || len(bars) == 0 {
		return
	}
	frame := strategy.NewFrame(r.primary, bars)
	for _, raw := range r.op.BarSizes {
		if raw == r.op.PrimaryBarSize {
			continue
		}
		other, err := r.deps.Data.Bars(r.op.ID, raw, 0)
		if err != nil {
			continue
		}
		frame.Join(market.MustParseBarSize(raw), other)
	}

	started := time.Now()
	signals, err := r.strat.GenerateSignals(ctx, frame)
	r.deps.Metrics.ObserveStrategyLatency(time.Since(started))
	if err != nil {
		span.RecordError(err)
		r.deps.Metrics.IncrementErrors()
		r.log.Error("strategy failed", zap.String("strategy", r.strat.Name()), zap.Error(err))
		return
	}
	if len(signals) == 0 {
		return
	}
	last := signals[len(signals)-1]
	if !last.Time.IsZero() && !last.Time.Equal(bar.Time) {
		return
	}
	if last.ExecuteBuy != nil {
		r.signal(ctx, db.ActionBuy, *last.ExecuteBuy, bar.Time)
	}
	if last.ExecuteSell != nil {
		r.signal(ctx, db.ActionSell, *last.ExecuteSell, bar.Time)
	}
}

func (r *Runner) signal(ctx context.Context, action string, price float64, barTime time.Time) {
	r.deps.Metrics.IncrementSignals()
	if r.deps.Bus != nil {
		r.deps.Bus.Publish(events.EventStrategySignal, events.SignalPayload{
			OperationID: r.op.ID, Action: action, Price: price, BarTime: barTime,
		})
	}
	r.log.Info("signal", zap.String("action", action), zap.Float64("price", price), zap.Time("bar_time", barTime))

	p := price
	_, err := r.deps.Orders.PlaceOrder(ctx, order.PlaceRequest{
		OperationID: r.op.ID,
		Action:      action,
		Price:       &p,
		Reason:      "signal",
	}, r)
	if err != nil && !errors.Is(err, order.ErrRejected) {
		r.deps.Metrics.IncrementErrors()
		r.log.Error("signal order failed", zap.String("action", action), zap.Error(err))
	}
}

type noopMetrics struct{}

func (noopMetrics) IncDroppedTicks()  {}
func (noopMetrics) IncrementSignals() {}
func (noopMetrics) IncrementErrors()  {}

func (noopMetrics) ObserveStrategyLatency(time.Duration) {}

var _ broker.OrderHandler = (*Runner)(nil)
