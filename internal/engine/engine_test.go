package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marcosuma/trading-bot-sub000/internal/balance"
	"github.com/marcosuma/trading-bot-sub000/internal/broker"
	"github.com/marcosuma/trading-bot-sub000/internal/broker/brokertest"
	"github.com/marcosuma/trading-bot-sub000/internal/events"
	"github.com/marcosuma/trading-bot-sub000/internal/indicators"
	"github.com/marcosuma/trading-bot-sub000/internal/journal"
	"github.com/marcosuma/trading-bot-sub000/internal/market"
	"github.com/marcosuma/trading-bot-sub000/internal/monitor"
	"github.com/marcosuma/trading-bot-sub000/internal/order"
	"github.com/marcosuma/trading-bot-sub000/internal/reconciliation"
	"github.com/marcosuma/trading-bot-sub000/internal/strategy"
	"github.com/marcosuma/trading-bot-sub000/pkg/config"
	"github.com/marcosuma/trading-bot-sub000/pkg/db"
)

const asset = "EUR_USD"

// buyLast emits a buy at the close of the newest bar.
type buyLast struct{}

func (buyLast) Name() string { return "buy_last" }

func (buyLast) GenerateSignals(_ context.Context, f *strategy.Frame) ([]strategy.Signal, error) {
	out := make([]strategy.Signal, f.Len())
	closes := f.Closes()
	for i := range out {
		out[i].Time = f.Time[i]
	}
	if n := f.Len(); n > 0 {
		p := closes[n-1]
		out[n-1].ExecuteBuy = &p
	}
	return out, nil
}

type harness struct {
	db      *db.Database
	adapter *brokertest.Adapter
	journal *journal.Manager
	data    *market.DataManager
	orders  *order.Manager
	metrics *monitor.SystemMetrics
	alerts  *monitor.AlertManager
	engine  *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	database, err := db.New(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	j, err := journal.New(ctx, database, zap.NewNop())
	require.NoError(t, err)

	adapter := brokertest.New("TEST")
	adapter.AutoFill = true
	require.NoError(t, adapter.Connect(ctx))

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()
	alerts := monitor.NewAlertManager(50, bus, zap.NewNop())
	data := market.NewDataManager(database.Queries(), indicators.NewCalculator(indicators.DefaultConfig()), metrics, zap.NewNop())
	orders := order.NewManager(database, adapter, j, bus, zap.NewNop())
	orders.SetMetrics(metrics)

	registry := strategy.DefaultRegistry()
	registry.Register("buy_last", func(map[string]any) (strategy.Strategy, error) { return buyLast{}, nil })
	registry.Register("broken", func(map[string]any) (strategy.Strategy, error) {
		return nil, errors.New("bad parameters")
	})

	e, err := New(Config{
		DB:         database,
		Journal:    j,
		Data:       data,
		Orders:     orders,
		Adapter:    adapter,
		Reconciler: reconciliation.NewService(adapter, database, j, zap.NewNop()),
		Strategies: registry,
		Bus:        bus,
		Alerts:     alerts,
		Metrics:    metrics,
		Defaults: config.RiskDefaults{
			StopLossType:         "PERCENTAGE",
			StopLossValue:        0.01,
			TakeProfitType:       "RISK_REWARD",
			TakeProfitValue:      2,
			CrashRecoveryMode:    "CLOSE_ALL",
			EmergencyStopLossPct: 0.05,
			DataRetentionBars:    5,
			RiskPerTrade:         0.01,
			InitialCapital:       10000,
			OrderType:            db.OrderMarket,
		},
		StaleThreshold: time.Minute,
		Log:            zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	return &harness{db: database, adapter: adapter, journal: j, data: data, orders: orders, metrics: metrics, alerts: alerts, engine: e}
}

// hourlyBars returns n bars ending one hour before the current hour.
func hourlyBars(n int, price float64) []market.Bar {
	end := market.MustParseBarSize("1 hour").Align(time.Now())
	bars := make([]market.Bar, n)
	for i := range bars {
		at := end.Add(-time.Duration(n-i) * time.Hour)
		bars[i] = market.Bar{Time: at, Open: price, High: price + 0.001, Low: price - 0.001, Close: price, Volume: 10}
	}
	return bars
}

func (h *harness) actions(t *testing.T, opID string) []string {
	t.Helper()
	entries, err := h.journal.GetEntries(context.Background(), opID, time.Time{}, 0)
	require.NoError(t, err)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ActionType
	}
	return out
}

func request(strategyName string) CreateOperationRequest {
	return CreateOperationRequest{
		Asset:        asset,
		BarSizes:     []string{"1 hour"},
		StrategyName: strategyName,
	}
}

func TestStartOperationBackfillsAndSubscribes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.adapter.SetHistory(asset, "1 hour", hourlyBars(5, 1.1))

	op, err := h.engine.StartOperation(ctx, request("ma_cross"))
	require.NoError(t, err)
	assert.Equal(t, db.OperationActive, op.Status)
	assert.Equal(t, "1 hour", op.PrimaryBarSize)
	assert.Equal(t, 5, op.DataRetentionBars)
	assert.Equal(t, 10000.0, op.CurrentCapital)

	assert.Equal(t, []string{"operation-" + op.ID}, h.adapter.Subscribers(asset))
	n, err := h.db.Queries().CountBars(ctx, op.ID, "1 hour")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	bars, err := h.data.Bars(op.ID, "1 hour", 0)
	require.NoError(t, err)
	assert.Len(t, bars, 5)
	assert.Equal(t, []string{journal.ActionOperationStarted}, h.actions(t, op.ID))

	state, ok := h.engine.Runtime(op.ID)
	require.True(t, ok)
	assert.Equal(t, StateRunning, state)
}

func TestStartOperationUsesPersistedBars(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.adapter.SetHistory(asset, "1 hour", hourlyBars(5, 1.1))

	op, err := h.engine.StartOperation(ctx, request("ma_cross"))
	require.NoError(t, err)
	require.Equal(t, 1, h.adapter.HistoryCalls)
	require.NoError(t, h.engine.StopOperation(ctx, op.ID))

	// A restart with a full persisted window needs no history request.
	stored, err := h.db.Queries().GetOperation(ctx, op.ID)
	require.NoError(t, err)
	stored.Status = db.OperationActive
	r, err := h.engine.newRunner(*stored)
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx))
	defer func() { _ = r.Stop(ctx) }()
	assert.Equal(t, 1, h.adapter.HistoryCalls)
}

func TestStartOperationRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*CreateOperationRequest)
	}{
		{"unknown strategy", func(r *CreateOperationRequest) { r.StrategyName = "nope" }},
		{"bad bar size", func(r *CreateOperationRequest) { r.BarSizes = []string{"1 fortnight"} }},
		{"primary not listed", func(r *CreateOperationRequest) { r.PrimaryBarSize = "1 day" }},
		{"bad recovery mode", func(r *CreateOperationRequest) { r.CrashRecoveryMode = "HOPE" }},
		{"bad order type", func(r *CreateOperationRequest) { r.OrderType = "ICEBERG" }},
		{"missing asset", func(r *CreateOperationRequest) { r.Asset = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request("ma_cross")
			tt.mutate(&req)
			_, err := h.engine.StartOperation(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	ops, err := h.engine.ListOperations(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestStartFailureMarksOperationError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.StartOperation(ctx, request("broken"))
	require.Error(t, err)

	ops, err := h.engine.ListOperations(ctx, db.OperationError)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Contains(t, ops[0].LastError, "bad parameters")
	assert.Equal(t, []string{journal.ActionOperationError}, h.actions(t, ops[0].ID))
	assert.Empty(t, h.adapter.Subscribers(asset))
	assert.False(t, h.data.Registered(ops[0].ID))
}

func TestCompletedPrimaryBarPlacesOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.adapter.SetHistory(asset, "1 hour", hourlyBars(5, 1.1))

	op, err := h.engine.StartOperation(ctx, request("buy_last"))
	require.NoError(t, err)

	current := market.MustParseBarSize("1 hour").Align(time.Now())
	h.adapter.Tick(asset, 1.1000, current.Add(5*time.Minute))
	h.adapter.Tick(asset, 1.1010, current.Add(30*time.Minute))
	h.adapter.Tick(asset, 1.1020, current.Add(time.Hour+time.Minute))
	require.NoError(t, h.engine.runner(op.ID).Drain(ctx))

	orders, err := h.engine.Orders(ctx, op.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, db.ActionBuy, orders[0].Action)
	assert.Equal(t, db.OrderFilled, orders[0].Status)

	positions, err := h.engine.Positions(ctx, op.ID, true)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, db.SideLong, positions[0].Side())

	snap := h.metrics.GetSnapshot()
	assert.Equal(t, uint64(1), snap.SignalsGenerated)
	assert.Equal(t, 1, snap.StrategyLatency.Count)
	assert.Equal(t, 1, snap.OrderLatency.Count)
	assert.Equal(t, 1, snap.DBLatency.Count)
}

func TestSignalDuringReconnectIsRejectedWithoutStallingRunner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.adapter.SetHistory(asset, "1 hour", hourlyBars(5, 1.1))
	h.adapter.WaitReady = true
	h.orders.SetSubmitTimeout(100 * time.Millisecond)

	op, err := h.engine.StartOperation(ctx, request("buy_last"))
	require.NoError(t, err)
	h.adapter.SetState(broker.StateConnecting)

	current := market.MustParseBarSize("1 hour").Align(time.Now())
	h.adapter.Tick(asset, 1.1000, current.Add(5*time.Minute))
	h.adapter.Tick(asset, 1.1020, current.Add(time.Hour+time.Minute))
	h.adapter.Tick(asset, 1.1030, current.Add(time.Hour+2*time.Minute))
	h.adapter.Tick(asset, 1.1040, current.Add(time.Hour+3*time.Minute))

	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.runner(op.ID).Drain(dctx))
	assert.Equal(t, uint64(4), h.metrics.GetSnapshot().TicksProcessed)

	orders, err := h.engine.Orders(ctx, op.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, db.OrderRejected, orders[0].Status)
	assert.Contains(t, h.actions(t, op.ID), journal.ActionOrderRejected)

	// Reconnecting does not resurrect the expired signal order.
	h.adapter.SetState(broker.StateAuthenticated)
	require.NoError(t, h.engine.runner(op.ID).Drain(dctx))
	assert.Empty(t, h.adapter.Orders())
	require.NoError(t, h.engine.StopOperation(dctx, op.ID))
}

func TestPausedOperationBuildsBarsWithoutOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.adapter.SetHistory(asset, "1 hour", hourlyBars(5, 1.1))

	op, err := h.engine.StartOperation(ctx, request("buy_last"))
	require.NoError(t, err)
	require.NoError(t, h.engine.PauseOperation(ctx, op.ID))
	assert.ErrorIs(t, h.engine.PauseOperation(ctx, op.ID), ErrOperationNotActive)

	current := market.MustParseBarSize("1 hour").Align(time.Now())
	h.adapter.Tick(asset, 1.1000, current.Add(5*time.Minute))
	h.adapter.Tick(asset, 1.1020, current.Add(time.Hour+time.Minute))
	require.NoError(t, h.engine.runner(op.ID).Drain(ctx))

	n, err := h.db.Queries().CountBars(ctx, op.ID, "1 hour")
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Empty(t, h.adapter.Orders())

	require.NoError(t, h.engine.ResumeOperation(ctx, op.ID))
	assert.ErrorIs(t, h.engine.ResumeOperation(ctx, op.ID), ErrNotPaused)
	stored, err := h.engine.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, db.OperationActive, stored.Status)
	assert.Equal(t, []string{
		journal.ActionOperationStarted,
		journal.ActionOperationPaused,
		journal.ActionOperationResumed,
	}, h.actions(t, op.ID))
}

func TestStopOperationUnsubscribesAndUnregisters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.engine.StartOperation(ctx, request("ma_cross"))
	require.NoError(t, err)
	second, err := h.engine.StartOperation(ctx, request("rsi"))
	require.NoError(t, err)
	require.Len(t, h.adapter.Subscribers(asset), 2)

	require.NoError(t, h.engine.StopOperation(ctx, first.ID))
	assert.Equal(t, []string{"operation-" + second.ID}, h.adapter.Subscribers(asset))
	assert.False(t, h.data.Registered(first.ID))
	assert.True(t, h.data.Registered(second.ID))

	stored, err := h.engine.GetOperation(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, db.OperationClosed, stored.Status)
	assert.ErrorIs(t, h.engine.StopOperation(ctx, first.ID), ErrOperationClosed)
	assert.Contains(t, h.actions(t, first.ID), journal.ActionOperationStopped)

	_, err = h.engine.GetOperation(ctx, "missing")
	assert.ErrorIs(t, err, order.ErrOperationNotFound)
}

func TestRecoverFromJournalClosesAndRestarts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.Queries()

	op := db.TradingOperation{
		ID:                   "op-recover",
		Name:                 "recover",
		Asset:                asset,
		BarSizes:             []string{"1 hour"},
		PrimaryBarSize:       "1 hour",
		StrategyName:         "ma_cross",
		StopLossType:         "PERCENTAGE",
		StopLossValue:        0.01,
		TakeProfitType:       "RISK_REWARD",
		TakeProfitValue:      2,
		CrashRecoveryMode:    "CLOSE_ALL",
		EmergencyStopLossPct: 0.05,
		DataRetentionBars:    5,
		RiskPerTrade:         0.01,
		OrderType:            db.OrderMarket,
		InitialCapital:       10000,
		CurrentCapital:       10000,
		Status:               db.OperationActive,
	}
	require.NoError(t, q.CreateOperation(ctx, op))
	require.NoError(t, q.CreatePosition(ctx, db.Position{
		ID: "p1", OperationID: op.ID, Symbol: asset, Quantity: 1000, EntryPrice: 1.1, CurrentPrice: 1.1, OpenedAt: time.Now(),
	}))
	for _, b := range hourlyBars(5, 1.1) {
		require.NoError(t, q.UpsertBar(ctx, b.ToRow(op.ID, "1 hour")))
	}
	h.adapter.Tick(asset, 1.1, time.Now())

	summary, err := h.engine.RecoverFromJournal(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{op.ID}, summary.Recovered)
	assert.Empty(t, summary.Failed)
	require.Len(t, summary.Crash, 1)
	assert.Equal(t, []string{"p1"}, summary.Crash[0].Closed)

	p, err := q.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, p.Open())

	assert.Zero(t, h.adapter.HistoryCalls)
	bars, err := h.data.Bars(op.ID, "1 hour", 0)
	require.NoError(t, err)
	assert.Len(t, bars, 5)
	assert.Equal(t, []string{"operation-" + op.ID}, h.adapter.Subscribers(asset))

	actions := h.actions(t, op.ID)
	assert.Equal(t, journal.ActionCrashRecoveryClose, actions[0])
	assert.Equal(t, journal.ActionRecoveryCompleted, actions[len(actions)-1])
}

func TestRecoverFromJournalReconcilesWithBroker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	op, err := h.engine.StartOperation(ctx, CreateOperationRequest{
		Asset:             asset,
		BarSizes:          []string{"1 hour"},
		StrategyName:      "ma_cross",
		CrashRecoveryMode: "RESUME",
	})
	require.NoError(t, err)
	require.NoError(t, h.engine.Shutdown(ctx))

	h.adapter.BrokerPositions = []broker.Position{{Symbol: asset, Quantity: 2500, AvgPrice: 1.2}}
	require.NoError(t, h.adapter.Connect(ctx))

	summary, err := h.engine.RecoverFromJournal(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Reconcile, 1)
	assert.Equal(t, reconciliation.ActionCreated, summary.Reconcile[0].Action)

	positions, err := h.engine.Positions(ctx, op.ID, true)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 2500.0, positions[0].Quantity)
}

func TestStaleFeedRaisesAlertAndReconnects(t *testing.T) {
	h := newHarness(t)

	h.engine.onStale(market.StaleOperation{OperationID: "op-1", Asset: asset, Silence: 3 * time.Minute})
	assert.Equal(t, 1, h.adapter.Reconnects)
	alerts := h.engine.Alerts(10, monitor.SeverityCritical)
	require.Len(t, alerts, 1)
	assert.Equal(t, "op-1", alerts[0].OperationID)
}

func TestStaleFeedReconnectsOncePerEpisode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.data.Register("op-quiet", asset, []string{"1 hour"}, 5))
	stale := market.StaleOperation{OperationID: "op-quiet", Asset: asset, Silence: 3 * time.Minute}

	h.engine.onStale(stale)
	h.engine.onStale(stale)
	h.engine.onStale(stale)
	assert.Equal(t, 1, h.adapter.Reconnects)
	assert.Len(t, h.engine.Alerts(10, monitor.SeverityCritical), 1)

	// A tick ends the episode; the next silence is a new one.
	require.NoError(t, h.data.HandleTick(ctx, "op-quiet", market.Tick{Symbol: asset, Price: 1.1, Size: 1, Time: time.Now()}))
	h.engine.onStale(stale)
	assert.Equal(t, 2, h.adapter.Reconnects)
}

func TestHealthReportsDegradedAdapter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.Equal(t, "ok", h.engine.Health(ctx).Status)
	h.adapter.SetState(broker.StateOffline)
	health := h.engine.Health(ctx)
	assert.Equal(t, "degraded", health.Status)
	require.Len(t, health.Adapters, 1)
	assert.Equal(t, "TEST", health.Adapters[0].Name)
}

func TestHealthIncludesAccountSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	assert.Nil(t, h.engine.Health(ctx).Account)

	account := balance.NewManager(h.adapter, nil, time.Hour, zap.NewNop())
	require.NoError(t, account.Sync(ctx))
	h.engine.cfg.Account = account

	health := h.engine.Health(ctx)
	require.NotNil(t, health.Account)
	assert.Equal(t, 10000.0, health.Account.Balance)
}

func TestHistoryTimeoutScalesWithSpan(t *testing.T) {
	base := 10 * time.Second
	assert.Equal(t, base, historyTimeout(base, time.Hour))
	assert.Equal(t, 2*base, historyTimeout(base, 8*24*time.Hour))
	assert.Equal(t, maxHistoryTimeout, historyTimeout(base, 365*24*time.Hour))
}
