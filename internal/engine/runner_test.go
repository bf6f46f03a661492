package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcosuma/trading-bot-sub000/internal/market"
	"github.com/marcosuma/trading-bot-sub000/internal/monitor"
	"github.com/marcosuma/trading-bot-sub000/pkg/db"
)

func testOperation() db.TradingOperation {
	return db.TradingOperation{
		ID:                "op-runner",
		Asset:             asset,
		BarSizes:          []string{"1 hour", "4 hours"},
		PrimaryBarSize:    "1 hour",
		DataRetentionBars: 10,
		Status:            db.OperationActive,
	}
}

func TestNewRunnerValidatesBarSizes(t *testing.T) {
	op := testOperation()
	op.PrimaryBarSize = "1 day"
	_, err := NewRunner(op, RunnerDeps{})
	assert.ErrorIs(t, err, market.ErrInvalidBarSize)

	op = testOperation()
	op.BarSizes = []string{"1 hour", "soon"}
	_, err = NewRunner(op, RunnerDeps{})
	assert.ErrorIs(t, err, market.ErrInvalidBarSize)

	op = testOperation()
	op.PrimaryBarSize = ""
	r, err := NewRunner(op, RunnerDeps{Data: market.NewDataManager(nil, nil, nil, nil)})
	require.NoError(t, err)
	assert.Equal(t, "1 hour", r.PrimaryBarSize())
	assert.Equal(t, "operation-op-runner", r.SubscriberID())
	require.NoError(t, r.Stop(context.Background()))
}

func TestFullInboxDropsTicks(t *testing.T) {
	metrics := monitor.NewSystemMetrics()
	r, err := NewRunner(testOperation(), RunnerDeps{
		Data:      market.NewDataManager(nil, nil, nil, nil),
		Metrics:   metrics,
		InboxSize: 1,
	})
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	r.inbox <- func(context.Context) {
		close(started)
		<-release
	}
	<-started
	r.inbox <- func(context.Context) {}

	r.onTick(market.Tick{Symbol: asset, Price: 1.1, Time: time.Now()})
	assert.Equal(t, uint64(1), metrics.GetSnapshot().TicksDropped)

	close(release)
	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, StateStopped, r.State())
}

func TestOrderEventsQueuedDuringBusyLoopAreKept(t *testing.T) {
	r, err := NewRunner(testOperation(), RunnerDeps{Data: market.NewDataManager(nil, nil, nil, nil), InboxSize: 1})
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	r.inbox <- func(context.Context) {
		close(started)
		<-release
	}
	<-started

	var ran []int
	for i := 0; i < 50; i++ {
		i := i // per-iteration copy (go directive < 1.22)
		r.enqueueReliable(func(context.Context) { ran = append(ran, i) })
	}
	close(release)
	require.NoError(t, r.Drain(context.Background()))
	require.Len(t, ran, 50)
	assert.Equal(t, 0, ran[0])
	assert.Equal(t, 49, ran[49])
	require.NoError(t, r.Stop(context.Background()))
}

func TestPauseResumeTransitions(t *testing.T) {
	r, err := NewRunner(testOperation(), RunnerDeps{Data: market.NewDataManager(nil, nil, nil, nil)})
	require.NoError(t, err)
	defer func() { _ = r.Stop(context.Background()) }()

	assert.ErrorIs(t, r.Pause(), ErrOperationNotActive)
	r.setState(StateRunning)
	require.NoError(t, r.Pause())
	assert.Equal(t, StatePaused, r.State())
	assert.ErrorIs(t, r.Pause(), ErrOperationNotActive)
	require.NoError(t, r.Resume())
	assert.ErrorIs(t, r.Resume(), ErrNotPaused)
}

func TestStartAfterStopFails(t *testing.T) {
	r, err := NewRunner(testOperation(), RunnerDeps{Data: market.NewDataManager(nil, nil, nil, nil)})
	require.NoError(t, err)
	require.NoError(t, r.Stop(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), ErrRunnerState)
}
