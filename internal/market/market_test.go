package market

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcosuma/trading-bot-sub000/pkg/db"
)

func TestParseBarSize(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"1 min", time.Minute, false},
		{"5 mins", 5 * time.Minute, false},
		{"15 minutes", 15 * time.Minute, false},
		{"30 secs", 30 * time.Second, false},
		{"1 hour", time.Hour, false},
		{"4 hours", 4 * time.Hour, false},
		{"1 day", 24 * time.Hour, false},
		{"1 week", 7 * 24 * time.Hour, false},
		{"1h", 0, true},
		{"0 min", 0, true},
		{"2 fortnights", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			bs, err := ParseBarSize(tt.in)
			if tt.err {
				assert.ErrorIs(t, err, ErrInvalidBarSize)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, bs.Duration())
			assert.Equal(t, tt.in, bs.String())
		})
	}
}

func TestBarSizeAlign(t *testing.T) {
	ts := time.Date(2024, 5, 15, 13, 47, 31, 0, time.UTC) // Wednesday
	assert.Equal(t, time.Date(2024, 5, 15, 13, 45, 0, 0, time.UTC), MustParseBarSize("5 mins").Align(ts))
	assert.Equal(t, time.Date(2024, 5, 15, 13, 0, 0, 0, time.UTC), MustParseBarSize("1 hour").Align(ts))
	assert.Equal(t, time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC), MustParseBarSize("4 hours").Align(ts))
	assert.Equal(t, time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC), MustParseBarSize("1 day").Align(ts))
	assert.Equal(t, time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC), MustParseBarSize("1 week").Align(ts))

	// Non-UTC input aligns on the UTC clock.
	est := time.FixedZone("EST", -5*3600)
	assert.Equal(t, time.Date(2024, 5, 16, 0, 0, 0, 0, time.UTC),
		MustParseBarSize("1 day").Align(time.Date(2024, 5, 15, 22, 0, 0, 0, est)))
}

func TestAggregatorEmitsBarOnBoundary(t *testing.T) {
	agg := NewAggregator(MustParseBarSize("1 min"))
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	for i, p := range []float64{1.10, 1.12, 1.09, 1.11} {
		bar, err := agg.AddTick(p, 1, base.Add(time.Duration(i*10)*time.Second))
		require.NoError(t, err)
		assert.Nil(t, bar)
	}

	bar, err := agg.AddTick(1.13, 2, base.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, bar)
	assert.Equal(t, base, bar.Time)
	assert.Equal(t, 1.10, bar.Open)
	assert.Equal(t, 1.12, bar.High)
	assert.Equal(t, 1.09, bar.Low)
	assert.Equal(t, 1.11, bar.Close)
	assert.Equal(t, 4.0, bar.Volume)

	cur, ok := agg.Current()
	require.True(t, ok)
	assert.Equal(t, 1.13, cur.Open)
	assert.Equal(t, base.Add(time.Minute), cur.Time)

	_, err = agg.AddTick(1.2, 1, base.Add(30*time.Second))
	assert.ErrorIs(t, err, ErrLateTick)
}

func TestAggregatorDiscardsInvalidBar(t *testing.T) {
	agg := NewAggregator(MustParseBarSize("1 min"))
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	_, err := agg.AddTick(-1, 1, base)
	require.NoError(t, err)
	bar, err := agg.AddTick(1.1, 1, base.Add(time.Minute))
	assert.Nil(t, bar)
	assert.ErrorIs(t, err, ErrInvalidBar)

	// The tick that closed the bad bar opened a fresh one.
	cur, ok := agg.Current()
	require.True(t, ok)
	assert.Equal(t, 1.1, cur.Open)
}

func TestAggregatorNeverEmitsInvalidBars(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	agg := NewAggregator(MustParseBarSize("1 min"))
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	emitted := 0
	for i := 0; i < 20000; i++ {
		ts = ts.Add(time.Duration(rng.Intn(20)) * time.Second)
		price := rng.Float64()*2 - 0.2 // occasionally non-positive
		bar, err := agg.AddTick(price, rng.Float64(), ts)
		if err != nil {
			continue
		}
		if bar != nil {
			emitted++
			require.NoError(t, bar.Validate())
			assert.LessOrEqual(t, bar.Low, bar.Open)
			assert.LessOrEqual(t, bar.Low, bar.Close)
			assert.GreaterOrEqual(t, bar.High, bar.Open)
			assert.GreaterOrEqual(t, bar.High, bar.Close)
		}
	}
	assert.Positive(t, emitted)
}

func TestMergeBars(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	existing := Bar{Time: ts, Open: 1.0, High: 1.2, Low: 0.9, Close: 1.1, Volume: 0, Indicators: map[string]float64{"rsi_14": 40}}
	incoming := Bar{Time: ts, Open: 1.05, High: 1.15, Low: 1.0, Close: 1.12, Volume: 30}

	got := MergeBars(existing, incoming)
	assert.Equal(t, 1.05, got.Open)
	assert.Equal(t, 30.0, got.Volume)
	assert.Equal(t, 40.0, got.Indicators["rsi_14"])

	existing.Volume = 10
	got = MergeBars(existing, Bar{Time: ts, Open: 2, High: 2, Low: 0.5, Close: 1.0, Volume: 0})
	assert.Equal(t, Bar{Time: ts, Open: 1.0, High: 2, Low: 0.5, Close: 1.0, Volume: 10, Indicators: existing.Indicators}, got)
}

func TestBarBufferDuplicateIsMergedNotAppended(t *testing.T) {
	buf := NewBarBuffer(10)
	ts := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	bar := Bar{Time: ts, Open: 1.1, High: 1.2, Low: 1.0, Close: 1.15, Volume: 5}

	buf.Upsert(bar)
	merged, ok := buf.Upsert(bar)
	require.True(t, ok)
	assert.Equal(t, 1, buf.Len())
	assert.Equal(t, MergeBars(bar, bar), merged)

	last, ok := buf.Last()
	require.True(t, ok)
	assert.Equal(t, merged, last)
}

func TestBarBufferRetention(t *testing.T) {
	buf := NewBarBuffer(3)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		buf.Upsert(Bar{Time: base.Add(time.Duration(i) * time.Hour), Open: 1, High: 1, Low: 1, Close: float64(i), Volume: 1})
	}
	require.Equal(t, 3, buf.Len())
	bars := buf.Slice(0)
	assert.Equal(t, []float64{2, 3, 4}, []float64{bars[0].Close, bars[1].Close, bars[2].Close})

	// Older than the retained window of a full buffer.
	_, ok := buf.Upsert(Bar{Time: base, Open: 1, High: 1, Low: 1, Close: 9, Volume: 1})
	assert.False(t, ok)

	// Out-of-order insert inside the window keeps ascending order.
	buf2 := NewBarBuffer(5)
	buf2.Upsert(Bar{Time: base, Close: 0})
	buf2.Upsert(Bar{Time: base.Add(2 * time.Hour), Close: 2})
	buf2.Upsert(Bar{Time: base.Add(time.Hour), Close: 1})
	got := buf2.Slice(0)
	require.Len(t, got, 3)
	for i := range got {
		assert.Equal(t, float64(i), got[i].Close)
	}
	assert.Len(t, buf2.Slice(2), 2)
}

type memStore struct {
	mu   sync.Mutex
	rows []db.Bar
}

func (s *memStore) UpsertBar(_ context.Context, b db.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, b)
	return nil
}

type closeCalc struct{}

func (closeCalc) Calculate(bars []Bar) []map[string]float64 {
	out := make([]map[string]float64, len(bars))
	for i := range bars {
		out[i] = map[string]float64{"count": float64(i + 1)}
	}
	return out
}

type countingMetrics struct{ ticks, bars, discarded int }

func (c *countingMetrics) IncTicks()         { c.ticks++ }
func (c *countingMetrics) IncBars()          { c.bars++ }
func (c *countingMetrics) IncDiscardedBars() { c.discarded++ }

func TestDataManagerTickPipeline(t *testing.T) {
	store := &memStore{}
	metrics := &countingMetrics{}
	dm := NewDataManager(store, closeCalc{}, metrics, nil)
	require.NoError(t, dm.Register("op-1", "EUR_USD", []string{"1 min", "5 mins"}, 100))

	var dispatched []string
	for _, bs := range []string{"1 min", "5 mins"} {
		require.NoError(t, dm.SetHandler("op-1", bs, func(barSize string, bar Bar) {
			dispatched = append(dispatched, barSize)
			assert.NotEmpty(t, bar.Indicators)
		}))
	}

	ctx := context.Background()
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i <= 10; i++ {
		require.NoError(t, dm.HandleTick(ctx, "op-1", Tick{Price: 1.1 + float64(i)*0.001, Size: 1, Time: base.Add(time.Duration(i) * time.Minute)}))
	}

	oneMin, err := dm.Bars("op-1", "1 min", 0)
	require.NoError(t, err)
	assert.Len(t, oneMin, 10)
	fiveMin, err := dm.Bars("op-1", "5 mins", 0)
	require.NoError(t, err)
	assert.Len(t, fiveMin, 2)
	assert.Equal(t, 2.0, fiveMin[1].Indicators["count"])

	// At 10:05 both sizes complete; the larger one is dispatched first.
	assert.Equal(t, []string{"1 min", "1 min", "1 min", "1 min", "5 mins", "1 min"}, dispatched[:6])
	assert.Len(t, store.rows, 12)
	assert.Equal(t, 11, metrics.ticks)
	assert.Equal(t, 12, metrics.bars)

	err = dm.HandleTick(ctx, "missing", Tick{Price: 1, Time: base})
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestDataManagerDuplicateBarIdempotent(t *testing.T) {
	dm := NewDataManager(nil, nil, nil, nil)
	require.NoError(t, dm.Register("op-1", "EUR_USD", []string{"1 hour"}, 10))
	ctx := context.Background()
	bar := Bar{Time: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), Open: 1.1, High: 1.2, Low: 1.0, Close: 1.15, Volume: 0}

	require.NoError(t, dm.AddBar(ctx, "op-1", "1 hour", bar))
	require.NoError(t, dm.AddBar(ctx, "op-1", "1 hour", bar))

	bars, err := dm.Bars("op-1", "1 hour", 0)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, MergeBars(bar, bar), bars[0])

	err = dm.AddBar(ctx, "op-1", "1 hour", Bar{Time: bar.Time.Add(time.Hour), Open: 1, High: 0.5, Low: 1, Close: 1})
	assert.ErrorIs(t, err, ErrInvalidBar)
}

func TestDataManagerLoadHistory(t *testing.T) {
	store := &memStore{}
	dm := NewDataManager(store, closeCalc{}, nil, nil)
	require.NoError(t, dm.Register("op-1", "EUR_USD", []string{"1 hour"}, 3))

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var hist []Bar
	for i := 0; i < 5; i++ {
		hist = append(hist, Bar{Time: base.Add(time.Duration(i) * time.Hour), Open: 1, High: 1.1, Low: 0.9, Close: 1, Volume: 1})
	}
	hist = append(hist, Bar{Time: base.Add(10 * time.Hour), Open: 0, High: 0, Low: 0, Close: 0})

	n, err := dm.LoadHistory(context.Background(), "op-1", "1 hour", hist, true)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	bars, err := dm.Bars("op-1", "1 hour", 0)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, 3.0, bars[2].Indicators["count"])
	assert.Len(t, store.rows, 3)
}

func TestDataManagerStaleness(t *testing.T) {
	dm := NewDataManager(nil, nil, nil, nil)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	dm.now = func() time.Time { return now }

	require.NoError(t, dm.Register("op-1", "EUR_USD", []string{"1 min"}, 10))
	require.NoError(t, dm.Register("op-2", "GBP_USD", []string{"1 min"}, 10))
	require.NoError(t, dm.HandleTick(context.Background(), "op-1", Tick{Price: 1.1, Time: now}))

	now = now.Add(90 * time.Second)
	require.NoError(t, dm.HandleTick(context.Background(), "op-2", Tick{Price: 1.3, Time: now}))
	assert.Empty(t, dm.Stale(DefaultStaleThreshold))

	now = now.Add(60 * time.Second)
	stale := dm.Stale(DefaultStaleThreshold)
	require.Len(t, stale, 1)
	assert.Equal(t, "op-1", stale[0].OperationID)
	assert.Equal(t, 150*time.Second, stale[0].Silence)

	dm.Unregister("op-1")
	assert.False(t, dm.Registered("op-1"))
	assert.Empty(t, dm.Stale(DefaultStaleThreshold))
}
