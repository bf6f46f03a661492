package indicators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcosuma/trading-bot-sub000/internal/market"
)

func makeBars(n int) []market.Bar {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, n)
	for i := range bars {
		c := 1.10 + 0.001*float64(i%7) + 0.0005*float64(i)
		bars[i] = market.Bar{Time: base.Add(time.Duration(i) * time.Hour), Open: c - 0.0005, High: c + 0.001, Low: c - 0.001, Close: c, Volume: 100}
	}
	return bars
}

func TestCalculatorWarmup(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	out := calc.Calculate(makeBars(60))
	require.Len(t, out, 60)

	_, ok := out[18]["sma_20"]
	assert.False(t, ok)
	assert.Contains(t, out[19], "sma_20")
	assert.NotContains(t, out[13], ATRColumn)
	assert.Contains(t, out[14], ATRColumn)
	assert.Contains(t, out[14], RSIColumn)
	assert.Contains(t, out[59], MACDColumn)
	assert.Contains(t, out[59], "sma_50")
	assert.Greater(t, out[59][BBUpperColumn], out[59][BBLowerColumn])
	assert.Positive(t, out[59][ATRColumn])
}

func TestCalculatorSMAValue(t *testing.T) {
	calc := NewCalculator(Config{SMAPeriods: []int{3}})
	bars := makeBars(3)
	bars[0].Close, bars[1].Close, bars[2].Close = 1, 2, 3
	out := calc.Calculate(bars)
	assert.InDelta(t, 2.0, out[2]["sma_3"], 1e-12)
	assert.Empty(t, out[0])
}

func TestCalculatorShortWindow(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	out := calc.Calculate(makeBars(5))
	require.Len(t, out, 5)
	for _, m := range out {
		assert.Empty(t, m)
	}
	assert.Empty(t, calc.Calculate(nil))
}

func TestCalculatorDeterministic(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	bars := makeBars(40)
	assert.Equal(t, calc.Calculate(bars), calc.Calculate(bars))
}
