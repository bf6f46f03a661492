package indicators

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"github.com/marcosuma/trading-bot-sub000/internal/market"
)

// Column names produced by the calculator. ATRColumn is read by stop-loss sizing.
const (
	ATRColumn        = "atr_14"
	RSIColumn        = "rsi_14"
	MACDColumn       = "macd"
	MACDSignalColumn = "macd_signal"
	MACDHistColumn   = "macd_hist"
	BBUpperColumn    = "bb_upper"
	BBMiddleColumn   = "bb_middle"
	BBLowerColumn    = "bb_lower"
)

// Config selects indicator periods.
type Config struct {
	SMAPeriods []int
	EMAPeriods []int
	RSIPeriod  int
	ATRPeriod  int
	BBPeriod   int
	BBStdDev   float64
	MACD       bool
}

// DefaultConfig is the set computed for every operation.
func DefaultConfig() Config {
	return Config{
		SMAPeriods: []int{20, 50},
		EMAPeriods: []int{12, 26},
		RSIPeriod:  14,
		ATRPeriod:  14,
		BBPeriod:   20,
		BBStdDev:   2,
		MACD:       true,
	}
}

// Calculator computes indicator columns over a bar window with go-talib.
// Values inside an indicator's warm-up period are omitted, not zero-filled.
type Calculator struct {
	cfg Config
}

// NewCalculator returns a calculator for cfg.
func NewCalculator(cfg Config) *Calculator {
	return &Calculator{cfg: cfg}
}

// Calculate returns one column map per bar, deterministic for the same window.
func (c *Calculator) Calculate(bars []market.Bar) []map[string]float64 {
	n := len(bars)
	out := make([]map[string]float64, n)
	for i := range out {
		out[i] = make(map[string]float64)
	}
	if n == 0 {
		return out
	}

	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
	}

	for _, p := range c.cfg.SMAPeriods {
		if p > 1 && n >= p {
			fill(out, fmt.Sprintf("sma_%d", p), talib.Sma(closes, p), p-1)
		}
	}
	for _, p := range c.cfg.EMAPeriods {
		if p > 1 && n >= p {
			fill(out, fmt.Sprintf("ema_%d", p), talib.Ema(closes, p), p-1)
		}
	}
	if p := c.cfg.RSIPeriod; p > 1 && n > p {
		fill(out, RSIColumn, talib.Rsi(closes, p), p)
	}
	if p := c.cfg.ATRPeriod; p > 0 && n > p {
		fill(out, ATRColumn, talib.Atr(highs, lows, closes, p), p)
	}
	if p := c.cfg.BBPeriod; p > 1 && n >= p {
		upper, middle, lower := talib.BBands(closes, p, c.cfg.BBStdDev, c.cfg.BBStdDev, talib.SMA)
		fill(out, BBUpperColumn, upper, p-1)
		fill(out, BBMiddleColumn, middle, p-1)
		fill(out, BBLowerColumn, lower, p-1)
	}
	if c.cfg.MACD && n >= 34 {
		macd, signal, hist := talib.Macd(closes, 12, 26, 9)
		fill(out, MACDColumn, macd, 33)
		fill(out, MACDSignalColumn, signal, 33)
		fill(out, MACDHistColumn, hist, 33)
	}
	return out
}

func fill(out []map[string]float64, name string, series []float64, warmup int) {
	for i := warmup; i < len(series) && i < len(out); i++ {
		v := series[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out[i][name] = v
	}
}
