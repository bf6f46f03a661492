package strategy

import (
	"context"
	"fmt"

	"github.com/markcheno/go-talib"
)

// Bollinger is a mean-reversion strategy: buy when the close breaks below the
// lower band, sell when it breaks above the upper band.
type Bollinger struct {
	period    int
	numStdDev float64
}

// NewBollinger reads "period" (20) and "std_dev" (2).
func NewBollinger(params map[string]any) (Strategy, error) {
	period, err := intParam(params, "period", 20)
	if err != nil {
		return nil, err
	}
	dev, err := floatParam(params, "std_dev", 2)
	if err != nil {
		return nil, err
	}
	if period < 2 || dev <= 0 {
		return nil, fmt.Errorf("invalid bands period=%d std_dev=%v", period, dev)
	}
	return &Bollinger{period: period, numStdDev: dev}, nil
}

func (s *Bollinger) Name() string {
	return fmt.Sprintf("Bollinger_%d_%.1f", s.period, s.numStdDev)
}

func (s *Bollinger) GenerateSignals(_ context.Context, f *Frame) ([]Signal, error) {
	out := emptySignals(f)
	closes := f.Closes()
	if len(closes) <= s.period {
		return out, nil
	}

	upper, _, lower := talib.BBands(closes, s.period, s.numStdDev, s.numStdDev, talib.SMA)
	for i := s.period; i < len(closes); i++ {
		switch {
		case closes[i-1] >= lower[i-1] && closes[i] < lower[i]:
			out[i].ExecuteBuy = price(closes[i])
		case closes[i-1] <= upper[i-1] && closes[i] > upper[i]:
			out[i].ExecuteSell = price(closes[i])
		}
	}
	return out, nil
}
