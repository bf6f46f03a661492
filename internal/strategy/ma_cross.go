package strategy

import (
	"context"
	"fmt"

	"github.com/markcheno/go-talib"
)

// MACross buys on a golden cross (fast SMA crosses above slow SMA) and sells
// on a death cross, at the close of the crossing bar.
type MACross struct {
	fastPeriod int
	slowPeriod int
}

// NewMACross reads "fast" (default 10) and "slow" (default 30).
func NewMACross(params map[string]any) (Strategy, error) {
	fast, err := intParam(params, "fast", 10)
	if err != nil {
		return nil, err
	}
	slow, err := intParam(params, "slow", 30)
	if err != nil {
		return nil, err
	}
	if fast < 2 || slow <= fast {
		return nil, fmt.Errorf("invalid periods fast=%d slow=%d", fast, slow)
	}
	return &MACross{fastPeriod: fast, slowPeriod: slow}, nil
}

func (s *MACross) Name() string {
	return fmt.Sprintf("MA_Cross_%d_%d", s.fastPeriod, s.slowPeriod)
}

func (s *MACross) GenerateSignals(_ context.Context, f *Frame) ([]Signal, error) {
	out := emptySignals(f)
	closes := f.Closes()
	if len(closes) <= s.slowPeriod {
		return out, nil
	}

	fast := talib.Sma(closes, s.fastPeriod)
	slow := talib.Sma(closes, s.slowPeriod)

	// The slow SMA is first valid at slowPeriod-1, so the first comparable pair starts one later.
	for i := s.slowPeriod; i < len(closes); i++ {
		prevFast, prevSlow := fast[i-1], slow[i-1]
		switch {
		case prevFast <= prevSlow && fast[i] > slow[i]:
			out[i].ExecuteBuy = price(closes[i])
		case prevFast >= prevSlow && fast[i] < slow[i]:
			out[i].ExecuteSell = price(closes[i])
		}
	}
	return out, nil
}

func emptySignals(f *Frame) []Signal {
	out := make([]Signal, f.Len())
	for i, t := range f.Time {
		out[i].Time = t
	}
	return out
}
