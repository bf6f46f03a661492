package strategy

import (
	"context"
	"fmt"

	"github.com/markcheno/go-talib"
)

// RSI buys when RSI drops into the oversold zone and sells when it rises into
// the overbought zone. A signal fires only on the bar that enters the zone.
type RSI struct {
	period     int
	oversold   float64
	overbought float64
}

// NewRSI reads "period" (14), "oversold" (30) and "overbought" (70).
func NewRSI(params map[string]any) (Strategy, error) {
	period, err := intParam(params, "period", 14)
	if err != nil {
		return nil, err
	}
	oversold, err := floatParam(params, "oversold", 30)
	if err != nil {
		return nil, err
	}
	overbought, err := floatParam(params, "overbought", 70)
	if err != nil {
		return nil, err
	}
	if period < 2 {
		return nil, fmt.Errorf("invalid period %d", period)
	}
	if oversold <= 0 || overbought >= 100 || oversold >= overbought {
		return nil, fmt.Errorf("invalid thresholds oversold=%v overbought=%v", oversold, overbought)
	}
	return &RSI{period: period, oversold: oversold, overbought: overbought}, nil
}

func (s *RSI) Name() string { return fmt.Sprintf("RSI_%d", s.period) }

func (s *RSI) GenerateSignals(_ context.Context, f *Frame) ([]Signal, error) {
	out := emptySignals(f)
	closes := f.Closes()
	if len(closes) <= s.period+1 {
		return out, nil
	}

	rsi := talib.Rsi(closes, s.period)
	for i := s.period + 1; i < len(closes); i++ {
		prev, cur := rsi[i-1], rsi[i]
		switch {
		case prev >= s.oversold && cur < s.oversold:
			out[i].ExecuteBuy = price(closes[i])
		case prev <= s.overbought && cur > s.overbought:
			out[i].ExecuteSell = price(closes[i])
		}
	}
	return out, nil
}
