package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Position sides.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// SideForAction maps an order action to the side it opens.
func SideForAction(action string) string {
	if action == "SELL" {
		return SideShort
	}
	return SideLong
}

// Levels are the protective prices attached to an entry.
type Levels struct {
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
}

// StopLoss returns the stop price for an entry. ATR and PERCENTAGE values are
// multipliers of the ATR and of the entry price; FIXED is an absolute distance.
// atr <= 0 means the indicator is not available yet.
func StopLoss(kind string, value float64, side string, entry, atr float64) (float64, error) {
	var dist float64
	switch kind {
	case KindATR:
		if atr <= 0 {
			return 0, ErrATRUnavailable
		}
		dist = value * atr
	case KindPercentage:
		dist = value * entry
	case KindFixed:
		dist = value
	default:
		return 0, fmt.Errorf("%w: stop loss %q", ErrUnknownKind, kind)
	}

	stop := entry - dist
	if side == SideShort {
		stop = entry + dist
	}
	if dist <= 0 || stop <= 0 {
		return 0, fmt.Errorf("%w: stop %v for %s entry %v", ErrInvalidLevel, stop, side, entry)
	}
	return stop, nil
}

// TakeProfit returns the target price. RISK_REWARD multiplies the stop
// distance; FIXED is an absolute price level.
func TakeProfit(kind string, value float64, side string, entry, stop, atr float64) (float64, error) {
	var dist float64
	switch kind {
	case KindRiskReward:
		risk := entry - stop
		if side == SideShort {
			risk = stop - entry
		}
		dist = risk * value
	case KindATR:
		if atr <= 0 {
			return 0, ErrATRUnavailable
		}
		dist = value * atr
	case KindPercentage:
		dist = value * entry
	case KindFixed:
		if (side == SideLong && value <= entry) || (side == SideShort && value >= entry) {
			return 0, fmt.Errorf("%w: fixed target %v for %s entry %v", ErrInvalidLevel, value, side, entry)
		}
		return value, nil
	default:
		return 0, fmt.Errorf("%w: take profit %q", ErrUnknownKind, kind)
	}

	target := entry + dist
	if side == SideShort {
		target = entry - dist
	}
	if dist <= 0 || target <= 0 {
		return 0, fmt.Errorf("%w: target %v for %s entry %v", ErrInvalidLevel, target, side, entry)
	}
	return target, nil
}

// Compute returns both levels for an entry using cfg.
func Compute(cfg Config, side string, entry, atr float64) (Levels, error) {
	stop, err := StopLoss(cfg.StopLossType, cfg.StopLossValue, side, entry, atr)
	if err != nil {
		return Levels{}, err
	}
	target, err := TakeProfit(cfg.TakeProfitType, cfg.TakeProfitValue, side, entry, stop, atr)
	if err != nil {
		return Levels{}, err
	}
	return Levels{StopLoss: stop, TakeProfit: target}, nil
}

// PositionSize returns the whole-unit quantity that loses fraction of capital
// if the stop is hit.
func PositionSize(capital, fraction, entry, stop float64) (float64, error) {
	dist := decimal.NewFromFloat(entry).Sub(decimal.NewFromFloat(stop)).Abs()
	if !dist.IsPositive() {
		return 0, fmt.Errorf("%w: stop equals entry", ErrInvalidLevel)
	}
	budget := decimal.NewFromFloat(capital).Mul(decimal.NewFromFloat(fraction))
	qty := budget.Div(dist).Floor()
	if !qty.IsPositive() {
		return 0, ErrSizeTooSmall
	}
	return qty.InexactFloat64(), nil
}

// EmergencyExit reports whether an unrealized loss (in percent, negative for
// losses) breaches the emergency threshold (a fraction, 0.05 = 5%).
func EmergencyExit(unrealizedPnLPct, threshold float64) bool {
	if threshold <= 0 {
		return false
	}
	return unrealizedPnLPct < -threshold*100
}

// UnrealizedPnL returns P/L and P/L percent for a signed quantity at mark.
func UnrealizedPnL(quantity, entry, mark float64) (pnl, pct float64) {
	if quantity == 0 || entry <= 0 {
		return 0, 0
	}
	q := decimal.NewFromFloat(quantity)
	e := decimal.NewFromFloat(entry)
	p := decimal.NewFromFloat(mark).Sub(e).Mul(q)
	basis := e.Mul(q.Abs())
	return p.InexactFloat64(), p.Div(basis).Mul(decimal.NewFromInt(100)).InexactFloat64()
}
