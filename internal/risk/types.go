// Package risk computes protective levels, position size and the emergency
// loss check applied during crash recovery.
package risk

import (
	"errors"
	"fmt"
)

// Level kinds for stop-loss and take-profit. RISK_REWARD is take-profit only.
const (
	KindATR        = "ATR"
	KindPercentage = "PERCENTAGE"
	KindFixed      = "FIXED"
	KindRiskReward = "RISK_REWARD"
)

// Crash recovery modes.
const (
	RecoveryCloseAll      = "CLOSE_ALL"
	RecoveryResume        = "RESUME"
	RecoveryEmergencyExit = "EMERGENCY_EXIT"
)

var (
	// ErrATRUnavailable is returned when an ATR level is requested before the
	// indicator has warmed up.
	ErrATRUnavailable = errors.New("atr not available")
	// ErrUnknownKind is returned for an unrecognised level kind.
	ErrUnknownKind = errors.New("unknown level kind")
	// ErrInvalidLevel is returned when a level lands on the wrong side of entry.
	ErrInvalidLevel = errors.New("invalid protective level")
	// ErrSizeTooSmall is returned when risk sizing rounds down to zero units.
	ErrSizeTooSmall = errors.New("position size rounds to zero")
)

// Config is an operation's risk configuration.
type Config struct {
	StopLossType         string  `json:"stop_loss_type"`
	StopLossValue        float64 `json:"stop_loss_value"`
	TakeProfitType       string  `json:"take_profit_type"`
	TakeProfitValue      float64 `json:"take_profit_value"`
	RiskPerTrade         float64 `json:"risk_per_trade"`          // fraction of capital, 0.01 = 1%
	EmergencyStopLossPct float64 `json:"emergency_stop_loss_pct"` // fraction, 0.05 = 5%
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		StopLossType:         KindATR,
		StopLossValue:        1.5,
		TakeProfitType:       KindRiskReward,
		TakeProfitValue:      2,
		RiskPerTrade:         0.01,
		EmergencyStopLossPct: 0.05,
	}
}

// Validate checks kinds and ranges.
func (c Config) Validate() error {
	switch c.StopLossType {
	case KindATR, KindPercentage, KindFixed:
	default:
		return fmt.Errorf("%w: stop loss %q", ErrUnknownKind, c.StopLossType)
	}
	switch c.TakeProfitType {
	case KindATR, KindPercentage, KindFixed, KindRiskReward:
	default:
		return fmt.Errorf("%w: take profit %q", ErrUnknownKind, c.TakeProfitType)
	}
	if c.StopLossValue <= 0 || c.TakeProfitValue <= 0 {
		return errors.New("stop loss and take profit values must be > 0")
	}
	if c.RiskPerTrade <= 0 || c.RiskPerTrade > 1 {
		return fmt.Errorf("risk per trade %v out of range (0, 1]", c.RiskPerTrade)
	}
	if c.EmergencyStopLossPct < 0 {
		return errors.New("emergency stop loss pct must be >= 0")
	}
	return nil
}

// ValidRecoveryMode reports whether mode is a known crash recovery mode.
func ValidRecoveryMode(mode string) bool {
	switch mode {
	case RecoveryCloseAll, RecoveryResume, RecoveryEmergencyExit:
		return true
	}
	return false
}
