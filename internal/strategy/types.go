// Package strategy holds the signal-generation contract, the multi-timeframe
// Frame strategies read from, and the registry of named constructors.
package strategy

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownStrategy is returned by the registry for an unregistered name.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Signal is the pair of columns a strategy adds to one row. A nil price means
// no signal on that side.
type Signal struct {
	Time        time.Time `json:"time"`
	ExecuteBuy  *float64  `json:"execute_buy,omitempty"`
	ExecuteSell *float64  `json:"execute_sell,omitempty"`
}

// Empty reports whether neither side fired.
func (s Signal) Empty() bool { return s.ExecuteBuy == nil && s.ExecuteSell == nil }

// Strategy turns a bar window into one Signal per row. Implementations are
// pure: no side effects, and missing optional columns are tolerated.
type Strategy interface {
	Name() string
	GenerateSignals(ctx context.Context, f *Frame) ([]Signal, error)
}

// Constructor builds a strategy from merged parameters.
type Constructor func(params map[string]any) (Strategy, error)

func price(p float64) *float64 { return &p }
