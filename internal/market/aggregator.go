package market

import (
	"fmt"
	"math"
	"time"
)

// Aggregator builds bars of one size from a tick stream.
// It is not safe for concurrent use.
type Aggregator struct {
	size    BarSize
	current *Bar
}

// NewAggregator returns an aggregator for size.
func NewAggregator(size BarSize) *Aggregator {
	return &Aggregator{size: size}
}

// Size returns the configured bar size.
func (a *Aggregator) Size() BarSize { return a.size }

// AddTick folds a tick into the in-progress bar. When the tick belongs to a new
// bar the previous one is finalised and returned. A finalised bar that fails
// validation is discarded: the result is nil with an ErrInvalidBar error, and
// the new bar still starts from this tick.
func (a *Aggregator) AddTick(price, size float64, ts time.Time) (*Bar, error) {
	start := a.size.Align(ts)

	if a.current == nil {
		a.current = newBar(start, price, size)
		return nil, nil
	}

	switch {
	case start.Equal(a.current.Time):
		a.current.High = math.Max(a.current.High, price)
		a.current.Low = math.Min(a.current.Low, price)
		a.current.Close = price
		a.current.Volume += size
		return nil, nil
	case start.Before(a.current.Time):
		return nil, fmt.Errorf("%w: tick %s, bar %s", ErrLateTick, ts.UTC().Format(time.RFC3339), a.current.Time.Format(time.RFC3339))
	}

	done := *a.current
	a.current = newBar(start, price, size)
	if err := done.Validate(); err != nil {
		return nil, err
	}
	return &done, nil
}

// Current returns a copy of the in-progress bar, if any.
func (a *Aggregator) Current() (Bar, bool) {
	if a.current == nil {
		return Bar{}, false
	}
	return *a.current, true
}

// Reset drops the in-progress bar.
func (a *Aggregator) Reset() { a.current = nil }

func newBar(start time.Time, price, size float64) *Bar {
	return &Bar{Time: start, Open: price, High: price, Low: price, Close: price, Volume: size}
}
