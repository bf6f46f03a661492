package market

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/marcosuma/trading-bot-sub000/pkg/db"
)

var (
	// ErrInvalidBar marks a bar that violates the OHLC invariant.
	ErrInvalidBar = errors.New("invalid bar")
	// ErrLateTick marks a tick older than the bar currently being built.
	ErrLateTick = errors.New("tick older than current bar")
)

// Tick is a single price update from a venue.
type Tick struct {
	Symbol string
	Price  float64
	Bid    float64
	Ask    float64
	Size   float64
	Time   time.Time
}

// Bar is an OHLCV summary aligned to its bar-size boundary.
type Bar struct {
	Time       time.Time          `json:"time"`
	Open       float64            `json:"open"`
	High       float64            `json:"high"`
	Low        float64            `json:"low"`
	Close      float64            `json:"close"`
	Volume     float64            `json:"volume"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
}

// Validate checks low <= {open, close} <= high with every price positive.
func (b Bar) Validate() error {
	for _, p := range []float64{b.Open, b.High, b.Low, b.Close} {
		if !(p > 0) || math.IsInf(p, 0) {
			return fmt.Errorf("%w: non-positive price %v at %s", ErrInvalidBar, p, b.Time.Format(time.RFC3339))
		}
	}
	if b.High < b.Open || b.High < b.Close || b.High < b.Low {
		return fmt.Errorf("%w: high %v below open/close/low at %s", ErrInvalidBar, b.High, b.Time.Format(time.RFC3339))
	}
	if b.Low > b.Open || b.Low > b.Close {
		return fmt.Errorf("%w: low %v above open/close at %s", ErrInvalidBar, b.Low, b.Time.Format(time.RFC3339))
	}
	if b.Volume < 0 {
		return fmt.Errorf("%w: negative volume at %s", ErrInvalidBar, b.Time.Format(time.RFC3339))
	}
	return nil
}

// MergeBars combines two bars with the same timestamp. A zero-volume bar yields
// to one carrying volume; otherwise the existing open is kept, the range is
// widened and the close comes from the incoming bar.
func MergeBars(existing, incoming Bar) Bar {
	var out Bar
	if existing.Volume == 0 && incoming.Volume > 0 {
		out = incoming
	} else {
		out = Bar{
			Time:   existing.Time,
			Open:   existing.Open,
			High:   math.Max(existing.High, incoming.High),
			Low:    math.Min(existing.Low, incoming.Low),
			Close:  incoming.Close,
			Volume: math.Max(existing.Volume, incoming.Volume),
		}
	}
	out.Indicators = existing.Indicators
	if len(incoming.Indicators) > 0 {
		out.Indicators = incoming.Indicators
	}
	return out
}

// ToRow converts b to its persisted form.
func (b Bar) ToRow(operationID, barSize string) db.Bar {
	return db.Bar{
		OperationID: operationID,
		BarSize:     barSize,
		Timestamp:   b.Time,
		Open:        b.Open,
		High:        b.High,
		Low:         b.Low,
		Close:       b.Close,
		Volume:      b.Volume,
		Indicators:  b.Indicators,
	}
}

// FromRow converts a persisted bar.
func FromRow(r db.Bar) Bar {
	return Bar{
		Time:       r.Timestamp,
		Open:       r.Open,
		High:       r.High,
		Low:        r.Low,
		Close:      r.Close,
		Volume:     r.Volume,
		Indicators: r.Indicators,
	}
}
