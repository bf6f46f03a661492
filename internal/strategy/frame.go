package strategy

import (
	"math"
	"sort"
	"time"

	"github.com/marcosuma/trading-bot-sub000/internal/market"
)

// Base column names every frame carries.
const (
	ColOpen   = "open"
	ColHigh   = "high"
	ColLow    = "low"
	ColClose  = "close"
	ColVolume = "volume"
)

var baseColumns = []string{ColOpen, ColHigh, ColLow, ColClose, ColVolume}

// Frame is a column-oriented bar window on the primary bar size. Other bar
// sizes are joined as "<bar_size>_<column>" columns. Missing values are NaN.
type Frame struct {
	size market.BarSize
	Time []time.Time
	cols map[string][]float64
}

// NewFrame builds a frame from ascending primary bars and their indicators.
func NewFrame(size market.BarSize, bars []market.Bar) *Frame {
	f := &Frame{
		size: size,
		Time: make([]time.Time, len(bars)),
		cols: make(map[string][]float64),
	}
	for _, c := range baseColumns {
		f.cols[c] = make([]float64, len(bars))
	}
	for i, b := range bars {
		f.Time[i] = b.Time
		f.cols[ColOpen][i] = b.Open
		f.cols[ColHigh][i] = b.High
		f.cols[ColLow][i] = b.Low
		f.cols[ColClose][i] = b.Close
		f.cols[ColVolume][i] = b.Volume
		for name, v := range b.Indicators {
			f.column(name)[i] = v
		}
	}
	return f
}

// BarSize returns the primary bar size.
func (f *Frame) BarSize() market.BarSize { return f.size }

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.Time) }

// Join adds another bar size's columns. Each row receives the most recent bar
// that had completed by the end of that row, so a row never sees a bar from
// its own future. Rows before the first completed bar stay NaN.
func (f *Frame) Join(size market.BarSize, bars []market.Bar) {
	prefix := size.String() + "_"
	step := f.size.Duration()
	other := size.Duration()

	j := -1
	for i, t := range f.Time {
		rowEnd := t.Add(step)
		for j+1 < len(bars) && !bars[j+1].Time.Add(other).After(rowEnd) {
			j++
		}
		if j < 0 {
			continue
		}
		b := bars[j]
		f.column(prefix + ColOpen)[i] = b.Open
		f.column(prefix + ColHigh)[i] = b.High
		f.column(prefix + ColLow)[i] = b.Low
		f.column(prefix + ColClose)[i] = b.Close
		f.column(prefix + ColVolume)[i] = b.Volume
		for name, v := range b.Indicators {
			f.column(prefix + name)[i] = v
		}
	}
}

// Column returns a column by name.
func (f *Frame) Column(name string) ([]float64, bool) {
	c, ok := f.cols[name]
	return c, ok
}

// Value returns the value at row i, false when the column is absent or NaN.
func (f *Frame) Value(i int, name string) (float64, bool) {
	c, ok := f.cols[name]
	if !ok || i < 0 || i >= len(c) || math.IsNaN(c[i]) {
		return 0, false
	}
	return c[i], true
}

// Columns lists column names in sorted order.
func (f *Frame) Columns() []string {
	out := make([]string, 0, len(f.cols))
	for name := range f.cols {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Closes returns the close column.
func (f *Frame) Closes() []float64 { return f.cols[ColClose] }

func (f *Frame) column(name string) []float64 {
	c, ok := f.cols[name]
	if !ok {
		c = make([]float64, len(f.Time))
		for i := range c {
			c[i] = math.NaN()
		}
		f.cols[name] = c
	}
	return c
}
