package market

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidBarSize is returned for bar sizes outside the "N unit" grammar.
var ErrInvalidBarSize = errors.New("invalid bar size")

const day = 24 * time.Hour

// BarSize is a parsed "N unit" bar size such as "5 mins" or "1 hour".
type BarSize struct {
	raw      string
	n        int
	unit     time.Duration
	calendar bool // day and week sizes align to UTC midnight
}

// ParseBarSize accepts secs, mins/minutes, hours, days and weeks (singular or plural).
func ParseBarSize(s string) (BarSize, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(s)))
	if len(fields) != 2 {
		return BarSize{}, fmt.Errorf("%w: %q", ErrInvalidBarSize, s)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return BarSize{}, fmt.Errorf("%w: %q", ErrInvalidBarSize, s)
	}

	bs := BarSize{raw: strings.TrimSpace(s), n: n}
	switch fields[1] {
	case "sec", "secs", "second", "seconds":
		bs.unit = time.Second
	case "min", "mins", "minute", "minutes":
		bs.unit = time.Minute
	case "hour", "hours":
		bs.unit = time.Hour
	case "day", "days":
		bs.unit, bs.calendar = day, true
	case "week", "weeks":
		bs.unit, bs.calendar = 7*day, true
	default:
		return BarSize{}, fmt.Errorf("%w: unknown unit in %q", ErrInvalidBarSize, s)
	}
	return bs, nil
}

// MustParseBarSize panics on error; for literals in tests and defaults.
func MustParseBarSize(s string) BarSize {
	bs, err := ParseBarSize(s)
	if err != nil {
		panic(err)
	}
	return bs
}

// String returns the bar size as originally written.
func (b BarSize) String() string { return b.raw }

// Duration is the length of one bar.
func (b BarSize) Duration() time.Duration { return time.Duration(b.n) * b.unit }

// Align floors t to the start of its bar. Intraday sizes use epoch multiples
// of the duration; day sizes floor to UTC midnight (multi-day sizes to epoch-day
// multiples) and week sizes to Monday midnight.
func (b BarSize) Align(t time.Time) time.Time {
	t = t.UTC()
	if !b.calendar {
		d := b.Duration().Nanoseconds()
		ns := t.UnixNano()
		return time.Unix(0, ns-ns%d).UTC()
	}
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	if b.unit == day {
		days := midnight.Unix() / int64(day/time.Second)
		return time.Unix((days-days%int64(b.n))*int64(day/time.Second), 0).UTC()
	}
	// 1970-01-05 was a Monday.
	monday := time.Date(1970, 1, 5, 0, 0, 0, 0, time.UTC)
	weeks := int64(midnight.Sub(monday) / (7 * day))
	weeks -= weeks % int64(b.n)
	return monday.Add(time.Duration(weeks) * 7 * day)
}
