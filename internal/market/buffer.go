package market

import (
	"sort"
	"time"
)

// BarBuffer is a fixed-capacity ring of bars kept in ascending time order.
// Appending past capacity overwrites the oldest bar; a bar with a timestamp
// already present is merged with MergeBars instead of appended.
type BarBuffer struct {
	items []Bar
	start int
	size  int
}

// NewBarBuffer returns a buffer holding at most capacity bars.
func NewBarBuffer(capacity int) *BarBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &BarBuffer{items: make([]Bar, capacity)}
}

// Len returns the number of buffered bars.
func (b *BarBuffer) Len() int { return b.size }

// Cap returns the retention limit.
func (b *BarBuffer) Cap() int { return len(b.items) }

func (b *BarBuffer) at(i int) *Bar {
	return &b.items[(b.start+i)%len(b.items)]
}

// Upsert inserts or merges bar and returns the stored value. The boolean is
// false when the bar is older than everything retained in a full buffer.
func (b *BarBuffer) Upsert(bar Bar) (Bar, bool) {
	if b.size == 0 || bar.Time.After(b.at(b.size-1).Time) {
		b.push(bar)
		return bar, true
	}

	i := sort.Search(b.size, func(i int) bool { return !b.at(i).Time.Before(bar.Time) })
	if i < b.size && b.at(i).Time.Equal(bar.Time) {
		merged := MergeBars(*b.at(i), bar)
		*b.at(i) = merged
		return merged, true
	}
	if i == 0 && b.size == len(b.items) {
		return Bar{}, false
	}

	// Out-of-order insert: rebuild in order and keep the newest bars.
	all := b.Slice(0)
	all = append(all, Bar{})
	copy(all[i+1:], all[i:])
	all[i] = bar
	if len(all) > len(b.items) {
		all = all[len(all)-len(b.items):]
	}
	b.start, b.size = 0, 0
	for _, x := range all {
		b.push(x)
	}
	return bar, true
}

// SetIndicators replaces the indicator map of the bar starting at t, if buffered.
func (b *BarBuffer) SetIndicators(t time.Time, ind map[string]float64) {
	i := sort.Search(b.size, func(i int) bool { return !b.at(i).Time.Before(t) })
	if i < b.size && b.at(i).Time.Equal(t) {
		b.at(i).Indicators = ind
	}
}

func (b *BarBuffer) push(bar Bar) {
	if b.size < len(b.items) {
		*b.at(b.size) = bar
		b.size++
		return
	}
	b.items[b.start] = bar
	b.start = (b.start + 1) % len(b.items)
}

// Slice copies the newest n bars in ascending order; n <= 0 copies all.
func (b *BarBuffer) Slice(n int) []Bar {
	if n <= 0 || n > b.size {
		n = b.size
	}
	out := make([]Bar, 0, n)
	for i := b.size - n; i < b.size; i++ {
		out = append(out, *b.at(i))
	}
	return out
}

// Last returns the newest bar.
func (b *BarBuffer) Last() (Bar, bool) {
	if b.size == 0 {
		return Bar{}, false
	}
	return *b.at(b.size - 1), true
}
