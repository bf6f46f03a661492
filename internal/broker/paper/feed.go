package paper

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/marcosuma/trading-bot-sub000/internal/market"
)

// Feed supplies prices to the paper venue.
type Feed interface {
	Name() string
	// Subscribe streams ticks for asset into sink until stop is called or ctx
	// ends. onErr is called at most once if the stream fails on its own.
	Subscribe(ctx context.Context, asset string, sink func(market.Tick), onErr func(error)) (stop func(), err error)
	History(ctx context.Context, asset string, size market.BarSize, from, to time.Time) ([]market.Bar, error)
}

// RandomWalk generates synthetic prices for local development.
type RandomWalk struct {
	StartPrice float64
	Step       float64 // relative move per tick, e.g. 0.0002
	Spread     float64 // relative bid/ask spread
	Interval   time.Duration
	Seed       int64
}

func (m *RandomWalk) defaults() {
	if m.StartPrice <= 0 {
		m.StartPrice = 100.0
	}
	if m.Step <= 0 {
		m.Step = 0.0002
	}
	if m.Spread <= 0 {
		m.Spread = 0.00005
	}
	if m.Interval <= 0 {
		m.Interval = time.Second
	}
}

// Name identifies the feed.
func (m *RandomWalk) Name() string { return "mock" }

func (m *RandomWalk) rng(asset string, salt int64) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(asset))
	return rand.New(rand.NewSource(m.Seed ^ int64(h.Sum64()) ^ salt))
}

// Subscribe starts a random walk for asset.
func (m *RandomWalk) Subscribe(ctx context.Context, asset string, sink func(market.Tick), _ func(error)) (func(), error) {
	m.defaults()
	ctx, cancel := context.WithCancel(ctx)
	rng := m.rng(asset, 0)
	price := m.StartPrice

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				price *= 1 + (rng.Float64()*2-1)*m.Step
				half := price * m.Spread / 2
				sink(market.Tick{
					Symbol: asset,
					Price:  price,
					Bid:    price - half,
					Ask:    price + half,
					Size:   float64(1 + rng.Intn(10)),
					Time:   now.UTC(),
				})
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

// History returns deterministic synthetic bars in [from, to).
func (m *RandomWalk) History(ctx context.Context, asset string, size market.BarSize, from, to time.Time) ([]market.Bar, error) {
	m.defaults()
	start := size.Align(from)
	if start.Before(from) {
		start = start.Add(size.Duration())
	}
	rng := m.rng(asset, start.Unix())
	price := m.StartPrice
	// Larger moves per bar than per tick, scaled by the bar length.
	step := m.Step * math.Sqrt(size.Duration().Seconds()/m.Interval.Seconds())

	var out []market.Bar
	for t := start; t.Before(to); t = t.Add(size.Duration()) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		open := price
		closePx := open * (1 + (rng.Float64()*2-1)*step)
		high := math.Max(open, closePx) * (1 + rng.Float64()*step/2)
		low := math.Min(open, closePx) * (1 - rng.Float64()*step/2)
		out = append(out, market.Bar{
			Time:   t,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePx,
			Volume: float64(100 + rng.Intn(900)),
		})
		price = closePx
	}
	return out, nil
}
