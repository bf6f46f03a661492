package paper

import (
	"math"
	"sync"

	"github.com/marcosuma/trading-bot-sub000/internal/broker"
	"github.com/marcosuma/trading-bot-sub000/pkg/db"
)

type netPosition struct {
	qty float64 // signed, positive = long
	avg float64
}

// ledger keeps the simulated account: cash balance plus one net position per
// symbol. Realized P/L and fees settle into the balance.
type ledger struct {
	mu        sync.Mutex
	balance   float64
	feeRate   float64
	positions map[string]*netPosition
}

func newLedger(initialBalance, feeRate float64) *ledger {
	return &ledger{
		balance:   initialBalance,
		feeRate:   feeRate,
		positions: make(map[string]*netPosition),
	}
}

// apply books a fill and returns the commission charged and the resulting
// signed quantity.
func (l *ledger) apply(symbol, action string, qty, price float64) (commission, net float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delta := qty
	if action == db.ActionSell {
		delta = -qty
	}
	commission = math.Abs(qty * price * l.feeRate)
	l.balance -= commission

	pos, ok := l.positions[symbol]
	if !ok || pos.qty == 0 {
		l.positions[symbol] = &netPosition{qty: delta, avg: price}
		return commission, delta
	}

	if (pos.qty > 0) == (delta > 0) {
		total := math.Abs(pos.qty) + qty
		pos.avg = (math.Abs(pos.qty)*pos.avg + qty*price) / total
		pos.qty += delta
		return commission, pos.qty
	}

	closing := math.Min(math.Abs(pos.qty), qty)
	dir := 1.0
	if pos.qty < 0 {
		dir = -1
	}
	l.balance += (price - pos.avg) * closing * dir
	pos.qty += delta
	switch {
	case math.Abs(pos.qty) < 1e-9:
		delete(l.positions, symbol)
		return commission, 0
	case (pos.qty > 0) != (dir > 0):
		// Reversed through flat: the remainder opens at the fill price.
		pos.avg = price
	}
	return commission, pos.qty
}

func (l *ledger) net(symbol string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.positions[symbol]; ok {
		return p.qty
	}
	return 0
}

func (l *ledger) snapshot(mark func(symbol string) (float64, bool)) ([]broker.Position, float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]broker.Position, 0, len(l.positions))
	var unrealized float64
	for sym, p := range l.positions {
		bp := broker.Position{Symbol: sym, Quantity: p.qty, AvgPrice: p.avg}
		if px, ok := mark(sym); ok {
			bp.UnrealizedPnL = (px - p.avg) * p.qty
			unrealized += bp.UnrealizedPnL
		}
		out = append(out, bp)
	}
	return out, unrealized
}

func (l *ledger) cash() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}
