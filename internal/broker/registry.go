package broker

import (
	"sort"
	"sync"

	"github.com/marcosuma/trading-bot-sub000/internal/market"
)

// Registry tracks tick subscribers per asset.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]map[string]TickHandler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]map[string]TickHandler)}
}

// Add registers a subscriber and reports whether it is the first for asset.
// Re-adding an existing subscriber replaces its handler.
func (r *Registry) Add(asset, subscriberID string, h TickHandler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.subs[asset]
	if !ok {
		m = make(map[string]TickHandler)
		r.subs[asset] = m
	}
	m[subscriberID] = h
	return !ok
}

// Remove drops a subscriber and reports whether asset has no subscribers left.
// Removing an unknown subscriber is a no-op that reports false.
func (r *Registry) Remove(asset, subscriberID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.subs[asset]
	if !ok {
		return false
	}
	if _, ok := m[subscriberID]; !ok {
		return false
	}
	delete(m, subscriberID)
	if len(m) == 0 {
		delete(r.subs, asset)
		return true
	}
	return false
}

// Assets lists assets with at least one subscriber, sorted.
func (r *Registry) Assets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.subs))
	for a := range r.subs {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Subscribers lists subscriber ids for asset, sorted.
func (r *Registry) Subscribers(asset string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.subs[asset]))
	for id := range r.subs[asset] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Dispatch delivers t to every subscriber of asset.
func (r *Registry) Dispatch(asset string, t market.Tick) {
	r.mu.RLock()
	handlers := make([]TickHandler, 0, len(r.subs[asset]))
	for _, h := range r.subs[asset] {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(t)
	}
}
