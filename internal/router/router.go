// Package router maps instrument keys to their statistics state, creating the
// state lazily on the first trade for a key.
package router

import (
	"sort"
	"sync"
	"time"

	"tickstats/internal/model"
	"tickstats/internal/stats"
)

// Router owns the instruments of one partition.
//
// Route, Each and Evict are called from the owning partition goroutine only.
// Len and Keys take a read lock and may be called from any goroutine for
// diagnostics.
type Router struct {
	cfg stats.Config

	mu          sync.RWMutex
	instruments map[string]*stats.Instrument
	onCreate    func(key string)
}

// Option configures a Router.
type Option func(*Router)

// WithOnCreate registers a callback invoked when a key is first seen.
func WithOnCreate(fn func(key string)) Option {
	return func(r *Router) { r.onCreate = fn }
}

// New creates an empty router building instruments with cfg.
func New(cfg stats.Config, opts ...Option) *Router {
	r := &Router{
		cfg:         cfg,
		instruments: make(map[string]*stats.Instrument),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route returns the instrument for the trade's key, creating it if needed.
func (r *Router) Route(trade model.TradeEvent) *stats.Instrument {
	r.mu.RLock()
	in, ok := r.instruments[trade.InstrumentKey]
	r.mu.RUnlock()
	if ok {
		return in
	}

	in = stats.NewInstrument(trade.InstrumentKey, r.cfg)
	r.mu.Lock()
	r.instruments[trade.InstrumentKey] = in
	r.mu.Unlock()
	if r.onCreate != nil {
		r.onCreate(trade.InstrumentKey)
	}
	return in
}

// Each calls fn for every instrument in unspecified order.
func (r *Router) Each(fn func(*stats.Instrument)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, in := range r.instruments {
		fn(in)
	}
}

// Evict removes instruments whose latest trade is older than now-ttl and
// returns their keys sorted. A non-positive ttl disables eviction.
func (r *Router) Evict(now time.Time, ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	cutoff := now.Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []string
	for key, in := range r.instruments {
		if in.LastTrade().Before(cutoff) {
			delete(r.instruments, key)
			evicted = append(evicted, key)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// Len returns the number of active instruments.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instruments)
}

// Keys returns the active instrument keys sorted.
func (r *Router) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.instruments))
	for k := range r.instruments {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
