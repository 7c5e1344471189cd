package publish

import (
	"sync"

	"tickstats/internal/model"
)

// DefaultTradeHistory is the number of trades retained per sink.
const DefaultTradeHistory = 1000

// TradeHistory retains the most recent trades in arrival order.
type TradeHistory struct {
	mu   sync.RWMutex
	buf  []model.TradeEvent
	next int
	full bool
}

// NewTradeHistory creates a history holding at most capacity trades.
func NewTradeHistory(capacity int) *TradeHistory {
	if capacity <= 0 {
		capacity = DefaultTradeHistory
	}
	return &TradeHistory{buf: make([]model.TradeEvent, capacity)}
}

// Add appends trades, overwriting the oldest ones once full.
func (h *TradeHistory) Add(trades ...model.TradeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range Latest(trades, len(h.buf)) {
		h.buf[h.next] = t
		h.next = (h.next + 1) % len(h.buf)
		if h.next == 0 {
			h.full = true
		}
	}
}

// Snapshot returns the retained trades, oldest first.
func (h *TradeHistory) Snapshot() []model.TradeEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.full {
		return append([]model.TradeEvent(nil), h.buf[:h.next]...)
	}
	out := make([]model.TradeEvent, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}

// Len returns the number of retained trades.
func (h *TradeHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// Latest returns the last n trades of ts.
func Latest(ts []model.TradeEvent, n int) []model.TradeEvent {
	if n >= 0 && len(ts) > n {
		return ts[len(ts)-n:]
	}
	return ts
}
