package rolling

import "time"

// Window is a time-based window keeping a running sum of its values.
//
// Entries whose timestamp is older than now-span are removed by Expire. Callers
// expire before every query so that Sum and Len describe (now-span, now].
type Window struct {
	span    time.Duration
	q       deque
	sum     float64
	evicted int
}

// NewWindow creates a window of the given span.
func NewWindow(span time.Duration) *Window {
	return &Window{span: span}
}

// Span returns the configured window length.
func (w *Window) Span() time.Duration { return w.span }

// Add records v at the given time.
func (w *Window) Add(at time.Time, v float64) {
	w.q.push(entry{at: at, v: v})
	w.sum += v
}

// Expire drops every entry older than now-span.
func (w *Window) Expire(now time.Time) {
	cutoff := now.Add(-w.span)
	for w.q.len() > 0 && w.q.front().at.Before(cutoff) {
		e := w.q.popFront()
		w.sum -= e.v
		w.evicted++
	}
	if w.q.len() == 0 {
		w.sum = 0
		w.evicted = 0
		return
	}
	if w.evicted > w.q.len() {
		w.resync()
	}
}

func (w *Window) resync() {
	var s float64
	for i := 0; i < w.q.len(); i++ {
		s += w.q.at(i).v
	}
	w.sum = s
	w.evicted = 0
}

// Sum returns the running sum of retained values.
func (w *Window) Sum() float64 { return w.sum }

// Len returns the number of retained entries.
func (w *Window) Len() int { return w.q.len() }

// Reset empties the window.
func (w *Window) Reset() {
	w.q.reset()
	w.sum = 0
	w.evicted = 0
}
