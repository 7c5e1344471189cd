package rolling

import "time"

// LagBuffer remembers a time-indexed series long enough to look up its value
// a fixed lag ago.
type LagBuffer struct {
	lag time.Duration
	q   deque
}

// NewLagBuffer creates a buffer answering lookups lag in the past.
func NewLagBuffer(lag time.Duration) *LagBuffer {
	return &LagBuffer{lag: lag}
}

// Record stores v as the series value at the given time.
func (b *LagBuffer) Record(at time.Time, v float64) {
	b.q.push(entry{at: at, v: v})
}

// Lookup returns the most recent recorded value at or before now-lag. Entries
// that can no longer be an answer are discarded, so now must not go backwards
// between calls.
func (b *LagBuffer) Lookup(now time.Time) (float64, bool) {
	cutoff := now.Add(-b.lag)
	for b.q.len() >= 2 && !b.q.at(1).at.After(cutoff) {
		b.q.popFront()
	}
	if b.q.len() == 0 || b.q.front().at.After(cutoff) {
		return 0, false
	}
	return b.q.front().v, true
}

// Len returns the number of retained samples.
func (b *LagBuffer) Len() int { return b.q.len() }

// Reset drops every recorded sample.
func (b *LagBuffer) Reset() { b.q.reset() }
