package rolling

import (
	"math"
	"time"
)

// MomentWindow is a time-based window of observations maintaining mean and
// variance with Welford's add/remove updates.
type MomentWindow struct {
	span    time.Duration
	q       deque
	mean    float64
	m2      float64
	evicted int
}

// NewMomentWindow creates a moment window of the given span.
func NewMomentWindow(span time.Duration) *MomentWindow {
	return &MomentWindow{span: span}
}

// Add records observation x at the given time.
func (w *MomentWindow) Add(at time.Time, x float64) {
	w.q.push(entry{at: at, v: x})
	n := float64(w.q.len())
	delta := x - w.mean
	w.mean += delta / n
	w.m2 += delta * (x - w.mean)
}

// Expire drops every observation older than now-span.
func (w *MomentWindow) Expire(now time.Time) {
	cutoff := now.Add(-w.span)
	for w.q.len() > 0 && w.q.front().at.Before(cutoff) {
		w.remove(w.q.popFront().v)
	}
	if w.q.len() > 0 && w.evicted > w.q.len() {
		w.resync()
	}
}

func (w *MomentWindow) remove(x float64) {
	n := w.q.len()
	if n == 0 {
		w.mean, w.m2, w.evicted = 0, 0, 0
		return
	}
	delta := x - w.mean
	w.mean -= delta / float64(n)
	w.m2 -= delta * (x - w.mean)
	if w.m2 < 0 {
		w.m2 = 0
	}
	w.evicted++
}

func (w *MomentWindow) resync() {
	n := w.q.len()
	var sum float64
	for i := 0; i < n; i++ {
		sum += w.q.at(i).v
	}
	mean := sum / float64(n)
	var m2 float64
	for i := 0; i < n; i++ {
		d := w.q.at(i).v - mean
		m2 += d * d
	}
	w.mean, w.m2, w.evicted = mean, m2, 0
}

// Len returns the number of retained observations.
func (w *MomentWindow) Len() int { return w.q.len() }

// Mean returns the mean of retained observations.
func (w *MomentWindow) Mean() (float64, bool) {
	if w.q.len() == 0 {
		return 0, false
	}
	return w.mean, true
}

// StdDev returns the sample standard deviation (n-1 denominator). It needs at
// least two observations.
func (w *MomentWindow) StdDev() (float64, bool) {
	n := w.q.len()
	if n < 2 {
		return 0, false
	}
	return math.Sqrt(w.m2 / float64(n-1)), true
}

// Covered returns the time between the oldest and newest retained observation.
func (w *MomentWindow) Covered() time.Duration {
	if w.q.len() == 0 {
		return 0
	}
	return w.q.back().at.Sub(w.q.front().at)
}

// Reset empties the window.
func (w *MomentWindow) Reset() {
	w.q.reset()
	w.mean, w.m2, w.evicted = 0, 0, 0
}
