package rolling

import (
	"math"
	"time"
)

// HalflifeEMA is an irregularly sampled exponential moving average with decay
// expressed as a halflife: an observation Δt after the previous one is blended
// with weight α = 1 - 2^(-Δt/halflife).
type HalflifeEMA struct {
	halflife time.Duration
	value    float64
	last     time.Time
	seeded   bool
}

// NewHalflifeEMA creates an unseeded average.
func NewHalflifeEMA(halflife time.Duration) *HalflifeEMA {
	return &HalflifeEMA{halflife: halflife}
}

// Update blends x observed at the given time and returns the new value. The
// first observation seeds the average. Observations at or before the last
// update time leave it unchanged.
func (e *HalflifeEMA) Update(x float64, at time.Time) float64 {
	if !e.seeded {
		e.value, e.last, e.seeded = x, at, true
		return e.value
	}
	dt := at.Sub(e.last)
	if dt <= 0 {
		return e.value
	}
	alpha := 1 - math.Exp2(-dt.Seconds()/e.halflife.Seconds())
	e.value += alpha * (x - e.value)
	e.last = at
	return e.value
}

// Value returns the current average, undefined before the first update.
func (e *HalflifeEMA) Value() (float64, bool) {
	return e.value, e.seeded
}

// Reset returns the average to its unseeded state.
func (e *HalflifeEMA) Reset() {
	e.value, e.last, e.seeded = 0, time.Time{}, false
}
