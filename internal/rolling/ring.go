package rolling

// WeightedRing holds the last N (value, weight) pairs and their weighted mean.
type WeightedRing struct {
	vals    []float64
	weights []float64
	next    int
	n       int
	sumVW   float64
	sumW    float64
	evicted int
}

// NewWeightedRing creates a ring holding at most capacity pairs.
func NewWeightedRing(capacity int) *WeightedRing {
	if capacity < 1 {
		capacity = 1
	}
	return &WeightedRing{
		vals:    make([]float64, capacity),
		weights: make([]float64, capacity),
	}
}

// Push appends a pair, evicting the oldest one when the ring is full.
func (r *WeightedRing) Push(v, w float64) {
	if r.n == len(r.vals) {
		r.sumVW -= r.vals[r.next] * r.weights[r.next]
		r.sumW -= r.weights[r.next]
		r.evicted++
	} else {
		r.n++
	}
	r.vals[r.next] = v
	r.weights[r.next] = w
	r.sumVW += v * w
	r.sumW += w
	r.next = (r.next + 1) % len(r.vals)

	if r.evicted >= len(r.vals) {
		r.resync()
	}
}

func (r *WeightedRing) resync() {
	var vw, w float64
	for i := 0; i < r.n; i++ {
		vw += r.vals[i] * r.weights[i]
		w += r.weights[i]
	}
	r.sumVW, r.sumW, r.evicted = vw, w, 0
}

// Mean returns Σ(v·w)/Σw over the retained pairs. It is undefined when the
// ring is empty or holds no weight.
func (r *WeightedRing) Mean() (float64, bool) {
	if r.n == 0 || r.sumW <= 0 {
		return 0, false
	}
	return r.sumVW / r.sumW, true
}

// Len returns the number of retained pairs.
func (r *WeightedRing) Len() int { return r.n }

// Cap returns the ring capacity.
func (r *WeightedRing) Cap() int { return len(r.vals) }

// Reset empties the ring.
func (r *WeightedRing) Reset() {
	r.next, r.n, r.evicted = 0, 0, 0
	r.sumVW, r.sumW = 0, 0
}
