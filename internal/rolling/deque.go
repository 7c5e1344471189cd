// Package rolling provides the fixed-size and time-based rolling primitives the
// statistics engine is built from.
//
// Every primitive keeps running aggregates so that updates and queries are O(1)
// amortized. Running sums are recomputed from the retained entries after every
// full turnover of the contents, and reset exactly when a window empties, so that
// floating point error cannot accumulate without bound. None of the types are
// safe for concurrent use; each instrument owns its own set.
package rolling

import "time"

type entry struct {
	at time.Time
	v  float64
}

// deque is a time-ordered queue of entries backed by a slice.
type deque struct {
	buf  []entry
	head int
}

func (d *deque) len() int { return len(d.buf) - d.head }

func (d *deque) at(i int) entry { return d.buf[d.head+i] }

func (d *deque) front() entry { return d.buf[d.head] }

func (d *deque) back() entry { return d.buf[len(d.buf)-1] }

// push inserts e keeping entries ordered by time. Entries with equal
// timestamps keep insertion order. Late entries are walked back from the tail,
// which is O(1) for in-order input.
func (d *deque) push(e entry) {
	i := len(d.buf)
	for i > d.head && d.buf[i-1].at.After(e.at) {
		i--
	}
	d.buf = append(d.buf, entry{})
	copy(d.buf[i+1:], d.buf[i:])
	d.buf[i] = e
}

func (d *deque) popFront() entry {
	e := d.buf[d.head]
	d.head++
	switch {
	case d.head == len(d.buf):
		d.buf = d.buf[:0]
		d.head = 0
	case d.head >= 64 && d.head*2 >= len(d.buf):
		n := copy(d.buf, d.buf[d.head:])
		d.buf = d.buf[:n]
		d.head = 0
	}
	return e
}

func (d *deque) reset() {
	d.buf = d.buf[:0]
	d.head = 0
}
