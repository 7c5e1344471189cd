// Package timeline serializes trades and clock readings into one logical
// event stream and derives the periodic triggers the statistics are computed on.
//
// Producers on any goroutine Push trades and Heartbeat clock readings into a
// bounded FIFO queue. A single consumer goroutine drains it in Run. Before an
// event at time t is handed to the Handler, one trigger is emitted for every
// whole interval boundary b with lastBoundary < b <= t, so all instruments
// observe the same boundaries regardless of how many trades each one receives.
package timeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"tickstats/internal/model"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by Push and Heartbeat after Close.
var ErrClosed = errors.New("timeline closed")

// Handler receives the serialized event stream. Calls happen on the Run
// goroutine only.
type Handler interface {
	// OnTrade is called for every trade. outOfOrder is set when the trade is
	// older than the latest event already processed.
	OnTrade(trade model.TradeEvent, outOfOrder bool)

	// OnTrigger is called once per interval boundary, in increasing order.
	OnTrigger(at time.Time)
}

// Config holds the timeline parameters.
type Config struct {
	// Interval between triggers.
	Interval time.Duration

	// QueueSize bounds the number of pending events. Push blocks while full.
	QueueSize int

	// MaxGap bounds how many boundaries are replayed after a jump in time.
	// A larger jump realigns the timeline to the new time and emits a single
	// trigger. Zero means no bound.
	MaxGap time.Duration
}

type event struct {
	trade   model.TradeEvent
	clock   time.Time
	isClock bool
}

// Timeline is the event-time base of the engine.
type Timeline struct {
	cfg   Config
	queue chan event

	mu     sync.RWMutex
	closed bool

	// owned by the Run goroutine
	started      bool
	lastBoundary time.Time
	lastTime     time.Time
}

// New creates a timeline. Interval defaults to one second.
func New(cfg Config) *Timeline {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	return &Timeline{
		cfg:   cfg,
		queue: make(chan event, cfg.QueueSize),
	}
}

// Push enqueues a trade. It blocks while the queue is full and fails with
// ErrClosed once Close has been called.
func (t *Timeline) Push(ctx context.Context, trade model.TradeEvent) error {
	return t.enqueue(ctx, event{trade: trade})
}

// Heartbeat enqueues a clock reading so that triggers keep firing while no
// trades arrive.
func (t *Timeline) Heartbeat(ctx context.Context, now time.Time) error {
	return t.enqueue(ctx, event{clock: now, isClock: true})
}

func (t *Timeline) enqueue(ctx context.Context, ev event) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	select {
	case t.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued events.
func (t *Timeline) Pending() int { return len(t.queue) }

// Close stops accepting events. Events already queued are still delivered by Run.
func (t *Timeline) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
}

// Run consumes events until the timeline is closed and drained, returning nil,
// or until ctx is cancelled, returning its error.
func (t *Timeline) Run(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-t.queue:
			if !ok {
				return nil
			}
			t.handle(ev, h)
		}
	}
}

func (t *Timeline) handle(ev event, h Handler) {
	at := ev.clock
	if !ev.isClock {
		at = ev.trade.EventTime
	}

	// only trades start the timeline; there is nothing to trigger before them
	if !t.started && ev.isClock {
		return
	}

	late := t.started && at.Before(t.lastTime)
	if !late {
		t.advance(at, h)
		t.lastTime = at
	}

	if !ev.isClock {
		h.OnTrade(ev.trade, late)
	}
}

// advance emits every boundary up to and including now.
func (t *Timeline) advance(now time.Time, h Handler) {
	if !t.started {
		t.started = true
		t.lastBoundary = now.Truncate(t.cfg.Interval)
		return
	}

	if t.cfg.MaxGap > 0 && now.Sub(t.lastBoundary) > t.cfg.MaxGap {
		next := now.Truncate(t.cfg.Interval)
		log.Warn().
			Time("last_boundary", t.lastBoundary).
			Time("now", now).
			Msg("timeline jumped beyond max gap, realigning")
		t.lastBoundary = next
		h.OnTrigger(next)
		return
	}

	for next := t.lastBoundary.Add(t.cfg.Interval); !next.After(now); next = next.Add(t.cfg.Interval) {
		t.lastBoundary = next
		h.OnTrigger(next)
	}
}
