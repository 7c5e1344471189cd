// Package engine runs the statistics pipeline: it merges trade streams from
// every upstream source into the event timeline, routes trades to partitioned
// instrument state, and on every trigger collects one snapshot per active
// instrument into a Batch.
//
// Concurrency:
//   - One goroutine per upstream stream feeds a fan-in channel
//   - One ingest goroutine pushes merged trades into the timeline
//   - One heartbeat goroutine pushes wall-clock readings into the timeline
//   - One timeline goroutine drives the partitions and the collector
//   - One goroutine per partition owns that partition's instruments
//
// Shutdown drains: cancelling the start context stops the sources and the
// heartbeat, the timeline is closed and drained, a final batch carries any
// trades processed after the last trigger, and only then is the output
// channel closed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tickstats/internal/metrics"
	"tickstats/internal/model"
	"tickstats/internal/stats"
	"tickstats/internal/timeline"

	"github.com/rs/zerolog/log"
)

// TradeSource defines the interface for subscribing to trade events from an
// upstream feed.
//
// Each implementation handles its own wire protocol and normalizes messages
// into model.TradeEvent. The returned channel is closed when the subscription
// ends, either because ctx was cancelled or the upstream gave up reconnecting.
type TradeSource interface {
	SubscribeToTrades(ctx context.Context, pairs []string) (<-chan model.TradeEvent, error)
}

// Subscription binds a source to the instruments requested from it. An empty
// Pairs asks the source for everything it offers.
type Subscription struct {
	Name   string
	Source TradeSource
	Pairs  []string
}

// Config holds the engine parameters.
type Config struct {
	Interval     time.Duration `yaml:"interval" validate:"gt=0"`
	TriggerDelay time.Duration `yaml:"trigger_delay"`
	Partitions   int           `yaml:"partitions" validate:"gt=0"`
	QueueSize    int           `yaml:"queue_size" validate:"gt=0"`
	IdleTTL      time.Duration `yaml:"idle_ttl"`
	EvictEvery   time.Duration `yaml:"evict_every"`
	MaxGap       time.Duration `yaml:"max_gap"`
	Stats        stats.Config  `yaml:"stats"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     time.Second,
		TriggerDelay: 250 * time.Millisecond,
		Partitions:   4,
		QueueSize:    65536,
		IdleTTL:      15 * time.Minute,
		EvictEvery:   time.Minute,
		MaxGap:       time.Hour,
		Stats:        stats.DefaultConfig(),
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records engine metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces the wall clock used for heartbeats.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine processes trade events from every subscription into statistics batches.
type Engine struct {
	subs     []Subscription
	cfg      Config
	metrics  *metrics.Metrics
	now      func() time.Time
	timeline *timeline.Timeline
	pipe     *pipeline
	started  atomic.Bool
}

// New creates an engine. Start must be called to begin processing.
func New(subs []Subscription, cfg Config, opts ...Option) (*Engine, error) {
	if cfg.Interval <= 0 || cfg.Partitions <= 0 || cfg.QueueSize <= 0 {
		return nil, errors.New("engine: interval, partitions and queue size must be positive")
	}
	if err := cfg.Stats.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		subs: subs,
		cfg:  cfg,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.timeline = timeline.New(timeline.Config{
		Interval:  cfg.Interval,
		QueueSize: cfg.QueueSize,
		MaxGap:    cfg.MaxGap,
	})
	e.pipe = newPipeline(cfg, e.metrics)
	e.pipe.queued = e.timeline.Pending
	return e, nil
}

// Start subscribes to every source and returns the batch stream.
//
// Any subscription failure cancels the subscriptions already made and fails
// the start. The returned channel is closed after ctx is cancelled and every
// queued event has been processed.
func (e *Engine) Start(ctx context.Context) (<-chan model.Batch, error) {
	if !e.started.CompareAndSwap(false, true) {
		return nil, errors.New("engine already started")
	}

	ctx, cancel := context.WithCancel(ctx)

	tradeChannels := make([]<-chan model.TradeEvent, 0, len(e.subs))
	for _, sub := range e.subs {
		ch, err := sub.Source.SubscribeToTrades(ctx, sub.Pairs)
		if err != nil {
			cancel()
			e.started.Store(false)
			return nil, fmt.Errorf("failed to subscribe to %s trades: %w", sub.Name, err)
		}
		tradeChannels = append(tradeChannels, ch)
	}

	fanInCh := fanIn(ctx, tradeChannels)

	var producers sync.WaitGroup
	producers.Add(2)
	go func() {
		defer producers.Done()
		e.ingest(fanInCh)
	}()
	go func() {
		defer producers.Done()
		e.heartbeat(ctx)
	}()
	go func() {
		producers.Wait()
		cancel()
		e.timeline.Close()
	}()

	out := make(chan model.Batch, 16)
	go func() {
		defer close(out)
		e.pipe.start()
		if err := e.timeline.Run(context.Background(), e.pipe.handler(out)); err != nil {
			log.Error().Err(err).Msg("timeline stopped")
		}
		e.pipe.stop(out)
		log.Info().Msg("engine stopped")
	}()

	return out, nil
}

// ingest pushes merged trades into the timeline until the fan-in closes.
func (e *Engine) ingest(in <-chan model.TradeEvent) {
	for trade := range in {
		e.metrics.TradeIngested(trade.Venue.String())
		if err := e.timeline.Push(context.Background(), trade); err != nil {
			log.Error().Err(err).Str("instrument", trade.InstrumentKey).Msg("dropping trade")
			return
		}
	}
}

// heartbeat feeds wall-clock readings, delayed by TriggerDelay to let late
// trades for a boundary arrive first, so triggers fire during quiet periods.
func (e *Engine) heartbeat(ctx context.Context) {
	period := e.cfg.Interval / 4
	if period < 10*time.Millisecond {
		period = 10 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.timeline.Heartbeat(ctx, e.now().Add(-e.cfg.TriggerDelay)); err != nil {
				return
			}
		}
	}
}

// Instruments returns the keys of every active instrument, sorted.
func (e *Engine) Instruments() []string {
	return e.pipe.keys()
}

// fanIn merges multiple trade event channels into a single output channel.
//
// One goroutine per input forwards its trades; the output is closed once every
// input is closed or ctx is cancelled.
func fanIn(ctx context.Context, inputChannels []<-chan model.TradeEvent) <-chan model.TradeEvent {
	dest := make(chan model.TradeEvent, 1000)
	var wg sync.WaitGroup
	wg.Add(len(inputChannels))

	for _, ch := range inputChannels {
		go func(c <-chan model.TradeEvent) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case n, ok := <-c:
					if !ok {
						return
					}
					select {
					case dest <- n:
					case <-ctx.Done():
						return
					}
				}
			}
		}(ch)
	}

	go func() {
		wg.Wait()
		close(dest)
	}()

	return dest
}
