// Package service distributes statistics batches to subscribers.
//
// The Dispatcher fans every batch out to the subscribers of the trades and
// statistics tables, turning statistics into per-subscriber deltas, and hands
// the batch to the configured sinks. StatisticsService exposes the dispatcher
// over gRPC.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"tickstats/internal/metrics"
	"tickstats/internal/model"
	"tickstats/internal/publish"
	"tickstats/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrDispatcherStopped is returned by Subscribe once the dispatcher has shut down.
	ErrDispatcherStopped = errors.New("dispatcher stopped")

	// ErrSubscriberWrite marks a failed write to one subscriber. Only that
	// subscriber is dropped.
	ErrSubscriberWrite = errors.New("subscriber write failed")
)

// BatchSink receives every batch after it was fanned out. Offer must not block.
type BatchSink interface {
	Offer(model.Batch)
}

// SubscribeRequest describes one subscription.
type SubscribeRequest struct {
	Table       model.Table
	Instruments []string // empty subscribes to every instrument
	Delta       bool     // statistics only: send deltas after the first full record
}

// Subscriber is one consumer of a table.
type Subscriber struct {
	id          string
	table       model.Table
	delta       bool
	instruments map[string]struct{}
	ch          chan *model.Envelope
}

// ID returns the subscriber's unique id.
func (s *Subscriber) ID() string { return s.id }

// Table returns the subscribed table.
func (s *Subscriber) Table() model.Table { return s.table }

// C returns the envelope stream. It is closed on unsubscribe or shutdown.
func (s *Subscriber) C() <-chan *model.Envelope { return s.ch }

func (s *Subscriber) wants(key string) bool {
	if len(s.instruments) == 0 {
		return true
	}
	_, ok := s.instruments[key]
	return ok
}

// DispatcherConfig holds configuration parameters for the Dispatcher.
type DispatcherConfig struct {
	MaxSymbolsAllowed int           `yaml:"max_symbols_allowed" validate:"gt=0"`
	BufferSize        int           `yaml:"buffer_size" validate:"gt=0"`
	TradeHistory      int           `yaml:"trade_history" validate:"gte=0"`
	MinPublishVolume  float64       `yaml:"min_publish_volume" validate:"gte=0"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
}

// DefaultDispatcherConfig returns the dispatcher defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxSymbolsAllowed: 100,
		BufferSize:        100,
		TradeHistory:      publish.DefaultTradeHistory,
		DrainTimeout:      5 * time.Second,
	}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMetrics records subscriber and delivery metrics into m.
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithSinks forwards every batch to sinks after fan-out.
func WithSinks(sinks ...BatchSink) DispatcherOption {
	return func(d *Dispatcher) { d.sinks = append(d.sinks, sinks...) }
}

// Dispatcher implements the fan-out. A single goroutine owns the subscribers,
// the delta publisher, the trade history and the latest snapshots; everything
// else talks to it over channels.
type Dispatcher struct {
	cfg              DispatcherConfig
	subscribers      map[string]*Subscriber
	subscriptionCh   chan *Subscriber
	unsubscriptionCh chan *Subscriber
	started          atomic.Bool
	done             chan struct{}

	publisher *publish.Publisher
	history   *publish.TradeHistory
	latest    map[string]model.StatisticsSnapshot

	metrics *metrics.Metrics
	sinks   []BatchSink
}

// NewDispatcher creates a new Dispatcher instance with the provided configuration.
func NewDispatcher(cfg DispatcherConfig, opts ...DispatcherOption) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	d := &Dispatcher{
		cfg:              cfg,
		subscribers:      make(map[string]*Subscriber),
		subscriptionCh:   make(chan *Subscriber, 10),
		unsubscriptionCh: make(chan *Subscriber, 10),
		done:             make(chan struct{}),
		publisher:        publish.NewPublisher(),
		history:          publish.NewTradeHistory(cfg.TradeHistory),
		latest:           make(map[string]model.StatisticsSnapshot),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe validates req and registers a new subscriber. Its first envelope
// is a table_snapshot of the current table contents.
func (b *Dispatcher) Subscribe(req SubscribeRequest) (*Subscriber, error) {
	if !b.started.Load() {
		return nil, errors.New("dispatcher not started")
	}

	if _, err := model.ParseTable(string(req.Table)); err != nil {
		return nil, err
	}

	keys := make([]string, len(req.Instruments))
	for i, k := range req.Instruments {
		keys[i] = utils.NormalizeKey(k)
	}
	if err := utils.ValidateInstruments(keys, b.cfg.MaxSymbolsAllowed); err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}

	sub := &Subscriber{
		id:          uuid.NewString(),
		table:       req.Table,
		delta:       req.Delta && req.Table == model.StatisticsTable,
		instruments: set,
		ch:          make(chan *model.Envelope, b.cfg.BufferSize),
	}

	select {
	case <-b.done:
		return nil, ErrDispatcherStopped
	default:
	}

	select {
	case b.subscriptionCh <- sub:
		return sub, nil
	default:
		return nil, fmt.Errorf("subscription channel is full")
	}
}

// Unsubscribe removes a subscriber. Unsubscribing after shutdown is a no-op.
func (b *Dispatcher) Unsubscribe(sub *Subscriber) error {
	select {
	case b.unsubscriptionCh <- sub:
		return nil
	case <-b.done:
		return nil
	default:
		return fmt.Errorf("unsubscription channel is full")
	}
}

// Done is closed once the dispatcher goroutine has exited and every
// subscriber channel is closed.
func (b *Dispatcher) Done() <-chan struct{} {
	return b.done
}

// StartDispatching starts the dispatcher goroutine.
//
// The goroutine serves subscription requests and batches until batchCh is
// closed. After ctx is cancelled it keeps draining batchCh, so the final
// batch of a shutting-down engine still reaches subscribers, for at most
// DrainTimeout.
func (b *Dispatcher) StartDispatching(ctx context.Context, batchCh <-chan model.Batch) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}

	go func() {
		defer func() {
			for _, sub := range b.subscribers {
				b.remove(sub)
			}
			close(b.done)
			log.Info().Msg("dispatcher stopped")
		}()

		ctxDone := ctx.Done()
		var drainDeadline <-chan time.Time
		for {
			select {
			case <-ctxDone:
				ctxDone = nil
				if b.cfg.DrainTimeout <= 0 {
					return
				}
				drainDeadline = time.After(b.cfg.DrainTimeout)
				log.Info().Dur("timeout", b.cfg.DrainTimeout).Msg("draining batches")
			case <-drainDeadline:
				log.Warn().Msg("drain timeout, dropping remaining batches")
				return
			case sub := <-b.subscriptionCh:
				b.subscribe(sub)
			case sub := <-b.unsubscriptionCh:
				b.unsubscribe(sub)
			case batch, ok := <-batchCh:
				if !ok {
					return
				}
				b.dispatch(batch)
			}
		}
	}()
	return nil
}

// subscribe adds a subscriber and sends it the current table contents.
func (b *Dispatcher) subscribe(sub *Subscriber) {
	b.subscribers[sub.id] = sub
	b.metrics.SubscriberAdded(string(sub.table))

	env := &model.Envelope{MessageType: model.MessageTableSnapshot, Table: sub.table, Data: []model.Record{}}
	switch sub.table {
	case model.TradesTable:
		env.Data = b.tradeRecords(sub, b.history.Snapshot())
	case model.StatisticsTable:
		snaps := b.publishable(b.latestSnapshots())
		env.Data = b.statisticsRecords(sub, snaps)
	}
	b.deliver(sub, env, nil)

	log.Info().
		Str("subscriber", sub.id).
		Str("table", string(sub.table)).
		Int("instruments", len(sub.instruments)).
		Bool("delta", sub.delta).
		Msg("new subscriber")
}

// unsubscribe is an internal method that removes a subscriber and cleans up resources.
func (b *Dispatcher) unsubscribe(sub *Subscriber) {
	if _, ok := b.subscribers[sub.id]; ok {
		b.remove(sub)
	}
}

func (b *Dispatcher) remove(sub *Subscriber) {
	delete(b.subscribers, sub.id)
	b.publisher.Forget(sub.id)
	close(sub.ch)
	b.metrics.SubscriberRemoved(string(sub.table))
}

// dispatch folds a batch into the dispatcher state and fans it out.
func (b *Dispatcher) dispatch(batch model.Batch) {
	b.history.Add(batch.Trades...)
	for _, s := range batch.Snapshots {
		b.latest[s.InstrumentKey] = s
	}
	if len(batch.Evicted) > 0 {
		for _, k := range batch.Evicted {
			delete(b.latest, k)
		}
		b.publisher.Evict(batch.Evicted...)
	}

	trades := publish.Latest(batch.Trades, b.cfg.TradeHistory)
	snaps := b.publishable(batch.Snapshots)

	for _, sub := range b.subscribers {
		var data []model.Record
		switch sub.table {
		case model.TradesTable:
			data = b.tradeRecords(sub, trades)
		case model.StatisticsTable:
			data = b.statisticsRecords(sub, snaps)
		}
		if len(data) == 0 {
			continue
		}
		env := &model.Envelope{MessageType: model.MessageTableUpdate, Table: sub.table, Data: data}
		if sub.delta {
			b.deliver(sub, env, func() []model.Record { return b.statisticsRecords(sub, snaps) })
		} else {
			b.deliver(sub, env, nil)
		}
	}

	for _, sink := range b.sinks {
		sink.Offer(batch)
	}
}

// deliver sends env to sub. When the subscriber is too slow the oldest
// buffered envelope is dropped and env takes its place.
//
// Buffered deltas build on each other, so for a delta subscriber (resend set)
// the whole buffer is discarded instead: the publisher forgets what the
// subscriber was sent and env is replaced by full records from resend.
func (b *Dispatcher) deliver(sub *Subscriber, env *model.Envelope, resend func() []model.Record) {
	select {
	case sub.ch <- env:
		return
	default:
	}

	b.metrics.SubscriberDrop(string(sub.table))
	dropped := 0
	for more := true; more; {
		select {
		case <-sub.ch:
			dropped++
			more = resend != nil
		default:
			more = false
		}
	}
	if resend != nil {
		b.publisher.Resync(sub.id)
		env = &model.Envelope{MessageType: env.MessageType, Table: env.Table, Data: resend()}
	}
	log.Warn().
		Str("subscriber", sub.id).
		Int("dropped", dropped).
		Bool("resync", resend != nil).
		Msg("subscriber is too slow, dropping buffered envelopes")

	select {
	case sub.ch <- env:
	default:
	}
}

func (b *Dispatcher) tradeRecords(sub *Subscriber, trades []model.TradeEvent) []model.Record {
	out := make([]model.Record, 0, len(trades))
	for _, tr := range trades {
		if sub.wants(tr.InstrumentKey) {
			out = append(out, tr.Record())
		}
	}
	b.metrics.RecordsSent("trade", len(out))
	return out
}

func (b *Dispatcher) statisticsRecords(sub *Subscriber, snaps []model.StatisticsSnapshot) []model.Record {
	filtered := make([]model.StatisticsSnapshot, 0, len(snaps))
	for _, s := range snaps {
		if sub.wants(s.InstrumentKey) {
			filtered = append(filtered, s)
		}
	}

	var recs []model.DeltaRecord
	if sub.delta {
		recs = b.publisher.Publish(sub.id, filtered)
	} else {
		recs = publish.FullRecords(filtered)
	}

	out := make([]model.Record, len(recs))
	full := 0
	for i, r := range recs {
		out[i] = r.Wire()
		if r.IsFull {
			full++
		}
	}
	b.metrics.RecordsSent("full", full)
	b.metrics.RecordsSent("delta", len(recs)-full)
	return out
}

// publishable drops instruments below the minimum 60s volume.
func (b *Dispatcher) publishable(snaps []model.StatisticsSnapshot) []model.StatisticsSnapshot {
	if b.cfg.MinPublishVolume <= 0 {
		return snaps
	}
	out := make([]model.StatisticsSnapshot, 0, len(snaps))
	for _, s := range snaps {
		if s.TotalVolume60s >= b.cfg.MinPublishVolume {
			out = append(out, s)
		}
	}
	return out
}

func (b *Dispatcher) latestSnapshots() []model.StatisticsSnapshot {
	out := make([]model.StatisticsSnapshot, 0, len(b.latest))
	for _, s := range b.latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentKey < out[j].InstrumentKey })
	return out
}
