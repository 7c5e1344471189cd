package engine

import (
	"sort"
	"time"

	"tickstats/internal/metrics"
	"tickstats/internal/model"
	"tickstats/internal/router"
	"tickstats/internal/stats"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
)

type partMsg struct {
	trade     model.TradeEvent
	at        time.Time
	isTrigger bool
	evict     bool
}

type partResult struct {
	snapshots []model.StatisticsSnapshot
	evicted   []string
}

// partition owns the instruments whose key hashes to it.
type partition struct {
	router *router.Router
	in     chan partMsg
}

func (p *partition) run(out chan<- partResult, ttl time.Duration) {
	for msg := range p.in {
		if !msg.isTrigger {
			p.router.Route(msg.trade).Observe(msg.trade)
			continue
		}

		var res partResult
		if msg.evict {
			res.evicted = p.router.Evict(msg.at, ttl)
		}
		p.router.Each(func(in *stats.Instrument) {
			if snap, ok := in.Advance(msg.at); ok {
				res.snapshots = append(res.snapshots, snap)
			}
		})
		out <- res
	}
}

// pipeline is the timeline consumer: it fans trades out to partitions and
// fans trigger results back in.
type pipeline struct {
	cfg     Config
	metrics *metrics.Metrics
	parts   []*partition
	results chan partResult
	queued  func() int

	// owned by the timeline goroutine
	pending   []model.TradeEvent
	seq       uint64
	lastSweep time.Time
	lastAt    time.Time
}

func newPipeline(cfg Config, m *metrics.Metrics) *pipeline {
	p := &pipeline{
		cfg:     cfg,
		metrics: m,
		parts:   make([]*partition, cfg.Partitions),
		results: make(chan partResult, cfg.Partitions),
		queued:  func() int { return 0 },
	}
	for i := range p.parts {
		p.parts[i] = &partition{
			router: router.New(cfg.Stats, router.WithOnCreate(func(key string) {
				m.InstrumentCreated()
				log.Debug().Str("instrument", key).Msg("new instrument")
			})),
			in: make(chan partMsg, 1024),
		}
	}
	return p
}

func (p *pipeline) start() {
	for _, part := range p.parts {
		go part.run(p.results, p.cfg.IdleTTL)
	}
}

// stop flushes trades processed since the last trigger and stops the partitions.
func (p *pipeline) stop(out chan<- model.Batch) {
	if len(p.pending) > 0 {
		at := p.lastAt
		if at.IsZero() {
			at = p.pending[len(p.pending)-1].EventTime
		}
		p.seq++
		out <- model.Batch{Seq: p.seq, At: at, Trades: p.pending, Final: true}
		p.pending = nil
	}
	for _, part := range p.parts {
		close(part.in)
	}
}

func (p *pipeline) partitionFor(key string) *partition {
	if len(p.parts) == 1 {
		return p.parts[0]
	}
	return p.parts[xxhash.Sum64String(key)%uint64(len(p.parts))]
}

func (p *pipeline) keys() []string {
	var keys []string
	for _, part := range p.parts {
		keys = append(keys, part.router.Keys()...)
	}
	sort.Strings(keys)
	return keys
}

func (p *pipeline) handler(out chan<- model.Batch) *timelineHandler {
	return &timelineHandler{p: p, out: out}
}

// timelineHandler adapts the pipeline to timeline.Handler.
type timelineHandler struct {
	p   *pipeline
	out chan<- model.Batch
}

func (h *timelineHandler) OnTrade(trade model.TradeEvent, outOfOrder bool) {
	if outOfOrder {
		h.p.metrics.OutOfOrder()
		log.Debug().
			Str("instrument", trade.InstrumentKey).
			Time("event_time", trade.EventTime).
			Msg("out of order trade")
	}
	h.p.pending = append(h.p.pending, trade)
	h.p.partitionFor(trade.InstrumentKey).in <- partMsg{trade: trade}
}

func (h *timelineHandler) OnTrigger(at time.Time) {
	p := h.p
	start := time.Now()

	sweep := p.cfg.IdleTTL > 0 && at.Sub(p.lastSweep) >= p.cfg.EvictEvery
	if sweep {
		p.lastSweep = at
	}

	for _, part := range p.parts {
		part.in <- partMsg{at: at, isTrigger: true, evict: sweep}
	}
	results := make([]partResult, 0, len(p.parts))
	for range p.parts {
		results = append(results, <-p.results)
	}

	p.seq++
	batch := collect(p.seq, at, results)
	batch.Trades = p.pending
	p.pending = nil
	p.lastAt = at

	if n := len(batch.Evicted); n > 0 {
		p.metrics.InstrumentsReleased(n)
		log.Info().Int("count", n).Time("at", at).Msg("evicted idle instruments")
	}
	p.metrics.BatchDone(time.Since(start), p.queued())
	h.out <- batch
}

// collect merges the per-partition results of one trigger into a batch with
// snapshots sorted by instrument key.
func collect(seq uint64, at time.Time, results []partResult) model.Batch {
	batch := model.Batch{Seq: seq, At: at}
	for _, r := range results {
		batch.Snapshots = append(batch.Snapshots, r.snapshots...)
		batch.Evicted = append(batch.Evicted, r.evicted...)
	}
	sort.Slice(batch.Snapshots, func(i, j int) bool {
		return batch.Snapshots[i].InstrumentKey < batch.Snapshots[j].InstrumentKey
	})
	sort.Strings(batch.Evicted)
	return batch
}
