// Package metrics exposes the service's Prometheus instruments.
//
// Every method is safe to call on a nil *Metrics, which records nothing. This
// lets components run in tests without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	TradesIngested     *prometheus.CounterVec
	TradesOutOfOrder   prometheus.Counter
	ParseErrors        *prometheus.CounterVec
	UpstreamReconnects *prometheus.CounterVec
	ActiveInstruments  prometheus.Gauge
	InstrumentsEvicted prometheus.Counter
	Batches            prometheus.Counter
	BatchLatency       prometheus.Histogram
	TimelinePending    prometheus.Gauge
	Subscribers        *prometheus.GaugeVec
	SubscriberDrops    *prometheus.CounterVec
	RecordsPublished   *prometheus.CounterVec
	SinkErrors         *prometheus.CounterVec
	SinkDrops          *prometheus.CounterVec
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TradesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickstats_trades_ingested_total",
			Help: "Trades accepted from upstream feeds",
		}, []string{"venue"}),
		TradesOutOfOrder: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickstats_trades_out_of_order_total",
			Help: "Trades older than the latest processed event time",
		}),
		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickstats_parse_errors_total",
			Help: "Upstream messages dropped because they could not be parsed",
		}, []string{"venue"}),
		UpstreamReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickstats_upstream_reconnects_total",
			Help: "Reconnect attempts to upstream feeds",
		}, []string{"endpoint"}),
		ActiveInstruments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickstats_active_instruments",
			Help: "Instruments currently tracked",
		}),
		InstrumentsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickstats_instruments_evicted_total",
			Help: "Instruments released after being idle",
		}),
		Batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickstats_batches_total",
			Help: "Statistics batches produced",
		}),
		BatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickstats_batch_compute_seconds",
			Help:    "Time to compute and merge one trigger across partitions",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		TimelinePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickstats_timeline_pending_events",
			Help: "Events waiting in the timeline queue",
		}),
		Subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tickstats_subscribers",
			Help: "Connected subscribers",
		}, []string{"table"}),
		SubscriberDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickstats_subscriber_drops_total",
			Help: "Messages dropped for slow subscribers",
		}, []string{"table"}),
		RecordsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickstats_records_published_total",
			Help: "Statistics records sent to subscribers",
		}, []string{"kind"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickstats_sink_errors_total",
			Help: "Failed writes to outbound sinks",
		}, []string{"sink"}),
		SinkDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickstats_sink_drops_total",
			Help: "Batches dropped because a sink fell behind",
		}, []string{"sink"}),
	}

	reg.MustRegister(
		m.TradesIngested, m.TradesOutOfOrder, m.ParseErrors, m.UpstreamReconnects,
		m.ActiveInstruments, m.InstrumentsEvicted, m.Batches, m.BatchLatency,
		m.TimelinePending, m.Subscribers, m.SubscriberDrops, m.RecordsPublished,
		m.SinkErrors, m.SinkDrops,
	)
	return m
}

func (m *Metrics) TradeIngested(venue string) {
	if m != nil {
		m.TradesIngested.WithLabelValues(venue).Inc()
	}
}

func (m *Metrics) OutOfOrder() {
	if m != nil {
		m.TradesOutOfOrder.Inc()
	}
}

func (m *Metrics) ParseError(venue string) {
	if m != nil {
		m.ParseErrors.WithLabelValues(venue).Inc()
	}
}

func (m *Metrics) Reconnect(endpoint string) {
	if m != nil {
		m.UpstreamReconnects.WithLabelValues(endpoint).Inc()
	}
}

func (m *Metrics) InstrumentCreated() {
	if m != nil {
		m.ActiveInstruments.Inc()
	}
}

func (m *Metrics) InstrumentsReleased(n int) {
	if m != nil && n > 0 {
		m.ActiveInstruments.Sub(float64(n))
		m.InstrumentsEvicted.Add(float64(n))
	}
}

// BatchDone records one produced batch and how long it took.
func (m *Metrics) BatchDone(took time.Duration, pending int) {
	if m != nil {
		m.Batches.Inc()
		m.BatchLatency.Observe(took.Seconds())
		m.TimelinePending.Set(float64(pending))
	}
}

func (m *Metrics) SubscriberAdded(table string) {
	if m != nil {
		m.Subscribers.WithLabelValues(table).Inc()
	}
}

func (m *Metrics) SubscriberRemoved(table string) {
	if m != nil {
		m.Subscribers.WithLabelValues(table).Dec()
	}
}

func (m *Metrics) SubscriberDrop(table string) {
	if m != nil {
		m.SubscriberDrops.WithLabelValues(table).Inc()
	}
}

// RecordsSent counts published statistics records by kind ("full" or "delta").
func (m *Metrics) RecordsSent(kind string, n int) {
	if m != nil && n > 0 {
		m.RecordsPublished.WithLabelValues(kind).Add(float64(n))
	}
}

func (m *Metrics) SinkError(sink string) {
	if m != nil {
		m.SinkErrors.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) SinkDrop(sink string) {
	if m != nil {
		m.SinkDrops.WithLabelValues(sink).Inc()
	}
}
