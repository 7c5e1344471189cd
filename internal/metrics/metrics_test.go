package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func Test_NilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TradeIngested("binance")
		m.OutOfOrder()
		m.BatchDone(time.Millisecond, 3)
		m.InstrumentsReleased(2)
		m.SinkError("redis")
	})
}

func Test_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TradeIngested("polygon")
	m.TradeIngested("polygon")
	m.InstrumentCreated()
	m.InstrumentCreated()
	m.InstrumentsReleased(1)
	m.RecordsSent("delta", 5)
	m.RecordsSent("full", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TradesIngested.WithLabelValues("polygon")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveInstruments))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InstrumentsEvicted))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.RecordsPublished.WithLabelValues("delta")))

	count, err := testutil.GatherAndCount(reg, "tickstats_records_published_total")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}
