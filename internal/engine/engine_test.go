package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tickstats/internal/model"
	"tickstats/internal/stats"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var base = time.Unix(1700000000, 0)

func sec(f float64) time.Time { return base.Add(time.Duration(f * float64(time.Second))) }

// MockTradeSource is a mock implementation of TradeSource for testing.
type MockTradeSource struct {
	mock.Mock

	tradeChan chan model.TradeEvent
	name      string
	closed    bool
	mu        sync.RWMutex
}

func NewMockTradeSource(name string) *MockTradeSource {
	return &MockTradeSource{
		tradeChan: make(chan model.TradeEvent, 100),
		name:      name,
	}
}

func (m *MockTradeSource) SubscribeToTrades(ctx context.Context, pairs []string) (<-chan model.TradeEvent, error) {
	args := m.Called(ctx, pairs)
	if err := args.Error(0); err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		m.close()
	}()

	return m.tradeChan, nil
}

func (m *MockTradeSource) SendTrades(trades ...model.TradeEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tr := range trades {
		if m.closed {
			return
		}
		select {
		case m.tradeChan <- tr:
		default:
			panic(fmt.Sprintf("mock source %s channel full", m.name))
		}
	}
}

func (m *MockTradeSource) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.tradeChan)
	}
}

type fakeClock struct{ nanos atomic.Int64 }

func (c *fakeClock) now() time.Time { return time.Unix(0, c.nanos.Load()) }
func (c *fakeClock) set(t time.Time) { c.nanos.Store(t.UnixNano()) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TriggerDelay = 0
	cfg.QueueSize = 1024
	return cfg
}

func trade(key string, price float64, at time.Time, side model.Side) model.TradeEvent {
	return model.NewTradeEvent(key, price, 1, at, side, model.PolygonVenue, 1)
}

func nextBatch(t *testing.T, ch <-chan model.Batch) model.Batch {
	t.Helper()
	select {
	case b, ok := <-ch:
		require.True(t, ok, "batch channel closed")
		return b
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for batch")
	}
	return model.Batch{}
}

func drain(t *testing.T, ch <-chan model.Batch) []model.Batch {
	t.Helper()
	var out []model.Batch
	timeout := time.After(3 * time.Second)
	for {
		select {
		case b, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, b)
		case <-timeout:
			require.FailNow(t, "batch channel was not closed")
		}
	}
}

func Test_Start_SubscriptionFailure(t *testing.T) {
	ok := NewMockTradeSource("ok")
	ok.On("SubscribeToTrades", mock.Anything, []string{"BTC-USD"}).Return(nil)
	bad := NewMockTradeSource("bad")
	bad.On("SubscribeToTrades", mock.Anything, []string(nil)).Return(errors.New("dial failed"))

	e, err := New([]Subscription{
		{Name: "ok", Source: ok, Pairs: []string{"BTC-USD"}},
		{Name: "bad", Source: bad},
	}, testConfig())
	require.NoError(t, err)

	ch, err := e.Start(context.Background())
	assert.Nil(t, ch)
	assert.ErrorContains(t, err, "bad")
	ok.AssertExpectations(t)
	bad.AssertExpectations(t)
}

func Test_Start_Twice(t *testing.T) {
	src := NewMockTradeSource("src")
	src.On("SubscribeToTrades", mock.Anything, mock.Anything).Return(nil)
	e, err := New([]Subscription{{Name: "src", Source: src}}, testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := e.Start(ctx)
	require.NoError(t, err)
	_, err = e.Start(ctx)
	assert.Error(t, err)

	cancel()
	drain(t, ch)
}

func Test_New_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Partitions = 0
	_, err := New(nil, cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Stats.TradeWindow = 0
	_, err = New(nil, cfg)
	assert.ErrorIs(t, err, stats.ErrInvalidConfig)
}

func Test_Engine_EndToEnd(t *testing.T) {
	src := NewMockTradeSource("polygon")
	src.On("SubscribeToTrades", mock.Anything, mock.Anything).Return(nil)
	clock := &fakeClock{}

	e, err := New([]Subscription{{Name: "polygon", Source: src}}, testConfig(), WithClock(clock.now))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := e.Start(ctx)
	require.NoError(t, err)

	src.SendTrades(
		trade("BTC-USD", 100, sec(0), model.SideBuy),
		trade("BTC-USD", 100, sec(1), model.SideSell),
		trade("BTC-USD", 102, sec(2), model.SideBuy),
		trade("ETH-USD", 10, sec(2.5), model.SideBuy),
		trade("BTC-USD", 98, sec(3), model.SideSell),
	)

	for i := 1; i <= 3; i++ {
		b := nextBatch(t, ch)
		assert.Equal(t, uint64(i), b.Seq)
		assert.Equal(t, sec(float64(i)), b.At)
	}

	clock.set(sec(4))
	b := nextBatch(t, ch)
	assert.Equal(t, sec(4), b.At)
	require.Len(t, b.Snapshots, 2)
	assert.Equal(t, "BTC-USD", b.Snapshots[0].InstrumentKey)
	assert.Equal(t, "ETH-USD", b.Snapshots[1].InstrumentKey)
	assert.Equal(t, model.Some(100), b.Snapshots[0].WeightedAvg)
	assert.Equal(t, int64(4), b.Snapshots[0].TradeCount)
	assert.InDelta(t, 0.505, b.Snapshots[0].BuyPressure, 1e-12)
	require.Len(t, b.Trades, 1)
	assert.Equal(t, sec(3), b.Trades[0].EventTime)

	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, e.Instruments())

	cancel()
	rest := drain(t, ch)
	for _, b := range rest {
		assert.False(t, b.Final, "no trades were pending")
	}
}

func Test_Engine_FinalBatchOnShutdown(t *testing.T) {
	src := NewMockTradeSource("polygon")
	src.On("SubscribeToTrades", mock.Anything, mock.Anything).Return(nil)
	clock := &fakeClock{}

	e, err := New([]Subscription{{Name: "polygon", Source: src}}, testConfig(), WithClock(clock.now))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := e.Start(ctx)
	require.NoError(t, err)

	src.SendTrades(trade("SOL-USD", 20, sec(0.2), model.SideBuy))
	require.Eventually(t, func() bool { return len(e.Instruments()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	batches := drain(t, ch)
	require.Len(t, batches, 1)
	assert.True(t, batches[0].Final)
	assert.Empty(t, batches[0].Snapshots)
	require.Len(t, batches[0].Trades, 1)
	assert.Equal(t, "SOL-USD", batches[0].Trades[0].InstrumentKey)
}

func Test_Engine_IdleEviction(t *testing.T) {
	src := NewMockTradeSource("polygon")
	src.On("SubscribeToTrades", mock.Anything, mock.Anything).Return(nil)
	clock := &fakeClock{}

	cfg := testConfig()
	cfg.IdleTTL = 5 * time.Second
	cfg.EvictEvery = time.Second
	e, err := New([]Subscription{{Name: "polygon", Source: src}}, cfg, WithClock(clock.now))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := e.Start(ctx)
	require.NoError(t, err)

	src.SendTrades(
		trade("A", 1, sec(0), model.SideBuy),
		trade("B", 1, sec(10), model.SideBuy),
	)

	var evictedAt time.Time
	for i := 1; i <= 10; i++ {
		b := nextBatch(t, ch)
		if len(b.Evicted) > 0 {
			assert.Equal(t, []string{"A"}, b.Evicted)
			evictedAt = b.At
		}
		for _, s := range b.Snapshots {
			if !evictedAt.IsZero() {
				assert.NotEqual(t, "A", s.InstrumentKey)
			}
		}
	}
	assert.Equal(t, sec(6), evictedAt)
	require.Eventually(t, func() bool {
		keys := e.Instruments()
		return len(keys) == 1 && keys[0] == "B"
	}, 2*time.Second, 5*time.Millisecond)
}

func Test_Collect_SortsByKey(t *testing.T) {
	at := sec(1)
	b := collect(7, at, []partResult{
		{snapshots: []model.StatisticsSnapshot{{InstrumentKey: "ZEC-USD"}, {InstrumentKey: "ADA-USD"}}, evicted: []string{"Q"}},
		{snapshots: []model.StatisticsSnapshot{{InstrumentKey: "BTC-USD"}}, evicted: []string{"C"}},
		{},
	})

	assert.Equal(t, uint64(7), b.Seq)
	assert.Equal(t, at, b.At)
	var keys []string
	for _, s := range b.Snapshots {
		keys = append(keys, s.InstrumentKey)
	}
	assert.Equal(t, []string{"ADA-USD", "BTC-USD", "ZEC-USD"}, keys)
	assert.Equal(t, []string{"C", "Q"}, b.Evicted)
}

func Test_PartitionFor_Stable(t *testing.T) {
	p := newPipeline(testConfig(), nil)
	for _, k := range []string{"BTC-USD", "ETH-USD", "X"} {
		assert.Same(t, p.partitionFor(k), p.partitionFor(k))
	}
}
