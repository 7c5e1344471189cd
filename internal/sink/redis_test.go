package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"tickstats/internal/model"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type setCall struct {
	key   string
	value []byte
	ttl   time.Duration
}

type pubCall struct {
	channel string
	message []byte
}

type fakeRedis struct {
	sets    []setCall
	pubs    []pubCall
	failSet error
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	if f.failSet != nil {
		return redis.NewStatusResult("", f.failSet)
	}
	f.sets = append(f.sets, setCall{key: key, value: value.([]byte), ttl: ttl})
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	f.pubs = append(f.pubs, pubCall{channel: channel, message: message.([]byte)})
	return redis.NewIntResult(1, nil)
}

func statsBatch() model.Batch {
	return model.Batch{
		Seq: 9,
		At:  base,
		Snapshots: []model.StatisticsSnapshot{
			{InstrumentKey: "BTC-USD", State: model.PhaseSteady, TradeCount: 3, WeightedAvg: model.Some(101), EventTime: base},
			{InstrumentKey: "ETH-USD", State: model.PhaseWarming, TradeCount: 1, EventTime: base},
		},
		Trades: []model.TradeEvent{
			model.NewTradeEvent("BTC-USD", 101, 0.5, base, model.SideBuy, model.CoinbaseVenue, 0),
		},
	}
}

func Test_RedisSink_Write(t *testing.T) {
	client := &fakeRedis{}
	s := NewRedisSink(client, time.Minute)
	require.NoError(t, s.Write(context.Background(), statsBatch()))

	require.Len(t, client.sets, 2)
	assert.Equal(t, "tickstats:latest:BTC-USD", client.sets[0].key)
	assert.Equal(t, time.Minute, client.sets[0].ttl)
	var row map[string]any
	require.NoError(t, json.Unmarshal(client.sets[0].value, &row))
	assert.Equal(t, "BTC-USD", row["instrument_key"])
	assert.Equal(t, "steady", row["state"])
	assert.Equal(t, 101.0, row["weighted_avg"])
	assert.Equal(t, true, row["is_full"])

	require.Len(t, client.pubs, 2)
	assert.Equal(t, "tickstats:statistics", client.pubs[0].channel)
	assert.Equal(t, "tickstats:trades", client.pubs[1].channel)

	var env model.Envelope
	require.NoError(t, json.Unmarshal(client.pubs[1].message, &env))
	assert.Equal(t, model.TradesTable, env.Table)
	assert.Equal(t, model.MessageTableUpdate, env.MessageType)
	require.Len(t, env.Data, 1)
	assert.Equal(t, "buy", env.Data[0]["side"])
}

func Test_RedisSink_EmptyBatch(t *testing.T) {
	client := &fakeRedis{}
	require.NoError(t, NewRedisSink(client, 0).Write(context.Background(), model.Batch{Seq: 1}))
	assert.Empty(t, client.sets)
	assert.Empty(t, client.pubs)
}

func Test_RedisSink_SetError(t *testing.T) {
	client := &fakeRedis{failSet: errors.New("READONLY")}
	err := NewRedisSink(client, 0).Write(context.Background(), statsBatch())
	assert.ErrorContains(t, err, "set latest BTC-USD")
	assert.Empty(t, client.pubs)
}
