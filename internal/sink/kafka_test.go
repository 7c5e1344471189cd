package sink

import (
	"context"
	"errors"
	"testing"

	"tickstats/internal/model"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKafka struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func Test_KafkaSink_Write(t *testing.T) {
	w := &fakeKafka{}
	s := NewKafkaSink(w, DefaultKafkaConfig())
	require.NoError(t, s.Write(context.Background(), statsBatch()))

	require.Len(t, w.msgs, 3)
	tests := []struct {
		topic string
		key   string
	}{
		{"tickstats.statistics", "BTC-USD"},
		{"tickstats.statistics", "ETH-USD"},
		{"tickstats.trades", "BTC-USD"},
	}
	for i, tt := range tests {
		assert.Equal(t, tt.topic, w.msgs[i].Topic)
		assert.Equal(t, tt.key, string(w.msgs[i].Key))
		require.Len(t, w.msgs[i].Headers, 1)
		assert.Equal(t, "9", string(w.msgs[i].Headers[0].Value))
	}

	var row map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &row))
	assert.Equal(t, "warming", row["state"])
	_, hasAvg := row["weighted_avg"]
	assert.False(t, hasAvg, "undefined metrics are omitted")

	require.NoError(t, json.Unmarshal(w.msgs[2].Value, &row))
	assert.Equal(t, "coinbase", row["venue"])
}

func Test_KafkaSink_Errors(t *testing.T) {
	w := &fakeKafka{err: errors.New("leader not available")}
	s := NewKafkaSink(w, DefaultKafkaConfig())
	assert.ErrorContains(t, s.Write(context.Background(), statsBatch()), "write 3 messages")
	assert.NoError(t, s.Write(context.Background(), model.Batch{}))
}
