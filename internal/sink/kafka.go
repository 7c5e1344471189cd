package sink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"tickstats/internal/model"
	"tickstats/internal/publish"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Brokers         []string      `yaml:"brokers" validate:"required_if=Enabled true"`
	StatisticsTopic string        `yaml:"statistics_topic" validate:"required"`
	TradesTopic     string        `yaml:"trades_topic" validate:"required"`
	BatchTimeout    time.Duration `yaml:"batch_timeout" validate:"gte=0"`
}

// DefaultKafkaConfig returns the topic defaults.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		StatisticsTopic: "tickstats.statistics",
		TradesTopic:     "tickstats.trades",
		BatchTimeout:    50 * time.Millisecond,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter returns a writer that partitions by message key.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
}

// KafkaSink writes one message per statistics record and per trade, keyed by
// instrument so every instrument stays ordered within its partition.
type KafkaSink struct {
	w               messageWriter
	statisticsTopic string
	tradesTopic     string
}

// NewKafkaSink creates a sink writing through w.
func NewKafkaSink(w messageWriter, cfg KafkaConfig) *KafkaSink {
	return &KafkaSink{w: w, statisticsTopic: cfg.StatisticsTopic, tradesTopic: cfg.TradesTopic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, batch model.Batch) error {
	msgs := make([]kafka.Message, 0, len(batch.Snapshots)+len(batch.Trades))
	seq := []byte(strconv.FormatUint(batch.Seq, 10))

	for _, rec := range publish.FullRecords(batch.Snapshots) {
		msg, err := s.message(s.statisticsTopic, rec.InstrumentKey, rec.Wire(), seq, batch.At)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	for _, tr := range batch.Trades {
		msg, err := s.message(s.tradesTopic, tr.InstrumentKey, tr.Record(), seq, tr.EventTime)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	if len(msgs) == 0 {
		return nil
	}
	if err := s.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d messages: %w", len(msgs), err)
	}
	return nil
}

func (s *KafkaSink) message(topic, key string, row model.Record, seq []byte, at time.Time) (kafka.Message, error) {
	value, err := json.Marshal(row)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s: %w", key, err)
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Time:    at,
		Headers: []kafka.Header{{Key: "seq", Value: seq}},
	}, nil
}
