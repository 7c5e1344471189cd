package sink

import (
	"context"
	"fmt"
	"time"

	"tickstats/internal/model"
	"tickstats/internal/publish"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const (
	redisLatestPrefix      = "tickstats:latest:"
	redisStatisticsChannel = "tickstats:statistics"
	redisTradesChannel     = "tickstats:trades"
)

// RedisConfig configures the Redis sink.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr" validate:"required_if=Enabled true"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db" validate:"gte=0"`
	TTL      time.Duration `yaml:"ttl" validate:"gte=0"`
}

// redisClient is the subset of *redis.Client used by the sink.
type redisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// NewRedisClient connects to the configured server.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RedisSink keeps the latest statistics record of every instrument under
// tickstats:latest:{key} and publishes each batch as table envelopes on the
// tickstats:statistics and tickstats:trades channels.
type RedisSink struct {
	client redisClient
	ttl    time.Duration
}

// NewRedisSink creates a sink writing through client. A zero ttl keeps keys forever.
func NewRedisSink(client redisClient, ttl time.Duration) *RedisSink {
	return &RedisSink{client: client, ttl: ttl}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Write(ctx context.Context, batch model.Batch) error {
	if len(batch.Snapshots) > 0 {
		records := publish.FullRecords(batch.Snapshots)
		rows := make([]model.Record, len(records))
		for i, rec := range records {
			rows[i] = rec.Wire()
			data, err := json.Marshal(rows[i])
			if err != nil {
				return fmt.Errorf("encode %s: %w", rec.InstrumentKey, err)
			}
			if err := s.client.Set(ctx, redisLatestPrefix+rec.InstrumentKey, data, s.ttl).Err(); err != nil {
				return fmt.Errorf("set latest %s: %w", rec.InstrumentKey, err)
			}
		}
		if err := s.publish(ctx, redisStatisticsChannel, model.StatisticsTable, rows); err != nil {
			return err
		}
	}

	if len(batch.Trades) > 0 {
		rows := make([]model.Record, len(batch.Trades))
		for i, tr := range batch.Trades {
			rows[i] = tr.Record()
		}
		if err := s.publish(ctx, redisTradesChannel, model.TradesTable, rows); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisSink) publish(ctx context.Context, channel string, table model.Table, rows []model.Record) error {
	data, err := json.Marshal(&model.Envelope{MessageType: model.MessageTableUpdate, Table: table, Data: rows})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", table, err)
	}
	if err := s.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}
