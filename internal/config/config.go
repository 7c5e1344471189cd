// Package config loads the server configuration.
//
// Values are resolved in three layers: the defaults below, an optional YAML
// file, then TICKSTATS_* environment variables (a .env file in the working
// directory is loaded first when present). Nested fields map to underscore
// separated names, e.g. TICKSTATS_ENGINE_INTERVAL=2s or
// TICKSTATS_VENUES_POLYGON_API_KEY.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"tickstats/internal/engine"
	"tickstats/internal/exchange"
	"tickstats/internal/server"
	"tickstats/internal/service"
	"tickstats/internal/sink"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TICKSTATS"

// ErrInvalidConfig wraps every validation failure reported by Load.
var ErrInvalidConfig = errors.New("invalid configuration")

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `yaml:"pretty"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// VenueConfig enables one upstream feed. An empty Symbols list subscribes to
// everything the venue offers where the venue supports it.
type VenueConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	Symbols                 []string `yaml:"symbols"`
	exchange.ExchangeConfig `yaml:",inline"`
}

type VenuesConfig struct {
	Polygon  VenueConfig `yaml:"polygon"`
	Binance  VenueConfig `yaml:"binance"`
	Coinbase VenueConfig `yaml:"coinbase"`
	OKX      VenueConfig `yaml:"okx"`
}

type SinksConfig struct {
	QueueSize    int              `yaml:"queue_size" validate:"gt=0"`
	WriteTimeout time.Duration    `yaml:"write_timeout" validate:"gt=0"`
	Redis        sink.RedisConfig `yaml:"redis"`
	Kafka        sink.KafkaConfig `yaml:"kafka"`
}

// Config is the complete server configuration.
type Config struct {
	Log        LogConfig                `yaml:"log"`
	HTTP       server.Config            `yaml:"http"`
	GRPC       GRPCConfig               `yaml:"grpc"`
	Engine     engine.Config            `yaml:"engine"`
	Dispatcher service.DispatcherConfig `yaml:"dispatcher"`
	Venues     VenuesConfig             `yaml:"venues"`
	Sinks      SinksConfig              `yaml:"sinks"`
}

// Default returns the configuration used when nothing is overridden: the
// Polygon feed for every instrument, no external sinks.
func Default() Config {
	return Config{
		Log:        LogConfig{Level: "info", Pretty: true},
		HTTP:       server.DefaultConfig(),
		GRPC:       GRPCConfig{Addr: ":50051"},
		Engine:     engine.DefaultConfig(),
		Dispatcher: service.DefaultDispatcherConfig(),
		Venues: VenuesConfig{
			Polygon:  VenueConfig{Enabled: true},
			Binance:  VenueConfig{Symbols: []string{"BTC-USDT", "ETH-USDT"}},
			Coinbase: VenueConfig{Symbols: []string{"BTC-USD", "ETH-USD"}},
			OKX:      VenueConfig{Symbols: []string{"BTC-USDT", "ETH-USDT"}},
		},
		Sinks: SinksConfig{
			QueueSize:    64,
			WriteTimeout: 5 * time.Second,
			Redis:        sink.RedisConfig{Addr: "localhost:6379", TTL: 10 * time.Minute},
			Kafka:        sink.DefaultKafkaConfig(),
		},
	}
}

// Load builds the configuration from the defaults, the YAML file at path
// (skipped when path is empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// .env is optional
	_ = godotenv.Load()

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Engine.Stats.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	enabled := 0
	for _, v := range c.Venues.List() {
		if v.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("%w: no venue enabled", ErrInvalidConfig)
	}
	if c.Venues.Polygon.Enabled && c.Venues.Polygon.APIKey == "" {
		return fmt.Errorf("%w: polygon requires an API key (TICKSTATS_VENUES_POLYGON_API_KEY)", ErrInvalidConfig)
	}
	return nil
}

// NamedVenue pairs a venue config with its name.
type NamedVenue struct {
	Name string
	VenueConfig
}

// List returns the venues in a fixed order.
func (v VenuesConfig) List() []NamedVenue {
	return []NamedVenue{
		{Name: "polygon", VenueConfig: v.Polygon},
		{Name: "binance", VenueConfig: v.Binance},
		{Name: "coinbase", VenueConfig: v.Coinbase},
		{Name: "okx", VenueConfig: v.OKX},
	}
}

// ZerologLevel parses the configured level, falling back to info.
func (l LogConfig) ZerologLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(l.Level))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
