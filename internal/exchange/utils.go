// Package exchange provides the upstream trade feed connectors.
//
// This file contains the configuration, error values and the client wiring
// shared by every connector. Each connector only knows its venue's wire
// format; reconnecting and delivery are handled by the websocket package.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tickstats/internal/metrics"
	"tickstats/internal/model"
	"tickstats/internal/websocket"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidConfig indicates that the provided ExchangeConfig contains invalid values.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrIngestionParse marks an upstream frame that could not be decoded
	// into trades. The frame is dropped and the stream continues.
	ErrIngestionParse = errors.New("ingestion parse error")
)

// ExchangeConfig provides common configuration parameters for all exchange connectors.
type ExchangeConfig struct {
	// BaseURL is the WebSocket endpoint URL for the exchange API.
	BaseURL string `yaml:"base_url"`

	// MaxSymbols is the maximum number of trading pairs that can be subscribed to simultaneously.
	MaxSymbols int `yaml:"max_symbols"`

	// APIKey authenticates feeds that require it.
	APIKey string `yaml:"api_key" envconfig:"api_key"`

	// Backoff is the reconnect schedule; zero uses the client default.
	Backoff websocket.Backoff `yaml:"backoff"`

	// MaxReconnects bounds consecutive failed reconnects, 0 retries forever.
	MaxReconnects int `yaml:"max_reconnects"`
}

// Option configures a connector.
type Option func(*connector)

// WithMetrics records reconnects and parse errors into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *connector) { c.metrics = m }
}

// connector holds the state every venue connector shares.
type connector struct {
	venue   model.Venue
	config  ExchangeConfig
	metrics *metrics.Metrics
}

func newConnector(venue model.Venue, cfg *ExchangeConfig, defaults *ExchangeConfig, opts []Option) (connector, error) {
	if cfg == nil {
		c := *defaults
		cfg = &c
	}
	if err := validateConfig(cfg, defaults); err != nil {
		return connector{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	c := connector{venue: venue, config: *cfg}
	for _, opt := range opts {
		opt(&c)
	}
	return c, nil
}

// validateConfig ensures all required configuration fields are present and valid,
// applying sensible defaults for optional fields when possible.
func validateConfig(cfg *ExchangeConfig, defaultCfg *ExchangeConfig) error {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultCfg.BaseURL
	}

	if cfg.MaxSymbols <= 0 {
		cfg.MaxSymbols = defaultCfg.MaxSymbols
	}

	if cfg.MaxReconnects < -1 {
		return fmt.Errorf("max reconnects must be >= -1, got %d", cfg.MaxReconnects)
	}
	return nil
}

// stream opens a reconnecting client for endpoint and returns its trade channel.
func (c *connector) stream(ctx context.Context, endpoint string, subs [][]byte, h websocket.Handler) (<-chan model.TradeEvent, error) {
	venue := c.venue.String()
	client, err := websocket.NewWebsocketClient(ctx, websocket.Config{
		Endpoint:             endpoint,
		Handler:              h,
		SubscriptionMessages: subs,
		Backoff:              c.config.Backoff,
		MaxAttempts:          c.config.MaxReconnects,
		OnReconnect:          func(int) { c.metrics.Reconnect(venue) },
		OnHandlerError: func(err error) {
			if errors.Is(err, ErrIngestionParse) {
				c.metrics.ParseError(venue)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s WebSocket client: %w", venue, err)
	}
	return client.TradeChan, nil
}

// parseError wraps a decoding failure as ErrIngestionParse.
func parseError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIngestionParse, fmt.Sprintf(format, args...))
}

// decimalPair parses a price and size sent as strings by the venue.
func decimalPair(price, size string) (p, s decimal.Decimal, err error) {
	p, err = decimal.NewFromString(price)
	if err != nil {
		return p, s, parseError("invalid trade price %q: %v", price, err)
	}
	s, err = decimal.NewFromString(size)
	if err != nil {
		return p, s, parseError("invalid trade quantity %q: %v", size, err)
	}
	if !p.IsPositive() || s.IsNegative() {
		return p, s, parseError("non-positive price %s or negative size %s", p, s)
	}
	return p, s, nil
}

// newTrade builds a TradeEvent from decimal price and size.
func newTrade(key string, price, size decimal.Decimal, at time.Time, side model.Side, venue model.Venue, venueID int) model.TradeEvent {
	return model.NewTradeEvent(key, price.InexactFloat64(), size.InexactFloat64(), at, side, venue, venueID)
}
