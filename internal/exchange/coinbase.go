package exchange

import (
	"context"
	"time"

	"tickstats/internal/model"
	"tickstats/internal/utils"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

var (
	// defaultCoinbaseConfig provides sensible default configuration values for Coinbase connections.
	defaultCoinbaseConfig = ExchangeConfig{
		BaseURL:    "wss://ws-feed.exchange.coinbase.com",
		MaxSymbols: 10,
	}
)

// CoinbaseConnector streams trades from the Coinbase Exchange "matches" channel.
type CoinbaseConnector struct {
	connector
	validate *validator.Validate
}

// coinbaseMatch is a trade execution on the matches channel. Side is the
// maker order's side, so the aggressor is the opposite.
//
//	{
//		"type": "match",
//		"trade_id": 12345,
//		"side": "buy",
//		"size": "0.00100000",
//		"price": "50000.00",
//		"product_id": "BTC-USD",
//		"time": "2023-01-01T12:00:00.123456Z"
//	}
type coinbaseMatch struct {
	Type      string `json:"type" validate:"required,oneof=match last_match"`
	TradeID   int64  `json:"trade_id"`
	Side      string `json:"side" validate:"required,oneof=buy sell"`
	Price     string `json:"price" validate:"required,numeric"`
	Size      string `json:"size" validate:"required,numeric"`
	ProductID string `json:"product_id" validate:"required"`
	Time      string `json:"time" validate:"required"`
}

// NewCoinbaseConnector creates a new Coinbase connector. A nil cfg uses the defaults.
func NewCoinbaseConnector(cfg *ExchangeConfig, opts ...Option) (*CoinbaseConnector, error) {
	c, err := newConnector(model.CoinbaseVenue, cfg, &defaultCoinbaseConfig, opts)
	if err != nil {
		return nil, err
	}
	return &CoinbaseConnector{connector: c, validate: validator.New()}, nil
}

// SubscribeToTrades subscribes to the matches channel for pairs.
func (cc *CoinbaseConnector) SubscribeToTrades(ctx context.Context, pairs []string) (<-chan model.TradeEvent, error) {
	if err := utils.ValidatePairs(pairs, cc.config.MaxSymbols); err != nil {
		return nil, err
	}

	msg, err := cc.buildSubscriptionMessage(pairs)
	if err != nil {
		return nil, err
	}
	return cc.stream(ctx, cc.config.BaseURL, [][]byte{msg}, cc.handleTradeMessage)
}

// buildSubscriptionMessage constructs
//
//	{"type": "subscribe", "product_ids": ["BTC-USD"], "channels": ["matches"]}
func (cc *CoinbaseConnector) buildSubscriptionMessage(pairs []string) ([]byte, error) {
	subMsg := map[string]interface{}{
		"type":        "subscribe",
		"product_ids": pairs,
		"channels":    []string{"matches"},
	}
	return json.Marshal(subMsg)
}

// handleTradeMessage decodes one frame. Subscription acks and heartbeats
// carry no trades; error frames are reported as parse errors.
func (cc *CoinbaseConnector) handleTradeMessage(raw []byte) ([]model.TradeEvent, error) {
	var head struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, parseError("failed to unmarshal message: %v", err)
	}
	switch head.Type {
	case "match", "last_match":
	case "error":
		return nil, parseError("upstream error: %s", head.Message)
	default:
		return nil, nil
	}

	var m coinbaseMatch
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, parseError("failed to unmarshal match message: %v", err)
	}

	if err := cc.validate.Struct(&m); err != nil {
		return nil, parseError("validation failed for match message: %v", err)
	}

	t, err := time.Parse(time.RFC3339Nano, m.Time)
	if err != nil {
		return nil, parseError("unable to parse time %q", m.Time)
	}

	price, size, err := decimalPair(m.Price, m.Size)
	if err != nil {
		return nil, err
	}

	side := model.SideSell
	if m.Side == "sell" {
		side = model.SideBuy
	}

	return []model.TradeEvent{
		newTrade(utils.NormalizeKey(m.ProductID), price, size, t.UTC(), side, model.CoinbaseVenue, 0),
	}, nil
}
