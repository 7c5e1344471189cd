package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tickstats/internal/model"
	"tickstats/internal/utils"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

var (
	// defaultBinanceConfig provides sensible default configuration values for Binance connections.
	defaultBinanceConfig = ExchangeConfig{
		BaseURL:    "wss://stream.binance.com:9443",
		MaxSymbols: 10,
	}
)

// BinanceConnector streams trades from Binance combined trade streams.
type BinanceConnector struct {
	connector
	validate *validator.Validate
}

// msg represents the outer wrapper structure for Binance combined stream messages.
//
//	{
//		"stream": "btcusdt@trade",
//		"data": {"s": "BTCUSDT", "t": 12345, "p": "50000.12", "q": "0.001", "T": 1634567890123, "m": true}
//	}
type msg struct {
	Stream string          `json:"stream" validate:"required"`
	Data   json.RawMessage `json:"data" validate:"required"`
}

// trade is the Binance trade payload. BuyerMaker set means the aggressor sold.
type trade struct {
	Symbol     string `json:"s" validate:"required"`
	TradeID    int64  `json:"t"`
	Price      string `json:"p" validate:"required,numeric"`
	Quantity   string `json:"q" validate:"required,numeric"`
	Time       int64  `json:"T" validate:"required,gt=0"`
	BuyerMaker bool   `json:"m"`
}

// NewBinanceConnector creates a new Binance connector. A nil cfg uses the defaults.
func NewBinanceConnector(cfg *ExchangeConfig, opts ...Option) (*BinanceConnector, error) {
	c, err := newConnector(model.BinanceVenue, cfg, &defaultBinanceConfig, opts)
	if err != nil {
		return nil, err
	}
	return &BinanceConnector{connector: c, validate: validator.New()}, nil
}

// SubscribeToTrades opens the combined trade stream for pairs. Binance has no
// wildcard trade stream, so at least one pair is required.
func (bc *BinanceConnector) SubscribeToTrades(ctx context.Context, pairs []string) (<-chan model.TradeEvent, error) {
	if err := utils.ValidatePairs(pairs, bc.config.MaxSymbols); err != nil {
		return nil, err
	}

	streamURL, err := bc.buildStreamUrl(pairs)
	if err != nil {
		return nil, err
	}
	return bc.stream(ctx, streamURL, nil, bc.handleTradeMessage)
}

// buildStreamUrl constructs the combined stream URL:
// wss://stream.binance.com:9443/stream?streams=btcusdt@trade/ethusdt@trade
func (bc *BinanceConnector) buildStreamUrl(pairs []string) (string, error) {
	streams := make([]string, 0, len(pairs))

	for _, s := range pairs {
		if err := utils.ValidateSymbol(s); err != nil {
			return "", err
		}
		streams = append(streams, fmt.Sprintf("%s@trade",
			strings.ToLower(strings.ReplaceAll(s, "-", ""))))
	}

	return fmt.Sprintf("%s/stream?streams=%s",
		bc.config.BaseURL, strings.Join(streams, "/")), nil
}

// handleTradeMessage decodes one combined stream frame.
func (bc *BinanceConnector) handleTradeMessage(raw []byte) ([]model.TradeEvent, error) {
	var m msg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, parseError("invalid outer JSON: %v", err)
	}
	if m.Stream == "" && m.Data == nil {
		// subscription acks carry {"result":null,"id":1}
		return nil, nil
	}

	var t trade
	if err := json.Unmarshal(m.Data, &t); err != nil {
		return nil, parseError("invalid trade payload JSON: %v", err)
	}

	if err := bc.validate.Struct(&t); err != nil {
		return nil, parseError("trade validation failed: %v", err)
	}

	price, quantity, err := decimalPair(t.Price, t.Quantity)
	if err != nil {
		return nil, err
	}

	side := model.SideBuy
	if t.BuyerMaker {
		side = model.SideSell
	}

	return []model.TradeEvent{
		newTrade(utils.SplitConcatenated(t.Symbol), price, quantity, time.UnixMilli(t.Time), side, model.BinanceVenue, 0),
	}, nil
}
