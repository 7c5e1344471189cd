package exchange

import (
	"context"
	"strconv"
	"time"

	"tickstats/internal/model"
	"tickstats/internal/utils"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

var (
	// defaultOkxConfig provides sensible defaults for OKX exchange connections.
	defaultOkxConfig = ExchangeConfig{
		BaseURL:    "wss://ws.okx.com:8443/ws/v5/public",
		MaxSymbols: 10,
	}
)

// OkxConnector streams trades from the OKX v5 public "trades" channel.
type OkxConnector struct {
	connector
	validate *validator.Validate
}

// subscription is the OKX v5 subscribe request:
//
//	{"op": "subscribe", "args": [{"channel": "trades", "instId": "BTC-USDT"}]}
type subscription struct {
	Op   string              `json:"op"`
	Args []map[string]string `json:"args"`
}

// okxTradeMessage is a push on the trades channel. OKX batches several trades
// per frame; Side is the taker side.
type okxTradeMessage struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Arg   struct {
		Channel string `json:"channel" validate:"required,eq=trades"`
		InstID  string `json:"instId" validate:"required"`
	} `json:"arg" validate:"required"`
	Data []struct {
		InstID  string `json:"instId" validate:"required"`
		TradeID string `json:"tradeId" validate:"required"`
		Price   string `json:"px" validate:"required,numeric"`
		Size    string `json:"sz" validate:"required,numeric"`
		Side    string `json:"side" validate:"required,oneof=buy sell"`
		TS      string `json:"ts" validate:"required,numeric"`
	} `json:"data" validate:"required,min=1,dive"`
}

// NewOkxConnector creates a new OKX connector. A nil cfg uses the defaults.
func NewOkxConnector(cfg *ExchangeConfig, opts ...Option) (*OkxConnector, error) {
	c, err := newConnector(model.OkxVenue, cfg, &defaultOkxConfig, opts)
	if err != nil {
		return nil, err
	}
	return &OkxConnector{connector: c, validate: validator.New()}, nil
}

// SubscribeToTrades subscribes to the trades channel for pairs.
func (oc *OkxConnector) SubscribeToTrades(ctx context.Context, pairs []string) (<-chan model.TradeEvent, error) {
	if err := utils.ValidatePairs(pairs, oc.config.MaxSymbols); err != nil {
		return nil, err
	}

	msg, err := oc.buildSubscriptionMessage(pairs)
	if err != nil {
		return nil, err
	}
	return oc.stream(ctx, oc.config.BaseURL, [][]byte{msg}, oc.handleTradeMessage)
}

func (oc *OkxConnector) buildSubscriptionMessage(pairs []string) ([]byte, error) {
	args := make([]map[string]string, 0, len(pairs))
	for _, p := range pairs {
		args = append(args, map[string]string{
			"channel": "trades",
			"instId":  p,
		})
	}
	return json.Marshal(subscription{Op: "subscribe", Args: args})
}

// handleTradeMessage decodes one frame into its trades. Event frames
// (subscribe acks) carry none; "error" events are parse errors.
func (oc *OkxConnector) handleTradeMessage(raw []byte) ([]model.TradeEvent, error) {
	if string(raw) == "pong" {
		return nil, nil
	}

	var m okxTradeMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, parseError("failed to unmarshal OKX trade message: %v", err)
	}
	switch m.Event {
	case "":
	case "error":
		return nil, parseError("upstream error %s: %s", m.Code, m.Msg)
	default:
		return nil, nil
	}

	if err := oc.validate.Struct(&m); err != nil {
		return nil, parseError("validation failed for OKX trade message: %v", err)
	}

	trades := make([]model.TradeEvent, 0, len(m.Data))
	for _, d := range m.Data {
		ts, err := strconv.ParseInt(d.TS, 10, 64)
		if err != nil {
			return nil, parseError("invalid timestamp %q", d.TS)
		}

		price, size, err := decimalPair(d.Price, d.Size)
		if err != nil {
			return nil, err
		}

		side := model.SideBuy
		if d.Side == "sell" {
			side = model.SideSell
		}
		trades = append(trades, newTrade(utils.NormalizeKey(d.InstID), price, size, time.UnixMilli(ts), side, model.OkxVenue, 0))
	}
	return trades, nil
}
