package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tickstats/internal/model"
	"tickstats/internal/utils"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

var (
	// defaultPolygonConfig points at the Polygon crypto cluster. MaxSymbols
	// only bounds explicit pair lists; an empty list subscribes to every pair.
	defaultPolygonConfig = ExchangeConfig{
		BaseURL:    "wss://socket.polygon.io/crypto",
		MaxSymbols: 500,
	}

	// ErrAuthFailed is reported when the feed rejects the API key.
	ErrAuthFailed = errors.New("polygon authentication failed")
)

// Polygon crypto trade conditions carry the aggressor side.
const (
	polygonSellSide = 1
	polygonBuySide  = 2
)

// PolygonConnector streams crypto trades (XT events) from Polygon.io.
type PolygonConnector struct {
	connector
	validate *validator.Validate
}

// polygonEvent is one element of a Polygon frame, which is always a JSON array.
//
//	[{"ev":"XT","pair":"BTC-USD","p":33021.9,"t":1610462007425,"s":0.0163,"c":[2],"i":"14272084","x":1}]
//	[{"ev":"status","status":"auth_success","message":"authenticated"}]
type polygonEvent struct {
	Event      string      `json:"ev" validate:"required"`
	Status     string      `json:"status"`
	Message    string      `json:"message"`
	Pair       string      `json:"pair" validate:"required"`
	Price      json.Number `json:"p" validate:"required"`
	Size       json.Number `json:"s" validate:"required"`
	Time       int64       `json:"t" validate:"required,gt=0"`
	Conditions []int       `json:"c"`
	ID         string      `json:"i"`
	Exchange   int         `json:"x"`
}

// NewPolygonConnector creates a Polygon connector. The API key is required.
func NewPolygonConnector(cfg *ExchangeConfig, opts ...Option) (*PolygonConnector, error) {
	c, err := newConnector(model.PolygonVenue, cfg, &defaultPolygonConfig, opts)
	if err != nil {
		return nil, err
	}
	if c.config.APIKey == "" {
		return nil, fmt.Errorf("%w: polygon api key is required", ErrInvalidConfig)
	}
	return &PolygonConnector{connector: c, validate: validator.New()}, nil
}

// SubscribeToTrades authenticates and subscribes to XT events for pairs, or
// to every crypto pair when pairs is empty.
func (pc *PolygonConnector) SubscribeToTrades(ctx context.Context, pairs []string) (<-chan model.TradeEvent, error) {
	if err := utils.ValidateInstruments(pairs, pc.config.MaxSymbols); err != nil {
		return nil, err
	}

	msgs, err := pc.buildSubscriptionMessages(pairs)
	if err != nil {
		return nil, err
	}
	return pc.stream(ctx, pc.config.BaseURL, msgs, pc.handleTradeMessage)
}

// buildSubscriptionMessages returns the auth and subscribe requests:
//
//	{"action":"auth","params":"<key>"}
//	{"action":"subscribe","params":"XT.BTC-USD,XT.ETH-USD"}
func (pc *PolygonConnector) buildSubscriptionMessages(pairs []string) ([][]byte, error) {
	auth, err := json.Marshal(map[string]string{"action": "auth", "params": pc.config.APIKey})
	if err != nil {
		return nil, err
	}

	params := "XT.*"
	if len(pairs) > 0 {
		topics := make([]string, 0, len(pairs))
		for _, p := range pairs {
			topics = append(topics, "XT."+utils.NormalizeKey(p))
		}
		params = strings.Join(topics, ",")
	}
	sub, err := json.Marshal(map[string]string{"action": "subscribe", "params": params})
	if err != nil {
		return nil, err
	}
	return [][]byte{auth, sub}, nil
}

// handleTradeMessage decodes one frame. Status events carry no trades except
// auth_failed, which is returned as ErrAuthFailed. A malformed element fails
// the whole frame.
func (pc *PolygonConnector) handleTradeMessage(raw []byte) ([]model.TradeEvent, error) {
	var events []polygonEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, parseError("failed to unmarshal polygon frame: %v", err)
	}

	trades := make([]model.TradeEvent, 0, len(events))
	for _, ev := range events {
		switch ev.Event {
		case "XT":
		case "status":
			if ev.Status == "auth_failed" {
				return nil, fmt.Errorf("%w: %s", ErrAuthFailed, ev.Message)
			}
			continue
		default:
			continue
		}

		if err := pc.validate.Struct(&ev); err != nil {
			return nil, parseError("validation failed for XT event: %v", err)
		}

		price, size, err := decimalPair(ev.Price.String(), ev.Size.String())
		if err != nil {
			return nil, err
		}

		trades = append(trades, newTrade(utils.NormalizeKey(ev.Pair), price, size,
			time.UnixMilli(ev.Time), polygonSide(ev.Conditions), model.PolygonVenue, ev.Exchange))
	}
	return trades, nil
}

func polygonSide(conditions []int) model.Side {
	if len(conditions) == 0 {
		return model.SideUnknown
	}
	switch conditions[0] {
	case polygonSellSide:
		return model.SideSell
	case polygonBuySide:
		return model.SideBuy
	default:
		return model.SideUnknown
	}
}
