package exchange

import (
	"context"
	"fmt"
	"testing"
	"time"

	"tickstats/internal/model"
	"tickstats/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func binanceFrame(symbol, price, qty string, ts int64, buyerMaker bool) []byte {
	return []byte(fmt.Sprintf(
		`{"stream":"x@trade","data":{"e":"trade","s":%q,"t":7,"p":%q,"q":%q,"T":%d,"m":%t}}`,
		symbol, price, qty, ts, buyerMaker))
}

func Test_NewBinanceConnector(t *testing.T) {
	c, err := NewBinanceConnector(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultBinanceConfig.BaseURL, c.config.BaseURL)
	assert.Equal(t, model.BinanceVenue, c.venue)
	assert.NotNil(t, c.validate)

	c, err = NewBinanceConnector(&ExchangeConfig{BaseURL: "wss://testnet.binance.vision", MaxSymbols: 5})
	require.NoError(t, err)
	assert.Equal(t, "wss://testnet.binance.vision", c.config.BaseURL)
	assert.Equal(t, 5, c.config.MaxSymbols)
}

func Test_buildStreamUrl(t *testing.T) {
	c, err := NewBinanceConnector(nil)
	require.NoError(t, err)

	url, err := c.buildStreamUrl([]string{"BTC-USDT", "eth-btc"})
	require.NoError(t, err)
	assert.Equal(t, "wss://stream.binance.com:9443/stream?streams=btcusdt@trade/ethbtc@trade", url)

	_, err = c.buildStreamUrl([]string{"BTCUSDT"})
	assert.ErrorIs(t, err, utils.ErrInvalidInstrument)
}

func TestBinance_handleTradeMessage(t *testing.T) {
	c, err := NewBinanceConnector(nil)
	require.NoError(t, err)

	tests := []struct {
		name     string
		raw      []byte
		wantErr  bool
		wantNone bool
		wantKey  string
		wantSide model.Side
	}{
		{
			name:     "taker buy",
			raw:      binanceFrame("BTCUSDT", "50000.5", "0.002", 1700000000123, false),
			wantKey:  "BTC-USDT",
			wantSide: model.SideBuy,
		},
		{
			name:     "buyer is maker means taker sold",
			raw:      binanceFrame("ETHBTC", "0.05", "1", 1700000000123, true),
			wantKey:  "ETH-BTC",
			wantSide: model.SideSell,
		},
		{name: "subscription ack", raw: []byte(`{"result":null,"id":1}`), wantNone: true},
		{name: "not json", raw: []byte(`{`), wantErr: true},
		{name: "bad payload", raw: []byte(`{"stream":"x","data":"oops"}`), wantErr: true},
		{name: "non numeric price", raw: binanceFrame("BTCUSDT", "abc", "1", 1, false), wantErr: true},
		{name: "missing time", raw: binanceFrame("BTCUSDT", "1", "1", 0, false), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trades, err := c.handleTradeMessage(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrIngestionParse)
				return
			}
			require.NoError(t, err)
			if tt.wantNone {
				assert.Empty(t, trades)
				return
			}
			require.Len(t, trades, 1)
			tr := trades[0]
			assert.Equal(t, tt.wantKey, tr.InstrumentKey)
			assert.Equal(t, tt.wantSide, tr.Side)
			assert.Equal(t, model.BinanceVenue, tr.Venue)
			assert.Equal(t, time.UnixMilli(1700000000123), tr.EventTime)
			assert.InDelta(t, tr.Price*tr.Size, tr.Volume, 1e-12)
		})
	}
}

func TestBinance_SubscribeRequiresPairs(t *testing.T) {
	c, err := NewBinanceConnector(nil)
	require.NoError(t, err)
	_, err = c.SubscribeToTrades(context.Background(), nil)
	assert.ErrorIs(t, err, utils.ErrNoSymbols)
}
