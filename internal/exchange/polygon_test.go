package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tickstats/internal/metrics"
	"tickstats/internal/model"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_NewPolygonConnector(t *testing.T) {
	_, err := NewPolygonConnector(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig, "api key is required")

	c, err := NewPolygonConnector(&ExchangeConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, defaultPolygonConfig.BaseURL, c.config.BaseURL)
}

func Test_Polygon_buildSubscriptionMessages(t *testing.T) {
	c, err := NewPolygonConnector(&ExchangeConfig{APIKey: "secret"})
	require.NoError(t, err)

	msgs, err := c.buildSubscriptionMessages(nil)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"action":"auth","params":"secret"}`, string(msgs[0]))
	assert.JSONEq(t, `{"action":"subscribe","params":"XT.*"}`, string(msgs[1]))

	msgs, err = c.buildSubscriptionMessages([]string{"btc-usd", "ETH-USD"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"subscribe","params":"XT.BTC-USD,XT.ETH-USD"}`, string(msgs[1]))
}

func Test_Polygon_handleTradeMessage(t *testing.T) {
	c, err := NewPolygonConnector(&ExchangeConfig{APIKey: "k"})
	require.NoError(t, err)

	frame := `[
		{"ev":"status","status":"success","message":"subscribed to: XT.*"},
		{"ev":"XT","pair":"BTC-USD","p":33021.9,"t":1610462007425,"s":0.5,"c":[2],"i":"1","x":1},
		{"ev":"XT","pair":"eth-usd","p":1200,"t":1610462007426,"s":2,"c":[1],"i":"2","x":6},
		{"ev":"XT","pair":"SOL-USD","p":20,"t":1610462007427,"s":1,"i":"3","x":2}
	]`
	trades, err := c.handleTradeMessage([]byte(frame))
	require.NoError(t, err)
	require.Len(t, trades, 3)

	assert.Equal(t, "BTC-USD", trades[0].InstrumentKey)
	assert.Equal(t, model.SideBuy, trades[0].Side)
	assert.Equal(t, 33021.9, trades[0].Price)
	assert.InDelta(t, 16510.95, trades[0].Volume, 1e-9)
	assert.Equal(t, 1, trades[0].VenueID)
	assert.Equal(t, time.UnixMilli(1610462007425), trades[0].EventTime)

	assert.Equal(t, "ETH-USD", trades[1].InstrumentKey)
	assert.Equal(t, model.SideSell, trades[1].Side)
	assert.Equal(t, 6, trades[1].VenueID)

	assert.Equal(t, model.SideUnknown, trades[2].Side)

	tests := []struct {
		name string
		raw  string
		err  error
	}{
		{name: "auth failed", raw: `[{"ev":"status","status":"auth_failed","message":"bad key"}]`, err: ErrAuthFailed},
		{name: "not an array", raw: `{"ev":"XT"}`, err: ErrIngestionParse},
		{name: "missing pair", raw: `[{"ev":"XT","p":1,"t":1,"s":1}]`, err: ErrIngestionParse},
		{name: "zero price", raw: `[{"ev":"XT","pair":"A-B","p":0,"t":1,"s":1}]`, err: ErrIngestionParse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.handleTradeMessage([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func Test_polygonSide(t *testing.T) {
	assert.Equal(t, model.SideUnknown, polygonSide(nil))
	assert.Equal(t, model.SideSell, polygonSide([]int{1}))
	assert.Equal(t, model.SideBuy, polygonSide([]int{2, 1}))
	assert.Equal(t, model.SideUnknown, polygonSide([]int{0}))
}

func Test_Polygon_SubscribeToTrades(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
	)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 2; i++ {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			received = append(received, string(data))
			mu.Unlock()
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`[{"ev":"XT","pair":"BTC-USD","p":"oops"}]`))
		conn.WriteMessage(websocket.TextMessage, []byte(`[{"ev":"XT","pair":"BTC-USD","p":100,"t":1700000000000,"s":1,"c":[2],"x":1}]`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c, err := NewPolygonConnector(&ExchangeConfig{
		BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey:  "key",
	}, WithMetrics(m))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := c.SubscribeToTrades(ctx, nil)
	require.NoError(t, err)

	select {
	case tr := <-ch:
		assert.Equal(t, "BTC-USD", tr.InstrumentKey)
		assert.Equal(t, model.SideBuy, tr.Side)
	case <-time.After(2 * time.Second):
		t.Fatal("no trade received")
	}

	mu.Lock()
	assert.Equal(t, []string{`{"action":"auth","params":"key"}`, `{"action":"subscribe","params":"XT.*"}`}, received)
	mu.Unlock()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ParseErrors.WithLabelValues("polygon")))

	cancel()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("trade channel was not closed")
		}
	}
}
