package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tickstats/internal/model"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWebSocketServer is a scriptable upstream: every accepted connection
// records the messages it receives and runs the current handler.
type TestWebSocketServer struct {
	server      *httptest.Server
	upgrader    websocket.Upgrader
	mu          sync.Mutex
	connections []*websocket.Conn
	received    [][]byte
	accepted    atomic.Int64
	reject      atomic.Bool
	handler     func(conn *websocket.Conn)
}

func NewTestWebSocketServer() *TestWebSocketServer {
	ts := &TestWebSocketServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	ts.server = httptest.NewServer(http.HandlerFunc(ts.handleWebSocket))
	return ts
}

func (ts *TestWebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if ts.reject.Load() {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	conn, err := ts.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ts.accepted.Add(1)

	ts.mu.Lock()
	ts.connections = append(ts.connections, conn)
	handler := ts.handler
	ts.mu.Unlock()

	if handler != nil {
		handler(conn)
		return
	}
	ts.readAll(conn)
}

func (ts *TestWebSocketServer) readAll(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.received = append(ts.received, data)
		ts.mu.Unlock()
	}
}

func (ts *TestWebSocketServer) SetHandler(h func(conn *websocket.Conn)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.handler = h
}

// DropAll closes every live connection without a close frame.
func (ts *TestWebSocketServer) DropAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, conn := range ts.connections {
		conn.Close()
	}
	ts.connections = nil
}

func (ts *TestWebSocketServer) Received() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]string, 0, len(ts.received))
	for _, r := range ts.received {
		out = append(out, string(r))
	}
	return out
}

func (ts *TestWebSocketServer) URL() string {
	return "ws" + strings.TrimPrefix(ts.server.URL, "http")
}

func (ts *TestWebSocketServer) Close() {
	ts.DropAll()
	ts.server.Close()
}

// lineHandler turns every text frame "KEY" into one trade for KEY and rejects "bad".
func lineHandler(data []byte) ([]model.TradeEvent, error) {
	s := string(data)
	switch s {
	case "bad":
		return nil, errors.New("handler error")
	case "panic":
		panic("handler panic")
	case "ack":
		return nil, nil
	}
	return []model.TradeEvent{
		model.NewTradeEvent(s, 100, 1, time.UnixMilli(1), model.SideBuy, model.BinanceVenue, 0),
	}, nil
}

func fastBackoff() Backoff {
	return Backoff{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2}
}

func readTrade(t *testing.T, c *Client) model.TradeEvent {
	t.Helper()
	select {
	case tr, ok := <-c.TradeChan:
		require.True(t, ok, "trade channel closed")
		return tr
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for trade")
	}
	return model.TradeEvent{}
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		errorMsg string
	}{
		{
			name:     "empty endpoint",
			config:   Config{Handler: lineHandler},
			errorMsg: "endpoint URL is required",
		},
		{
			name:     "nil handler",
			config:   Config{Endpoint: "ws://localhost:1/ws"},
			errorMsg: "message handler is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewWebsocketClient(context.Background(), tt.config)
			assert.Nil(t, c)
			assert.EqualError(t, err, tt.errorMsg)
		})
	}
}

func TestNewWebsocketClient_DialFailure(t *testing.T) {
	ts := NewTestWebSocketServer()
	defer ts.Close()
	ts.reject.Store(true)

	c, err := NewWebsocketClient(context.Background(), Config{Endpoint: ts.URL(), Handler: lineHandler})
	assert.Nil(t, c)
	assert.ErrorContains(t, err, "failed to start client")
}

func TestClient_DeliversTradesAndSubscribes(t *testing.T) {
	ts := NewTestWebSocketServer()
	defer ts.Close()
	ts.SetHandler(func(conn *websocket.Conn) {
		defer conn.Close()
		_, sub, err := conn.ReadMessage()
		if err != nil || string(sub) != "subscribe" {
			return
		}
		for _, m := range []string{"ack", "BTC-USD", "ETH-USD"} {
			conn.WriteMessage(websocket.TextMessage, []byte(m))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c, err := NewWebsocketClient(context.Background(), Config{
		Endpoint:             ts.URL(),
		Handler:              lineHandler,
		SubscriptionMessages: [][]byte{[]byte("subscribe")},
	})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "BTC-USD", readTrade(t, c).InstrumentKey)
	assert.Equal(t, "ETH-USD", readTrade(t, c).InstrumentKey)
}

func TestClient_HandlerErrorsAreReported(t *testing.T) {
	ts := NewTestWebSocketServer()
	defer ts.Close()
	ts.SetHandler(func(conn *websocket.Conn) {
		defer conn.Close()
		for _, m := range []string{"bad", "panic", "SOL-USD"} {
			conn.WriteMessage(websocket.TextMessage, []byte(m))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var handlerErrs atomic.Int64
	c, err := NewWebsocketClient(context.Background(), Config{
		Endpoint:       ts.URL(),
		Handler:        lineHandler,
		OnHandlerError: func(error) { handlerErrs.Add(1) },
	})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "SOL-USD", readTrade(t, c).InstrumentKey, "bad frames are skipped")
	assert.Equal(t, int64(2), handlerErrs.Load())
}

func TestClient_ReconnectReplaysSubscription(t *testing.T) {
	ts := NewTestWebSocketServer()
	defer ts.Close()

	var reconnects atomic.Int64
	c, err := NewWebsocketClient(context.Background(), Config{
		Endpoint:             ts.URL(),
		Handler:              lineHandler,
		SubscriptionMessages: [][]byte{[]byte("sub-1"), []byte("sub-2")},
		Backoff:              fastBackoff(),
		OnReconnect:          func(int) { reconnects.Add(1) },
	})
	require.NoError(t, err)
	defer c.Close()

	require.Eventually(t, func() bool { return len(ts.Received()) == 2 }, 2*time.Second, 5*time.Millisecond)
	ts.DropAll()

	require.Eventually(t, func() bool { return len(ts.Received()) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"sub-1", "sub-2", "sub-1", "sub-2"}, ts.Received())
	assert.Equal(t, int64(2), ts.accepted.Load())
	assert.GreaterOrEqual(t, reconnects.Load(), int64(1))

	select {
	case <-c.DisconnectChan():
		t.Fatal("client should still be running")
	default:
	}
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	ts := NewTestWebSocketServer()
	defer ts.Close()

	c, err := NewWebsocketClient(context.Background(), Config{
		Endpoint:    ts.URL(),
		Handler:     lineHandler,
		Backoff:     fastBackoff(),
		MaxAttempts: 2,
	})
	require.NoError(t, err)
	defer c.Close()

	require.Eventually(t, func() bool { return ts.accepted.Load() == 1 }, time.Second, 5*time.Millisecond)
	ts.reject.Store(true)
	ts.DropAll()

	select {
	case <-c.DisconnectChan():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not give up")
	}
	_, ok := <-c.TradeChan
	assert.False(t, ok)
	assert.ErrorIs(t, <-c.ErrChan(), ErrUpstreamDisconnected)
}

func TestClient_ReconnectDisabled(t *testing.T) {
	ts := NewTestWebSocketServer()
	defer ts.Close()

	c, err := NewWebsocketClient(context.Background(), Config{
		Endpoint:    ts.URL(),
		Handler:     lineHandler,
		MaxAttempts: -1,
	})
	require.NoError(t, err)
	defer c.Close()

	require.Eventually(t, func() bool { return ts.accepted.Load() == 1 }, time.Second, 5*time.Millisecond)
	ts.DropAll()

	select {
	case <-c.DisconnectChan():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
	assert.ErrorIs(t, <-c.ErrChan(), ErrUpstreamDisconnected)
	assert.Equal(t, int64(1), ts.accepted.Load())
}

func TestClient_Close(t *testing.T) {
	ts := NewTestWebSocketServer()
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := NewWebsocketClient(ctx, Config{Endpoint: ts.URL(), Handler: lineHandler})
	require.NoError(t, err)

	c.Close()
	c.Close()

	_, ok := <-c.TradeChan
	assert.False(t, ok)
	assert.ErrorIs(t, <-c.ErrChan(), ErrClientShuttingDown)
}

func TestClient_ContextCancel(t *testing.T) {
	ts := NewTestWebSocketServer()
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c, err := NewWebsocketClient(ctx, Config{Endpoint: ts.URL(), Handler: lineHandler})
	require.NoError(t, err)

	cancel()
	select {
	case <-c.DisconnectChan():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop on cancel")
	}
}

func TestBackoff_Next(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 100 * time.Millisecond},
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 2, want: 200 * time.Millisecond},
		{attempt: 4, want: 800 * time.Millisecond},
		{attempt: 5, want: time.Second},
		{attempt: 50, want: time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Next(tt.attempt), "attempt %d", tt.attempt)
	}

	b.Jitter = true
	for i := 0; i < 100; i++ {
		d := b.Next(3)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.Less(t, d, 400*time.Millisecond)
	}
}
