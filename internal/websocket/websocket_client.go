// Package websocket provides the upstream WebSocket client used by the venue
// connectors.
//
// A Client owns one logical subscription: it dials the endpoint, sends the
// subscription messages, decodes every frame through the configured Handler
// and delivers the resulting trades on TradeChan. When the connection drops
// the client redials with exponential backoff and replays the subscription
// messages; TradeChan is closed only when the client is shut down or gives up.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"tickstats/internal/model"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// defaultPingPeriod defines the default interval for sending WebSocket ping messages.
	defaultPingPeriod = 15 * time.Second

	// defaultSendTimeout defines the default timeout for WebSocket write operations.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit defines the maximum size of incoming WebSocket messages.
	defaultReadLimit = 1 << 20 // 1MB

	// defaultHandshakeTimeout defines the maximum time allowed for WebSocket handshake.
	defaultHandshakeTimeout = 10 * time.Second
)

// Common errors returned by the WebSocket client
var (
	// ErrClientShuttingDown indicates that the client is in the process of shutting down.
	ErrClientShuttingDown = errors.New("client is shutting down")

	// ErrUpstreamDisconnected indicates that the upstream connection was lost
	// and could not be re-established.
	ErrUpstreamDisconnected = errors.New("upstream disconnected")
)

// Handler decodes one WebSocket frame into zero or more trades. Frames that
// carry no trades (acks, status, heartbeats) return an empty slice.
type Handler func(data []byte) ([]model.TradeEvent, error)

// Backoff computes reconnect delays.
type Backoff struct {
	Min    time.Duration `yaml:"min"`
	Max    time.Duration `yaml:"max"`
	Factor float64       `yaml:"factor"`
	Jitter bool          `yaml:"jitter"`
}

// DefaultBackoff returns the reconnect schedule used when none is configured.
func DefaultBackoff() Backoff {
	return Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true}
}

// Next returns the delay before reconnect attempt n (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Min)
	for i := 1; i < attempt && d < float64(b.Max); i++ {
		d *= b.Factor
	}
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter && d > 0 {
		// full jitter in [d/2, d)
		d = d/2 + rand.Float64()*d/2
	}
	return time.Duration(d)
}

// Config defines settings for the WebSocket client.
type Config struct {
	// Endpoint is the WebSocket URL to connect to.
	// Required: This field must be provided and non-empty.
	Endpoint string

	// Handler decodes incoming frames.
	// Required: This field must be provided and non-nil.
	Handler Handler

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// PingPeriod is the interval between WebSocket ping messages.
	PingPeriod time.Duration

	// SendTimeout is the maximum time allowed for WebSocket write operations.
	SendTimeout time.Duration

	// SubscriptionMessages are sent after every successful dial, in order.
	SubscriptionMessages [][]byte

	// Backoff is the reconnect schedule. Zero value means DefaultBackoff.
	Backoff Backoff

	// MaxAttempts bounds consecutive failed reconnects. Zero retries forever,
	// a negative value disables reconnecting.
	MaxAttempts int

	// OnReconnect is called before every reconnect attempt.
	OnReconnect func(attempt int)

	// OnHandlerError is called for every frame the Handler rejects.
	OnHandlerError func(error)
}

// Client wraps a websocket.Conn with lifecycle, reconnect and message handling logic.
type Client struct {
	// conn stores the active WebSocket connection using atomic operations.
	conn atomic.Value // stores *websocket.Conn

	// TradeChan delivers decoded trade events to consumers.
	TradeChan chan model.TradeEvent

	disconnect chan struct{}
	errChan    chan error
	cfg        *Config
	ctx        context.Context
	cancel     context.CancelFunc
	once       sync.Once
	wg         sync.WaitGroup
}

// NewWebsocketClient validates cfg, performs the initial dial and starts the
// background goroutines. A failing initial dial is returned as an error; only
// later disconnects are retried.
func NewWebsocketClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("message handler is required")
	}

	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.Backoff.Factor < 1 {
		cfg.Backoff.Factor = 1
	}

	ctx, cancel := context.WithCancel(ctx)

	client := &Client{
		cfg:        &cfg,
		ctx:        ctx,
		cancel:     cancel,
		disconnect: make(chan struct{}),
		errChan:    make(chan error, 1),
		TradeChan:  make(chan model.TradeEvent, 1000),
	}

	log.Info().Str("endpoint", cfg.Endpoint).Msg("starting WebSocket client")

	conn, err := client.connect()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}

	client.wg.Add(2)
	go func() {
		defer client.wg.Done()
		client.supervise(conn)
	}()
	go func() {
		defer client.wg.Done()
		client.shutdownListener()
	}()

	return client, nil
}

// connect dials the endpoint, configures the connection and replays the
// subscription messages.
func (c *Client) connect() (*websocket.Conn, error) {
	conn, err := c.dial(c.ctx)
	if err != nil {
		return nil, err
	}

	c.conn.Store(conn)
	if err := c.ctx.Err(); err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetReadLimit(defaultReadLimit)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PingPeriod * 2))
	})

	for _, msg := range c.cfg.SubscriptionMessages {
		if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
			conn.Close()
			return nil, err
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Error().Err(err).Str("endpoint", c.cfg.Endpoint).Msg("subscription error")
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// supervise runs sessions until the client is closed or reconnecting fails.
func (c *Client) supervise(conn *websocket.Conn) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "supervise").
		Logger()

	var final error
	defer func() {
		close(c.disconnect)
		close(c.TradeChan)
		select {
		case c.errChan <- final:
		default:
		}
	}()

	for {
		err := c.session(conn)
		if c.ctx.Err() != nil {
			final = ErrClientShuttingDown
			return
		}
		logger.Warn().Err(err).Msg("connection lost")

		conn, err = c.reconnect()
		if err != nil {
			if c.ctx.Err() != nil {
				final = ErrClientShuttingDown
			} else {
				logger.Error().Err(err).Msg("giving up on upstream")
				final = err
			}
			return
		}
		logger.Info().Msg("reconnected")
	}
}

func (c *Client) reconnect() (*websocket.Conn, error) {
	if c.cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUpstreamDisconnected, c.cfg.Endpoint)
	}
	var lastErr error
	for attempt := 1; c.cfg.MaxAttempts == 0 || attempt <= c.cfg.MaxAttempts; attempt++ {
		timer := time.NewTimer(c.cfg.Backoff.Next(attempt))
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return nil, c.ctx.Err()
		case <-timer.C:
		}

		if c.cfg.OnReconnect != nil {
			c.cfg.OnReconnect(attempt)
		}
		conn, err := c.connect()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Str("endpoint", c.cfg.Endpoint).Msg("reconnect failed")
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %v",
		ErrUpstreamDisconnected, c.cfg.Endpoint, c.cfg.MaxAttempts, lastErr)
}

// session serves one connection until it fails or the client is closed.
func (c *Client) session(conn *websocket.Conn) error {
	pingCtx, stopPing := context.WithCancel(c.ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pingLoop(pingCtx, conn)
	}()

	err := c.readLoop(conn)

	stopPing()
	wg.Wait()
	conn.Close()
	return err
}

// readLoop reads frames until the connection fails, passing each one to the
// handler and forwarding the decoded trades.
func (c *Client) readLoop(conn *websocket.Conn) error {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "readLoop").
		Logger()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case c.ctx.Err() != nil:
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Info().Err(err).Msg("websocket closed normally")
			case websocket.IsUnexpectedCloseError(err):
				logger.Warn().Err(err).Msg("unexpected websocket closure")
			default:
				logger.Error().Err(err).Msg("read error")
			}
			return err
		}

		logger.Debug().
			Int("messageType", messageType).
			Int("bytes", len(data)).
			Msg("received message")

		trades, err := c.handle(data)
		if err != nil {
			if c.cfg.OnHandlerError != nil {
				c.cfg.OnHandlerError(err)
			}
			logger.Warn().Err(err).Msg("error handling message")
			continue
		}
		for _, tr := range trades {
			select {
			case c.TradeChan <- tr:
			case <-c.ctx.Done():
				return c.ctx.Err()
			}
		}
	}
}

func (c *Client) handle(data []byte) (trades []model.TradeEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in message handler: %v", r)
		}
	}()
	return c.cfg.Handler(data)
}

// pingLoop sends periodic pings on conn until ctx is done.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.SendTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Warn().Err(err).Str("endpoint", c.cfg.Endpoint).Msg("ping error")
			}
		case <-ctx.Done():
			return
		}
	}
}

// shutdownListener closes the live connection once the client context ends,
// which unblocks the read loop.
func (c *Client) shutdownListener() {
	<-c.ctx.Done()
	conn, ok := c.conn.Load().(*websocket.Conn)
	if !ok {
		return
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	if err := conn.Close(); err != nil {
		log.Debug().Err(err).Msg("error closing websocket connection")
	}
}

// Close shuts the client down and waits for its goroutines. It is safe to
// call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		c.cancel()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			log.Warn().Str("endpoint", c.cfg.Endpoint).Msg("timeout waiting for goroutines to complete")
		}
	})
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, make(http.Header))
	if err != nil {
		event := log.Error().Err(err).Str("endpoint", c.cfg.Endpoint)
		if resp != nil {
			event = event.Int("statusCode", resp.StatusCode)
		}
		event.Msg("connection failed")
		return nil, err
	}
	return conn, nil
}

// DisconnectChan returns a channel that is closed when the client stops for good.
func (c *Client) DisconnectChan() <-chan struct{} {
	return c.disconnect
}

// ErrChan returns a channel that receives the terminal error: ErrClientShuttingDown
// after Close, or an ErrUpstreamDisconnected wrap when reconnecting failed.
func (c *Client) ErrChan() <-chan error {
	return c.errChan
}
