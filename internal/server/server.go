// Package server exposes the tables over HTTP: a WebSocket subscription
// endpoint per table plus table, instrument, health and metrics endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tickstats/internal/model"
	"tickstats/internal/service"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Subscriptions is the part of the dispatcher the server needs.
type Subscriptions interface {
	Subscribe(req service.SubscribeRequest) (*service.Subscriber, error)
	Unsubscribe(sub *service.Subscriber) error
}

// InstrumentLister reports the active instruments.
type InstrumentLister interface {
	Instruments() []string
}

// Config holds the HTTP server settings.
type Config struct {
	Addr         string        `yaml:"addr" validate:"required"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gt=0"`
	PingPeriod   time.Duration `yaml:"ping_period" validate:"gt=0"`
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         ":7678",
		WriteTimeout: 5 * time.Second,
		PingPeriod:   20 * time.Second,
	}
}

// Server serves the HTTP and WebSocket endpoints.
type Server struct {
	cfg         Config
	subs        Subscriptions
	instruments InstrumentLister
	gatherer    prometheus.Gatherer
	upgrader    websocket.Upgrader
	router      *gin.Engine
}

// New builds the server and its routes.
func New(cfg Config, subs Subscriptions, instruments InstrumentLister, gatherer prometheus.Gatherer) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:         cfg,
		subs:        subs,
		instruments: instruments,
		gatherer:    gatherer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := gin.New()
	r.Use(gin.Recovery(), accessLog())
	r.GET("/healthz", s.handleHealth)
	r.GET("/tables", s.handleTables)
	r.GET("/instruments", s.handleInstruments)
	r.GET("/subscribe/:table", s.handleSubscribe)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on cfg.Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("http server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleTables(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tables": model.Tables})
}

func (s *Server) handleInstruments(c *gin.Context) {
	keys := []string{}
	if s.instruments != nil {
		keys = append(keys, s.instruments.Instruments()...)
	}
	c.JSON(http.StatusOK, gin.H{"instruments": keys})
}

// handleSubscribe upgrades to a WebSocket and streams the table:
//
//	GET /subscribe/statistics?instruments=BTC-USD,ETH-USD&delta=false
func (s *Server) handleSubscribe(c *gin.Context) {
	req, err := subscribeRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := s.subs.Subscribe(req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, service.ErrDispatcherStopped) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	defer func() {
		if err := s.subs.Unsubscribe(sub); err != nil {
			log.Error().Err(err).Str("subscriber", sub.ID()).Msg("failed to unsubscribe")
		}
	}()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	logger := log.With().Str("subscriber", sub.ID()).Str("table", string(req.Table)).Logger()
	logger.Info().Strs("instruments", req.Instruments).Bool("delta", req.Delta).Msg("websocket client connected")

	err = s.writeLoop(conn, sub, readPump(conn))
	if err != nil {
		logger.Warn().Err(err).Msg("websocket client dropped")
		return
	}
	logger.Info().Msg("websocket client disconnected")
}

// writeLoop forwards envelopes until the subscription ends, the client goes
// away or a write fails.
func (s *Server) writeLoop(conn *websocket.Conn, sub *service.Subscriber, closed <-chan struct{}) error {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return nil
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return fmt.Errorf("%w: %v", service.ErrSubscriberWrite, err)
			}
		case env, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(time.Second))
				return nil
			}
			data, err := json.Marshal(env)
			if err != nil {
				log.Error().Err(err).Msg("failed to encode envelope")
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return fmt.Errorf("%w: %v", service.ErrSubscriberWrite, err)
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("%w: %v", service.ErrSubscriberWrite, err)
			}
		}
	}
}

// readPump discards client frames; the returned channel closes when the
// client disconnects.
func readPump(conn *websocket.Conn) <-chan struct{} {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return closed
}

func subscribeRequest(c *gin.Context) (service.SubscribeRequest, error) {
	table, err := model.ParseTable(c.Param("table"))
	if err != nil {
		return service.SubscribeRequest{}, err
	}
	req := service.SubscribeRequest{Table: table, Delta: true}

	if raw := c.Query("instruments"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				req.Instruments = append(req.Instruments, k)
			}
		}
	}
	if raw := c.Query("delta"); raw != "" {
		req.Delta, err = strconv.ParseBool(raw)
		if err != nil {
			return req, fmt.Errorf("invalid delta %q", raw)
		}
	}
	return req, nil
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}
