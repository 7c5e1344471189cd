/*
Package main runs the streaming statistics server.

The server ingests trades from the configured venues, maintains rolling
statistics for every instrument seen on the feeds and publishes them once per
interval as tables:

  - WebSocket: /subscribe/{trades|statistics}?instruments=BTC-USD&delta=true
  - gRPC: tickstats.v1.StatisticsService/Subscribe
  - optional Redis and Kafka sinks

Usage:

	go run ./cmd/server -config=tickstats.yaml

Every setting can be overridden with TICKSTATS_* environment variables, see
the config package.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tickstats/internal/config"
	"tickstats/internal/engine"
	"tickstats/internal/exchange"
	"tickstats/internal/metrics"
	"tickstats/internal/server"
	"tickstats/internal/service"
	"tickstats/internal/sink"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

var configPath = flag.String("config", "", "Path to a YAML configuration file")

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setupLogger(cfg.Log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	subs, err := newSubscriptions(cfg.Venues, m)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create exchange connectors")
	}

	eng, err := engine.New(subs, cfg.Engine, engine.WithMetrics(m))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create engine")
	}

	runners, closers := newSinks(cfg.Sinks, m)
	batchSinks := make([]service.BatchSink, len(runners))
	for i, r := range runners {
		batchSinks[i] = r
	}

	dispatcher := service.NewDispatcher(cfg.Dispatcher,
		service.WithMetrics(m),
		service.WithSinks(batchSinks...),
	)
	statsService := service.NewStatisticsService(dispatcher, eng)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := statsService.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start statistics service")
	}

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}

	// Keepalive settings for long-lived streams.
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			MaxConnectionAge:  30 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	service.RegisterStatisticsServer(grpcServer, statsService)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	httpServer := server.New(cfg.HTTP, dispatcher, eng, reg)

	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopSinks()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.GRPC.Addr).Msg("grpc server starting")
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		return httpServer.Run(gctx)
	})
	for _, r := range runners {
		r := r
		g.Go(func() error { return r.Run(sinkCtx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("initiating graceful shutdown")
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

		if err := statsService.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop statistics service")
		}
		select {
		case <-dispatcher.Done():
		case <-time.After(cfg.Dispatcher.DrainTimeout + time.Second):
			log.Warn().Msg("dispatcher did not stop in time")
		}

		// Sinks flush what the final batch queued.
		stopSinks()
		grpcServer.GracefulStop()
		return nil
	})

	log.Info().
		Str("grpc", cfg.GRPC.Addr).
		Str("http", cfg.HTTP.Addr).
		Int("sources", len(subs)).
		Int("sinks", len(runners)).
		Dur("interval", cfg.Engine.Interval).
		Msg("server starting")

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close sink client")
		}
	}
	log.Info().Msg("server stopped")
}

func setupLogger(cfg config.LogConfig) {
	zerolog.SetGlobalLevel(cfg.ZerologLevel())
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// newSubscriptions creates a connector for every enabled venue.
func newSubscriptions(venues config.VenuesConfig, m *metrics.Metrics) ([]engine.Subscription, error) {
	var subs []engine.Subscription
	for _, v := range venues.List() {
		if !v.Enabled {
			continue
		}
		exchangeCfg := v.ExchangeConfig
		source, err := newSource(v.Name, &exchangeCfg, exchange.WithMetrics(m))
		if err != nil {
			return nil, err
		}
		subs = append(subs, engine.Subscription{Name: v.Name, Source: source, Pairs: v.Symbols})
		log.Info().Str("venue", v.Name).Strs("symbols", v.Symbols).Msg("venue enabled")
	}
	if len(subs) == 0 {
		return nil, errors.New("no venue enabled")
	}
	return subs, nil
}

func newSource(name string, cfg *exchange.ExchangeConfig, opts ...exchange.Option) (engine.TradeSource, error) {
	switch name {
	case "polygon":
		return exchange.NewPolygonConnector(cfg, opts...)
	case "binance":
		return exchange.NewBinanceConnector(cfg, opts...)
	case "coinbase":
		return exchange.NewCoinbaseConnector(cfg, opts...)
	case "okx":
		return exchange.NewOkxConnector(cfg, opts...)
	}
	return nil, errors.New("unknown venue " + name)
}

// newSinks builds a runner per enabled sink and the clients to close on exit.
func newSinks(cfg config.SinksConfig, m *metrics.Metrics) ([]*sink.Runner, []io.Closer) {
	var (
		runners []*sink.Runner
		closers []io.Closer
	)
	if cfg.Redis.Enabled {
		client := sink.NewRedisClient(cfg.Redis)
		runners = append(runners, sink.NewRunner(sink.NewRedisSink(client, cfg.Redis.TTL), cfg.QueueSize, cfg.WriteTimeout, m))
		closers = append(closers, client)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis sink enabled")
	}
	if cfg.Kafka.Enabled {
		writer := sink.NewKafkaWriter(cfg.Kafka)
		runners = append(runners, sink.NewRunner(sink.NewKafkaSink(writer, cfg.Kafka), cfg.QueueSize, cfg.WriteTimeout, m))
		closers = append(closers, writer)
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("kafka sink enabled")
	}
	return runners, closers
}
