package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"tickstats/internal/model"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// BatchStreamer produces the statistics batches.
type BatchStreamer interface {
	Start(ctx context.Context) (<-chan model.Batch, error)
}

// SubscriptionManager defines the interface for managing client subscriptions
// and distributing batches to them.
type SubscriptionManager interface {
	Subscribe(req SubscribeRequest) (*Subscriber, error)
	Unsubscribe(sub *Subscriber) error
	StartDispatching(ctx context.Context, ch <-chan model.Batch) error
}

// StatisticsService wires the engine to the dispatcher and serves the gRPC
// Subscribe stream.
type StatisticsService struct {
	subscriptionManager SubscriptionManager
	streamer            BatchStreamer
	started             atomic.Bool
	cancel              context.CancelFunc
}

// NewStatisticsService creates a stopped service.
func NewStatisticsService(manager SubscriptionManager, streamer BatchStreamer) *StatisticsService {
	return &StatisticsService{
		subscriptionManager: manager,
		streamer:            streamer,
	}
}

// Start starts the batch stream and the dispatcher.
func (s *StatisticsService) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("statistics service has already started")
	}

	ctx, cancel := context.WithCancel(ctx)

	batches, err := s.streamer.Start(ctx)
	if err != nil {
		cancel()
		s.started.Store(false)
		return fmt.Errorf("failed to start engine: %w", err)
	}

	if err := s.subscriptionManager.StartDispatching(ctx, batches); err != nil {
		cancel()
		s.started.Store(false)
		return fmt.Errorf("failed to start dispatching: %w", err)
	}

	s.cancel = cancel
	return nil
}

// Stop cancels the engine; the dispatcher drains the remaining batches.
func (s *StatisticsService) Stop() error {
	if !s.started.CompareAndSwap(true, false) {
		return errors.New("service not started")
	}

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	log.Info().Msg("StatisticsService stopped")
	return nil
}

// Subscribe implements StatisticsServer. The request is a Struct:
//
//	{"table": "statistics", "instruments": ["BTC-USD"], "delta": true}
//
// table defaults to statistics, an empty instruments list means every
// instrument and delta defaults to true.
func (s *StatisticsService) Subscribe(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if !s.started.Load() {
		return status.Error(codes.Unavailable, "statistics service not started")
	}

	sr, err := ParseSubscribeRequest(req.AsMap())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	sub, err := s.subscriptionManager.Subscribe(sr)
	if errors.Is(err, ErrDispatcherStopped) {
		return status.Error(codes.Unavailable, err.Error())
	}
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to subscribe: %v", err)
	}

	logger := log.With().Str("subscriber", sub.ID()).Str("table", string(sr.Table)).Logger()
	defer func() {
		if err := s.subscriptionManager.Unsubscribe(sub); err != nil {
			logger.Error().Err(err).Msg("failed to unsubscribe")
		}
	}()

	logger.Info().Strs("instruments", sr.Instruments).Msg("new gRPC subscription")

	for {
		select {
		case <-stream.Context().Done():
			logger.Info().Msg("client disconnected")
			return nil
		case env, ok := <-sub.C():
			if !ok {
				logger.Info().Msg("subscription channel closed")
				return nil
			}

			msg, err := structpb.NewStruct(env.AsMap())
			if err != nil {
				logger.Error().Err(err).Msg("failed to encode envelope")
				continue
			}
			if err := stream.Send(msg); err != nil {
				logger.Warn().Err(err).Msg("failed to send envelope to client")
				return fmt.Errorf("%w: %v", ErrSubscriberWrite, err)
			}
		}
	}
}

// ParseSubscribeRequest reads a subscription request from decoded JSON or
// Struct values.
func ParseSubscribeRequest(m map[string]any) (SubscribeRequest, error) {
	req := SubscribeRequest{Table: model.StatisticsTable, Delta: true}

	if v, ok := m["table"]; ok && v != nil {
		name, ok := v.(string)
		if !ok {
			return req, fmt.Errorf("table must be a string, got %T", v)
		}
		t, err := model.ParseTable(name)
		if err != nil {
			return req, err
		}
		req.Table = t
	}

	if v, ok := m["instruments"]; ok && v != nil {
		list, ok := v.([]any)
		if !ok {
			return req, fmt.Errorf("instruments must be a list, got %T", v)
		}
		for i, item := range list {
			key, ok := item.(string)
			if !ok {
				return req, fmt.Errorf("instrument at index %d must be a string, got %T", i, item)
			}
			req.Instruments = append(req.Instruments, key)
		}
	}

	if v, ok := m["delta"]; ok && v != nil {
		delta, ok := v.(bool)
		if !ok {
			return req, fmt.Errorf("delta must be a bool, got %T", v)
		}
		req.Delta = delta
	}
	return req, nil
}
