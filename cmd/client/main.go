/*
Package main implements a gRPC client for the statistics stream.

The client subscribes to one table and logs what it receives. For the
statistics table it keeps a local copy of every instrument, applying delta
records on top of the last full record, and logs the reconstructed row.

Usage:

	go run ./cmd/client -addr=localhost:50051 -table=statistics -instruments=BTC-USD,ETH-USD
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tickstats/internal/model"
	"tickstats/internal/publish"
	"tickstats/internal/service"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	serverAddr  = flag.String("addr", "localhost:50051", "The server address in the format host:port")
	table       = flag.String("table", "statistics", "Table to subscribe to (trades or statistics)")
	instruments = flag.String("instruments", "", "Comma-separated instrument keys, empty for all")
	delta       = flag.Bool("delta", true, "Request delta records for the statistics table")
)

func main() {
	flag.Parse()

	log := zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()

	if err := validateConfig(); err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("did not connect")
	}
	defer conn.Close()

	req, err := structpb.NewStruct(map[string]any{
		"table":       *table,
		"instruments": keyList(*instruments),
		"delta":       *delta,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build request")
	}

	stream, err := service.NewStatisticsClient(conn).Subscribe(ctx, req)
	if err != nil {
		log.Fatal().Err(err).Msg("could not subscribe")
	}
	log.Info().Str("table", *table).Str("instruments", *instruments).Msg("subscribed")

	store := make(map[string]model.Record)
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			log.Info().Msg("stream has closed")
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Fatal().Err(err).Msg("failed to receive envelope")
		}

		env := msg.AsMap()
		rows, _ := env["data"].([]any)
		for _, r := range rows {
			row, ok := r.(map[string]any)
			if !ok {
				continue
			}
			if env["table"] == string(model.TradesTable) {
				log.Info().Fields(row).Msg("trade")
				continue
			}

			rec, err := model.ParseDeltaRecord(row)
			if err != nil {
				log.Error().Err(err).Msg("malformed record")
				continue
			}
			publish.Apply(store, rec)
			log.Info().
				Str("type", fmt.Sprint(env["messageType"])).
				Bool("full", rec.IsFull).
				Int("changed", len(rec.Fields)).
				Fields(map[string]any(store[rec.InstrumentKey])).
				Str("instrument", rec.InstrumentKey).
				Msg("statistics")
		}
	}
}

func keyList(s string) []any {
	out := []any{}
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func validateConfig() error {
	if *serverAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if _, err := model.ParseTable(*table); err != nil {
		return err
	}
	return nil
}
