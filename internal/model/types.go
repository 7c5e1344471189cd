// Package model defines core data types for the statistics streaming service.
//
// This package contains the data structures shared by every stage of the pipeline:
// normalized trade events produced by the exchange connectors, the statistics
// snapshots computed per instrument, the delta records sent to subscribers and
// the batches that carry one trigger's worth of output through the system.
package model

import (
	"strconv"
	"time"
)

// Venue identifies the upstream feed a trade was received from.
type Venue int

const (
	// BinanceVenue represents the Binance cryptocurrency exchange
	BinanceVenue Venue = iota

	// CoinbaseVenue represents the Coinbase cryptocurrency exchange
	CoinbaseVenue

	// OkxVenue represents the OKX cryptocurrency exchange
	OkxVenue

	// PolygonVenue represents the Polygon consolidated crypto feed
	PolygonVenue
)

// String returns the lowercase venue name used in logs and metric labels.
func (v Venue) String() string {
	switch v {
	case BinanceVenue:
		return "binance"
	case CoinbaseVenue:
		return "coinbase"
	case OkxVenue:
		return "okx"
	case PolygonVenue:
		return "polygon"
	default:
		return "venue_" + strconv.Itoa(int(v))
	}
}

// Side is the aggressor side of a trade.
type Side int8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// TradeEvent represents a normalized trade print from an upstream feed.
//
// Prices and sizes are parsed exactly by the connectors and converted to float64
// once, at the ingestion boundary. Volume is always Price*Size; use NewTradeEvent
// so the invariant holds. A TradeEvent is immutable once constructed.
type TradeEvent struct {
	InstrumentKey string    // Instrument identifier (e.g., "BTC-USD")
	Price         float64   // Execution price, > 0
	Size          float64   // Executed quantity, > 0
	Volume        float64   // Notional, Price*Size
	EventTime     time.Time // Upstream timestamp of the trade
	Side          Side      // Aggressor side, SideUnknown if the feed does not say
	VenueID       int       // Exchange identifier reported by the feed
	Venue         Venue     // Feed the trade was received from
}

// NewTradeEvent builds a TradeEvent and derives its notional volume.
func NewTradeEvent(key string, price, size float64, at time.Time, side Side, venue Venue, venueID int) TradeEvent {
	return TradeEvent{
		InstrumentKey: key,
		Price:         price,
		Size:          size,
		Volume:        price * size,
		EventTime:     at,
		Side:          side,
		VenueID:       venueID,
		Venue:         venue,
	}
}

// Record converts the trade into the row published on the trades table.
func (t TradeEvent) Record() Record {
	return Record{
		FieldInstrumentKey: t.InstrumentKey,
		"price":            t.Price,
		"size":             t.Size,
		"volume":           t.Volume,
		"side":             t.Side.String(),
		"exchange":         int64(t.VenueID),
		"venue":            t.Venue.String(),
		FieldEventTime:     t.EventTime.UnixMilli(),
	}
}

// Batch is the collector output for one trigger.
//
// Snapshots are sorted lexicographically by instrument key. Trades holds every
// trade processed by the timeline since the previous batch, in timeline order.
// Evicted lists instruments released for idleness during this trigger. The
// final batch emitted while draining on shutdown has Final set and no snapshots.
type Batch struct {
	Seq       uint64
	At        time.Time
	Snapshots []StatisticsSnapshot
	Trades    []TradeEvent
	Evicted   []string
	Final     bool
}
