package model

import (
	"time"

	"github.com/goccy/go-json"
)

// Phase is the lifecycle state of an instrument's statistics.
type Phase int8

const (
	// PhaseUninitialized is the state before the first trade has been observed.
	PhaseUninitialized Phase = iota

	// PhaseWarming means at least one trade was seen but some windowed
	// statistics do not yet have enough history to be defined.
	PhaseWarming

	// PhaseSteady means every windowed statistic is defined.
	PhaseSteady
)

func (p Phase) String() string {
	switch p {
	case PhaseWarming:
		return "warming"
	case PhaseSteady:
		return "steady"
	default:
		return "uninitialized"
	}
}

// Metric is a statistic that may not be defined yet.
//
// An invalid Metric is absent from published records and marshals to null.
type Metric struct {
	Value float64
	Valid bool
}

// Some returns a defined metric.
func Some(v float64) Metric { return Metric{Value: v, Valid: true} }

// None is the absent metric.
var None = Metric{}

func (m Metric) MarshalJSON() ([]byte, error) {
	if !m.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(m.Value)
}

func (m *Metric) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*m = None
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*m = Some(v)
	return nil
}

// Field names of the statistics table. These are also the keys of Record.
const (
	FieldInstrumentKey    = "instrument_key"
	FieldState            = "state"
	FieldTradeCount       = "trade_count"
	FieldBuyCount         = "buy_count"
	FieldSellCount        = "sell_count"
	FieldWeightedAvg      = "weighted_avg"
	FieldEMA60            = "ema_60"
	FieldEMA120           = "ema_120"
	FieldEMA180           = "ema_180"
	FieldReturn1m         = "return_1m"
	FieldVolatility60s    = "volatility_60s"
	FieldVolatilityMA     = "volatility_ma"
	FieldVolatilityStdDev = "volatility_stddev"
	FieldVolUpper1Sigma   = "vol_upper_1sigma"
	FieldVolLower1Sigma   = "vol_lower_1sigma"
	FieldVolUpper2Sigma   = "vol_upper_2sigma"
	FieldVolLower2Sigma   = "vol_lower_2sigma"
	FieldBuyVolume        = "buy_volume"
	FieldSellVolume       = "sell_volume"
	FieldBuyPressure      = "buy_pressure"
	FieldTotalVolume60s   = "total_volume_60s"
	FieldEventTime        = "event_time"
)

// StatisticsSnapshot is the per-instrument output of one trigger.
type StatisticsSnapshot struct {
	InstrumentKey    string    `json:"instrument_key"`
	State            Phase     `json:"-"`
	TradeCount       int64     `json:"trade_count"`
	BuyCount         int64     `json:"buy_count"`
	SellCount        int64     `json:"sell_count"`
	WeightedAvg      Metric    `json:"weighted_avg"`
	EMA60            Metric    `json:"ema_60"`
	EMA120           Metric    `json:"ema_120"`
	EMA180           Metric    `json:"ema_180"`
	Return1m         Metric    `json:"return_1m"`
	Volatility60s    Metric    `json:"volatility_60s"`
	VolatilityMA     Metric    `json:"volatility_ma"`
	VolatilityStdDev Metric    `json:"volatility_stddev"`
	VolUpper1Sigma   Metric    `json:"vol_upper_1sigma"`
	VolLower1Sigma   Metric    `json:"vol_lower_1sigma"`
	VolUpper2Sigma   Metric    `json:"vol_upper_2sigma"`
	VolLower2Sigma   Metric    `json:"vol_lower_2sigma"`
	BuyVolume        float64   `json:"buy_volume"`
	SellVolume       float64   `json:"sell_volume"`
	BuyPressure      float64   `json:"buy_pressure"`
	TotalVolume60s   float64   `json:"total_volume_60s"`
	EventTime        time.Time `json:"-"`
}

// Fields flattens the snapshot into a Record holding only defined fields.
//
// The instrument key is not part of the result: records are keyed by it.
// Numeric values are float64 or int64 so that delta comparison and wire
// encoding see a closed set of types.
func (s StatisticsSnapshot) Fields() Record {
	r := Record{
		FieldState:          s.State.String(),
		FieldTradeCount:     s.TradeCount,
		FieldBuyCount:       s.BuyCount,
		FieldSellCount:      s.SellCount,
		FieldBuyVolume:      s.BuyVolume,
		FieldSellVolume:     s.SellVolume,
		FieldBuyPressure:    s.BuyPressure,
		FieldTotalVolume60s: s.TotalVolume60s,
		FieldEventTime:      s.EventTime.UnixMilli(),
	}
	optional := [...]struct {
		name string
		m    Metric
	}{
		{FieldWeightedAvg, s.WeightedAvg},
		{FieldEMA60, s.EMA60},
		{FieldEMA120, s.EMA120},
		{FieldEMA180, s.EMA180},
		{FieldReturn1m, s.Return1m},
		{FieldVolatility60s, s.Volatility60s},
		{FieldVolatilityMA, s.VolatilityMA},
		{FieldVolatilityStdDev, s.VolatilityStdDev},
		{FieldVolUpper1Sigma, s.VolUpper1Sigma},
		{FieldVolLower1Sigma, s.VolLower1Sigma},
		{FieldVolUpper2Sigma, s.VolUpper2Sigma},
		{FieldVolLower2Sigma, s.VolLower2Sigma},
	}
	for _, o := range optional {
		if o.m.Valid {
			r[o.name] = o.m.Value
		}
	}
	return r
}
