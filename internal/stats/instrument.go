// Package stats implements the per-instrument statistics state machine.
//
// An Instrument consumes trades through Observe and produces one
// StatisticsSnapshot per trigger through Advance. It never reads the wall
// clock: every time it acts on is passed in by the caller, which makes the
// computation a pure function of the event sequence.
//
// State transitions:
//
//	Uninitialized --first trade--> Warming --all windows satisfied--> Steady
//
// A periodic reset of the weighted average and the smoothers moves an
// instrument back to Warming until the windows fill again. Resets happen on
// multiples of ResetInterval on the shared timeline, so every instrument
// resets on the same trigger.
package stats

import (
	"time"

	"tickstats/internal/model"
	"tickstats/internal/rolling"
)

// Instrument holds the rolling state of one instrument. It is owned by exactly
// one router partition and is not safe for concurrent use.
type Instrument struct {
	key string
	cfg Config

	ring    *rolling.WeightedRing
	emas    [3]*rolling.HalflifeEMA
	lagged  *rolling.LagBuffer
	returns *rolling.MomentWindow
	vols    *rolling.MomentWindow

	// flow windows hold notional volume; their lengths are the trade counts
	total *rolling.Window
	buys  *rolling.Window
	sells *rolling.Window

	phase     model.Phase
	trades    int64
	lagSeeded bool
	lastTrade time.Time
	resetAt   time.Time
}

// NewInstrument creates the state for key. The config is assumed valid.
func NewInstrument(key string, cfg Config) *Instrument {
	return &Instrument{
		key:  key,
		cfg:  cfg,
		ring: rolling.NewWeightedRing(cfg.TradeWindow),
		emas: [3]*rolling.HalflifeEMA{
			rolling.NewHalflifeEMA(cfg.ShortHalflife),
			rolling.NewHalflifeEMA(cfg.MediumHalflife),
			rolling.NewHalflifeEMA(cfg.LongHalflife),
		},
		lagged:  rolling.NewLagBuffer(cfg.ReturnLag),
		returns: rolling.NewMomentWindow(cfg.VolatilityWindow),
		vols:    rolling.NewMomentWindow(cfg.VolatilityMAWindow),
		total:   rolling.NewWindow(cfg.FlowWindow),
		buys:    rolling.NewWindow(cfg.FlowWindow),
		sells:   rolling.NewWindow(cfg.FlowWindow),
	}
}

// Key returns the instrument key.
func (in *Instrument) Key() string { return in.key }

// Phase returns the current lifecycle state.
func (in *Instrument) Phase() model.Phase { return in.phase }

// LastTrade returns the latest event time observed.
func (in *Instrument) LastTrade() time.Time { return in.lastTrade }

// Observe folds one trade into the instrument state.
//
// Late trades are accepted as they come: they enter the time windows at their
// own timestamp and are expired by the next trigger if already out of range.
func (in *Instrument) Observe(tr model.TradeEvent) {
	if in.phase == model.PhaseUninitialized {
		in.phase = model.PhaseWarming
		in.resetAt = tr.EventTime.Truncate(in.cfg.ResetInterval)
	}

	in.ring.Push(tr.Price, tr.Size)

	in.total.Add(tr.EventTime, tr.Volume)
	switch tr.Side {
	case model.SideBuy:
		in.buys.Add(tr.EventTime, tr.Volume)
	case model.SideSell:
		in.sells.Add(tr.EventTime, tr.Volume)
	}

	in.trades++
	if tr.EventTime.After(in.lastTrade) {
		in.lastTrade = tr.EventTime
	}

	// the first weighted average anchors the lagged return
	if !in.lagSeeded {
		if vwa, ok := in.ring.Mean(); ok {
			in.lagged.Record(tr.EventTime, vwa)
			in.lagSeeded = true
		}
	}
}

// Advance recomputes every statistic as of now and returns the snapshot. It
// reports false while no trade has been observed.
func (in *Instrument) Advance(now time.Time) (model.StatisticsSnapshot, bool) {
	if in.trades == 0 {
		return model.StatisticsSnapshot{}, false
	}

	if in.cfg.ResetInterval > 0 {
		if b := now.Truncate(in.cfg.ResetInterval); b.After(in.resetAt) {
			in.ring.Reset()
			for _, e := range in.emas {
				e.Reset()
			}
			in.resetAt = b
		}
	}

	snap := model.StatisticsSnapshot{
		InstrumentKey: in.key,
		EventTime:     now,
	}

	in.total.Expire(now)
	in.buys.Expire(now)
	in.sells.Expire(now)
	snap.TradeCount = int64(in.total.Len())
	snap.BuyCount = int64(in.buys.Len())
	snap.SellCount = int64(in.sells.Len())
	snap.TotalVolume60s = in.total.Sum()
	snap.BuyVolume = in.buys.Sum()
	snap.SellVolume = in.sells.Sum()
	snap.BuyPressure = buyPressure(snap.BuyVolume, snap.SellVolume)

	if vwa, ok := in.ring.Mean(); ok {
		snap.WeightedAvg = model.Some(vwa)
		snap.EMA60 = model.Some(in.emas[0].Update(vwa, now))
		snap.EMA120 = model.Some(in.emas[1].Update(vwa, now))
		snap.EMA180 = model.Some(in.emas[2].Update(vwa, now))

		if lagged, ok := in.lagged.Lookup(now); ok && lagged != 0 {
			ret := (vwa - lagged) / lagged
			snap.Return1m = model.Some(ret)
			in.returns.Add(now, ret)
		}
		in.lagged.Record(now, vwa)
		in.lagSeeded = true
	}

	in.returns.Expire(now)
	if sd, ok := in.returns.StdDev(); ok && in.returns.Covered() >= in.cfg.MinVolatilityCoverage {
		snap.Volatility60s = model.Some(sd)
		in.vols.Add(now, sd)
	}

	in.vols.Expire(now)
	ma, maOK := in.vols.Mean()
	sd, sdOK := in.vols.StdDev()
	if maOK {
		snap.VolatilityMA = model.Some(ma)
	}
	if maOK && sdOK {
		snap.VolatilityStdDev = model.Some(sd)
		snap.VolUpper1Sigma = model.Some(ma + sd)
		snap.VolLower1Sigma = model.Some(ma - sd)
		snap.VolUpper2Sigma = model.Some(ma + 2*sd)
		snap.VolLower2Sigma = model.Some(ma - 2*sd)
	}

	if snap.Return1m.Valid && snap.Volatility60s.Valid && snap.VolatilityStdDev.Valid {
		in.phase = model.PhaseSteady
	} else {
		in.phase = model.PhaseWarming
	}
	snap.State = in.phase

	return snap, true
}

func buyPressure(buy, sell float64) float64 {
	if buy+sell == 0 {
		return 0.5
	}
	return buy / (buy + sell)
}
