package stats

import (
	"errors"
	"time"
)

// ErrInvalidConfig indicates that a statistics Config contains invalid window settings.
var ErrInvalidConfig = errors.New("invalid statistics configuration")

// Config holds the window sizes of the per-instrument statistics.
type Config struct {
	// TradeWindow is the number of trades the weighted average is taken over.
	TradeWindow int `yaml:"trade_window" validate:"gt=0"`

	// Halflives of the three smoothers published as ema_60, ema_120 and ema_180.
	ShortHalflife  time.Duration `yaml:"short_halflife" validate:"gt=0"`
	MediumHalflife time.Duration `yaml:"medium_halflife" validate:"gt=0"`
	LongHalflife   time.Duration `yaml:"long_halflife" validate:"gt=0"`

	// ReturnLag is how far back the lagged weighted average is looked up.
	ReturnLag time.Duration `yaml:"return_lag" validate:"gt=0"`

	// FlowWindow bounds trade counts and buy/sell volumes.
	FlowWindow time.Duration `yaml:"flow_window" validate:"gt=0"`

	// VolatilityWindow bounds the return observations volatility is taken over.
	VolatilityWindow time.Duration `yaml:"volatility_window" validate:"gt=0"`

	// MinVolatilityCoverage is the minimum time the return observations must
	// span before volatility is defined.
	MinVolatilityCoverage time.Duration `yaml:"min_volatility_coverage"`

	// VolatilityMAWindow bounds the volatility samples behind the bands.
	VolatilityMAWindow time.Duration `yaml:"volatility_ma_window" validate:"gt=0"`

	// ResetInterval periodically clears the weighted average and the
	// smoothers. Zero disables the reset.
	ResetInterval time.Duration `yaml:"reset_interval"`
}

// DefaultConfig returns the canonical windows.
func DefaultConfig() Config {
	return Config{
		TradeWindow:           100,
		ShortHalflife:         60 * time.Second,
		MediumHalflife:        120 * time.Second,
		LongHalflife:          180 * time.Second,
		ReturnLag:             60 * time.Second,
		FlowWindow:            60 * time.Second,
		VolatilityWindow:      60 * time.Second,
		MinVolatilityCoverage: time.Second,
		VolatilityMAWindow:    600 * time.Second,
		ResetInterval:         24 * time.Hour,
	}
}

// Validate checks invariants the struct tags cannot express.
func (c Config) Validate() error {
	if c.TradeWindow <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("trade window must be positive"))
	}
	for _, d := range []time.Duration{c.ShortHalflife, c.MediumHalflife, c.LongHalflife,
		c.ReturnLag, c.FlowWindow, c.VolatilityWindow, c.VolatilityMAWindow} {
		if d <= 0 {
			return errors.Join(ErrInvalidConfig, errors.New("windows and halflives must be positive"))
		}
	}
	if c.MinVolatilityCoverage < 0 || c.MinVolatilityCoverage > c.VolatilityWindow {
		return errors.Join(ErrInvalidConfig, errors.New("volatility coverage must be within the volatility window"))
	}
	if c.ResetInterval < 0 {
		return errors.Join(ErrInvalidConfig, errors.New("reset interval cannot be negative"))
	}
	return nil
}
