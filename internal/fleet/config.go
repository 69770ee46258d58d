package fleet

import (
	"encoding/json"
	"fmt"
	"time"

	"botfleet/internal/signal"
)

// SizingMode selects how the order size field is interpreted.
type SizingMode string

const (
	// SizingFixed treats Size as an absolute quantity in base units.
	SizingFixed SizingMode = "fixed"
	// SizingBalancePct treats Size as a fraction of account balance to
	// deploy, converted to base units at the snapshot price.
	SizingBalancePct SizingMode = "balance_pct"
)

// BotConfig is immutable once a bot is created; changing it means delete and
// recreate. Every field has an explicit default applied at creation time.
type BotConfig struct {
	Name      string `json:"name" yaml:"name"`
	Symbol    string `json:"symbol" yaml:"symbol"`
	Timeframe string `json:"timeframe" yaml:"timeframe"`

	SizingMode SizingMode `json:"sizing_mode" yaml:"sizing_mode"`
	Size       float64    `json:"size" yaml:"size"`

	// TP/SL as price distances from the fill. Zero disables the level.
	TakeProfit float64 `json:"take_profit" yaml:"take_profit"`
	StopLoss   float64 `json:"stop_loss" yaml:"stop_loss"`

	MaxPositions  int     `json:"max_positions" yaml:"max_positions"`
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`
	AutoExecute   bool    `json:"auto_execute" yaml:"auto_execute"`

	// Deviation is the tolerated slippage between the snapshot price and
	// the fill, as a fraction. Purely advisory to the gateway.
	Deviation float64 `json:"deviation" yaml:"deviation"`

	// TickInterval is a Go duration string ("30s", "1m"). Empty means the
	// fleet default.
	TickInterval string `json:"tick_interval" yaml:"tick_interval"`

	Provider string        `json:"provider" yaml:"provider"`
	Params   signal.Params `json:"params" yaml:"params"`
}

func (c *BotConfig) applyDefaults() {
	if c.Timeframe == "" {
		c.Timeframe = "1m"
	}
	if c.SizingMode == "" {
		c.SizingMode = SizingFixed
	}
	if c.MaxPositions <= 0 {
		c.MaxPositions = 1
	}
	if c.Provider == "" {
		c.Provider = "momentum"
	}
}

// Validate checks the config after defaults are applied.
func (c *BotConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidConfig)
	}
	if c.Size <= 0 {
		return fmt.Errorf("%w: size must be positive", ErrInvalidConfig)
	}
	if c.SizingMode != SizingFixed && c.SizingMode != SizingBalancePct {
		return fmt.Errorf("%w: unknown sizing mode %q", ErrInvalidConfig, c.SizingMode)
	}
	if c.SizingMode == SizingBalancePct && c.Size > 1 {
		return fmt.Errorf("%w: balance_pct size must be in (0,1]", ErrInvalidConfig)
	}
	if c.TakeProfit < 0 || c.StopLoss < 0 {
		return fmt.Errorf("%w: TP/SL distances must be non-negative", ErrInvalidConfig)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("%w: min_confidence must be in [0,1]", ErrInvalidConfig)
	}
	if c.Deviation < 0 {
		return fmt.Errorf("%w: deviation must be non-negative", ErrInvalidConfig)
	}
	if c.TickInterval != "" {
		if _, err := time.ParseDuration(c.TickInterval); err != nil {
			return fmt.Errorf("%w: bad tick_interval: %v", ErrInvalidConfig, err)
		}
	}
	if _, err := signal.New(c.Provider); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Params.SlowPeriod != 0 && c.Params.SlowPeriod <= c.Params.FastPeriod {
		return fmt.Errorf("%w: slow_period must exceed fast_period", ErrInvalidConfig)
	}
	return nil
}

// Interval resolves the tick interval, falling back to def.
func (c *BotConfig) Interval(def time.Duration) time.Duration {
	if c.TickInterval == "" {
		return def
	}
	d, err := time.ParseDuration(c.TickInterval)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func (c *BotConfig) marshal() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalConfig(raw string) (BotConfig, error) {
	var c BotConfig
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return BotConfig{}, err
	}
	return c, nil
}
