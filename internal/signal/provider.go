// Package signal defines the analysis contract bots use to turn market
// snapshots into trade decisions, and ships the built-in providers.
package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"botfleet/internal/gateway"
)

// Signal is a trade recommendation.
type Signal string

const (
	Buy  Signal = "BUY"
	Sell Signal = "SELL"
	Hold Signal = "HOLD"
)

// ErrUnavailable means the provider could not form an opinion this tick
// (not enough data, upstream feed down). The caller records the failure and
// retries next tick; it is not a reason to stop the bot.
var ErrUnavailable = errors.New("signal unavailable")

// Params tunes a provider. Zero values fall back to provider defaults.
type Params struct {
	FastPeriod int `json:"fast_period" yaml:"fast_period"`
	SlowPeriod int `json:"slow_period" yaml:"slow_period"`
	RSIPeriod  int `json:"rsi_period" yaml:"rsi_period"`
}

// Provider evaluates one snapshot at a time. Providers are stateful (they
// accumulate a price window), so every bot owns its own instance.
type Provider interface {
	Name() string

	// Evaluate returns a signal and a confidence in [0,1].
	Evaluate(ctx context.Context, snap *gateway.Snapshot, p Params) (Signal, float64, error)

	// Indicators reports the values behind the most recent Evaluate,
	// for the analysis record. Nil until the first full evaluation.
	Indicators() map[string]float64
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Provider{
		"momentum": func() Provider { return NewMomentum() },
	}
)

// Register adds a provider factory under name, replacing any previous one.
func Register(name string, factory func() Provider) {
	registryMu.Lock()
	registry[name] = factory
	registryMu.Unlock()
}

// New builds a fresh provider instance by name. Empty means the default
// momentum provider.
func New(name string) (Provider, error) {
	if name == "" {
		name = "momentum"
	}
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown signal provider %q", name)
	}
	return factory(), nil
}
