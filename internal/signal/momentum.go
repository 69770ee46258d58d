package signal

import (
	"context"
	"math"

	"botfleet/internal/gateway"
)

const (
	defaultFastPeriod = 10
	defaultSlowPeriod = 30
	defaultRSIPeriod  = 14

	rsiOverbought = 70.0
	rsiOversold   = 30.0
)

// Momentum is an SMA crossover provider. It leans BUY while the fast average
// sits above the slow one and SELL while below, with confidence scaled by
// how far the averages have separated. RSI damps confidence near extremes so
// the fleet does not pile into an overbought or oversold market.
type Momentum struct {
	closes     []float64
	indicators map[string]float64
}

// NewMomentum creates an empty provider; it needs slow_period+rsi_period
// snapshots before it produces anything other than HOLD.
func NewMomentum() *Momentum {
	return &Momentum{}
}

func (m *Momentum) Name() string { return "momentum" }

func (m *Momentum) Indicators() map[string]float64 { return m.indicators }

func (m *Momentum) Evaluate(ctx context.Context, snap *gateway.Snapshot, p Params) (Signal, float64, error) {
	if err := ctx.Err(); err != nil {
		return Hold, 0, err
	}
	if snap == nil || snap.Close <= 0 {
		return Hold, 0, ErrUnavailable
	}

	fast := p.FastPeriod
	if fast <= 0 {
		fast = defaultFastPeriod
	}
	slow := p.SlowPeriod
	if slow <= fast {
		// A defaulted slow window must still sit above the fast one.
		slow = defaultSlowPeriod
		if slow <= fast {
			slow = fast * 3
		}
	}
	rsiPeriod := p.RSIPeriod
	if rsiPeriod <= 0 {
		rsiPeriod = defaultRSIPeriod
	}

	window := slow + rsiPeriod + 1
	m.closes = append(m.closes, snap.Close)
	if len(m.closes) > window {
		m.closes = m.closes[len(m.closes)-window:]
	}
	if len(m.closes) < slow {
		return Hold, 0, nil
	}

	fastMA := sma(m.closes, fast)
	slowMA := sma(m.closes, slow)
	rsi := rsiOf(m.closes, rsiPeriod)

	m.indicators = map[string]float64{
		"fast_ma": fastMA,
		"slow_ma": slowMA,
		"rsi":     rsi,
		"close":   snap.Close,
	}

	sig := Hold
	switch {
	case fastMA > slowMA:
		sig = Buy
	case fastMA < slowMA:
		sig = Sell
	}
	if sig == Hold {
		return Hold, 0, nil
	}

	// Separation of one percent of price maps to full confidence.
	sep := math.Abs(fastMA-slowMA) / slowMA
	confidence := math.Min(1, sep*100)

	// Damp trend-following near RSI extremes. The damping is floored so a
	// strong monotone trend (RSI pinned at 0 or 100) still reports a
	// tradable confidence rather than collapsing to zero.
	if sig == Buy && rsi > rsiOverbought {
		confidence *= dampFactor((100 - rsi) / (100 - rsiOverbought))
	}
	if sig == Sell && rsi < rsiOversold {
		confidence *= dampFactor(rsi / rsiOversold)
	}

	return sig, confidence, nil
}

// minDamp keeps RSI damping from zeroing out confidence entirely.
const minDamp = 0.25

func dampFactor(f float64) float64 {
	if f < minDamp {
		return minDamp
	}
	return f
}

// sma averages the last period values.
func sma(values []float64, period int) float64 {
	if len(values) < period {
		return 0
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// rsiOf computes an unsmoothed RSI over the last period changes.
func rsiOf(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 50
	}
	gain, loss := 0.0, 0.0
	for i := len(values) - period; i < len(values); i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}
	if loss == 0 {
		return 100
	}
	rs := gain / loss
	return 100 - (100 / (1 + rs))
}
