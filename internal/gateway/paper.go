package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Paper is an in-process simulated venue for dry runs and tests. Prices
// follow a random walk advanced by GetSnapshot; take-profit and stop-loss
// levels are enforced venue-side on every price observation, the same way a
// real broker would close them without the fleet's involvement.
type Paper struct {
	mu      sync.Mutex
	prices  map[string]float64
	start   float64
	step    float64
	spread  float64
	balance float64
	open    map[string]*paperPosition
	closed  []ClosedPosition
	rnd     *rand.Rand
}

type paperPosition struct {
	Position
	takeProfit float64
	stopLoss   float64
}

// NewPaper creates a paper venue. start and step control the random walk,
// balance seeds the simulated account.
func NewPaper(start, step, balance float64) *Paper {
	if start <= 0 {
		start = 100
	}
	if step <= 0 {
		step = 0.5
	}
	return &Paper{
		prices:  make(map[string]float64),
		start:   start,
		step:    step,
		spread:  step / 10,
		balance: balance,
		open:    make(map[string]*paperPosition),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetPrice pins the walk for a symbol; used by tests for deterministic paths.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
	p.sweepLocked(symbol, price)
}

func (p *Paper) GetSnapshot(ctx context.Context, symbol, timeframe string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[symbol]
	if !ok {
		price = p.start
	} else {
		price += (p.rnd.Float64()*2 - 1) * p.step
	}
	p.prices[symbol] = price
	p.sweepLocked(symbol, price)

	return &Snapshot{
		Symbol:    symbol,
		Timeframe: timeframe,
		Open:      price,
		High:      price + p.step/2,
		Low:       price - p.step/2,
		Close:     price,
		Volume:    p.rnd.Float64() * 1000,
		Bid:       price - p.spread,
		Ask:       price + p.spread,
		At:        time.Now(),
	}, nil
}

func (p *Paper) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Size <= 0 {
		return nil, &RejectedError{Reason: "size must be positive"}
	}
	if req.Direction != Buy && req.Direction != Sell {
		return nil, &RejectedError{Reason: fmt.Sprintf("unknown direction %q", req.Direction)}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[req.Symbol]
	if !ok {
		price = p.start
		p.prices[req.Symbol] = price
	}
	fill := price + p.spread
	if req.Direction == Sell {
		fill = price - p.spread
	}

	pos := &paperPosition{
		Position: Position{
			ID:        uuid.NewString(),
			Symbol:    req.Symbol,
			Direction: req.Direction,
			Size:      req.Size,
			OpenPrice: fill,
			Tag:       req.Tag,
			OpenedAt:  time.Now(),
		},
		takeProfit: req.TakeProfit,
		stopLoss:   req.StopLoss,
	}
	p.open[pos.ID] = pos

	return &OrderResult{
		OrderID:    uuid.NewString(),
		PositionID: pos.ID,
		FillPrice:  fill,
	}, nil
}

func (p *Paper) GetOpenPositions(ctx context.Context, tag int64) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var res []Position
	for _, pos := range p.open {
		if pos.Tag != tag {
			continue
		}
		out := pos.Position
		out.Profit = profitAt(pos.Position, p.prices[pos.Symbol])
		res = append(res, out)
	}
	return res, nil
}

func (p *Paper) ClosePosition(ctx context.Context, positionID string) (*CloseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.open[positionID]
	if !ok {
		return nil, fmt.Errorf("position %s not found", positionID)
	}
	price := p.prices[pos.Symbol]
	p.closeLocked(pos, price, "manual")
	return &CloseResult{
		PositionID: positionID,
		ClosePrice: price,
		Profit:     profitAt(pos.Position, price),
	}, nil
}

func (p *Paper) ClosedPositions(ctx context.Context, tag int64, since time.Time) ([]ClosedPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var res []ClosedPosition
	for _, cp := range p.closed {
		if cp.Tag == tag && !cp.ClosedAt.Before(since) {
			res = append(res, cp)
		}
	}
	return res, nil
}

func (p *Paper) AccountBalance(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

func (p *Paper) Connected() bool { return true }

// sweepLocked closes any position whose TP or SL level the new price crossed.
func (p *Paper) sweepLocked(symbol string, price float64) {
	for _, pos := range p.open {
		if pos.Symbol != symbol {
			continue
		}
		switch {
		case pos.takeProfit > 0 && crossed(pos.Direction, price, pos.takeProfit, true):
			p.closeLocked(pos, price, "tp")
		case pos.stopLoss > 0 && crossed(pos.Direction, price, pos.stopLoss, false):
			p.closeLocked(pos, price, "sl")
		}
	}
}

func (p *Paper) closeLocked(pos *paperPosition, price float64, reason string) {
	profit := profitAt(pos.Position, price)
	p.balance += profit
	closed := ClosedPosition{
		Position:   pos.Position,
		ClosePrice: price,
		Reason:     reason,
		ClosedAt:   time.Now(),
	}
	closed.Profit = profit
	p.closed = append(p.closed, closed)
	delete(p.open, pos.ID)
}

// crossed reports whether price reached a TP (favorable=true) or SL level
// for the given direction.
func crossed(dir Direction, price, level float64, favorable bool) bool {
	if dir == Buy {
		if favorable {
			return price >= level
		}
		return price <= level
	}
	if favorable {
		return price <= level
	}
	return price >= level
}

func profitAt(pos Position, price float64) float64 {
	if pos.Direction == Buy {
		return (price - pos.OpenPrice) * pos.Size
	}
	return (pos.OpenPrice - price) * pos.Size
}
