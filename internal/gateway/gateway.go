// Package gateway defines the execution-venue boundary of the fleet. The
// orchestrator and every analysis loop talk to a single shared Gateway
// instance; implementations must be safe for concurrent use by multiple bots.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Direction denotes order direction.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Opposite returns the closing direction for a position direction.
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// Snapshot is one market observation for a symbol/timeframe.
type Snapshot struct {
	Symbol    string
	Timeframe string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Bid       float64
	Ask       float64
	At        time.Time
}

// OrderRequest captures an order intent to be sent to the venue. Tag is the
// per-bot identifier embedded in the order so venue positions can be
// attributed back to the bot that placed them.
type OrderRequest struct {
	Symbol     string
	Direction  Direction
	Size       float64
	TakeProfit float64 // absolute price, 0 = none
	StopLoss   float64 // absolute price, 0 = none
	Tag        int64
}

// OrderResult returns the venue ack.
type OrderResult struct {
	OrderID    string
	PositionID string
	FillPrice  float64
}

// Position is a currently-open venue position.
type Position struct {
	ID        string
	Symbol    string
	Direction Direction
	Size      float64
	OpenPrice float64
	Profit    float64 // live, at last observed price
	Tag       int64
	OpenedAt  time.Time
}

// ClosedPosition is a historical fill reported by the venue.
type ClosedPosition struct {
	Position
	ClosePrice float64
	Reason     string // tp, sl, manual
	ClosedAt   time.Time
}

// CloseResult confirms a position close.
type CloseResult struct {
	PositionID string
	ClosePrice float64
	Profit     float64
}

// ErrUnavailable marks transient venue failures; callers retry on the next
// tick rather than treating it as fatal.
var ErrUnavailable = errors.New("gateway unavailable")

// RejectedError reports an order the venue refused.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("order rejected: %s", e.Reason)
}

// Gateway abstracts the trading venue.
type Gateway interface {
	// GetSnapshot returns the latest market snapshot, or ErrUnavailable.
	GetSnapshot(ctx context.Context, symbol, timeframe string) (*Snapshot, error)
	// SubmitOrder places a tagged order; returns *RejectedError on refusal.
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	// GetOpenPositions lists open positions attributed to tag. Zero
	// positions is a normal result, not an error.
	GetOpenPositions(ctx context.Context, tag int64) ([]Position, error)
	// ClosePosition flattens one position and confirms the close.
	ClosePosition(ctx context.Context, positionID string) (*CloseResult, error)
	// ClosedPositions reports positions for tag closed at or after since.
	ClosedPositions(ctx context.Context, tag int64, since time.Time) ([]ClosedPosition, error)
	// AccountBalance returns the account balance used for relative sizing.
	AccountBalance(ctx context.Context) (float64, error)
	// Connected reports whether the venue link is currently up.
	Connected() bool
}
