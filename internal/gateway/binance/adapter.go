// Package binance adapts the fleet's execution-gateway contract onto Binance
// USDT-margined futures. Venue positions are netted per symbol, so per-bot
// attribution lives in this adapter: every order carries a tagged client
// order id and the adapter keeps its own position book, the venue stays the
// source of truth for fills and TP/SL triggers.
package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"

	"botfleet/internal/gateway"
)

// Config holds adapter credentials and mode.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// Adapter implements gateway.Gateway against Binance futures.
type Adapter struct {
	client *futures.Client

	mu     sync.Mutex
	open   map[string]*bookEntry
	closed []gateway.ClosedPosition

	connected atomic.Bool
}

type bookEntry struct {
	pos       gateway.Position
	tpOrderID int64 // venue-side TAKE_PROFIT_MARKET order, 0 = none
	slOrderID int64 // venue-side STOP_MARKET order, 0 = none
}

// New creates the adapter and synchronizes server time, which Binance
// requires for signed requests.
func New(cfg Config) *Adapter {
	futures.UseTestnet = cfg.Testnet
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	// Best effort; signed calls will surface clock problems anyway.
	_, _ = client.NewSetServerTimeService().Do(context.Background())

	a := &Adapter{
		client: client,
		open:   make(map[string]*bookEntry),
	}
	a.connected.Store(true)
	return a
}

func (a *Adapter) GetSnapshot(ctx context.Context, symbol, timeframe string) (*gateway.Snapshot, error) {
	klines, err := a.client.NewKlinesService().
		Symbol(symbol).
		Interval(timeframe).
		Limit(1).
		Do(ctx)
	if err != nil {
		return nil, a.unavailable(err)
	}
	if len(klines) == 0 {
		return nil, fmt.Errorf("%w: no klines for %s", gateway.ErrUnavailable, symbol)
	}
	a.connected.Store(true)

	k := klines[len(klines)-1]
	snap := &gateway.Snapshot{
		Symbol:    symbol,
		Timeframe: timeframe,
		Open:      parseF(k.Open),
		High:      parseF(k.High),
		Low:       parseF(k.Low),
		Close:     parseF(k.Close),
		Volume:    parseF(k.Volume),
		At:        time.UnixMilli(k.OpenTime),
	}

	tickers, err := a.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err == nil && len(tickers) > 0 {
		snap.Bid = parseF(tickers[0].BidPrice)
		snap.Ask = parseF(tickers[0].AskPrice)
	} else {
		snap.Bid = snap.Close
		snap.Ask = snap.Close
	}
	return snap, nil
}

func (a *Adapter) SubmitOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.OrderResult, error) {
	if req.Size <= 0 {
		return nil, &gateway.RejectedError{Reason: "size must be positive"}
	}

	clientID := fmt.Sprintf("bf%d-%s", req.Tag, uuid.NewString()[:8])
	qty := strconv.FormatFloat(req.Size, 'f', -1, 64)

	resp, err := a.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(sideFor(req.Direction)).
		Type(futures.OrderTypeMarket).
		Quantity(qty).
		NewClientOrderID(clientID).
		Do(ctx)
	if err != nil {
		if isRejection(err) {
			return nil, &gateway.RejectedError{Reason: err.Error()}
		}
		return nil, a.unavailable(err)
	}
	a.connected.Store(true)

	fill := parseF(resp.AvgPrice)
	if fill == 0 {
		// Market orders can ack before the avg price settles; re-query once.
		if ord, qerr := a.client.NewGetOrderService().
			Symbol(req.Symbol).OrderID(resp.OrderID).Do(ctx); qerr == nil {
			fill = parseF(ord.AvgPrice)
		}
	}

	entry := &bookEntry{
		pos: gateway.Position{
			ID:        uuid.NewString(),
			Symbol:    req.Symbol,
			Direction: req.Direction,
			Size:      req.Size,
			OpenPrice: fill,
			Tag:       req.Tag,
			OpenedAt:  time.Now(),
		},
	}

	// Protective orders are placed venue-side so TP/SL fire without the
	// fleet being up. Failures here leave the position unprotected but
	// open; the caller's trade record still carries the intended levels.
	if req.TakeProfit > 0 {
		if id, perr := a.placeProtective(ctx, req, futures.OrderTypeTakeProfitMarket, req.TakeProfit); perr == nil {
			entry.tpOrderID = id
		}
	}
	if req.StopLoss > 0 {
		if id, perr := a.placeProtective(ctx, req, futures.OrderTypeStopMarket, req.StopLoss); perr == nil {
			entry.slOrderID = id
		}
	}

	a.mu.Lock()
	a.open[entry.pos.ID] = entry
	a.mu.Unlock()

	return &gateway.OrderResult{
		OrderID:    strconv.FormatInt(resp.OrderID, 10),
		PositionID: entry.pos.ID,
		FillPrice:  fill,
	}, nil
}

func (a *Adapter) placeProtective(ctx context.Context, req gateway.OrderRequest, typ futures.OrderType, stopPrice float64) (int64, error) {
	resp, err := a.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(sideFor(req.Direction.Opposite())).
		Type(typ).
		Quantity(strconv.FormatFloat(req.Size, 'f', -1, 64)).
		StopPrice(strconv.FormatFloat(stopPrice, 'f', -1, 64)).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	return resp.OrderID, nil
}

func (a *Adapter) GetOpenPositions(ctx context.Context, tag int64) ([]gateway.Position, error) {
	if err := a.refresh(ctx); err != nil {
		return nil, err
	}

	a.mu.Lock()
	var matched []gateway.Position
	for _, entry := range a.open {
		if entry.pos.Tag == tag {
			matched = append(matched, entry.pos)
		}
	}
	a.mu.Unlock()

	// Price lookups happen outside the book lock.
	for i := range matched {
		if price, err := a.markPrice(ctx, matched[i].Symbol); err == nil {
			matched[i].Profit = profitAt(matched[i], price)
		}
	}
	return matched, nil
}

func (a *Adapter) ClosePosition(ctx context.Context, positionID string) (*gateway.CloseResult, error) {
	a.mu.Lock()
	entry, ok := a.open[positionID]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("position %s not found", positionID)
	}

	resp, err := a.client.NewCreateOrderService().
		Symbol(entry.pos.Symbol).
		Side(sideFor(entry.pos.Direction.Opposite())).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(entry.pos.Size, 'f', -1, 64)).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return nil, a.unavailable(err)
	}
	a.connected.Store(true)

	closePrice := parseF(resp.AvgPrice)
	if closePrice == 0 {
		if p, merr := a.markPrice(ctx, entry.pos.Symbol); merr == nil {
			closePrice = p
		}
	}
	a.cancelProtective(ctx, entry)

	profit := profitAt(entry.pos, closePrice)
	a.mu.Lock()
	a.moveToClosedLocked(entry, closePrice, profit, "manual")
	a.mu.Unlock()

	return &gateway.CloseResult{
		PositionID: positionID,
		ClosePrice: closePrice,
		Profit:     profit,
	}, nil
}

func (a *Adapter) ClosedPositions(ctx context.Context, tag int64, since time.Time) ([]gateway.ClosedPosition, error) {
	if err := a.refresh(ctx); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var res []gateway.ClosedPosition
	for _, cp := range a.closed {
		if cp.Tag == tag && !cp.ClosedAt.Before(since) {
			res = append(res, cp)
		}
	}
	return res, nil
}

func (a *Adapter) AccountBalance(ctx context.Context) (float64, error) {
	account, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, a.unavailable(err)
	}
	a.connected.Store(true)
	return parseF(account.TotalWalletBalance), nil
}

func (a *Adapter) Connected() bool {
	return a.connected.Load()
}

// refresh detects positions the venue closed on its own (TP/SL fills) by
// checking the protective orders of every tracked position.
func (a *Adapter) refresh(ctx context.Context) error {
	a.mu.Lock()
	entries := make([]*bookEntry, 0, len(a.open))
	for _, e := range a.open {
		entries = append(entries, e)
	}
	a.mu.Unlock()

	for _, entry := range entries {
		reason, price, ok, err := a.protectiveFill(ctx, entry)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		a.cancelProtective(ctx, entry)
		a.mu.Lock()
		a.moveToClosedLocked(entry, price, profitAt(entry.pos, price), reason)
		a.mu.Unlock()
	}
	return nil
}

func (a *Adapter) protectiveFill(ctx context.Context, entry *bookEntry) (reason string, price float64, filled bool, err error) {
	checks := []struct {
		orderID int64
		reason  string
	}{
		{entry.tpOrderID, "tp"},
		{entry.slOrderID, "sl"},
	}
	for _, c := range checks {
		if c.orderID == 0 {
			continue
		}
		ord, oerr := a.client.NewGetOrderService().
			Symbol(entry.pos.Symbol).OrderID(c.orderID).Do(ctx)
		if oerr != nil {
			return "", 0, false, a.unavailable(oerr)
		}
		if ord.Status == futures.OrderStatusTypeFilled {
			return c.reason, parseF(ord.AvgPrice), true, nil
		}
	}
	return "", 0, false, nil
}

func (a *Adapter) cancelProtective(ctx context.Context, entry *bookEntry) {
	for _, id := range []int64{entry.tpOrderID, entry.slOrderID} {
		if id == 0 {
			continue
		}
		// Already-filled or already-gone orders fail to cancel; ignore.
		_, _ = a.client.NewCancelOrderService().
			Symbol(entry.pos.Symbol).OrderID(id).Do(ctx)
	}
}

// moveToClosedLocked requires a.mu held.
func (a *Adapter) moveToClosedLocked(entry *bookEntry, price, profit float64, reason string) {
	if _, still := a.open[entry.pos.ID]; !still {
		return
	}
	closed := gateway.ClosedPosition{
		Position:   entry.pos,
		ClosePrice: price,
		Reason:     reason,
		ClosedAt:   time.Now(),
	}
	closed.Profit = profit
	a.closed = append(a.closed, closed)
	delete(a.open, entry.pos.ID)
}

func (a *Adapter) markPrice(ctx context.Context, symbol string) (float64, error) {
	tickers, err := a.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil || len(tickers) == 0 {
		return 0, a.unavailable(err)
	}
	return (parseF(tickers[0].BidPrice) + parseF(tickers[0].AskPrice)) / 2, nil
}

func (a *Adapter) unavailable(err error) error {
	a.connected.Store(false)
	return fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
}

func sideFor(d gateway.Direction) futures.SideType {
	if d == gateway.Buy {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

// isRejection distinguishes venue refusals (caller mistakes, bad sizing,
// insufficient margin) from transport failures.
func isRejection(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "-2019") || // insufficient margin
		strings.Contains(msg, "-1111") || // precision
		strings.Contains(msg, "-1013") || // filters
		strings.Contains(msg, "-4164") // min notional
}

func profitAt(pos gateway.Position, price float64) float64 {
	if pos.Direction == gateway.Buy {
		return (price - pos.OpenPrice) * pos.Size
	}
	return (pos.OpenPrice - price) * pos.Size
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
