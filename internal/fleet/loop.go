package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"botfleet/internal/events"
	"botfleet/internal/gateway"
	"botfleet/internal/monitor"
	"botfleet/internal/signal"
	"botfleet/pkg/db"
)

// runLoop is the per-bot analysis loop. It exits only via ctx cancellation;
// every per-tick error is logged and retried next tick. Cancellation is
// checked before the snapshot fetch and before the sleep, so stop latency
// is bounded by one gateway call plus the tick interval.
func (o *Orchestrator) runLoop(ctx context.Context, inst *Instance) {
	defer close(inst.done)

	interval := inst.cfg.Interval(o.cfg.DefaultTickInterval)
	since := time.Now()
	log.Printf("[Loop] bot %s: analyzing %s every %s", inst.id, inst.cfg.Symbol, interval)

	for {
		if ctx.Err() != nil {
			log.Printf("[Loop] bot %s: cancelled, exiting", inst.id)
			return
		}

		start := time.Now()
		o.tick(ctx, inst, since)
		monitor.RecordTick(inst.id, inst.cfg.Symbol, time.Since(start))

		select {
		case <-ctx.Done():
			log.Printf("[Loop] bot %s: cancelled, exiting", inst.id)
			return
		case <-time.After(interval):
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context, inst *Instance, since time.Time) {
	snap, err := o.gw.GetSnapshot(ctx, inst.cfg.Symbol, inst.cfg.Timeframe)
	if err != nil {
		log.Printf("[Loop] bot %s: snapshot unavailable: %v", inst.id, err)
		monitor.RecordAnalysisFailure(inst.id, "gateway")
		return
	}

	inst.stateMu.RLock()
	provider := inst.provider
	inst.stateMu.RUnlock()

	sig, confidence, err := provider.Evaluate(ctx, snap, inst.cfg.Params)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("[Loop] bot %s: provider failed: %v", inst.id, err)
			monitor.RecordAnalysisFailure(inst.id, "provider")
		}
		return
	}

	// The analysis record is written before any trade decision, so
	// analysis visibility never depends on execution succeeding.
	record := db.AnalysisRecord{
		BotID:      inst.id,
		Symbol:     inst.cfg.Symbol,
		Signal:     string(sig),
		Confidence: confidence,
		Indicators: marshalIndicators(provider.Indicators()),
		Price:      snap.Close,
		CreatedAt:  time.Now(),
	}
	if err := o.store.InsertAnalysis(ctx, record); err != nil {
		log.Printf("[Loop] bot %s: analysis record write failed: %v", inst.id, err)
	} else {
		inst.setLastAnalysis(&record)
		o.bus.Publish(events.EventAnalysisTick, inst.id)
	}

	o.reconcile(ctx, inst, since)

	if o.gateTrade(ctx, inst, sig, confidence) {
		o.submit(ctx, inst, sig, snap)
	}
}

// gateTrade decides whether this tick may submit an order. Every condition
// must hold; a false result ends the tick with no side effect beyond the
// analysis record.
func (o *Orchestrator) gateTrade(ctx context.Context, inst *Instance, sig signal.Signal, confidence float64) bool {
	if sig == signal.Hold || !inst.cfg.AutoExecute {
		return false
	}
	if confidence < inst.cfg.MinConfidence {
		return false
	}
	// A stop request may have landed mid-tick; never open a position for a
	// bot that is no longer Running.
	if inst.State() != StateRunning {
		return false
	}

	positions, err := o.gw.GetOpenPositions(ctx, inst.tag)
	if err != nil {
		log.Printf("[Loop] bot %s: position count unavailable, skipping trade: %v", inst.id, err)
		return false
	}
	return len(positions) < inst.cfg.MaxPositions
}

func (o *Orchestrator) submit(ctx context.Context, inst *Instance, sig signal.Signal, snap *gateway.Snapshot) {
	direction := gateway.Buy
	if sig == signal.Sell {
		direction = gateway.Sell
	}

	size, err := o.orderSize(ctx, inst, snap.Close)
	if err != nil {
		log.Printf("[Loop] bot %s: sizing failed: %v", inst.id, err)
		return
	}

	tp, sl := levels(direction, snap.Close, inst.cfg.TakeProfit, inst.cfg.StopLoss)
	req := gateway.OrderRequest{
		Symbol:     inst.cfg.Symbol,
		Direction:  direction,
		Size:       size,
		TakeProfit: tp,
		StopLoss:   sl,
		Tag:        inst.tag,
	}

	// Once submission starts it must run to completion even if the loop is
	// being cancelled, otherwise a venue-accepted order could go
	// unrecorded. Cancellation is honored at the tick boundaries instead.
	submitCtx := context.WithoutCancel(ctx)
	res, err := o.gw.SubmitOrder(submitCtx, req)
	if err != nil {
		var rejected *gateway.RejectedError
		if errors.As(err, &rejected) {
			log.Printf("[Loop] bot %s: order rejected: %s", inst.id, rejected.Reason)
			monitor.RecordOrderRejected(inst.id, inst.cfg.Symbol)
			o.bus.Publish(events.EventOrderRejected, inst.id)
		} else {
			log.Printf("[Loop] bot %s: order submission failed: %v", inst.id, err)
		}
		return
	}

	trade := db.TradeRecord{
		ID:         res.PositionID,
		BotID:      inst.id,
		OrderID:    res.OrderID,
		Direction:  string(direction),
		Size:       size,
		TakeProfit: tp,
		StopLoss:   sl,
		Status:     db.TradeOpen,
	}
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	if err := o.store.InsertTrade(submitCtx, trade); err != nil {
		log.Printf("[Loop] bot %s: trade record write failed: %v", inst.id, err)
	}
	monitor.RecordOrderSubmitted(inst.id, inst.cfg.Symbol, string(direction))
	o.bus.Publish(events.EventOrderSubmitted, trade.ID)
	log.Printf("[Loop] bot %s: %s %s size=%.6f fill=%.4f", inst.id, direction, inst.cfg.Symbol, size, res.FillPrice)
}

// reconcile marks trade records closed for positions the venue reports as
// closed (TP/SL fills or manual closes). CloseTrade is exactly-once, so
// seeing the same closed position on consecutive ticks is harmless.
func (o *Orchestrator) reconcile(ctx context.Context, inst *Instance, since time.Time) {
	closed, err := o.gw.ClosedPositions(ctx, inst.tag, since)
	if err != nil {
		log.Printf("[Loop] bot %s: closed-position query failed: %v", inst.id, err)
		return
	}
	for _, cp := range closed {
		if err := o.store.CloseTrade(ctx, cp.ID, cp.Profit, cp.Reason); err != nil {
			log.Printf("[Loop] bot %s: trade close for %s failed: %v", inst.id, cp.ID, err)
			continue
		}
		monitor.RecordTradeClosed(inst.id, cp.Reason)
		o.bus.Publish(events.EventTradeClosed, cp.ID)
	}
}

// orderSize converts the configured sizing into base units.
func (o *Orchestrator) orderSize(ctx context.Context, inst *Instance, price float64) (float64, error) {
	switch inst.cfg.SizingMode {
	case SizingBalancePct:
		balance, err := o.gw.AccountBalance(ctx)
		if err != nil {
			return 0, err
		}
		return balance * inst.cfg.Size / price, nil
	default:
		return inst.cfg.Size, nil
	}
}

// levels converts TP/SL distances into absolute prices around the entry.
func levels(direction gateway.Direction, price, tpDist, slDist float64) (tp, sl float64) {
	if direction == gateway.Buy {
		if tpDist > 0 {
			tp = price + tpDist
		}
		if slDist > 0 {
			sl = price - slDist
		}
		return tp, sl
	}
	if tpDist > 0 {
		tp = price - tpDist
	}
	if slDist > 0 {
		sl = price + slDist
	}
	return tp, sl
}

func marshalIndicators(ind map[string]float64) string {
	if len(ind) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(ind)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
