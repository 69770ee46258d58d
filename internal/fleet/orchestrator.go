// Package fleet coordinates the lifecycle of autonomous trading bots: one
// analysis loop per running bot, safe stop ordering (flatten positions
// before tearing the loop down), durable run-state, and a fleet-wide
// emergency stop.
package fleet

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"botfleet/internal/events"
	"botfleet/internal/gateway"
	"botfleet/internal/monitor"
	"botfleet/internal/signal"
	"botfleet/pkg/config"
	"botfleet/pkg/db"
)

// Orchestrator owns the map of bot instances and is the only writer of
// durable bot state. Structural operations are serialized per bot and run
// in parallel across bots.
type Orchestrator struct {
	cfg    *config.Config
	store  *db.Database
	gw     gateway.Gateway
	bus    *events.Bus
	nodeID string

	mu      sync.Mutex
	bots    map[string]*Instance
	nextTag int64 // high-water mark; tags are never reused, even after delete
}

func New(cfg *config.Config, store *db.Database, gw gateway.Gateway, bus *events.Bus, nodeID string) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		gw:      gw,
		bus:     bus,
		nodeID:  nodeID,
		bots:    make(map[string]*Instance),
		nextTag: 1,
	}
}

// Recover rebuilds the in-memory fleet from the store at boot. Bots that
// were persisted as Running are loaded Stopped and NOT resumed; resuming
// autonomous trading after an uncontrolled restart needs an explicit
// operator StartBot.
func (o *Orchestrator) Recover(ctx context.Context) error {
	records, err := o.store.ListBots(ctx)
	if err != nil {
		return fmt.Errorf("load bot records: %w", err)
	}

	maxTag, err := o.store.MaxTag(ctx)
	if err != nil {
		return fmt.Errorf("load max tag: %w", err)
	}

	o.mu.Lock()
	if maxTag >= o.nextTag {
		o.nextTag = maxTag + 1
	}
	o.mu.Unlock()

	for _, rec := range records {
		botCfg, err := unmarshalConfig(rec.Config)
		if err != nil {
			log.Printf("[Fleet] skipping bot %s: unreadable config: %v", rec.ID, err)
			continue
		}

		inst := &Instance{id: rec.ID, tag: rec.Tag, cfg: botCfg, state: rec.State}

		if rec.State == StateRunning || rec.State == StateStopping {
			inst.state = StateStopped
			if err := o.store.UpdateBotState(ctx, rec.ID, StateStopped); err != nil {
				return &PersistenceError{Op: "recover", Err: err}
			}
			details := fmt.Sprintf("was %s at shutdown, node %s", rec.State, o.nodeID)
			if err := o.store.AppendAction(ctx, rec.ID, "LoadedButNotResumed", details); err != nil {
				log.Printf("[Fleet] action log write failed for %s: %v", rec.ID, err)
			}
			log.Printf("[Fleet] bot %s loaded but not resumed (%s)", rec.ID, details)
		}

		o.mu.Lock()
		o.bots[rec.ID] = inst
		o.mu.Unlock()
	}

	monitor.SetBotsRunning(0)
	log.Printf("[Fleet] recovered %d bot(s)", len(records))
	return nil
}

// CreateBot validates and persists a new bot. No loop is spawned and no
// gateway call is made.
func (o *Orchestrator) CreateBot(ctx context.Context, botCfg BotConfig) (string, error) {
	botCfg.applyDefaults()
	if err := botCfg.Validate(); err != nil {
		return "", err
	}

	id := uuid.NewString()

	o.mu.Lock()
	tag := o.nextTag
	o.nextTag++
	o.mu.Unlock()

	raw, err := botCfg.marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	rec := db.BotRecord{ID: id, Tag: tag, Config: raw, State: StateCreated}
	if err := o.store.CreateBot(ctx, rec); err != nil {
		return "", &PersistenceError{Op: "create", Err: err}
	}

	inst := &Instance{id: id, tag: tag, cfg: botCfg, state: StateCreated}
	o.mu.Lock()
	o.bots[id] = inst
	o.mu.Unlock()

	if err := o.store.AppendAction(ctx, id, "Created", fmt.Sprintf("symbol=%s tag=%d", botCfg.Symbol, tag)); err != nil {
		log.Printf("[Fleet] action log write failed for %s: %v", id, err)
	}
	o.bus.Publish(events.EventBotCreated, id)
	log.Printf("[Fleet] created bot %s (%s, tag %d)", id, botCfg.Symbol, tag)
	return id, nil
}

// StartBot spawns the bot's analysis loop. Already-Running is a no-op
// success; concurrent StartBot calls race for opMu and the losers observe
// Running.
func (o *Orchestrator) StartBot(ctx context.Context, id string) error {
	inst, err := o.lookup(id)
	if err != nil {
		return err
	}

	inst.opMu.Lock()
	defer inst.opMu.Unlock()

	if inst.State() == StateRunning {
		return nil
	}

	provider, err := signal.New(inst.cfg.Provider)
	if err != nil {
		// State untouched; surfaced as the spawn failure.
		return err
	}

	prev := inst.State()
	inst.setState(StateRunning)
	if err := o.store.UpdateBotState(ctx, id, StateRunning); err != nil {
		inst.setState(prev)
		return &PersistenceError{Op: "start", Err: err}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	inst.stateMu.Lock()
	inst.provider = provider
	inst.cancel = cancel
	inst.done = make(chan struct{})
	inst.stateMu.Unlock()

	go o.runLoop(loopCtx, inst)

	if err := o.store.AppendAction(ctx, id, "Started", ""); err != nil {
		log.Printf("[Fleet] action log write failed for %s: %v", id, err)
	}
	o.bus.Publish(events.EventBotStarted, id)
	monitor.SetBotsRunning(o.runningCount())
	log.Printf("[Fleet] started bot %s", id)
	return nil
}

// StopBot flattens the bot's venue positions, then cancels its loop, then
// persists Stopped. Idempotent once Stopped. A *PartialStopError reports
// positions that failed to close; the bot is still Stopped.
func (o *Orchestrator) StopBot(ctx context.Context, id string) error {
	_, err := o.stopBot(ctx, id)
	return err
}

func (o *Orchestrator) stopBot(ctx context.Context, id string) (already bool, err error) {
	inst, err := o.lookup(id)
	if err != nil {
		return false, err
	}

	inst.opMu.Lock()
	defer inst.opMu.Unlock()

	switch inst.State() {
	case StateStopped, StateCreated:
		// Already down, but a previous stop may have left positions the
		// venue refused to close. Retry those; positions the venue no
		// longer reports are simply not re-attempted.
		if failures := o.closeTagged(ctx, inst); len(failures) > 0 {
			return true, &PartialStopError{BotID: id, Failures: failures}
		}
		return true, nil
	}

	prev := inst.State()
	inst.setState(StateStopping)
	if perr := o.store.UpdateBotState(ctx, id, StateStopping); perr != nil {
		inst.setState(prev)
		return false, &PersistenceError{Op: "stop", Err: perr}
	}

	// Close positions BEFORE cancelling the loop, so the loop cannot open
	// a fresh position after the operator asked for a stop but before the
	// book is flat. The loop's trade gate sees Stopping and stands down.
	failures := o.closeTagged(ctx, inst)

	inst.stateMu.RLock()
	cancel, done := inst.cancel, inst.done
	inst.stateMu.RUnlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-time.After(o.cfg.StopTimeout):
			log.Printf("[Fleet] bot %s loop did not exit within %s, proceeding", id, o.cfg.StopTimeout)
		}
	}

	inst.setState(StateStopped)
	if perr := o.store.UpdateBotState(ctx, id, StateStopped); perr != nil {
		// Store still says Stopping; roll memory back to match so a
		// retry walks the same path.
		inst.setState(StateStopping)
		return false, &PersistenceError{Op: "stop", Err: perr}
	}

	if aerr := o.store.AppendAction(ctx, id, "Stopped", fmt.Sprintf("unclosed=%d", len(failures))); aerr != nil {
		log.Printf("[Fleet] action log write failed for %s: %v", id, aerr)
	}
	o.bus.Publish(events.EventBotStopped, id)
	monitor.SetBotsRunning(o.runningCount())
	log.Printf("[Fleet] stopped bot %s (%d close failure(s))", id, len(failures))

	if len(failures) > 0 {
		return false, &PartialStopError{BotID: id, Failures: failures}
	}
	return false, nil
}

// closeTagged closes every open venue position attributed to the bot,
// continuing past individual failures. Positions the venue no longer
// reports (already closed by TP/SL) are success, not error.
func (o *Orchestrator) closeTagged(ctx context.Context, inst *Instance) []CloseFailure {
	positions, err := o.gw.GetOpenPositions(ctx, inst.tag)
	if err != nil {
		return []CloseFailure{{PositionID: "*", Reason: fmt.Sprintf("list positions: %v", err)}}
	}

	var failures []CloseFailure
	for _, pos := range positions {
		res, cerr := o.gw.ClosePosition(ctx, pos.ID)
		if cerr != nil {
			log.Printf("[Fleet] bot %s: close %s failed: %v", inst.id, pos.ID, cerr)
			failures = append(failures, CloseFailure{PositionID: pos.ID, Reason: cerr.Error()})
			continue
		}
		if terr := o.store.CloseTrade(ctx, pos.ID, res.Profit, "manual"); terr != nil {
			log.Printf("[Fleet] bot %s: trade record close for %s failed: %v", inst.id, pos.ID, terr)
		}
		monitor.RecordTradeClosed(inst.id, "manual")
		o.bus.Publish(events.EventTradeClosed, pos.ID)
	}
	return failures
}

// DeleteBot stops the bot if needed, then removes its record and instance.
// Audit, analysis and trade rows are kept.
func (o *Orchestrator) DeleteBot(ctx context.Context, id string) error {
	inst, err := o.lookup(id)
	if err != nil {
		return err
	}

	// A StartBot may sneak in between the stop and the removal below, so
	// verify the bot is still down once opMu is held and re-stop if not.
	for {
		if _, err := o.stopBot(ctx, id); err != nil {
			// Partial close failures do not block deletion; every
			// position was attempted and already logged.
			if _, partial := err.(*PartialStopError); !partial {
				return err
			}
		}
		inst.opMu.Lock()
		if s := inst.State(); s == StateStopped || s == StateCreated {
			break
		}
		inst.opMu.Unlock()
	}
	defer inst.opMu.Unlock()

	if err := o.store.DeleteBot(ctx, id); err != nil {
		return &PersistenceError{Op: "delete", Err: err}
	}

	o.mu.Lock()
	delete(o.bots, id)
	o.mu.Unlock()

	if aerr := o.store.AppendAction(ctx, id, "Deleted", ""); aerr != nil {
		log.Printf("[Fleet] action log write failed for %s: %v", id, aerr)
	}
	o.bus.Publish(events.EventBotDeleted, id)
	log.Printf("[Fleet] deleted bot %s", id)
	return nil
}

// GetBot returns a read-only status snapshot with live tagged positions.
func (o *Orchestrator) GetBot(ctx context.Context, id string) (*BotStatus, error) {
	inst, err := o.lookup(id)
	if err != nil {
		return nil, err
	}

	positions, perr := o.gw.GetOpenPositions(ctx, inst.tag)
	if perr != nil {
		log.Printf("[Fleet] bot %s: live position query failed: %v", id, perr)
		positions = nil
	}
	st := inst.status(o.gw.Connected(), positions)
	return &st, nil
}

// ListBots returns status snapshots for the whole fleet. It takes no per-bot
// locks, so it never waits behind a slow structural operation.
func (o *Orchestrator) ListBots(ctx context.Context) ([]BotStatus, error) {
	o.mu.Lock()
	instances := make([]*Instance, 0, len(o.bots))
	for _, inst := range o.bots {
		instances = append(instances, inst)
	}
	o.mu.Unlock()

	connected := o.gw.Connected()
	statuses := make([]BotStatus, 0, len(instances))
	for _, inst := range instances {
		positions, err := o.gw.GetOpenPositions(ctx, inst.tag)
		if err != nil {
			positions = nil
		}
		statuses = append(statuses, inst.status(connected, positions))
	}
	return statuses, nil
}

// EmergencyStopAll stops every bot in parallel and reports a per-bot
// outcome. One bot's failure never prevents attempting the rest, and the
// call is bounded by the emergency timeout.
func (o *Orchestrator) EmergencyStopAll(ctx context.Context) map[string]string {
	o.mu.Lock()
	ids := make([]string, 0, len(o.bots))
	for id := range o.bots {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	monitor.RecordEmergencyStop()
	o.bus.Publish(events.EventEmergencyStop, len(ids))
	log.Printf("[Fleet] EMERGENCY STOP: stopping %d bot(s)", len(ids))

	stopCtx, cancel := context.WithTimeout(ctx, o.cfg.EmergencyTimeout)
	defer cancel()

	outcomes := make(map[string]string, len(ids))
	var (
		outMu sync.Mutex
		wg    sync.WaitGroup
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			already, err := o.stopBot(stopCtx, id)
			outMu.Lock()
			defer outMu.Unlock()
			switch {
			case err != nil:
				outcomes[id] = "error:" + err.Error()
			case already:
				outcomes[id] = "already_stopped"
			default:
				outcomes[id] = "stopped"
			}
		}(id)
	}
	wg.Wait()
	return outcomes
}

func (o *Orchestrator) lookup(id string) (*Instance, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.bots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inst, nil
}

func (o *Orchestrator) runningCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, inst := range o.bots {
		if inst.State() == StateRunning {
			n++
		}
	}
	return n
}
