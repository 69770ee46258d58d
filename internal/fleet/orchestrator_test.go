package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"botfleet/internal/events"
	"botfleet/internal/gateway"
	"botfleet/internal/signal"
	"botfleet/pkg/config"
	"botfleet/pkg/db"
)

// stubProvider returns a fixed signal and counts evaluations.
type stubProvider struct {
	sig   signal.Signal
	conf  float64
	evals *atomic.Int64
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Evaluate(ctx context.Context, snap *gateway.Snapshot, p signal.Params) (signal.Signal, float64, error) {
	if s.evals != nil {
		s.evals.Add(1)
	}
	return s.sig, s.conf, nil
}

func (s *stubProvider) Indicators() map[string]float64 {
	return map[string]float64{"stub": 1}
}

// registerStub installs a uniquely named stub provider and returns its name.
func registerStub(t *testing.T, sig signal.Signal, conf float64, evals *atomic.Int64) string {
	t.Helper()
	name := "stub_" + t.Name()
	signal.Register(name, func() signal.Provider {
		return &stubProvider{sig: sig, conf: conf, evals: evals}
	})
	return name
}

func newTestFleet(t *testing.T, gw gateway.Gateway) (*Orchestrator, *db.Database) {
	t.Helper()
	store, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	cfg := &config.Config{
		DefaultTickInterval: 20 * time.Millisecond,
		StopTimeout:         2 * time.Second,
		EmergencyTimeout:    5 * time.Second,
	}
	return New(cfg, store, gw, events.NewBus(), "test-node"), store
}

func newPaper(t *testing.T) *gateway.Paper {
	t.Helper()
	p := gateway.NewPaper(100, 0, 10000)
	p.SetPrice("BTCUSDT", 100)
	return p
}

func testConfig(provider string) BotConfig {
	return BotConfig{
		Name:          "t",
		Symbol:        "BTCUSDT",
		Size:          1,
		MaxPositions:  1,
		MinConfidence: 0.6,
		AutoExecute:   true,
		Provider:      provider,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestCreateBotRejectsInvalidConfigWithoutPersisting(t *testing.T) {
	o, store := newTestFleet(t, newPaper(t))
	ctx := context.Background()

	cases := []struct {
		name string
		mut  func(*BotConfig)
	}{
		{"confidence above one", func(c *BotConfig) { c.MinConfidence = 1.5 }},
		{"empty symbol", func(c *BotConfig) { c.Symbol = "" }},
		{"zero size", func(c *BotConfig) { c.Size = 0 }},
		{"negative stop loss", func(c *BotConfig) { c.StopLoss = -5 }},
		{"bad tick interval", func(c *BotConfig) { c.TickInterval = "soon" }},
		{"unknown provider", func(c *BotConfig) { c.Provider = "nope" }},
		{"slow period not above fast", func(c *BotConfig) {
			c.Params.FastPeriod = 40
			c.Params.SlowPeriod = 20
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig("momentum")
			tc.mut(&cfg)
			if _, err := o.CreateBot(ctx, cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	records, err := store.ListBots(ctx)
	if err != nil {
		t.Fatalf("ListBots: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("rejected configs must not be persisted, found %d records", len(records))
	}
}

func TestCreateBotAllocatesUniqueTags(t *testing.T) {
	o, _ := newTestFleet(t, newPaper(t))
	ctx := context.Background()
	name := registerStub(t, signal.Hold, 0, nil)

	seen := make(map[int64]bool)
	for i := 0; i < 5; i++ {
		id, err := o.CreateBot(ctx, testConfig(name))
		if err != nil {
			t.Fatalf("CreateBot: %v", err)
		}
		st, err := o.GetBot(ctx, id)
		if err != nil {
			t.Fatalf("GetBot: %v", err)
		}
		if seen[st.Tag] {
			t.Fatalf("tag %d reused", st.Tag)
		}
		seen[st.Tag] = true
	}
}

func TestOperationsOnUnknownBot(t *testing.T) {
	o, _ := newTestFleet(t, newPaper(t))
	ctx := context.Background()

	if err := o.StartBot(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("StartBot: expected ErrNotFound, got %v", err)
	}
	if err := o.StopBot(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("StopBot: expected ErrNotFound, got %v", err)
	}
	if err := o.DeleteBot(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteBot: expected ErrNotFound, got %v", err)
	}
	if _, err := o.GetBot(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetBot: expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentStartSpawnsSingleLoop(t *testing.T) {
	o, _ := newTestFleet(t, newPaper(t))
	ctx := context.Background()

	var evals atomic.Int64
	name := registerStub(t, signal.Hold, 0, &evals)

	id, err := o.CreateBot(ctx, testConfig(name))
	if err != nil {
		t.Fatalf("CreateBot: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.StartBot(ctx, id); err != nil {
				t.Errorf("concurrent StartBot: %v", err)
			}
		}()
	}
	wg.Wait()

	st, err := o.GetBot(ctx, id)
	if err != nil {
		t.Fatalf("GetBot: %v", err)
	}
	if st.State != StateRunning {
		t.Fatalf("expected Running, got %s", st.State)
	}

	// With one loop at a 20ms interval, 200ms yields around 10
	// evaluations; ten loops would yield an order of magnitude more.
	time.Sleep(200 * time.Millisecond)
	if n := evals.Load(); n > 30 {
		t.Fatalf("evaluation count %d suggests more than one loop", n)
	}

	if err := o.StopBot(ctx, id); err != nil {
		t.Fatalf("StopBot: %v", err)
	}
}

// countingGateway counts close attempts on top of the paper venue.
type countingGateway struct {
	*gateway.Paper
	closeCalls atomic.Int64
}

func (g *countingGateway) ClosePosition(ctx context.Context, id string) (*gateway.CloseResult, error) {
	g.closeCalls.Add(1)
	return g.Paper.ClosePosition(ctx, id)
}

func TestStopBotIdempotentWithoutDuplicateCloses(t *testing.T) {
	gw := &countingGateway{Paper: newPaper(t)}
	o, store := newTestFleet(t, gw)
	ctx := context.Background()

	var evals atomic.Int64
	name := registerStub(t, signal.Buy, 0.9, &evals)

	id, err := o.CreateBot(ctx, testConfig(name))
	if err != nil {
		t.Fatalf("CreateBot: %v", err)
	}
	if err := o.StartBot(ctx, id); err != nil {
		t.Fatalf("StartBot: %v", err)
	}

	st, _ := o.GetBot(ctx, id)
	waitFor(t, 2*time.Second, func() bool {
		positions, _ := gw.GetOpenPositions(ctx, st.Tag)
		return len(positions) == 1
	}, "the loop to open a position")

	if err := o.StopBot(ctx, id); err != nil {
		t.Fatalf("first StopBot: %v", err)
	}
	if got := o.mustState(t, id); got != StateStopped {
		t.Fatalf("expected Stopped, got %s", got)
	}
	if n := gw.closeCalls.Load(); n != 1 {
		t.Fatalf("expected exactly 1 close attempt, got %d", n)
	}

	// Second stop: still Stopped, no further close attempts.
	if err := o.StopBot(ctx, id); err != nil {
		t.Fatalf("second StopBot: %v", err)
	}
	if n := gw.closeCalls.Load(); n != 1 {
		t.Fatalf("idempotent stop re-closed positions: %d calls", n)
	}

	trades, err := store.ListOpenTrades(ctx, id)
	if err != nil {
		t.Fatalf("ListOpenTrades: %v", err)
	}
	if len(trades) != 0 {
		t.Fatalf("stop left %d open trade record(s)", len(trades))
	}
}

// failingCloser refuses every close request.
type failingCloser struct {
	*gateway.Paper
}

func (g *failingCloser) ClosePosition(ctx context.Context, id string) (*gateway.CloseResult, error) {
	return nil, fmt.Errorf("venue refused close of %s", id)
}

func TestStopBotReportsPartialFailuresAndStillStops(t *testing.T) {
	gw := &failingCloser{Paper: newPaper(t)}
	o, _ := newTestFleet(t, gw)
	ctx := context.Background()

	name := registerStub(t, signal.Buy, 0.9, nil)
	id, err := o.CreateBot(ctx, testConfig(name))
	if err != nil {
		t.Fatalf("CreateBot: %v", err)
	}
	if err := o.StartBot(ctx, id); err != nil {
		t.Fatalf("StartBot: %v", err)
	}

	st, _ := o.GetBot(ctx, id)
	waitFor(t, 2*time.Second, func() bool {
		positions, _ := gw.GetOpenPositions(ctx, st.Tag)
		return len(positions) == 1
	}, "the loop to open a position")

	err = o.StopBot(ctx, id)
	var partial *PartialStopError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialStopError, got %v", err)
	}
	if len(partial.Failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(partial.Failures))
	}
	if got := o.mustState(t, id); got != StateStopped {
		t.Fatalf("partial failure must still end Stopped, got %s", got)
	}
}

// flakyCloser fails the first close attempts, then recovers.
type flakyCloser struct {
	*gateway.Paper
	failures int
	attempts atomic.Int64
}

func (g *flakyCloser) ClosePosition(ctx context.Context, id string) (*gateway.CloseResult, error) {
	if int(g.attempts.Add(1)) <= g.failures {
		return nil, fmt.Errorf("venue refused close of %s", id)
	}
	return g.Paper.ClosePosition(ctx, id)
}

func TestStopBotRetriesSurvivingPositions(t *testing.T) {
	gw := &flakyCloser{Paper: newPaper(t), failures: 1}
	o, _ := newTestFleet(t, gw)
	ctx := context.Background()

	name := registerStub(t, signal.Buy, 0.9, nil)
	id, err := o.CreateBot(ctx, testConfig(name))
	if err != nil {
		t.Fatalf("CreateBot: %v", err)
	}
	if err := o.StartBot(ctx, id); err != nil {
		t.Fatalf("StartBot: %v", err)
	}

	st, _ := o.GetBot(ctx, id)
	waitFor(t, 2*time.Second, func() bool {
		positions, _ := gw.GetOpenPositions(ctx, st.Tag)
		return len(positions) == 1
	}, "the loop to open a position")

	// First stop: the venue refuses the close, the bot still lands Stopped
	// with the survivor reported.
	err = o.StopBot(ctx, id)
	var partial *PartialStopError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialStopError, got %v", err)
	}
	if got := o.mustState(t, id); got != StateStopped {
		t.Fatalf("expected Stopped after partial stop, got %s", got)
	}

	// Second stop on the already-stopped bot must re-attempt the survivor,
	// which the venue now accepts.
	if err := o.StopBot(ctx, id); err != nil {
		t.Fatalf("second StopBot: %v", err)
	}
	if n := gw.attempts.Load(); n != 2 {
		t.Fatalf("expected 2 close attempts across both stops, got %d", n)
	}
	positions, err := gw.GetOpenPositions(ctx, st.Tag)
	if err != nil {
		t.Fatalf("GetOpenPositions: %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("retry left %d tagged position(s) at the venue", len(positions))
	}
}

func TestDeleteBotLeavesNoTaggedPositions(t *testing.T) {
	paper := newPaper(t)
	o, store := newTestFleet(t, paper)
	ctx := context.Background()

	name := registerStub(t, signal.Buy, 0.9, nil)
	id, err := o.CreateBot(ctx, testConfig(name))
	if err != nil {
		t.Fatalf("CreateBot: %v", err)
	}
	if err := o.StartBot(ctx, id); err != nil {
		t.Fatalf("StartBot: %v", err)
	}

	st, _ := o.GetBot(ctx, id)
	tag := st.Tag
	waitFor(t, 2*time.Second, func() bool {
		positions, _ := paper.GetOpenPositions(ctx, tag)
		return len(positions) == 1
	}, "the loop to open a position")

	if err := o.DeleteBot(ctx, id); err != nil {
		t.Fatalf("DeleteBot: %v", err)
	}

	positions, err := paper.GetOpenPositions(ctx, tag)
	if err != nil {
		t.Fatalf("GetOpenPositions: %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("delete left %d tagged position(s) at the venue", len(positions))
	}

	if _, err := o.GetBot(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted bot still visible: %v", err)
	}
	rec, err := store.GetBot(ctx, id)
	if err != nil {
		t.Fatalf("store GetBot: %v", err)
	}
	if rec != nil {
		t.Fatal("deleted bot still persisted")
	}
}

func TestRecoveryNeverAutoResumes(t *testing.T) {
	paper := newPaper(t)
	o, store := newTestFleet(t, paper)
	ctx := context.Background()

	name := registerStub(t, signal.Hold, 0, nil)
	cfg := testConfig(name)
	cfg.TickInterval = "1h" // keep the orphaned loop quiet

	id, err := o.CreateBot(ctx, cfg)
	if err != nil {
		t.Fatalf("CreateBot: %v", err)
	}
	if err := o.StartBot(ctx, id); err != nil {
		t.Fatalf("StartBot: %v", err)
	}

	// Simulate a crash: a fresh orchestrator recovers from the same store
	// while the old process state is simply gone.
	o2 := New(o.cfg, store, paper, events.NewBus(), "test-node-2")
	if err := o2.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	st, err := o2.GetBot(ctx, id)
	if err != nil {
		t.Fatalf("GetBot after recovery: %v", err)
	}
	if st.State != StateStopped {
		t.Fatalf("recovered bot must be Stopped, got %s", st.State)
	}

	rec, err := store.GetBot(ctx, id)
	if err != nil || rec == nil {
		t.Fatalf("store GetBot: rec=%v err=%v", rec, err)
	}
	if rec.State != StateStopped {
		t.Fatalf("persisted state after recovery must be Stopped, got %s", rec.State)
	}

	actions, err := store.ListActions(ctx, id, 10)
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	found := false
	for _, a := range actions {
		if a.Action == "LoadedButNotResumed" {
			found = true
		}
	}
	if !found {
		t.Fatal("recovery did not record LoadedButNotResumed")
	}
}

func TestRecoveryKeepsTagHighWaterMark(t *testing.T) {
	paper := newPaper(t)
	o, store := newTestFleet(t, paper)
	ctx := context.Background()
	name := registerStub(t, signal.Hold, 0, nil)

	id1, err := o.CreateBot(ctx, testConfig(name))
	if err != nil {
		t.Fatalf("CreateBot: %v", err)
	}
	st1, _ := o.GetBot(ctx, id1)

	o2 := New(o.cfg, store, paper, events.NewBus(), "test-node-2")
	if err := o2.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	id2, err := o2.CreateBot(ctx, testConfig(name))
	if err != nil {
		t.Fatalf("CreateBot after recovery: %v", err)
	}
	st2, _ := o2.GetBot(ctx, id2)

	if st2.Tag <= st1.Tag {
		t.Fatalf("tag must move forward across restarts: %d then %d", st1.Tag, st2.Tag)
	}
}

func TestEmergencyStopAllCollectsPerBotOutcomes(t *testing.T) {
	gw := &failingCloser{Paper: newPaper(t)}
	o, _ := newTestFleet(t, gw)
	ctx := context.Background()

	hold := registerStub(t, signal.Hold, 0, nil)

	// Two healthy running bots, one running bot holding a position the
	// venue refuses to close, one never started.
	var running []string
	for i := 0; i < 3; i++ {
		id, err := o.CreateBot(ctx, testConfig(hold))
		if err != nil {
			t.Fatalf("CreateBot: %v", err)
		}
		if err := o.StartBot(ctx, id); err != nil {
			t.Fatalf("StartBot: %v", err)
		}
		running = append(running, id)
	}
	idle, err := o.CreateBot(ctx, testConfig(hold))
	if err != nil {
		t.Fatalf("CreateBot: %v", err)
	}

	stuck := running[2]
	st, _ := o.GetBot(ctx, stuck)
	if _, err := gw.SubmitOrder(ctx, gateway.OrderRequest{
		Symbol:    "BTCUSDT",
		Direction: gateway.Buy,
		Size:      1,
		Tag:       st.Tag,
	}); err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	start := time.Now()
	outcomes := o.EmergencyStopAll(ctx)
	if elapsed := time.Since(start); elapsed > o.cfg.EmergencyTimeout {
		t.Fatalf("EmergencyStopAll took %s, beyond the %s bound", elapsed, o.cfg.EmergencyTimeout)
	}

	if len(outcomes) != 4 {
		t.Fatalf("expected 4 outcomes, got %d: %v", len(outcomes), outcomes)
	}
	if outcomes[running[0]] != "stopped" || outcomes[running[1]] != "stopped" {
		t.Fatalf("healthy bots should be stopped: %v", outcomes)
	}
	if got := outcomes[stuck]; len(got) < 6 || got[:6] != "error:" {
		t.Fatalf("stuck bot should report error, got %q", got)
	}
	if outcomes[idle] != "already_stopped" {
		t.Fatalf("never-started bot should be already_stopped, got %q", outcomes[idle])
	}

	for _, id := range running {
		if got := o.mustState(t, id); got != StateStopped {
			t.Fatalf("bot %s not Stopped after emergency stop: %s", id, got)
		}
	}
}

// mustState reads a bot's state without touching the gateway.
func (o *Orchestrator) mustState(t *testing.T, id string) string {
	t.Helper()
	inst, err := o.lookup(id)
	if err != nil {
		t.Fatalf("lookup %s: %v", id, err)
	}
	return inst.State()
}
