package db

import (
	"context"
	"testing"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestBotRoundTrip(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	rec := BotRecord{ID: "bot-1", Tag: 1001, Config: `{"symbol":"BTCUSDT"}`, State: "Created"}
	if err := database.CreateBot(ctx, rec); err != nil {
		t.Fatalf("CreateBot: %v", err)
	}

	got, err := database.GetBot(ctx, "bot-1")
	if err != nil {
		t.Fatalf("GetBot: %v", err)
	}
	if got == nil {
		t.Fatal("GetBot returned nil for existing bot")
	}
	if got.Tag != 1001 || got.State != "Created" || got.Config != rec.Config {
		t.Fatalf("GetBot mismatch: %+v", got)
	}
	if got.StartedAt != nil || got.StoppedAt != nil {
		t.Fatalf("new bot should have no start/stop timestamps: %+v", got)
	}

	// Unknown ids map to nil, not an error.
	missing, err := database.GetBot(ctx, "nope")
	if err != nil {
		t.Fatalf("GetBot(missing): %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing bot, got %+v", missing)
	}
}

func TestUpdateBotStateStampsTimestamps(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	if err := database.CreateBot(ctx, BotRecord{ID: "b", Tag: 1, Config: "{}", State: "Created"}); err != nil {
		t.Fatalf("CreateBot: %v", err)
	}

	if err := database.UpdateBotState(ctx, "b", "Running"); err != nil {
		t.Fatalf("UpdateBotState(Running): %v", err)
	}
	got, _ := database.GetBot(ctx, "b")
	if got.State != "Running" || got.StartedAt == nil {
		t.Fatalf("Running transition not stamped: %+v", got)
	}
	if got.StoppedAt != nil {
		t.Fatalf("stopped_at should stay unset while Running")
	}

	if err := database.UpdateBotState(ctx, "b", "Stopped"); err != nil {
		t.Fatalf("UpdateBotState(Stopped): %v", err)
	}
	got, _ = database.GetBot(ctx, "b")
	if got.State != "Stopped" || got.StoppedAt == nil {
		t.Fatalf("Stopped transition not stamped: %+v", got)
	}
	if got.StartedAt == nil {
		t.Fatalf("started_at must survive the Stopped transition")
	}
}

func TestMaxTagMovesForwardAcrossDeletes(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	tag, err := database.MaxTag(ctx)
	if err != nil {
		t.Fatalf("MaxTag empty: %v", err)
	}
	if tag != 0 {
		t.Fatalf("MaxTag on empty table = %d, expected 0", tag)
	}

	for i, id := range []string{"a", "b", "c"} {
		if err := database.CreateBot(ctx, BotRecord{ID: id, Tag: int64(1001 + i), Config: "{}", State: "Created"}); err != nil {
			t.Fatalf("CreateBot %s: %v", id, err)
		}
	}
	if err := database.DeleteBot(ctx, "c"); err != nil {
		t.Fatalf("DeleteBot: %v", err)
	}

	// MAX(tag) drops back after the delete; the orchestrator keeps its own
	// high-water mark in memory so tags are still never reused within a run.
	tag, _ = database.MaxTag(ctx)
	if tag != 1002 {
		t.Fatalf("MaxTag after delete = %d, expected 1002", tag)
	}
}

func TestCloseTradeIsExactlyOnce(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	trade := TradeRecord{
		ID: "t-1", BotID: "b", OrderID: "o-1", Direction: "BUY",
		Size: 0.5, TakeProfit: 110, StopLoss: 95, Status: TradeOpen,
	}
	if err := database.InsertTrade(ctx, trade); err != nil {
		t.Fatalf("InsertTrade: %v", err)
	}

	if err := database.CloseTrade(ctx, "t-1", 12.5, "tp_hit"); err != nil {
		t.Fatalf("CloseTrade: %v", err)
	}
	// Second close must not overwrite the recorded outcome.
	if err := database.CloseTrade(ctx, "t-1", -99, "other"); err != nil {
		t.Fatalf("CloseTrade second call: %v", err)
	}

	trades, err := database.ListTrades(ctx, "b", 10)
	if err != nil {
		t.Fatalf("ListTrades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	got := trades[0]
	if got.Status != TradeClosed || got.Profit != 12.5 || got.CloseReason != "tp_hit" {
		t.Fatalf("close outcome overwritten: %+v", got)
	}
	if got.ClosedAt == nil {
		t.Fatal("closed_at not stamped")
	}

	open, err := database.ListOpenTrades(ctx, "b")
	if err != nil {
		t.Fatalf("ListOpenTrades: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("closed trade still listed as open")
	}
}

func TestAnalysisAppendOnlyOrdering(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := AnalysisRecord{
			BotID: "b", Symbol: "BTCUSDT", Signal: "HOLD",
			Confidence: float64(i) / 10, Price: 100 + float64(i),
		}
		if err := database.InsertAnalysis(ctx, rec); err != nil {
			t.Fatalf("InsertAnalysis %d: %v", i, err)
		}
	}

	n, err := database.CountAnalysis(ctx, "b")
	if err != nil {
		t.Fatalf("CountAnalysis: %v", err)
	}
	if n != 3 {
		t.Fatalf("CountAnalysis = %d, expected 3", n)
	}

	latest, err := database.LatestAnalysis(ctx, "b")
	if err != nil {
		t.Fatalf("LatestAnalysis: %v", err)
	}
	if latest == nil || latest.Price != 102 {
		t.Fatalf("LatestAnalysis returned wrong row: %+v", latest)
	}
}

func TestAppendActionAndList(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	for _, action := range []string{"created", "started", "stopped"} {
		if err := database.AppendAction(ctx, "b", action, "node=test"); err != nil {
			t.Fatalf("AppendAction %s: %v", action, err)
		}
	}

	entries, err := database.ListActions(ctx, "b", 10)
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	// Newest first.
	if entries[0].Action != "stopped" || entries[2].Action != "created" {
		t.Fatalf("wrong ordering: %+v", entries)
	}
}
