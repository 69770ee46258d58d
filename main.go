package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"botfleet/internal/api"
	"botfleet/internal/events"
	"botfleet/internal/fleet"
	"botfleet/internal/gateway"
	"botfleet/internal/gateway/binance"
	"botfleet/pkg/config"
	"botfleet/pkg/db"
	"botfleet/pkg/ident"
)

const buildVersion = "0.3.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("botfleet %s starting on port %s", buildVersion, cfg.Port)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("database open failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	bus := events.NewBus()
	nodeID := ident.NodeID()

	var gw gateway.Gateway
	venue := "binance-usdtfut"
	if cfg.DryRun {
		venue = "paper"
		gw = gateway.NewPaper(cfg.PaperStartPrice, cfg.PaperStep, cfg.PaperBalance)
		log.Println("dry run: paper gateway active, no live orders")
	} else {
		if cfg.BinanceAPIKey == "" || cfg.BinanceAPISecret == "" {
			log.Fatal("live mode requires BINANCE_API_KEY and BINANCE_API_SECRET")
		}
		gw = binance.New(binance.Config{
			APIKey:    cfg.BinanceAPIKey,
			APISecret: cfg.BinanceAPISecret,
			Testnet:   cfg.BinanceTestnet,
		})
		if cfg.BinanceTestnet {
			venue = "binance-usdtfut-testnet"
		}
	}

	ctx := context.Background()
	orch := fleet.New(cfg, database, gw, bus, nodeID)
	if err := orch.Recover(ctx); err != nil {
		log.Fatalf("fleet recovery failed: %v", err)
	}

	seed, err := fleet.LoadSeed(cfg.FleetSeedPath)
	if err != nil {
		log.Fatalf("fleet seed %s unreadable: %v", cfg.FleetSeedPath, err)
	}
	if err := orch.SyncSeed(ctx, seed); err != nil {
		log.Fatalf("fleet seed sync failed: %v", err)
	}

	server := api.NewServer(cfg, orch, bus, database, api.SystemMeta{
		DryRun:  cfg.DryRun,
		Venue:   venue,
		NodeID:  nodeID,
		Version: buildVersion,
	})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	// Flatten everything before exiting so no bot leaves positions behind.
	log.Println("shutting down, stopping all bots")
	outcomes := orch.EmergencyStopAll(ctx)
	for id, outcome := range outcomes {
		log.Printf("shutdown: bot %s -> %s", id, outcome)
	}
	log.Println("shutdown complete")
}
