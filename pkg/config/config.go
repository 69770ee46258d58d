package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the bot fleet.
type Config struct {
	Port string

	// Database
	DBPath string

	// Fleet seed file (YAML); a missing file is not an error.
	FleetSeedPath string

	// Execution gateway
	DryRun           bool // paper gateway instead of a live venue
	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceTestnet   bool

	// Paper gateway simulation
	PaperStartPrice float64
	PaperStep       float64
	PaperBalance    float64

	// Fleet timing
	DefaultTickInterval time.Duration // applied when a bot config omits one
	StopTimeout         time.Duration // bounded wait for a loop to exit
	EmergencyTimeout    time.Duration // overall bound for EmergencyStopAll

	// Auth
	JWTSecret     string
	OperatorUser  string
	OperatorPass  string
	TokenLifetime time.Duration
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8080"),
		DBPath:              getEnv("DB_PATH", "./data/fleet.db"),
		FleetSeedPath:       getEnv("FLEET_SEED_PATH", "bots.yaml"),
		DryRun:              getEnv("DRY_RUN", "true") == "true",
		BinanceAPIKey:       os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:    os.Getenv("BINANCE_API_SECRET"),
		BinanceTestnet:      getEnv("BINANCE_TESTNET", "false") == "true",
		PaperStartPrice:     getEnvFloat("PAPER_START_PRICE", 100.0),
		PaperStep:           getEnvFloat("PAPER_STEP", 0.5),
		PaperBalance:        getEnvFloat("PAPER_BALANCE", 10000.0),
		DefaultTickInterval: getEnvDuration("FLEET_TICK_INTERVAL", 30*time.Second),
		StopTimeout:         getEnvDuration("FLEET_STOP_TIMEOUT", 10*time.Second),
		EmergencyTimeout:    getEnvDuration("FLEET_EMERGENCY_TIMEOUT", 30*time.Second),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
		OperatorUser:        getEnv("OPERATOR_USER", "admin"),
		OperatorPass:        getEnv("OPERATOR_PASS", ""),
		TokenLifetime:       getEnvDuration("TOKEN_LIFETIME", 24*time.Hour),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
