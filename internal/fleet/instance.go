package fleet

import (
	"context"
	"sync"
	"time"

	"botfleet/internal/gateway"
	"botfleet/internal/signal"
	"botfleet/pkg/db"
)

// Bot run states. Persisted as-is in the bots table.
const (
	StateCreated  = "Created"
	StateRunning  = "Running"
	StateStopping = "Stopping"
	StateStopped  = "Stopped"
)

// Instance is the runtime object for one configured bot. The orchestrator
// owns the map of instances; each instance owns its own locks:
//
//   - opMu serializes structural operations (start/stop/delete) for this
//     bot without blocking operations on other bots.
//   - stateMu guards the fields status reads touch, so GetBot and ListBots
//     never wait behind a slow stop.
type Instance struct {
	id  string
	tag int64
	cfg BotConfig

	opMu sync.Mutex

	stateMu      sync.RWMutex
	state        string
	startedAt    time.Time
	lastAnalysis *db.AnalysisRecord
	provider     signal.Provider

	// Loop handle. Set while a loop is alive; cancel stops it, done is
	// closed by the loop on exit.
	cancel context.CancelFunc
	done   chan struct{}
}

func (in *Instance) State() string {
	in.stateMu.RLock()
	defer in.stateMu.RUnlock()
	return in.state
}

func (in *Instance) setState(s string) {
	in.stateMu.Lock()
	in.state = s
	if s == StateRunning {
		in.startedAt = time.Now()
	}
	in.stateMu.Unlock()
}

func (in *Instance) setLastAnalysis(a *db.AnalysisRecord) {
	in.stateMu.Lock()
	in.lastAnalysis = a
	in.stateMu.Unlock()
}

// BotStatus is the read-facing snapshot returned by GetBot and ListBots.
type BotStatus struct {
	ID               string              `json:"id"`
	Tag              int64               `json:"tag"`
	Config           BotConfig           `json:"config"`
	State            string              `json:"state"`
	Uptime           time.Duration       `json:"uptime_ns"`
	GatewayConnected bool                `json:"gateway_connected"`
	OpenPositions    []gateway.Position  `json:"open_positions"`
	PositionCount    int                 `json:"position_count"`
	LastAnalysis     *db.AnalysisRecord  `json:"last_analysis,omitempty"`
}

func (in *Instance) status(connected bool, positions []gateway.Position) BotStatus {
	in.stateMu.RLock()
	defer in.stateMu.RUnlock()

	st := BotStatus{
		ID:               in.id,
		Tag:              in.tag,
		Config:           in.cfg,
		State:            in.state,
		GatewayConnected: connected,
		OpenPositions:    positions,
		PositionCount:    len(positions),
		LastAnalysis:     in.lastAnalysis,
	}
	if in.state == StateRunning && !in.startedAt.IsZero() {
		st.Uptime = time.Since(in.startedAt)
	}
	return st
}
