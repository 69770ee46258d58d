// Package api is the HTTP control surface for the fleet: bot CRUD and
// lifecycle actions, auth, a websocket event stream, and Prometheus metrics.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"botfleet/internal/events"
	"botfleet/internal/fleet"
	"botfleet/pkg/config"
	"botfleet/pkg/db"
)

// Server wires HTTP endpoints around the orchestrator.
type Server struct {
	Router *gin.Engine
	Fleet  *fleet.Orchestrator
	Bus    *events.Bus
	DB     *db.Database
	Cfg    *config.Config
	Meta   SystemMeta
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	DryRun  bool
	Venue   string
	NodeID  string
	Version string
}

func NewServer(cfg *config.Config, orch *fleet.Orchestrator, bus *events.Bus, database *db.Database, meta SystemMeta) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router: r,
		Fleet:  orch,
		Bus:    bus,
		DB:     database,
		Cfg:    cfg,
		Meta:   meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)

		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.Cfg.JWTSecret))
		{
			protected.GET("/bots", s.listBots)
			protected.POST("/bots", s.createBot)
			protected.GET("/bots/:id", s.getBot)
			protected.DELETE("/bots/:id", s.deleteBot)

			protected.POST("/bots/:id/start", s.startBot)
			protected.POST("/bots/:id/stop", s.stopBot)

			protected.GET("/bots/:id/trades", s.getTrades)
			protected.GET("/bots/:id/actions", s.getActions)

			protected.POST("/emergency-stop", s.emergencyStop)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
