package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"botfleet/internal/fleet"
)

// writeFleetError maps orchestrator errors onto HTTP statuses.
func writeFleetError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, fleet.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": err.Error()})
	case errors.Is(err, fleet.ErrInvalidConfig):
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_CONFIG", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "error": err.Error()})
	}
}

func (s *Server) createBot(c *gin.Context) {
	var cfg fleet.BotConfig
	if err := c.BindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}

	id, err := s.Fleet.CreateBot(c.Request.Context(), cfg)
	if err != nil {
		writeFleetError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) listBots(c *gin.Context) {
	statuses, err := s.Fleet.ListBots(c.Request.Context())
	if err != nil {
		writeFleetError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bots": statuses})
}

func (s *Server) getBot(c *gin.Context) {
	st, err := s.Fleet.GetBot(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeFleetError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) startBot(c *gin.Context) {
	if err := s.Fleet.StartBot(c.Request.Context(), c.Param("id")); err != nil {
		writeFleetError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

func (s *Server) stopBot(c *gin.Context) {
	err := s.Fleet.StopBot(c.Request.Context(), c.Param("id"))
	var partial *fleet.PartialStopError
	if errors.As(err, &partial) {
		// The bot is Stopped; surface the unclosed positions for
		// operator follow-up instead of failing the request.
		c.JSON(http.StatusOK, gin.H{
			"status":   "stopped",
			"warnings": partial.Failures,
		})
		return
	}
	if err != nil {
		writeFleetError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) deleteBot(c *gin.Context) {
	if err := s.Fleet.DeleteBot(c.Request.Context(), c.Param("id")); err != nil {
		writeFleetError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) emergencyStop(c *gin.Context) {
	outcomes := s.Fleet.EmergencyStopAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes})
}

func (s *Server) getTrades(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	trades, err := s.DB.ListTrades(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeFleetError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getActions(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	actions, err := s.DB.ListActions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeFleetError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	statuses, err := s.Fleet.ListBots(c.Request.Context())
	if err != nil {
		writeFleetError(c, err)
		return
	}
	running := 0
	for _, st := range statuses {
		if st.State == fleet.StateRunning {
			running++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"dry_run": s.Meta.DryRun,
		"venue":   s.Meta.Venue,
		"node_id": s.Meta.NodeID,
		"version": s.Meta.Version,
		"bots":    len(statuses),
		"running": running,
	})
}
