// Package server exposes the autoscaler's HTTP surface: the sidecar
// report endpoint workers post their status to, the group configuration
// API, read-only fleet views, and health/metrics endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ass-a2s/jitsi-autoscaler/internal/groups"
	"github.com/ass-a2s/jitsi-autoscaler/internal/tracker"
	"github.com/ass-a2s/jitsi-autoscaler/pkg/models"
)

// HealthChecker reports store connectivity for the health endpoint.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Server is the autoscaler HTTP server.
type Server struct {
	logger  *zap.Logger
	tracker *tracker.InstanceTracker
	groups  *groups.Store
	health  HealthChecker
}

// NewServer creates the HTTP server.
func NewServer(logger *zap.Logger, instanceTracker *tracker.InstanceTracker, groupStore *groups.Store, health HealthChecker) *Server {
	return &Server{
		logger:  logger,
		tracker: instanceTracker,
		groups:  groupStore,
		health:  health,
	}
}

// Router creates the HTTP router.
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, "2006-01-02T15:04:05Z07:00", true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(cors.Default())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/sidecar/status", s.handleSidecarStatus)

	groupRoutes := router.Group("/groups")
	{
		groupRoutes.GET("", s.handleListGroups)
		groupRoutes.POST("", s.handleUpsertGroup)
		groupRoutes.GET("/:name", s.handleGetGroup)
		groupRoutes.DELETE("/:name", s.handleDeleteGroup)
		groupRoutes.GET("/:name/instances", s.handleGetInstances)
		groupRoutes.GET("/:name/metrics", s.handleGetMetrics)
	}

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.health.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleSidecarStatus records one worker status report.
func (s *Server) handleSidecarStatus(c *gin.Context) {
	var state models.InstanceState
	if err := c.ShouldBindJSON(&state); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.tracker.Track(c.Request.Context(), &state); err != nil {
		s.logger.Error("failed to track instance report",
			zap.String("instance", state.InstanceID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record status"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

func (s *Server) handleListGroups(c *gin.Context) {
	configs, err := s.groups.List(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list groups", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list groups"})
		return
	}
	c.JSON(http.StatusOK, configs)
}

func (s *Server) handleUpsertGroup(c *gin.Context) {
	var config groups.GroupConfig
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.groups.Upsert(c.Request.Context(), config); err != nil {
		s.logger.Error("failed to store group config",
			zap.String("group", config.Name),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store group"})
		return
	}

	c.JSON(http.StatusOK, config)
}

func (s *Server) handleGetGroup(c *gin.Context) {
	config, err := s.groups.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, groups.ErrGroupNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
			return
		}
		s.logger.Error("failed to read group config", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read group"})
		return
	}
	c.JSON(http.StatusOK, config)
}

func (s *Server) handleDeleteGroup(c *gin.Context) {
	if err := s.groups.Delete(c.Request.Context(), c.Param("name")); err != nil {
		if errors.Is(err, groups.ErrGroupNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
			return
		}
		s.logger.Error("failed to delete group config", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete group"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) handleGetInstances(c *gin.Context) {
	states, err := s.tracker.GetCurrent(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.logger.Error("failed to read instance states", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read instances"})
		return
	}
	c.JSON(http.StatusOK, states)
}

// handleGetMetrics returns the per-period availability scalars for a
// group, for operator inspection of the scaling signal.
func (s *Server) handleGetMetrics(c *gin.Context) {
	periods, err := strconv.Atoi(c.DefaultQuery("periods", "3"))
	if err != nil || periods < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid periods"})
		return
	}
	periodSeconds, err := strconv.Atoi(c.DefaultQuery("periodSec", "60"))
	if err != nil || periodSeconds < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid periodSec"})
		return
	}

	metricPeriods, err := s.tracker.GetMetricPeriods(c.Request.Context(), c.Param("name"), periods, periodSeconds)
	if err != nil {
		s.logger.Error("failed to read metric periods", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read metrics"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"available": s.tracker.GetAvailableMetricPerPeriod(metricPeriods, periods),
	})
}
