package opsapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alertpipe/alertpipe/internal/config"
	"github.com/alertpipe/alertpipe/internal/configcache"
	"github.com/alertpipe/alertpipe/internal/index"
	"github.com/alertpipe/alertpipe/internal/metrics"
	"github.com/alertpipe/alertpipe/internal/model"
	"github.com/alertpipe/alertpipe/internal/nodata"
	"github.com/alertpipe/alertpipe/internal/queue"
	"github.com/alertpipe/alertpipe/internal/token"
)

// Server exposes the operational surface of a pipeline instance:
// liveness, Prometheus metrics, throttled access groups and alert
// lookups against the egress index.
type Server struct {
	Cfg     *config.ServerConfig
	Cache   *configcache.Cache
	Store   index.Store
	Queues  *queue.Queues
	Tokens  *token.Bucket
	Checker *nodata.Checker
	Metrics *metrics.Metrics
}

func New(cfg *config.ServerConfig, cache *configcache.Cache, store index.Store, queues *queue.Queues, tokens *token.Bucket, checker *nodata.Checker, m *metrics.Metrics) *Server {
	return &Server{Cfg: cfg, Cache: cache, Store: store, Queues: queues, Tokens: tokens, Checker: checker, Metrics: m}
}

// Router builds the gin engine. The bearer middleware guards everything
// except liveness and metrics scraping.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{})))

	v1 := r.Group("/api/v1", s.Authentication)
	v1.GET("/snapshot", s.GetSnapshot)
	v1.GET("/tokens", s.ListThrottled)
	v1.GET("/alerts/:alertID", s.GetAlertByID)
	v1.GET("/nodata", s.GetNoDataStatus)
	v1.POST("/nodata/check", s.ForceNoDataCheck)
	v1.POST("/actions/demo", s.SendDemoAction)
	return r
}

// Authentication enforces the shared ops bearer. An empty configured
// bearer allows all requests.
func (s *Server) Authentication(c *gin.Context) {
	if s.Cfg == nil || s.Cfg.Bearer == "" {
		c.Next()
		return
	}
	got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if got != s.Cfg.Bearer {
		c.AbortWithStatusJSON(http.StatusUnauthorized, map[string]any{"error": map[string]any{"code": "UNAUTHORIZED", "message": "invalid bearer"}})
		return
	}
	c.Next()
}

func (s *Server) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) GetSnapshot(c *gin.Context) {
	snap := s.Cache.Current()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, map[string]any{"error": map[string]any{"code": "NOT_READY", "message": "no config snapshot loaded yet"}})
		return
	}
	c.JSON(http.StatusOK, map[string]any{
		"version":    snap.Version,
		"strategies": len(snap.Strategies),
	})
}

func (s *Server) ListThrottled(c *gin.Context) {
	groups, err := s.Tokens.Throttled(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, map[string]any{"error": map[string]any{"code": "INTERNAL_ERROR", "message": err.Error()}})
		return
	}
	if groups == nil {
		groups = []token.ThrottledGroup{}
	}
	c.JSON(http.StatusOK, map[string]any{"throttled": groups})
}

func (s *Server) GetAlertByID(c *gin.Context) {
	alertID := c.Param("alertID")
	if alertID == "" {
		c.JSON(http.StatusBadRequest, map[string]any{"error": map[string]any{"code": "INVALID_PARAMETER", "message": "missing alertID"}})
		return
	}
	alert, err := s.Store.GetAlert(c.Request.Context(), alertID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, map[string]any{"error": map[string]any{"code": "INTERNAL_ERROR", "message": err.Error()}})
		return
	}
	if alert == nil {
		c.JSON(http.StatusNotFound, map[string]any{"error": map[string]any{"code": "NOT_FOUND", "message": "alert not found"}})
		return
	}
	c.JSON(http.StatusOK, alert)
}

type demoActionRequest struct {
	Plugin    string         `json:"plugin" binding:"required"`
	Receivers []string       `json:"receivers"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Execution map[string]any `json:"execution_config"`
}

// SendDemoAction enqueues a demo-signal action so a notice channel can
// be validated without waiting for a real alert.
func (s *Server) SendDemoAction(c *gin.Context) {
	var req demoActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, map[string]any{"error": map[string]any{"code": "INVALID_PARAMETER", "message": err.Error()}})
		return
	}
	action := &model.Action{
		ID:         uuid.NewString(),
		Signal:     model.SignalDemo,
		PluginType: req.Plugin,
		Receivers:  req.Receivers,
		Title:      req.Title,
		Content:    req.Content,
		Execution:  req.Execution,
		CreateTime: time.Now().Unix(),
	}
	if err := s.Store.UpsertAction(c.Request.Context(), action); err != nil {
		c.JSON(http.StatusInternalServerError, map[string]any{"error": map[string]any{"code": "INTERNAL_ERROR", "message": err.Error()}})
		return
	}
	if err := s.Queues.Publish(c.Request.Context(), queue.StreamAction, action.ID, action); err != nil {
		c.JSON(http.StatusInternalServerError, map[string]any{"error": map[string]any{"code": "INTERNAL_ERROR", "message": err.Error()}})
		return
	}
	c.JSON(http.StatusAccepted, map[string]any{"action_id": action.ID})
}

// GetNoDataStatus reports the checker leader and per-strategy no-data
// bookkeeping.
func (s *Server) GetNoDataStatus(c *gin.Context) {
	if s.Checker == nil {
		c.JSON(http.StatusServiceUnavailable, map[string]any{"error": map[string]any{"code": "NOT_READY", "message": "no-data checker not running on this instance"}})
		return
	}
	leader, strategies, err := s.Checker.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, map[string]any{"error": map[string]any{"code": "INTERNAL_ERROR", "message": err.Error()}})
		return
	}
	if strategies == nil {
		strategies = []nodata.StrategyStatus{}
	}
	c.JSON(http.StatusOK, map[string]any{"leader": leader, "strategies": strategies})
}

// ForceNoDataCheck runs one no-data sweep out of schedule, bypassing
// the leader gate. Useful when chasing a stuck series.
func (s *Server) ForceNoDataCheck(c *gin.Context) {
	if s.Checker == nil {
		c.JSON(http.StatusServiceUnavailable, map[string]any{"error": map[string]any{"code": "NOT_READY", "message": "no-data checker not running on this instance"}})
		return
	}
	if err := s.Checker.Check(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, map[string]any{"error": map[string]any{"code": "INTERNAL_ERROR", "message": err.Error()}})
		return
	}
	c.JSON(http.StatusOK, map[string]any{"status": "done"})
}
