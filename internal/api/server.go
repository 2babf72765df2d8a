// Package api exposes the validation pipeline over HTTP and streams pipeline
// events to websocket clients.
package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"strategy-pipeline/config"
	"strategy-pipeline/internal/database"
	"strategy-pipeline/internal/events"
	"strategy-pipeline/internal/logging"
	"strategy-pipeline/internal/orchestrator"
	"strategy-pipeline/internal/pipeline"
)

// PipelineService is the pipeline state machine. *pipeline.Service implements it.
type PipelineService interface {
	CreatePipeline(ctx context.Context, req pipeline.CreateRequest) (*pipeline.Pipeline, error)
	GetPipeline(ctx context.Context, id string) (*pipeline.Pipeline, error)
	ListByUser(ctx context.Context, userID string) ([]*pipeline.Pipeline, error)
	Start(ctx context.Context, id string) (*pipeline.Pipeline, error)
	Pause(ctx context.Context, id, reason string) (*pipeline.Pipeline, error)
	Resume(ctx context.Context, id string) (*pipeline.Pipeline, error)
	Cancel(ctx context.Context, id, reason string) (*pipeline.Pipeline, error)
	ResolveReview(ctx context.Context, id string, approve bool, note string) (*pipeline.Pipeline, error)
}

// Orchestrator creates scheduled jobs on demand
type Orchestrator interface {
	OrchestrateForUser(ctx context.Context, userID string) *orchestrator.OrchestrationResult
}

// Store is the persistence the API reads directly
type Store interface {
	HealthCheck(ctx context.Context) error
	GetRun(ctx context.Context, id string) (*database.BacktestRun, error)
	PipelineForRun(ctx context.Context, runID string) (*database.StageRun, error)
	SaveStrategyConfig(ctx context.Context, sc *pipeline.StrategyConfig) error
	GetStrategyConfig(ctx context.Context, id string) (*pipeline.StrategyConfig, error)
	UpsertUser(ctx context.Context, user *database.User) error
}

// SnapshotCache stores read-only pipeline snapshots. *cache.CacheService implements it.
type SnapshotCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// ServerConfigFrom converts the file/env server settings
func ServerConfigFrom(cfg config.ServerConfig) ServerConfig {
	var origins []string
	for _, o := range strings.Split(cfg.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return ServerConfig{
		Port:           cfg.Port,
		Host:           cfg.Host,
		ProductionMode: cfg.ProductionMode,
		AllowedOrigins: origins,
		ReadTimeout:    time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.WriteTimeout) * time.Second,
	}
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	pipelines  PipelineService
	orch       Orchestrator
	store      Store
	snapshots  SnapshotCache
	hub        *WSHub
	upgrader   websocket.Upgrader
	config     ServerConfig
	logger     *logging.Logger
	started    time.Time
}

// NewServer creates the API server and subscribes its websocket hub to bus
func NewServer(cfg ServerConfig, pipelines PipelineService, orch Orchestrator, store Store, bus *events.EventBus, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 0 || cfg.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:    router,
		pipelines: pipelines,
		orch:      orch,
		store:     store,
		hub:       NewWSHub(logger.WithComponent("ws")),
		upgrader:  newUpgrader(cfg.AllowedOrigins),
		config:    cfg,
		logger:    logger.WithComponent("api"),
		started:   time.Now(),
	}
	go s.hub.Run()
	if bus != nil {
		bus.SubscribeAll(s.hub.BroadcastEvent)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/api/health", s.handleHealth)
	s.router.GET("/ws/events", s.handleWebSocket)

	api := s.router.Group("/api")
	{
		api.POST("/pipelines", s.handleCreatePipeline)
		api.GET("/pipelines", s.handleListPipelines)
		api.GET("/pipelines/:id", s.handleGetPipeline)
		api.POST("/pipelines/:id/start", s.handleStartPipeline)
		api.POST("/pipelines/:id/pause", s.handlePausePipeline)
		api.POST("/pipelines/:id/resume", s.handleResumePipeline)
		api.POST("/pipelines/:id/cancel", s.handleCancelPipeline)
		api.POST("/pipelines/:id/review", s.handleReviewPipeline)

		api.GET("/runs/:id", s.handleGetRun)

		api.POST("/strategy-configs", s.handleSaveStrategyConfig)
		api.GET("/strategy-configs/:id", s.handleGetStrategyConfig)
		api.PUT("/users/:id", s.handleUpsertUser)

		api.POST("/orchestrate/:userId", s.handleOrchestrate)
	}
}

// SetSnapshotCache enables caching of terminal pipelines
func (s *Server) SetSnapshotCache(c SnapshotCache) {
	s.snapshots = c
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until Shutdown
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  orDuration(s.config.ReadTimeout, 15*time.Second),
		WriteTimeout: orDuration(s.config.WriteTimeout, 15*time.Second),
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server and disconnects event clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	s.hub.Stop()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		s.logger.WithError(err).Warn("health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unhealthy",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"database":   "healthy",
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"ws_clients": s.hub.ClientCount(),
		"system":     s.systemStats(),
	})
}

// systemStats reports host load. The CPU sample covers the time since the
// previous call, so it never blocks the request.
func (s *Server) systemStats() gin.H {
	stats := gin.H{"goroutines": runtime.NumGoroutine()}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		stats["cpu_percent"] = pct[0]
	} else if err != nil {
		s.logger.WithError(err).Debug("failed to sample CPU usage")
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats["memory_percent"] = vm.UsedPercent
	} else {
		s.logger.WithError(err).Debug("failed to read memory statistics")
	}
	return stats
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
