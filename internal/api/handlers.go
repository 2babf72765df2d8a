package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"strategy-pipeline/internal/backtest"
	"strategy-pipeline/internal/cache"
	"strategy-pipeline/internal/database"
	"strategy-pipeline/internal/logging"
	"strategy-pipeline/internal/pipeline"
)

// errorResponse sends the error envelope
func errorResponse(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, gin.H{
		"error":   code,
		"message": message,
	})
}

// successResponse sends the success envelope
func successResponse(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, gin.H{
		"success": true,
		"data":    data,
	})
}

// serviceError maps a service error to its status code
func (s *Server) serviceError(c *gin.Context, err error) {
	var ve pipeline.ValidationErrors
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_CONFIGURATION",
			"message": err.Error(),
			"fields":  []pipeline.ConfigError(ve),
		})
	case pipeline.IsConfigError(err):
		errorResponse(c, http.StatusBadRequest, "INVALID_CONFIGURATION", err.Error())
	case errors.Is(err, pipeline.ErrNotFound), errors.Is(err, database.ErrNotFound):
		errorResponse(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, pipeline.ErrInvalidTransition):
		errorResponse(c, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	default:
		s.logger.WithError(err).Error("request failed",
			"path", c.Request.URL.Path, "trace_id", logging.TraceIDFromContext(c.Request.Context()))
		errorResponse(c, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

// ============================================================================
// PIPELINE HANDLERS
// ============================================================================

func (s *Server) handleCreatePipeline(c *gin.Context) {
	var req pipeline.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	p, err := s.pipelines.CreatePipeline(c.Request.Context(), req)
	if err != nil {
		s.serviceError(c, err)
		return
	}
	successResponse(c, http.StatusCreated, p)
}

func (s *Server) handleListPipelines(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", "user_id is required")
		return
	}

	list, err := s.pipelines.ListByUser(c.Request.Context(), userID)
	if err != nil {
		s.serviceError(c, err)
		return
	}
	if list == nil {
		list = []*pipeline.Pipeline{}
	}
	successResponse(c, http.StatusOK, list)
}

// handleGetPipeline serves terminal pipelines from the snapshot cache when
// one is configured. A terminal pipeline is never reopened.
func (s *Server) handleGetPipeline(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if s.snapshots != nil {
		var cached pipeline.Pipeline
		if err := s.snapshots.GetJSON(ctx, cache.PipelineViewKey(id), &cached); err == nil {
			successResponse(c, http.StatusOK, &cached)
			return
		}
	}

	p, err := s.pipelines.GetPipeline(ctx, id)
	if err != nil {
		s.serviceError(c, err)
		return
	}
	if s.snapshots != nil && p.Status.IsTerminal() {
		if err := s.snapshots.SetJSON(ctx, cache.PipelineViewKey(id), p, cache.DefaultSnapshotTTL); err != nil {
			s.logger.WithError(err).Debug("failed to cache pipeline snapshot", "pipeline_id", id)
		}
	}
	successResponse(c, http.StatusOK, p)
}

func (s *Server) handleStartPipeline(c *gin.Context) {
	p, err := s.pipelines.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.serviceError(c, err)
		return
	}
	successResponse(c, http.StatusOK, p)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// bindOptional decodes an optional JSON body into v
func bindOptional(c *gin.Context, v interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return false
	}
	return true
}

func (s *Server) handlePausePipeline(c *gin.Context) {
	var req reasonRequest
	if !bindOptional(c, &req) {
		return
	}
	p, err := s.pipelines.Pause(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		s.serviceError(c, err)
		return
	}
	successResponse(c, http.StatusOK, p)
}

func (s *Server) handleResumePipeline(c *gin.Context) {
	p, err := s.pipelines.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.serviceError(c, err)
		return
	}
	successResponse(c, http.StatusOK, p)
}

func (s *Server) handleCancelPipeline(c *gin.Context) {
	var req reasonRequest
	if !bindOptional(c, &req) {
		return
	}
	p, err := s.pipelines.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		s.serviceError(c, err)
		return
	}
	successResponse(c, http.StatusOK, p)
}

type reviewRequest struct {
	Approve *bool  `json:"approve" binding:"required"`
	Note    string `json:"note"`
}

func (s *Server) handleReviewPipeline(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", "approve is required")
		return
	}
	p, err := s.pipelines.ResolveReview(c.Request.Context(), c.Param("id"), *req.Approve, req.Note)
	if err != nil {
		s.serviceError(c, err)
		return
	}
	successResponse(c, http.StatusOK, p)
}

// ============================================================================
// RUN HANDLERS
// ============================================================================

type runResponse struct {
	*database.BacktestRun
	ProgressPercent float64        `json:"progress_percent"`
	PipelineID      string         `json:"pipeline_id,omitempty"`
	Stage           pipeline.Stage `json:"stage,omitempty"`
}

// handleGetRun returns a run with its progress and, for stage runs, the
// owning pipeline
func (s *Server) handleGetRun(c *gin.Context) {
	ctx := c.Request.Context()
	run, err := s.store.GetRun(ctx, c.Param("id"))
	if err != nil {
		s.serviceError(c, err)
		return
	}

	resp := runResponse{BacktestRun: run, ProgressPercent: run.Progress()}
	if run.Source == database.RunSourcePipeline {
		sr, err := s.store.PipelineForRun(ctx, run.ID)
		switch {
		case err == nil:
			resp.PipelineID = sr.PipelineID
			resp.Stage = sr.Stage
		case !errors.Is(err, database.ErrNotFound):
			s.serviceError(c, err)
			return
		}
	}
	successResponse(c, http.StatusOK, resp)
}

// ============================================================================
// STRATEGY CONFIG AND USER HANDLERS
// ============================================================================

func (s *Server) handleSaveStrategyConfig(c *gin.Context) {
	var sc pipeline.StrategyConfig
	if err := c.ShouldBindJSON(&sc); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if strings.TrimSpace(sc.UserID) == "" {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", "user_id is required")
		return
	}
	if _, err := backtest.Lookup(sc.Algorithm); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}

	if err := s.store.SaveStrategyConfig(c.Request.Context(), &sc); err != nil {
		s.serviceError(c, err)
		return
	}
	successResponse(c, http.StatusCreated, sc)
}

func (s *Server) handleGetStrategyConfig(c *gin.Context) {
	sc, err := s.store.GetStrategyConfig(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.serviceError(c, err)
		return
	}
	successResponse(c, http.StatusOK, sc)
}

type userRequest struct {
	Email              string `json:"email"`
	AlgoTradingEnabled bool   `json:"algo_trading_enabled"`
}

func (s *Server) handleUpsertUser(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	user := &database.User{ID: c.Param("id"), Email: req.Email, AlgoTradingEnabled: req.AlgoTradingEnabled}
	if err := s.store.UpsertUser(c.Request.Context(), user); err != nil {
		s.serviceError(c, err)
		return
	}
	successResponse(c, http.StatusOK, user)
}

// ============================================================================
// ORCHESTRATION HANDLERS
// ============================================================================

// handleOrchestrate runs the scheduler logic for one user immediately
func (s *Server) handleOrchestrate(c *gin.Context) {
	if s.orch == nil {
		errorResponse(c, http.StatusServiceUnavailable, "UNAVAILABLE", "orchestration is disabled")
		return
	}
	res := s.orch.OrchestrateForUser(c.Request.Context(), c.Param("userId"))
	successResponse(c, http.StatusOK, res)
}
