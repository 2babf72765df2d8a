package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/gin-gonic/gin"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// TraceIDFromContext returns the trace ID stored in ctx, if any
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context) (context.Context, *Logger) {
	traceID := GenerateTraceID()
	l := FromContext(ctx).WithTraceID(traceID)
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// PipelineContext creates a logger context for pipeline state changes
func PipelineContext(pipelineID, stage string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"pipeline_id": pipelineID,
		"stage":       stage,
	}).WithComponent("pipeline")
}

// OrchestrationContext creates a logger context for a scheduler pass over one user
func OrchestrationContext(userID string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"user_id": userID,
	}).WithComponent("orchestrator")
}

// CheckpointContext creates a logger context for checkpoint reads and writes
func CheckpointContext(runID string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"run_id": runID,
	}).WithComponent("checkpoint")
}

// DatabaseContext creates a logger context for database operations
func DatabaseContext(operation, table string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"operation": operation,
		"table":     table,
	}).WithComponent("database")
}

// GinMiddleware adds a trace-scoped logger to each request and logs completion
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = GenerateTraceID()
		}

		l := Default().WithTraceID(traceID).WithFields(map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"remote_addr": c.ClientIP(),
		}).WithComponent("http")

		ctx := context.WithValue(c.Request.Context(), traceIDKey, traceID)
		c.Request = c.Request.WithContext(NewContext(ctx, l))
		c.Header("X-Trace-ID", traceID)

		c.Next()

		l.WithDuration(time.Since(start)).WithField("status_code", c.Writer.Status()).Debug("Request completed")
	}
}
