package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTraceContext(t *testing.T) {
	base := Nop().WithComponent("orchestrator")
	ctx, l := WithTraceContext(NewContext(context.Background(), base))

	require.NotEmpty(t, TraceIDFromContext(ctx))
	assert.Same(t, l, FromContext(ctx))
	assert.Equal(t, "orchestrator", l.Component())
}

func TestFromContext_FallsBackToDefault(t *testing.T) {
	assert.Same(t, Default(), FromContext(context.Background()))
}

func TestGinMiddleware_TraceHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(GinMiddleware())

	var seen string
	router.GET("/ping", func(c *gin.Context) {
		seen = TraceIDFromContext(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	t.Run("generated", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		assert.Len(t, w.Header().Get("X-Trace-ID"), 32)
		assert.Equal(t, w.Header().Get("X-Trace-ID"), seen)
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("X-Trace-ID", "abc123")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, "abc123", w.Header().Get("X-Trace-ID"))
		assert.Equal(t, "abc123", seen)
	})
}
