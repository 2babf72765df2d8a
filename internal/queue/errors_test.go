package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("strategy panicked")))
	assert.False(t, IsRetryable(Permanent(errors.New("bad payload"))))

	wrapped := fmt.Errorf("stage run failed: %w", Permanent(errors.New("unknown stage")))
	assert.False(t, IsRetryable(wrapped))
	assert.Nil(t, Permanent(nil))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("ERROR: deadlock detected (SQLSTATE 40P01)"), true},
		{errors.New("HTTP 429: Too Many Requests"), true},
		{fmt.Errorf("load bars: %w", context.DeadlineExceeded), true},
		{errors.New("division by zero"), false},
		{Permanent(errors.New("connection refused")), false},
		{nil, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTransient(tt.err), "%v", tt.err)
	}
}

func TestOptions_Backoff(t *testing.T) {
	o := Options{BackoffDelays: []time.Duration{time.Second, 5 * time.Second}}
	assert.Equal(t, time.Second, o.backoff(0))
	assert.Equal(t, time.Second, o.backoff(1))
	assert.Equal(t, 5*time.Second, o.backoff(2))
	assert.Equal(t, 5*time.Second, o.backoff(9))
	assert.Equal(t, time.Duration(0), Options{}.backoff(1))
}

func TestOptions_WithDefaults(t *testing.T) {
	o := Options{Stream: "custom", Concurrency: 1}.withDefaults()
	assert.Equal(t, "custom", o.Stream)
	assert.Equal(t, 1, o.Concurrency)
	assert.Equal(t, "pipeline-workers", o.Group)
	assert.Equal(t, 5, o.MaxAttempts)
}

func TestJob_DecodeFailureIsPermanent(t *testing.T) {
	job := &Job{Type: JobStageRun, Payload: []byte(`{not json`)}
	var v map[string]string
	err := job.Decode(&v)
	assert.Error(t, err)
	assert.False(t, IsRetryable(err))
}
