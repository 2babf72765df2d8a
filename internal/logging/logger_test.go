package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		in       string
		expected Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"Error", ERROR},
		{"fatal", FATAL},
		{"bogus", INFO},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.expected, ParseLevel(tc.in))
		})
	}
}

func TestLogger_KeyValueFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "DEBUG", JSONFormat: true, Component: "test"}, &buf)

	l.Info("stage advanced", "pipeline_id", "p-1", "error", errors.New("boom"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "stage advanced", entry["message"])
	assert.Equal(t, "p-1", entry["pipeline_id"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "test", entry["component"])
	assert.Equal(t, "info", entry["level"])
}

func TestLogger_PrintfStyle(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "INFO", JSONFormat: true}, &buf)

	l.Warn("retrying checkpoint %d of %d", 2, 3)

	assert.Contains(t, buf.String(), "retrying checkpoint 2 of 3")
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "WARN", JSONFormat: true}, &buf)

	l.Debug("hidden")
	l.Info("hidden too")
	assert.Empty(t, buf.String())

	l.Error("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestLogger_WithComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&Config{Level: "INFO", JSONFormat: true}, &buf)

	l := base.WithComponent("scheduler").WithFields(map[string]interface{}{"user_id": "u-1"})
	l.Info("pass finished")

	out := buf.String()
	assert.Contains(t, out, `"component":"scheduler"`)
	assert.Contains(t, out, `"user_id":"u-1"`)
	assert.Equal(t, "scheduler", l.Component())
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "INFO", JSONFormat: false}, &buf)

	l.Info("plain output", "run_id", "r-9")

	out := buf.String()
	assert.True(t, strings.Contains(out, "plain output"))
	assert.Contains(t, out, "run_id=r-9")
}
