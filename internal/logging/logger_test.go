package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo, FormatJSON)
	logger.SetOutput(&buf)

	logger.WithJob("job-1", "S1", 2).WithError(errors.New("boom")).Info("attempt failed")

	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry.Level)
	assert.Equal(t, "attempt failed", entry.Message)
	assert.Equal(t, "S1", entry.Fields["station_id"])
	assert.Equal(t, "job-1", entry.Fields["job_id"])
	assert.Equal(t, float64(2), entry.Fields["retry_index"])
	assert.Equal(t, "boom", entry.Fields["error"])
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelWarn, FormatText)
	logger.SetOutput(&buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "warn: shown")
}

func TestLoggerChildrenDoNotShareFields(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(LevelDebug, FormatText)
	parent.SetOutput(&buf)

	a := parent.WithStation("A")
	b := parent.WithStation("B")
	a.Info("a")
	b.Info("b")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"station_id":"A"`)
	assert.Contains(t, lines[1], `"station_id":"B"`)
}

func TestLoggerContext(t *testing.T) {
	logger := NewNopLogger().WithComponent("dispatcher")
	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LevelInfo, ParseLogLevel("verbose"))
	assert.Equal(t, FormatText, ParseLogFormat("text"))
	assert.Equal(t, FormatJSON, ParseLogFormat("yaml"))
}
