package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitle/pkg/contextkeys"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	t.Run("debug not logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Debug("debug message")
		assert.Zero(t, buf.Len())
	})

	t.Run("info logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Info("info message")
		entry := decodeLine(t, &buf)
		assert.Equal(t, "INFO", entry["level"])
		assert.Equal(t, "info message", entry["msg"])
	})

	t.Run("error logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Errorf("error %d", 7)
		entry := decodeLine(t, &buf)
		assert.Equal(t, "ERROR", entry["level"])
		assert.Equal(t, "error 7", entry["msg"])
	})
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithFields(map[string]interface{}{"tenant_id": "t1", "count": 42}).
		WithError(errors.New("boom")).
		Warn("message")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "t1", entry["tenant_id"])
	assert.Equal(t, float64(42), entry["count"])
	assert.Equal(t, "boom", entry["error"])
	assert.Same(t, logger, logger.WithError(nil))
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewLogger(InfoLevel, &buf))
	ctx = contextkeys.WithRequestID(ctx, "req-123")
	ctx = contextkeys.WithActorID(ctx, "u-1")
	ctx = contextkeys.WithTenantID(ctx, "t1")

	FromContext(ctx).Info("test message")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "req-123", entry["request_id"])
	assert.Equal(t, "u-1", entry["actor_id"])
	assert.Equal(t, "t1", entry["tenant_id"])
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warning", WarnLevel},
		{" error ", ErrorLevel},
		{"", InfoLevel},
		{"verbose", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLogLevel(tt.in))
		})
	}
}

func TestLogger_SetLevelIsShared(t *testing.T) {
	var buf bytes.Buffer
	root := NewLogger(InfoLevel, &buf)
	child := root.WithField("component", "watcher")

	child.Debug("hidden")
	assert.Zero(t, buf.Len())

	root.SetLevel(DebugLevel)
	child.Debugf("shown %d", 1)
	entry := decodeLine(t, &buf)
	assert.Equal(t, "shown 1", entry["msg"])
	assert.Equal(t, "watcher", entry["component"])
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	NewLoggerWithFormat(InfoLevel, FormatText, &buf).WithField("tenant_id", "t1").Info("hello")
	assert.Contains(t, buf.String(), "level=INFO")
	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "tenant_id=t1")
}

func TestLogLevel_String(t *testing.T) {
	assert.Equal(t, "WARN", WarnLevel.String())
	assert.Equal(t, "LEVEL(9)", LogLevel(9).String())
}
