package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "text", config.Logging.Format)
	assert.False(t, config.Metrics.Enabled)
	assert.False(t, config.Tracing.Enabled)
	assert.Equal(t, "otlp", config.Tracing.Exporter)
	assert.Equal(t, 1.0, config.Tracing.SampleRate)
}

func TestSetup_Disabled(t *testing.T) {
	bundle, err := Setup(DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, bundle.Logger)
	require.NotNil(t, bundle.Metrics)
	require.NotNil(t, bundle.Tracer)

	// Disabled collectors are inert but safe to call.
	bundle.Metrics.RecordTaskCreated(context.Background(), "talk", "foreground")
	bundle.Metrics.WorkerStarted(context.Background(), "foreground")
	require.NoError(t, bundle.Shutdown(context.Background()))
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	ctx := ContextWithTask(context.Background(), 42, "alice")
	logger.InfoContext(ctx, "claimed")

	out := buf.String()
	assert.True(t, strings.Contains(out, `"task_id":42`), "log line missing task_id: %s", out)
	assert.True(t, strings.Contains(out, `"user_id":"alice"`), "log line missing user_id: %s", out)
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Debug("quiet")
	logger.Info("quiet")
	logger.Warn("loud")

	out := buf.String()
	assert.False(t, strings.Contains(out, "quiet"))
	assert.True(t, strings.Contains(out, "loud"))
}

func TestSanitizeSecret(t *testing.T) {
	assert.Equal(t, "***", SanitizeSecret("short"))
	long := "sk-abcdefghijklmnop1234"
	masked := SanitizeSecret(long)
	assert.True(t, strings.HasPrefix(masked, "sk-abcde"))
	assert.True(t, strings.HasSuffix(masked, "1234"))
	assert.False(t, strings.Contains(masked, "fghijklmnop"))
}

func TestNopLogger(t *testing.T) {
	// Must not panic and must swallow output.
	Nop().Error("dropped", "k", "v")
	OrNop(nil).Info("dropped")
}
