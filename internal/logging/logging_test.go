package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug", true)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = NewLogger("warn", false)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = NewLogger("loud", false)
	assert.Error(t, err)
}

func TestNewMetricsWithoutProvider(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	// Recording against the default no-op provider must not panic.
	m.TasksStarted.Add(context.Background(), 1)
	m.TaskDuration.Record(context.Background(), 0.25)
}
