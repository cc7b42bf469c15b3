// Package logging builds the process logger and the OpenTelemetry
// instruments shared by the task and broadcast components.
package logging

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const instrumentationName = "github.com/metorial/chatops"

// NewLogger returns a production JSON logger, or a console logger when
// development is set.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	config := zap.NewProductionConfig()
	if development {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	return config.Build()
}

// SetupMetrics installs a global meter provider that periodically writes
// metrics to stdout. The returned function flushes and stops it.
func SetupMetrics(interval time.Duration) (func(context.Context) error, error) {
	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(provider)

	return provider.Shutdown, nil
}

// Metrics holds the counters recorded by the execution service and the
// room broadcaster. The zero value is not usable; call NewMetrics.
type Metrics struct {
	TasksStarted   metric.Int64Counter
	TasksCompleted metric.Int64Counter
	TasksFailed    metric.Int64Counter
	PublishDrops   metric.Int64Counter
	TaskDuration   metric.Float64Histogram
}

// NewMetrics creates the instruments from the global meter provider. If no
// provider is installed the instruments are no-ops.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)

	var m Metrics
	var err error

	if m.TasksStarted, err = meter.Int64Counter("chatops_tasks_started_total",
		metric.WithDescription("Script tasks accepted for execution"),
		metric.WithUnit("{task}")); err != nil {
		return nil, err
	}
	if m.TasksCompleted, err = meter.Int64Counter("chatops_tasks_completed_total",
		metric.WithDescription("Script tasks that exited with status 0"),
		metric.WithUnit("{task}")); err != nil {
		return nil, err
	}
	if m.TasksFailed, err = meter.Int64Counter("chatops_tasks_failed_total",
		metric.WithDescription("Script tasks that failed, timed out or could not start"),
		metric.WithUnit("{task}")); err != nil {
		return nil, err
	}
	if m.PublishDrops, err = meter.Int64Counter("chatops_publish_drops_total",
		metric.WithDescription("Subscribers dropped after a failed delivery"),
		metric.WithUnit("{subscriber}")); err != nil {
		return nil, err
	}
	if m.TaskDuration, err = meter.Float64Histogram("chatops_task_duration_seconds",
		metric.WithDescription("Wall-clock time from running to a terminal state"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}

	return &m, nil
}

// MustMetrics is NewMetrics for tests and callers that cannot handle an
// instrument registration failure.
func MustMetrics() *Metrics {
	m, err := NewMetrics()
	if err != nil {
		panic(err)
	}
	return m
}
