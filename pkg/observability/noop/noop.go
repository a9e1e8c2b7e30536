// Package noop provides an observability provider with zero runtime overhead.
package noop

import (
	"context"

	"github.com/JailtonJunior94/busgo/pkg/observability"
)

// Provider is a no-op implementation of observability.
// Use this when you want to disable observability completely.
type Provider struct {
	logger  *noopLogger
	metrics *noopMetrics
}

// NewProvider creates a new no-op observability provider.
func NewProvider() *Provider {
	return &Provider{
		logger:  &noopLogger{},
		metrics: &noopMetrics{},
	}
}

// Logger returns a no-op logger.
func (p *Provider) Logger() observability.Logger {
	return p.logger
}

// Metrics returns a no-op metrics recorder.
func (p *Provider) Metrics() observability.Metrics {
	return p.metrics
}

type noopLogger struct{}

func (l *noopLogger) Debug(ctx context.Context, msg string, fields ...observability.Field) {}

func (l *noopLogger) Info(ctx context.Context, msg string, fields ...observability.Field) {}

func (l *noopLogger) Warn(ctx context.Context, msg string, fields ...observability.Field) {}

func (l *noopLogger) Error(ctx context.Context, msg string, fields ...observability.Field) {}

func (l *noopLogger) With(fields ...observability.Field) observability.Logger {
	return l
}

type noopMetrics struct{}

func (m *noopMetrics) Counter(name, description string, labelKeys ...string) observability.Counter {
	return noopCounter{}
}

func (m *noopMetrics) Gauge(name, description string, labelKeys ...string) observability.Gauge {
	return noopGauge{}
}

type noopCounter struct{}

func (noopCounter) Add(value float64, labelValues ...string) {}

func (noopCounter) Increment(labelValues ...string) {}

type noopGauge struct{}

func (noopGauge) Set(value float64, labelValues ...string) {}
