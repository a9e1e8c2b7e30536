// Package zapdriver provides the production observability provider:
// structured JSON logging on zap and metric instruments on prometheus.
package zapdriver

import (
	"context"
	"fmt"
	"sync"

	"github.com/JailtonJunior94/busgo/pkg/observability"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Provider implements observability.Observability on zap and prometheus.
type Provider struct {
	logger  *zapLogger
	metrics *promMetrics
}

// Option configures the provider.
type Option func(*providerConfig)

type providerConfig struct {
	level       observability.LogLevel
	serviceName string
	registerer  prometheus.Registerer
	namespace   string
	zapOptions  []zap.Option
}

// WithLevel sets the minimum log level. Default: info.
func WithLevel(level observability.LogLevel) Option {
	return func(c *providerConfig) {
		c.level = level
	}
}

// WithServiceName adds a service field to every log entry.
func WithServiceName(name string) Option {
	return func(c *providerConfig) {
		c.serviceName = name
	}
}

// WithRegisterer sets the prometheus registerer for metric instruments.
// Default: prometheus.DefaultRegisterer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *providerConfig) {
		c.registerer = r
	}
}

// WithNamespace sets the prometheus namespace for metric instruments.
func WithNamespace(ns string) Option {
	return func(c *providerConfig) {
		c.namespace = ns
	}
}

// NewProvider creates a production observability provider.
func NewProvider(opts ...Option) (*Provider, error) {
	cfg := &providerConfig{
		level:      observability.LogLevelInfo,
		registerer: prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(toZapLevel(cfg.level))
	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	base, err := zapCfg.Build(cfg.zapOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to build zap logger: %w", err)
	}
	if cfg.serviceName != "" {
		base = base.With(zap.String("service", cfg.serviceName))
	}

	return &Provider{
		logger: &zapLogger{logger: base},
		metrics: &promMetrics{
			registerer: cfg.registerer,
			namespace:  cfg.namespace,
			counters:   make(map[string]*prometheus.CounterVec),
			gauges:     make(map[string]*prometheus.GaugeVec),
		},
	}, nil
}

// Logger returns the zap-backed logger.
func (p *Provider) Logger() observability.Logger {
	return p.logger
}

// Metrics returns the prometheus-backed metrics recorder.
func (p *Provider) Metrics() observability.Metrics {
	return p.metrics
}

// Sync flushes buffered log entries.
func (p *Provider) Sync() error {
	return p.logger.logger.Sync()
}

func toZapLevel(level observability.LogLevel) zapcore.Level {
	switch level {
	case observability.LogLevelDebug:
		return zapcore.DebugLevel
	case observability.LogLevelWarn:
		return zapcore.WarnLevel
	case observability.LogLevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

type zapLogger struct {
	logger *zap.Logger
}

func toZapFields(fields []observability.Field) []zap.Field {
	zf := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok && f.Key == "error" {
			zf = append(zf, zap.Error(err))
			continue
		}
		zf = append(zf, zap.Any(f.Key, f.Value))
	}
	return zf
}

func (l *zapLogger) Debug(ctx context.Context, msg string, fields ...observability.Field) {
	l.logger.Debug(msg, toZapFields(fields)...)
}

func (l *zapLogger) Info(ctx context.Context, msg string, fields ...observability.Field) {
	l.logger.Info(msg, toZapFields(fields)...)
}

func (l *zapLogger) Warn(ctx context.Context, msg string, fields ...observability.Field) {
	l.logger.Warn(msg, toZapFields(fields)...)
}

func (l *zapLogger) Error(ctx context.Context, msg string, fields ...observability.Field) {
	l.logger.Error(msg, toZapFields(fields)...)
}

func (l *zapLogger) With(fields ...observability.Field) observability.Logger {
	return &zapLogger{logger: l.logger.With(toZapFields(fields)...)}
}

type promMetrics struct {
	registerer prometheus.Registerer
	namespace  string

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
}

func (m *promMetrics) Counter(name, description string, labelKeys ...string) observability.Counter {
	m.mu.Lock()
	defer m.mu.Unlock()

	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      name,
			Help:      description,
		}, labelKeys)
		m.registerer.MustRegister(vec)
		m.counters[name] = vec
	}
	return promCounter{vec: vec}
}

func (m *promMetrics) Gauge(name, description string, labelKeys ...string) observability.Gauge {
	m.mu.Lock()
	defer m.mu.Unlock()

	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      name,
			Help:      description,
		}, labelKeys)
		m.registerer.MustRegister(vec)
		m.gauges[name] = vec
	}
	return promGauge{vec: vec}
}

type promCounter struct {
	vec *prometheus.CounterVec
}

func (c promCounter) Add(value float64, labelValues ...string) {
	c.vec.WithLabelValues(labelValues...).Add(value)
}

func (c promCounter) Increment(labelValues ...string) {
	c.vec.WithLabelValues(labelValues...).Inc()
}

type promGauge struct {
	vec *prometheus.GaugeVec
}

func (g promGauge) Set(value float64, labelValues ...string) {
	g.vec.WithLabelValues(labelValues...).Set(value)
}
