// Package fake provides an observability provider that captures every
// operation so tests can assert on log entries and metric values.
package fake

import (
	"context"
	"strings"
	"sync"

	"github.com/JailtonJunior94/busgo/pkg/observability"
)

// Provider implements a capturing observability provider for tests.
type Provider struct {
	logger  *FakeLogger
	metrics *FakeMetrics
}

// NewProvider creates a new fake observability provider.
func NewProvider() *Provider {
	return &Provider{
		logger:  NewFakeLogger(),
		metrics: NewFakeMetrics(),
	}
}

// Logger returns the fake logger.
func (p *Provider) Logger() observability.Logger {
	return p.logger
}

// Metrics returns the fake metrics recorder.
func (p *Provider) Metrics() observability.Metrics {
	return p.metrics
}

// LogEntry captures a single log call.
type LogEntry struct {
	Level   observability.LogLevel
	Message string
	Fields  []observability.Field
}

// FakeLogger captures log entries for test assertions.
type FakeLogger struct {
	mu      sync.RWMutex
	entries []LogEntry
	with    []observability.Field
	parent  *FakeLogger
}

// NewFakeLogger creates a new fake logger.
func NewFakeLogger() *FakeLogger {
	return &FakeLogger{entries: make([]LogEntry, 0)}
}

func (l *FakeLogger) record(level observability.LogLevel, msg string, fields []observability.Field) {
	root := l
	for root.parent != nil {
		root = root.parent
	}

	all := append(append([]observability.Field{}, l.with...), fields...)

	root.mu.Lock()
	root.entries = append(root.entries, LogEntry{Level: level, Message: msg, Fields: all})
	root.mu.Unlock()
}

func (l *FakeLogger) Debug(ctx context.Context, msg string, fields ...observability.Field) {
	l.record(observability.LogLevelDebug, msg, fields)
}

func (l *FakeLogger) Info(ctx context.Context, msg string, fields ...observability.Field) {
	l.record(observability.LogLevelInfo, msg, fields)
}

func (l *FakeLogger) Warn(ctx context.Context, msg string, fields ...observability.Field) {
	l.record(observability.LogLevelWarn, msg, fields)
}

func (l *FakeLogger) Error(ctx context.Context, msg string, fields ...observability.Field) {
	l.record(observability.LogLevelError, msg, fields)
}

func (l *FakeLogger) With(fields ...observability.Field) observability.Logger {
	return &FakeLogger{
		with:   append(append([]observability.Field{}, l.with...), fields...),
		parent: l,
	}
}

// Entries returns a copy of all captured log entries.
func (l *FakeLogger) Entries() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make([]LogEntry, len(l.entries))
	copy(result, l.entries)
	return result
}

// HasMessage reports whether any captured entry contains the given substring.
func (l *FakeLogger) HasMessage(substr string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

// Reset clears all captured entries.
func (l *FakeLogger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = l.entries[:0]
}

// FakeMetrics captures metric observations for test assertions.
type FakeMetrics struct {
	mu     sync.RWMutex
	values map[string]float64
}

// NewFakeMetrics creates a new fake metrics recorder.
func NewFakeMetrics() *FakeMetrics {
	return &FakeMetrics{values: make(map[string]float64)}
}

func (m *FakeMetrics) Counter(name, description string, labelKeys ...string) observability.Counter {
	return &fakeCounter{metrics: m, name: name}
}

func (m *FakeMetrics) Gauge(name, description string, labelKeys ...string) observability.Gauge {
	return &fakeGauge{metrics: m, name: name}
}

// Value returns the current value of an instrument for the given label values.
func (m *FakeMetrics) Value(name string, labelValues ...string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[seriesKey(name, labelValues)]
}

func seriesKey(name string, labelValues []string) string {
	if len(labelValues) == 0 {
		return name
	}
	return name + "{" + strings.Join(labelValues, ",") + "}"
}

type fakeCounter struct {
	metrics *FakeMetrics
	name    string
}

func (c *fakeCounter) Add(value float64, labelValues ...string) {
	c.metrics.mu.Lock()
	defer c.metrics.mu.Unlock()
	c.metrics.values[seriesKey(c.name, labelValues)] += value
}

func (c *fakeCounter) Increment(labelValues ...string) {
	c.Add(1, labelValues...)
}

type fakeGauge struct {
	metrics *FakeMetrics
	name    string
}

func (g *fakeGauge) Set(value float64, labelValues ...string) {
	g.metrics.mu.Lock()
	defer g.metrics.mu.Unlock()
	g.metrics.values[seriesKey(g.name, labelValues)] = value
}
