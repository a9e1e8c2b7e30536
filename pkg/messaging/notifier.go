package messaging

import (
	"context"

	"github.com/JailtonJunior94/busgo/pkg/observability"
)

// Severity is the alert level delivered to operator sinks.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type (
	// Alert is a structured operator notification. Chat, email and paging
	// sinks are external; the bus only speaks to this interface.
	Alert struct {
		Severity Severity
		Title    string
		Message  string
		Context  map[string]any
	}

	// Notifier delivers alerts to operators.
	Notifier interface {
		Notify(ctx context.Context, alert Alert) error
	}
)

// LogNotifier delivers alerts to the structured log. It is the default
// sink when no external notifier is configured.
type LogNotifier struct {
	logger observability.Logger
}

// NewLogNotifier creates a notifier that writes alerts to the logger.
func NewLogNotifier(logger observability.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the alert at a level matching its severity.
func (n *LogNotifier) Notify(ctx context.Context, alert Alert) error {
	fields := make([]observability.Field, 0, len(alert.Context)+2)
	fields = append(fields,
		observability.String("severity", string(alert.Severity)),
		observability.String("title", alert.Title),
	)
	for key, value := range alert.Context {
		fields = append(fields, observability.Any(key, value))
	}

	switch alert.Severity {
	case SeverityCritical:
		n.logger.Error(ctx, alert.Message, fields...)
	case SeverityWarning:
		n.logger.Warn(ctx, alert.Message, fields...)
	default:
		n.logger.Info(ctx, alert.Message, fields...)
	}
	return nil
}
