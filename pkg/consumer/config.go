package consumer

import (
	"errors"
	"fmt"
	"time"
)

const (
	defaultMaxMessages       = 10
	defaultWaitTime          = 20 * time.Second
	defaultVisibilityTimeout = 30 * time.Second
	defaultLongRunningVis    = 120 * time.Second
	defaultWorkers           = 4

	// Rate thresholds for per-cycle alerting.
	defaultValidationRateThreshold = 0.01
	defaultTransientRateThreshold  = 0.10
)

// Config drives one consumer loop instance.
type Config struct {
	// QueueName is the logical queue this loop drains.
	QueueName string

	// ServiceName identifies this consumer in idempotency records.
	ServiceName string

	// MaxMessages bounds one receive call (transport limit 10).
	MaxMessages int32

	// WaitTime is the long-poll duration of the receive call.
	WaitTime time.Duration

	// VisibilityTimeout is how long a received message stays hidden.
	VisibilityTimeout time.Duration

	// LongRunningEvents lists event types whose handlers exceed the
	// default visibility timeout; their visibility is extended to
	// LongRunningVisibility before dispatch.
	LongRunningEvents []string

	// LongRunningVisibility is the extended window for the above.
	LongRunningVisibility time.Duration

	// Workers is the number of messages processed concurrently.
	Workers int

	// ValidationRateThreshold triggers a cycle alert when the share of
	// validation errors exceeds it.
	ValidationRateThreshold float64

	// TransientRateThreshold triggers a cycle alert when the share of
	// transient errors exceeds it.
	TransientRateThreshold float64
}

// withDefaults fills zero values in place.
func (c *Config) withDefaults() {
	if c.MaxMessages == 0 {
		c.MaxMessages = defaultMaxMessages
	}
	if c.WaitTime == 0 {
		c.WaitTime = defaultWaitTime
	}
	if c.VisibilityTimeout == 0 {
		c.VisibilityTimeout = defaultVisibilityTimeout
	}
	if c.LongRunningVisibility == 0 {
		c.LongRunningVisibility = defaultLongRunningVis
	}
	if c.Workers == 0 {
		c.Workers = defaultWorkers
	}
	if c.ValidationRateThreshold == 0 {
		c.ValidationRateThreshold = defaultValidationRateThreshold
	}
	if c.TransientRateThreshold == 0 {
		c.TransientRateThreshold = defaultTransientRateThreshold
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	var errs []error
	if c.QueueName == "" {
		errs = append(errs, errors.New("queue name is required"))
	}
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if c.MaxMessages < 1 || c.MaxMessages > defaultMaxMessages {
		errs = append(errs, fmt.Errorf("max messages must be between 1 and %d, got %d", defaultMaxMessages, c.MaxMessages))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.ValidationRateThreshold < 0 || c.ValidationRateThreshold > 1 {
		errs = append(errs, fmt.Errorf("validation rate threshold must be within [0,1], got %v", c.ValidationRateThreshold))
	}
	if c.TransientRateThreshold < 0 || c.TransientRateThreshold > 1 {
		errs = append(errs, fmt.Errorf("transient rate threshold must be within [0,1], got %v", c.TransientRateThreshold))
	}
	return errors.Join(errs...)
}

// isLongRunning reports whether the event type gets extended visibility.
func (c *Config) isLongRunning(eventType string) bool {
	for _, candidate := range c.LongRunningEvents {
		if candidate == eventType {
			return true
		}
	}
	return false
}
