// Package router selects the transport driver for each publish and
// carries the migration policies: dual-write to both brokers and
// fallback to the legacy broker when the managed side cannot take the
// event.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/JailtonJunior94/busgo/pkg/messaging"
	"github.com/JailtonJunior94/busgo/pkg/observability"
)

var (
	// ErrUnknownPrimary is returned when the configured primary driver
	// was never registered.
	ErrUnknownPrimary = errors.New("primary driver is not registered")

	// ErrNoTargetQueue is returned when an event type maps to no logical
	// queue and no default queue is configured.
	ErrNoTargetQueue = errors.New("no target queue for event type")
)

// QueueChecker reports whether a logical queue already exists on the
// managed transport. The resolver implements it.
type QueueChecker interface {
	QueueExists(ctx context.Context, logicalName string) bool
}

// Config is the routing policy.
type Config struct {
	// Primary names the driver publishes go to first (managed or legacy).
	Primary string

	// DualWrite publishes every event to both drivers. Only meaningful
	// while Primary is managed and the legacy driver is registered.
	DualWrite bool

	// FallbackToLegacy retries on the legacy driver when the managed
	// publish fails.
	FallbackToLegacy bool

	// FallbackOnMissingQueue routes straight to the legacy driver when
	// the target queue does not exist yet on the managed transport,
	// skipping the implicit queue creation a managed publish would do.
	FallbackOnMissingQueue bool

	// TargetQueues maps event types to logical queues.
	TargetQueues map[string]string

	// DefaultQueue receives event types absent from TargetQueues.
	DefaultQueue string
}

// Validate checks the routing policy for contradictions.
func (c Config) Validate() error {
	var errs []error
	if c.Primary != messaging.DriverManaged && c.Primary != messaging.DriverLegacy {
		errs = append(errs, fmt.Errorf("primary must be %q or %q, got %q",
			messaging.DriverManaged, messaging.DriverLegacy, c.Primary))
	}
	if c.DualWrite && c.Primary == messaging.DriverLegacy {
		errs = append(errs, errors.New("dual write requires the managed driver as primary"))
	}
	if len(c.TargetQueues) == 0 && c.DefaultQueue == "" {
		errs = append(errs, errors.New("either target queues or a default queue must be configured"))
	}
	return errors.Join(errs...)
}

// Router fans publishes out to the registered drivers according to the
// configured policy.
type Router struct {
	config  Config
	drivers map[string]messaging.Driver
	checker QueueChecker
	obs     observability.Observability

	publishes observability.Counter
}

// Option configures optional router collaborators.
type Option func(*Router)

// WithQueueChecker enables the missing-queue pre-check for fallback
// routing.
func WithQueueChecker(checker QueueChecker) Option {
	return func(r *Router) { r.checker = checker }
}

// NewRouter creates a router with the given policy. Drivers are attached
// with Register.
func NewRouter(config Config, obs observability.Observability, opts ...Option) (*Router, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	r := &Router{
		config:  config,
		drivers: make(map[string]messaging.Driver),
		obs:     obs,
		publishes: obs.Metrics().Counter(
			"bus_publishes_total",
			"Publishes routed to a driver, by driver and result.",
			"driver", "result",
		),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register attaches a driver under its own name.
func (r *Router) Register(driver messaging.Driver) {
	r.drivers[driver.Name()] = driver
}

// TargetQueue returns the logical queue an event type routes to.
func (r *Router) TargetQueue(eventType string) (string, error) {
	if queue, ok := r.config.TargetQueues[eventType]; ok {
		return queue, nil
	}
	if r.config.DefaultQueue != "" {
		return r.config.DefaultQueue, nil
	}
	return "", fmt.Errorf("%w: %q", ErrNoTargetQueue, eventType)
}

// Publish routes an event to the logical queue mapped to its type.
func (r *Router) Publish(ctx context.Context, eventType string, payload map[string]any, attrs map[string]string) (*messaging.PublishOutcome, error) {
	queue, err := r.TargetQueue(eventType)
	if err != nil {
		return nil, err
	}
	return r.PublishTo(ctx, queue, eventType, payload, attrs)
}

// PublishTo routes an event to an explicit logical queue, applying the
// dual-write and fallback policies.
func (r *Router) PublishTo(ctx context.Context, logicalQueue, eventType string, payload map[string]any, attrs map[string]string) (*messaging.PublishOutcome, error) {
	primary, ok := r.drivers[r.config.Primary]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPrimary, r.config.Primary)
	}
	legacy := r.drivers[messaging.DriverLegacy]

	if r.config.DualWrite && r.config.Primary == messaging.DriverManaged && legacy != nil {
		return r.dualWrite(ctx, primary, legacy, logicalQueue, eventType, payload, attrs)
	}

	if r.shouldPreferLegacy(ctx, legacy, logicalQueue) {
		outcome := &messaging.PublishOutcome{}
		result, err := legacy.Publish(ctx, logicalQueue, eventType, payload, attrs)
		r.record(messaging.DriverLegacy, err)
		if err != nil {
			outcome.LegacyErr = err
			return outcome, fmt.Errorf("legacy publish failed: %w", err)
		}
		outcome.MessageID = result.MessageID
		outcome.Driver = messaging.DriverLegacy
		outcome.LegacyID = result.MessageID
		r.obs.Logger().Info(ctx, "routed to legacy driver for missing managed queue",
			observability.String("queue", logicalQueue),
			observability.String("event_type", eventType),
		)
		return outcome, nil
	}

	outcome := &messaging.PublishOutcome{}
	result, primaryErr := primary.Publish(ctx, logicalQueue, eventType, payload, attrs)
	r.record(primary.Name(), primaryErr)
	if primaryErr == nil {
		outcome.MessageID = result.MessageID
		outcome.Driver = primary.Name()
		r.setLegID(outcome, primary.Name(), result.MessageID)
		return outcome, nil
	}
	r.setLegErr(outcome, primary.Name(), primaryErr)

	if !r.config.FallbackToLegacy || primary.Name() == messaging.DriverLegacy || legacy == nil {
		return outcome, fmt.Errorf("publish via %q failed: %w", primary.Name(), primaryErr)
	}

	r.obs.Logger().Warn(ctx, "primary publish failed, falling back to legacy driver",
		observability.String("queue", logicalQueue),
		observability.String("event_type", eventType),
		observability.Error(primaryErr),
	)

	result, legacyErr := legacy.Publish(ctx, logicalQueue, eventType, payload, attrs)
	r.record(messaging.DriverLegacy, legacyErr)
	if legacyErr != nil {
		outcome.LegacyErr = legacyErr
		return outcome, errors.Join(
			fmt.Errorf("publish via %q failed: %w", primary.Name(), primaryErr),
			fmt.Errorf("legacy fallback failed: %w", legacyErr),
		)
	}

	outcome.MessageID = result.MessageID
	outcome.Driver = messaging.DriverLegacy
	outcome.LegacyID = result.MessageID
	return outcome, nil
}

// dualWrite publishes to both legs. A single failing leg is logged and
// reported in the outcome; the publish only fails when both legs fail.
func (r *Router) dualWrite(ctx context.Context, managed, legacy messaging.Driver, logicalQueue, eventType string, payload map[string]any, attrs map[string]string) (*messaging.PublishOutcome, error) {
	outcome := &messaging.PublishOutcome{}

	managedResult, managedErr := managed.Publish(ctx, logicalQueue, eventType, payload, attrs)
	r.record(messaging.DriverManaged, managedErr)
	if managedErr != nil {
		outcome.ManagedErr = managedErr
		r.obs.Logger().Error(ctx, "dual write managed leg failed",
			observability.String("queue", logicalQueue),
			observability.String("event_type", eventType),
			observability.Error(managedErr),
		)
	} else {
		outcome.ManagedID = managedResult.MessageID
	}

	legacyResult, legacyErr := legacy.Publish(ctx, logicalQueue, eventType, payload, attrs)
	r.record(messaging.DriverLegacy, legacyErr)
	if legacyErr != nil {
		outcome.LegacyErr = legacyErr
		r.obs.Logger().Error(ctx, "dual write legacy leg failed",
			observability.String("queue", logicalQueue),
			observability.String("event_type", eventType),
			observability.Error(legacyErr),
		)
	} else {
		outcome.LegacyID = legacyResult.MessageID
	}

	switch {
	case managedErr == nil:
		outcome.MessageID = outcome.ManagedID
		outcome.Driver = messaging.DriverManaged
		return outcome, nil
	case legacyErr == nil:
		outcome.MessageID = outcome.LegacyID
		outcome.Driver = messaging.DriverLegacy
		return outcome, nil
	default:
		return outcome, errors.Join(
			fmt.Errorf("managed leg failed: %w", managedErr),
			fmt.Errorf("legacy leg failed: %w", legacyErr),
		)
	}
}

// shouldPreferLegacy applies the missing-queue pre-check: route to the
// legacy driver when the managed queue does not exist yet and the legacy
// side can take the event.
func (r *Router) shouldPreferLegacy(ctx context.Context, legacy messaging.Driver, logicalQueue string) bool {
	if r.config.Primary != messaging.DriverManaged {
		return false
	}
	if !r.config.FallbackToLegacy || !r.config.FallbackOnMissingQueue {
		return false
	}
	if legacy == nil || !legacy.IsAvailable(ctx) || r.checker == nil {
		return false
	}
	return !r.checker.QueueExists(ctx, logicalQueue)
}

func (r *Router) record(driver string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	r.publishes.Increment(driver, result)
}

func (r *Router) setLegID(outcome *messaging.PublishOutcome, driver, id string) {
	if driver == messaging.DriverManaged {
		outcome.ManagedID = id
	} else {
		outcome.LegacyID = id
	}
}

func (r *Router) setLegErr(outcome *messaging.PublishOutcome, driver string, err error) {
	if driver == messaging.DriverManaged {
		outcome.ManagedErr = err
	} else {
		outcome.LegacyErr = err
	}
}
