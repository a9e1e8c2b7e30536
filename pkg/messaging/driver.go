package messaging

import "context"

// Driver names form a closed set; the router selects among them.
const (
	DriverManaged = "managed"
	DriverLegacy  = "legacy"
)

type (
	// Driver is the capability shared by every transport: publish an
	// event to a logical queue and report availability. Implementations
	// live in the sqs and amqplegacy subpackages.
	Driver interface {
		// Publish wraps the event in an envelope and enqueues it on the
		// transport's rendition of the logical queue.
		Publish(ctx context.Context, logicalQueue, eventType string, payload map[string]any, attrs map[string]string) (*PublishResult, error)

		// IsAvailable probes whether the transport can accept publishes.
		IsAvailable(ctx context.Context) bool

		// Name returns the driver's name (DriverManaged or DriverLegacy).
		Name() string
	}

	// BatchPublisher is implemented by drivers that support batched sends.
	BatchPublisher interface {
		PublishBatch(ctx context.Context, logicalQueue string, entries []BatchEntry) (*BatchResult, error)
	}

	// PublishResult reports a single accepted message.
	PublishResult struct {
		MessageID string
	}

	// BatchEntry is one event of a batched publish.
	BatchEntry struct {
		EventType  string
		Payload    map[string]any
		Attributes map[string]string
	}

	// BatchResult partitions a batched publish into accepted message IDs
	// and per-entry failures.
	BatchResult struct {
		Successful []string
		Failed     []BatchError
	}

	// BatchError ties a failed batch entry to its position.
	BatchError struct {
		Index int
		Err   error
	}

	// PublishOutcome is the router's per-leg report. Exactly one of the
	// IDs is the result the caller should use (the managed one when
	// present); the rest exists so dual-write callers can audit legs.
	PublishOutcome struct {
		MessageID  string
		Driver     string
		ManagedID  string
		LegacyID   string
		ManagedErr error
		LegacyErr  error
	}
)
