// Package amqplegacy implements the legacy driver: events published to
// the pre-migration AMQP broker. The driver exists so services can run
// dual-write or fall back while queues move to the managed transport.
package amqplegacy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/JailtonJunior94/busgo/pkg/envelope"
	"github.com/JailtonJunior94/busgo/pkg/messaging"
	"github.com/JailtonJunior94/busgo/pkg/observability"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// eventTypeHeader mirrors the envelope's event_type in the AMQP headers,
// matching what legacy consumers key on.
const eventTypeHeader = "EventType"

// Channel is the subset of the AMQP channel the driver uses. Tests fake it.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// Config holds the legacy broker settings.
type Config struct {
	// URL is the broker connection string (amqp://...).
	URL string

	// Exchange is the topic exchange legacy consumers bind to. Routing
	// keys are event types.
	Exchange string
}

// Driver publishes envelopes to the legacy AMQP broker.
type Driver struct {
	channel  Channel
	conn     *amqp.Connection
	exchange string
	service  string
	obs      observability.Observability

	mu sync.Mutex
}

// NewDriver wraps an existing channel. Dial is the usual entry point; this
// constructor exists for callers that manage the connection themselves and
// for tests.
func NewDriver(channel Channel, exchange, service string, obs observability.Observability) *Driver {
	return &Driver{
		channel:  channel,
		exchange: exchange,
		service:  service,
		obs:      obs,
	}
}

// Dial connects to the legacy broker, declares the exchange and returns a
// ready driver.
func Dial(ctx context.Context, cfg Config, service string, obs observability.Observability) (*Driver, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial legacy broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %q: %w", cfg.Exchange, err)
	}

	driver := NewDriver(channel, cfg.Exchange, service, obs)
	driver.conn = conn

	obs.Logger().Info(ctx, "connected to legacy broker",
		observability.String("exchange", cfg.Exchange),
	)
	return driver, nil
}

// Name returns the legacy driver name.
func (d *Driver) Name() string {
	return messaging.DriverLegacy
}

// IsAvailable reports whether the broker channel is open. The router uses
// this before falling back to the legacy leg.
func (d *Driver) IsAvailable(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channel != nil && !d.channel.IsClosed()
}

// Publish wraps the event and publishes it on the exchange with the event
// type as routing key. The logical queue travels as a header so operators
// can correlate legacy traffic with its managed destination.
func (d *Driver) Publish(ctx context.Context, logicalQueue, eventType string, payload map[string]any, attrs map[string]string) (*messaging.PublishResult, error) {
	env, err := envelope.Wrap(eventType, d.service, payload)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize envelope: %w", err)
	}

	carrier := map[string]string{
		eventTypeHeader: eventType,
		"LogicalQueue":  logicalQueue,
	}
	for key, value := range attrs {
		carrier[key] = value
	}
	messaging.InjectTraceContext(ctx, carrier)

	headers := amqp.Table{}
	for key, value := range carrier {
		headers[key] = value
	}

	messageID := uuid.NewString()

	d.mu.Lock()
	defer d.mu.Unlock()

	err = d.channel.PublishWithContext(ctx, d.exchange, eventType, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		Headers:       headers,
		MessageId:     messageID,
		CorrelationId: env.TraceID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish %q to legacy broker: %w", eventType, err)
	}

	d.obs.Logger().Debug(ctx, "event published to legacy broker",
		observability.String("event_type", eventType),
		observability.String("queue", logicalQueue),
		observability.String("idempotency_key", env.IdempotencyKey),
	)
	return &messaging.PublishResult{MessageID: messageID}, nil
}

// Close releases the channel and, when the driver dialed its own
// connection, the connection as well.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if d.channel != nil {
		err = d.channel.Close()
	}
	if d.conn != nil {
		if connErr := d.conn.Close(); connErr != nil && err == nil {
			err = connErr
		}
	}
	return err
}
