package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/JailtonJunior94/busgo/pkg/envelope"
	"github.com/JailtonJunior94/busgo/pkg/messaging"
	"github.com/JailtonJunior94/busgo/pkg/observability"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
)

// EventTypeAttribute is the transport attribute mirroring the envelope's
// event_type, so consumers and DLQ tooling can route without decoding.
const EventTypeAttribute = "EventType"

// maxBatchSize is the transport's per-request batch limit.
const maxBatchSize = 10

const (
	sendMaxRetries      = 3
	sendInitialInterval = 200 * time.Millisecond
)

// Publisher is the managed driver: it wraps payloads in envelopes and
// enqueues them on queues resolved (and lazily created) by the Resolver.
type Publisher struct {
	client   API
	resolver *Resolver
	service  string
	obs      observability.Observability
}

// NewPublisher creates the managed publisher for the given origin service.
func NewPublisher(client API, resolver *Resolver, service string, obs observability.Observability) *Publisher {
	return &Publisher{
		client:   client,
		resolver: resolver,
		service:  service,
		obs:      obs,
	}
}

// Name returns the managed driver name.
func (p *Publisher) Name() string {
	return messaging.DriverManaged
}

// IsAvailable reports whether the managed transport accepts publishes.
// The managed queue service is always assumed reachable; per-call errors
// surface from Publish itself.
func (p *Publisher) IsAvailable(ctx context.Context) bool {
	return true
}

// Resolver exposes the publisher's queue resolver for router pre-checks
// and operator tooling.
func (p *Publisher) Resolver() *Resolver {
	return p.resolver
}

// Publish wraps the event, resolves the logical queue and sends. Transient
// transport errors are retried with capped backoff before surfacing.
func (p *Publisher) Publish(ctx context.Context, logicalQueue, eventType string, payload map[string]any, attrs map[string]string) (*messaging.PublishResult, error) {
	env, err := envelope.Wrap(eventType, p.service, payload)
	if err != nil {
		return nil, err
	}

	url, err := p.resolver.Resolve(ctx, logicalQueue)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize envelope: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(url),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: messageAttributes(ctx, eventType, attrs),
	}

	var out *sqs.SendMessageOutput
	send := func() error {
		var sendErr error
		out, sendErr = p.client.SendMessage(ctx, input)
		if sendErr != nil && !isTransientSendError(sendErr) {
			return backoff.Permanent(sendErr)
		}
		return sendErr
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(sendInitialInterval)),
		sendMaxRetries,
	), ctx)

	if err := backoff.Retry(send, policy); err != nil {
		p.obs.Logger().Error(ctx, "failed to publish event",
			observability.String("queue", logicalQueue),
			observability.String("event_type", eventType),
			observability.Error(err),
		)
		return nil, fmt.Errorf("failed to publish %q to %q: %w", eventType, logicalQueue, err)
	}

	p.obs.Logger().Debug(ctx, "event published",
		observability.String("queue", logicalQueue),
		observability.String("event_type", eventType),
		observability.String("idempotency_key", env.IdempotencyKey),
		observability.String("trace_id", env.TraceID),
	)

	return &messaging.PublishResult{MessageID: aws.ToString(out.MessageId)}, nil
}

// PublishBatch sends a set of events to one logical queue, splitting into
// transport-sized chunks. Entries that fail keep their original index in
// the result.
func (p *Publisher) PublishBatch(ctx context.Context, logicalQueue string, entries []messaging.BatchEntry) (*messaging.BatchResult, error) {
	if len(entries) == 0 {
		return &messaging.BatchResult{}, nil
	}

	url, err := p.resolver.Resolve(ctx, logicalQueue)
	if err != nil {
		return nil, err
	}

	result := &messaging.BatchResult{}
	for offset := 0; offset < len(entries); offset += maxBatchSize {
		end := min(offset+maxBatchSize, len(entries))
		if err := p.sendChunk(ctx, url, entries[offset:end], offset, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (p *Publisher) sendChunk(ctx context.Context, url string, chunk []messaging.BatchEntry, offset int, result *messaging.BatchResult) error {
	batch := make([]types.SendMessageBatchRequestEntry, 0, len(chunk))
	// SQS batch entry IDs are request-local; the chunk index keeps them
	// mappable back to the caller's slice.
	indexByID := make(map[string]int, len(chunk))

	for i, entry := range chunk {
		env, err := envelope.Wrap(entry.EventType, p.service, entry.Payload)
		if err != nil {
			result.Failed = append(result.Failed, messaging.BatchError{Index: offset + i, Err: err})
			continue
		}

		body, err := json.Marshal(env)
		if err != nil {
			result.Failed = append(result.Failed, messaging.BatchError{Index: offset + i, Err: err})
			continue
		}

		id := fmt.Sprintf("msg-%d", i)
		indexByID[id] = offset + i
		batch = append(batch, types.SendMessageBatchRequestEntry{
			Id:                aws.String(id),
			MessageBody:       aws.String(string(body)),
			MessageAttributes: messageAttributes(ctx, entry.EventType, entry.Attributes),
		})
	}

	if len(batch) == 0 {
		return nil
	}

	out, err := p.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(url),
		Entries:  batch,
	})
	if err != nil {
		return fmt.Errorf("failed to publish batch to %q: %w", url, err)
	}

	for _, ok := range out.Successful {
		result.Successful = append(result.Successful, aws.ToString(ok.MessageId))
	}
	for _, failed := range out.Failed {
		result.Failed = append(result.Failed, messaging.BatchError{
			Index: indexByID[aws.ToString(failed.Id)],
			Err:   fmt.Errorf("transport rejected entry: %s (%s)", aws.ToString(failed.Message), aws.ToString(failed.Code)),
		})
	}
	return nil
}

// messageAttributes builds the transport attributes: the EventType mirror,
// the caller's string attributes, and the W3C trace context.
func messageAttributes(ctx context.Context, eventType string, attrs map[string]string) map[string]types.MessageAttributeValue {
	carrier := map[string]string{EventTypeAttribute: eventType}
	for key, value := range attrs {
		carrier[key] = value
	}
	messaging.InjectTraceContext(ctx, carrier)

	out := make(map[string]types.MessageAttributeValue, len(carrier))
	for key, value := range carrier {
		out[key] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(value),
		}
	}
	return out
}

func isTransientSendError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorFault() == smithy.FaultServer {
			return true
		}
		code := strings.ToLower(apiErr.ErrorCode())
		if strings.Contains(code, "throttl") || strings.Contains(code, "serviceunavailable") {
			return true
		}
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
