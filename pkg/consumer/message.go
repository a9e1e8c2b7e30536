package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/JailtonJunior94/busgo/pkg/envelope"
	"github.com/JailtonJunior94/busgo/pkg/messaging"
	"github.com/JailtonJunior94/busgo/pkg/messaging/sqs"
	"github.com/JailtonJunior94/busgo/pkg/observability"
)

type result int

const (
	resultSuccess result = iota
	resultDuplicate
	resultValidation
	resultTransient
	resultPermanent
)

// Metric outcome labels. Duplicates count as success: delivery semantics
// were honored even though the handler did not run.
const (
	outcomeSuccess    = "success"
	outcomeValidation = "validation_error"
	outcomeTransient  = "transient_error"
	outcomePermanent  = "permanent_error"
)

// process runs one message through the state machine:
// decode, validate, dedup, claim, extend visibility, dispatch, commit,
// ack. Each step either advances or terminates with ack-discard (the
// failure cannot be fixed by redelivery) or leave (it can).
func (l *Loop) process(ctx context.Context, logger observability.Logger, msg sqs.ReceivedMessage) result {
	ctx = messaging.ExtractTraceContext(ctx, msg.Attributes)
	logger = logger.With(observability.String("message_id", msg.MessageID))

	env, err := envelope.Decode([]byte(msg.Body))
	if err != nil {
		logger.Warn(ctx, "discarding undecodable message", observability.Error(err))
		l.outcomes.Increment(l.config.QueueName, outcomeValidation)
		l.ack(ctx, logger, msg)
		return resultValidation
	}

	if err := env.Validate(); err != nil {
		logger.Warn(ctx, "discarding invalid envelope", observability.Error(err))
		l.outcomes.Increment(l.config.QueueName, outcomeValidation)
		l.ack(ctx, logger, msg)
		return resultValidation
	}

	logger = logger.With(
		observability.String("event_type", env.EventType),
		observability.String("idempotency_key", env.IdempotencyKey),
		observability.String("trace_id", env.TraceID),
	)

	processed, err := l.idempotency.IsProcessed(ctx, env.IdempotencyKey)
	if err != nil {
		logger.Warn(ctx, "idempotency check failed, leaving for redelivery", observability.Error(err))
		l.outcomes.Increment(l.config.QueueName, outcomeTransient)
		return resultTransient
	}
	if processed {
		logger.Debug(ctx, "duplicate suppressed")
		l.outcomes.Increment(l.config.QueueName, outcomeSuccess)
		l.ack(ctx, logger, msg)
		return resultDuplicate
	}

	if !l.idempotency.Claim(ctx, env.IdempotencyKey) {
		// Another delivery of the same event is mid-flight. Leave this
		// one; redelivery hits the dedup check after the other commits.
		logger.Debug(ctx, "idempotency key already claimed, leaving for redelivery")
		l.outcomes.Increment(l.config.QueueName, outcomeTransient)
		return resultTransient
	}

	if l.config.isLongRunning(env.EventType) {
		seconds := int32(l.config.LongRunningVisibility.Seconds())
		if err := l.queue.ExtendVisibility(ctx, msg.ReceiptHandle, seconds); err != nil {
			logger.Warn(ctx, "failed to extend visibility", observability.Error(err))
		}
	}

	listener, ok := l.registry.Lookup(env.EventType)
	if !ok {
		l.idempotency.Release(ctx, env.IdempotencyKey)
		logger.Error(ctx, "no listener registered for event type")
		l.notify(ctx, messaging.Alert{
			Severity: messaging.SeverityCritical,
			Title:    "unmapped event type",
			Message:  fmt.Sprintf("no listener registered for event type %q on queue %q", env.EventType, l.config.QueueName),
			Context: map[string]any{
				"queue":      l.config.QueueName,
				"event_type": env.EventType,
				"message_id": msg.MessageID,
			},
		})
		l.outcomes.Increment(l.config.QueueName, outcomePermanent)
		l.ack(ctx, logger, msg)
		return resultPermanent
	}

	if err := listener.Handle(ctx, env.Payload); err != nil {
		l.idempotency.Release(ctx, env.IdempotencyKey)
		return l.handleDispatchError(ctx, logger, msg, env, err)
	}

	if err := l.idempotency.Commit(ctx, env.IdempotencyKey, env.EventType, env.Service); err != nil {
		l.idempotency.Release(ctx, env.IdempotencyKey)
		logger.Error(ctx, "idempotency commit failed, leaving for redelivery", observability.Error(err))
		l.outcomes.Increment(l.config.QueueName, outcomeTransient)
		return resultTransient
	}

	logger.Debug(ctx, "message processed")
	l.outcomes.Increment(l.config.QueueName, outcomeSuccess)
	l.ack(ctx, logger, msg)
	return resultSuccess
}

// handleDispatchError classifies a handler failure. Permanent failures
// are discarded and alerted; transient ones stay on the queue for
// redelivery, and the transport's redrive policy dead-letters them after
// repeated failures.
func (l *Loop) handleDispatchError(ctx context.Context, logger observability.Logger, msg sqs.ReceivedMessage, env *envelope.Envelope, err error) result {
	if Classify(err) == KindPermanent {
		logger.Error(ctx, "handler failed permanently, discarding", observability.Error(err))
		l.notify(ctx, messaging.Alert{
			Severity: messaging.SeverityCritical,
			Title:    "permanent handler failure",
			Message:  fmt.Sprintf("handler for %q failed permanently: %v", env.EventType, err),
			Context: map[string]any{
				"queue":       l.config.QueueName,
				"event_type":  env.EventType,
				"message_id":  msg.MessageID,
				"error_class": errorClass(err),
			},
		})
		l.outcomes.Increment(l.config.QueueName, outcomePermanent)
		l.ack(ctx, logger, msg)
		return resultPermanent
	}

	if isRecognizedTransient(err) {
		logger.Warn(ctx, "handler failed transiently, leaving for redelivery",
			observability.Error(err),
			observability.Int("receive_count", msg.ReceiveCount),
		)
	} else {
		logger.Warn(ctx, "handler failed with unrecognized error, leaving for redelivery",
			observability.Error(err),
			observability.Int("receive_count", msg.ReceiveCount),
		)
	}
	l.outcomes.Increment(l.config.QueueName, outcomeTransient)
	return resultTransient
}

// ack deletes the message. A failed delete is logged and otherwise
// ignored: the redelivered copy will be suppressed by the dedup check.
func (l *Loop) ack(ctx context.Context, logger observability.Logger, msg sqs.ReceivedMessage) {
	if err := l.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		logger.Error(ctx, "failed to ack message", observability.Error(err))
	}
}

// errorClass names the concrete error type for alert context, looking
// through the classification wrappers.
func errorClass(err error) string {
	var permanent *PermanentError
	if errors.As(err, &permanent) && permanent.Err != nil {
		return fmt.Sprintf("%T", permanent.Err)
	}
	var transient *TransientError
	if errors.As(err, &transient) && transient.Err != nil {
		return fmt.Sprintf("%T", transient.Err)
	}
	return fmt.Sprintf("%T", err)
}
