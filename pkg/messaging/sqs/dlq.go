package sqs

import (
	"context"
	"fmt"
	"time"

	"github.com/JailtonJunior94/busgo/pkg/envelope"
	"github.com/JailtonJunior94/busgo/pkg/messaging"
	"github.com/JailtonJunior94/busgo/pkg/observability"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// DLQAlertThreshold is the default dead-letter depth above which Monitor
// raises a critical alert.
const DLQAlertThreshold = 10

// inspectBatchSize bounds one receive call while draining a DLQ.
const inspectBatchSize = 10

// DLQEntry is one dead-lettered message, decoded as far as possible.
type DLQEntry struct {
	MessageID      string         `json:"message_id"`
	EventType      string         `json:"event_type"`
	Service        string         `json:"service"`
	TraceID        string         `json:"trace_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Payload        map[string]any `json:"payload,omitempty"`
	RawBody        string         `json:"raw_body,omitempty"`
	ReceiveCount   int            `json:"receive_count"`
	SentAt         time.Time      `json:"sent_at"`
}

// ReplayReport summarizes one replay run.
type ReplayReport struct {
	Replayed int
	Failed   int
}

// DLQTools are the operator-facing dead-letter commands: inspect, replay
// and depth monitoring. They address DLQs by logical queue name and never
// create queues.
type DLQTools struct {
	client    API
	resolver  *Resolver
	publisher *Publisher
	notifier  messaging.Notifier
	obs       observability.Observability
}

// NewDLQTools wires the dead-letter toolset.
func NewDLQTools(client API, resolver *Resolver, publisher *Publisher, notifier messaging.Notifier, obs observability.Observability) *DLQTools {
	return &DLQTools{
		client:    client,
		resolver:  resolver,
		publisher: publisher,
		notifier:  notifier,
		obs:       obs,
	}
}

// dlqURL looks up the dead-letter queue URL for a logical queue. A missing
// DLQ is an error, not a trigger for creation.
func (t *DLQTools) dlqURL(ctx context.Context, logicalName string) (string, error) {
	dlqName := t.resolver.EffectiveName(logicalName) + DLQSuffix
	out, err := t.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(dlqName),
	})
	if err != nil {
		return "", fmt.Errorf("dead-letter queue %q not found: %w", dlqName, err)
	}
	return aws.ToString(out.QueueUrl), nil
}

// Inspect reads up to limit messages from the logical queue's DLQ without
// removing them. Bodies that are not valid envelopes are returned raw.
func (t *DLQTools) Inspect(ctx context.Context, logicalName string, limit int) ([]DLQEntry, error) {
	url, err := t.dlqURL(ctx, logicalName)
	if err != nil {
		return nil, err
	}

	queue := NewQueue(t.client, url)
	entries := make([]DLQEntry, 0, limit)
	for len(entries) < limit {
		remaining := min(limit-len(entries), inspectBatchSize)
		// wait=0: inspection is a point-in-time sample, not a poll.
		messages, err := queue.Receive(ctx, int32(remaining), 0, defaultVisibilityTimeout)
		if err != nil {
			return nil, err
		}
		if len(messages) == 0 {
			break
		}
		for _, msg := range messages {
			entries = append(entries, toDLQEntry(msg))
		}
	}
	return entries, nil
}

// Replay moves up to limit messages from the logical queue's DLQ back to
// the main queue, republishing each envelope and deleting it on success.
// Bodies that cannot be decoded are deleted and counted as failed so they
// stop blocking the drain.
func (t *DLQTools) Replay(ctx context.Context, logicalName string, limit int) (*ReplayReport, error) {
	if limit <= 0 {
		limit = inspectBatchSize
	}

	url, err := t.dlqURL(ctx, logicalName)
	if err != nil {
		return nil, err
	}

	queue := NewQueue(t.client, url)
	report := &ReplayReport{}
	for report.Replayed+report.Failed < limit {
		remaining := min(limit-report.Replayed-report.Failed, inspectBatchSize)
		messages, err := queue.Receive(ctx, int32(remaining), 0, defaultVisibilityTimeout)
		if err != nil {
			return report, err
		}
		if len(messages) == 0 {
			return report, nil
		}

		for _, msg := range messages {
			env, err := envelope.Decode([]byte(msg.Body))
			if err != nil {
				t.obs.Logger().Warn(ctx, "discarding undecodable dead-letter message",
					observability.String("queue", logicalName),
					observability.String("message_id", msg.MessageID),
					observability.Error(err),
				)
				if delErr := queue.Delete(ctx, msg.ReceiptHandle); delErr != nil {
					return report, delErr
				}
				report.Failed++
				continue
			}

			if _, err := t.publisher.Publish(ctx, logicalName, env.EventType, env.Payload, nil); err != nil {
				t.obs.Logger().Error(ctx, "failed to replay dead-letter message",
					observability.String("queue", logicalName),
					observability.String("message_id", msg.MessageID),
					observability.Error(err),
				)
				report.Failed++
				continue
			}

			if err := queue.Delete(ctx, msg.ReceiptHandle); err != nil {
				return report, err
			}
			report.Replayed++
		}
	}
	return report, nil
}

// Monitor checks the DLQ depth of each logical queue and raises a critical
// alert for every queue above the threshold. It returns the number of
// alerts fired.
func (t *DLQTools) Monitor(ctx context.Context, logicalNames []string, threshold int) (int, error) {
	if threshold <= 0 {
		threshold = DLQAlertThreshold
	}

	alerts := 0
	for _, logicalName := range logicalNames {
		url, err := t.dlqURL(ctx, logicalName)
		if err != nil {
			t.obs.Logger().Warn(ctx, "skipping queue without dead-letter sibling",
				observability.String("queue", logicalName),
				observability.Error(err),
			)
			continue
		}

		depth, err := NewQueue(t.client, url).Depth(ctx)
		if err != nil {
			return alerts, err
		}

		t.obs.Logger().Info(ctx, "dead-letter depth",
			observability.String("queue", logicalName),
			observability.Int("depth", depth),
		)
		if depth <= threshold {
			continue
		}

		alert := messaging.Alert{
			Severity: messaging.SeverityCritical,
			Title:    "dead-letter queue above threshold",
			Message:  fmt.Sprintf("queue %q has %d dead-lettered messages (threshold %d)", logicalName, depth, threshold),
			Context: map[string]any{
				"queue":     logicalName,
				"depth":     depth,
				"threshold": threshold,
			},
		}
		if err := t.notifier.Notify(ctx, alert); err != nil {
			t.obs.Logger().Error(ctx, "failed to deliver dead-letter alert",
				observability.String("queue", logicalName),
				observability.Error(err),
			)
		}
		alerts++
	}
	return alerts, nil
}

func toDLQEntry(msg ReceivedMessage) DLQEntry {
	entry := DLQEntry{
		MessageID:    msg.MessageID,
		ReceiveCount: msg.ReceiveCount,
		SentAt:       msg.SentAt,
	}

	env, err := envelope.Decode([]byte(msg.Body))
	if err != nil {
		entry.RawBody = msg.Body
		return entry
	}

	entry.EventType = env.EventType
	entry.Service = env.Service
	entry.TraceID = env.TraceID
	entry.IdempotencyKey = env.IdempotencyKey
	entry.Payload = env.Payload
	return entry
}
