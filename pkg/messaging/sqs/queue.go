package sqs

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// ReceivedMessage is one message pulled from a queue, with the transport
// metadata the consumer loop and the DLQ tools need.
type ReceivedMessage struct {
	MessageID     string
	ReceiptHandle string
	Body          string
	Attributes    map[string]string
	ReceiveCount  int
	SentAt        time.Time
}

// Queue binds the receive/ack primitives to a resolved queue URL.
type Queue struct {
	client API
	url    string
}

// NewQueue creates a Queue bound to the given URL.
func NewQueue(client API, url string) *Queue {
	return &Queue{client: client, url: url}
}

// URL returns the bound queue URL.
func (q *Queue) URL() string {
	return q.url
}

// Receive performs one receive call. waitSeconds > 0 long-polls; the call
// returns as soon as at least one message is available or the wait expires.
func (q *Queue) Receive(ctx context.Context, maxMessages, waitSeconds, visibilitySeconds int32) ([]ReceivedMessage, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: maxMessages,
		WaitTimeSeconds:     waitSeconds,
		VisibilityTimeout:   visibilitySeconds,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %q: %w", q.url, err)
	}

	messages := make([]ReceivedMessage, 0, len(out.Messages))
	for _, msg := range out.Messages {
		messages = append(messages, fromSQSMessage(msg))
	}
	return messages, nil
}

// Delete acknowledges a message so the queue service will not redeliver it.
func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message from %q: %w", q.url, err)
	}
	return nil
}

// ExtendVisibility resets a received message's visibility timeout.
func (q *Queue) ExtendVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("failed to extend visibility on %q: %w", q.url, err)
	}
	return nil
}

// Depth returns the approximate number of visible messages in the queue.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(q.url),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read depth of %q: %w", q.url, err)
	}

	raw := out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]
	depth, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("queue %q returned a non-numeric depth %q: %w", q.url, raw, err)
	}
	return depth, nil
}

func fromSQSMessage(msg types.Message) ReceivedMessage {
	attrs := make(map[string]string, len(msg.MessageAttributes))
	for key, value := range msg.MessageAttributes {
		attrs[key] = aws.ToString(value.StringValue)
	}

	receiveCount, _ := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])

	var sentAt time.Time
	if raw := msg.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)]; raw != "" {
		if millis, err := strconv.ParseInt(raw, 10, 64); err == nil {
			sentAt = time.UnixMilli(millis).UTC()
		}
	}

	return ReceivedMessage{
		MessageID:     aws.ToString(msg.MessageId),
		ReceiptHandle: aws.ToString(msg.ReceiptHandle),
		Body:          aws.ToString(msg.Body),
		Attributes:    attrs,
		ReceiveCount:  receiveCount,
		SentAt:        sentAt,
	}
}
