package sqs

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// fakeAPI is an in-memory queue service implementing the API subset the
// bus uses. Visibility is simplified: received messages move to an
// in-flight set and only Delete removes them for good.
type fakeAPI struct {
	mu     sync.Mutex
	queues map[string]*fakeQueue

	getQueueURLCalls int
	sendCalls        int
	batchCalls       int
	visibilityCalls  []int32

	sendErr        error
	getQueueURLErr error
}

type fakeQueue struct {
	name       string
	attributes map[string]string
	visible    []types.Message
	inflight   map[string]types.Message
	nextID     int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{queues: make(map[string]*fakeQueue)}
}

func fakeQueueURL(name string) string {
	return "https://sqs.test/000000000000/" + name
}

func (f *fakeAPI) queueByURL(url string) *fakeQueue {
	for _, q := range f.queues {
		if fakeQueueURL(q.name) == url {
			return q
		}
	}
	return nil
}

// seed enqueues a body on an existing or implicit queue, bypassing the
// publisher path.
func (f *fakeAPI) seed(queueName, body string, attrs map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q, ok := f.queues[queueName]
	if !ok {
		q = &fakeQueue{name: queueName, attributes: map[string]string{}, inflight: map[string]types.Message{}}
		f.queues[queueName] = q
	}

	msgAttrs := make(map[string]types.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		msgAttrs[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}

	q.nextID++
	q.visible = append(q.visible, types.Message{
		MessageId:         aws.String(fmt.Sprintf("%s-%d", queueName, q.nextID)),
		Body:              aws.String(body),
		MessageAttributes: msgAttrs,
		Attributes: map[string]string{
			string(types.MessageSystemAttributeNameApproximateReceiveCount): "1",
			string(types.MessageSystemAttributeNameSentTimestamp):           "1700000000000",
		},
	})
}

func (f *fakeAPI) depth(queueName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q, ok := f.queues[queueName]; ok {
		return len(q.visible)
	}
	return 0
}

func (f *fakeAPI) GetQueueUrl(ctx context.Context, params *awssqs.GetQueueUrlInput, optFns ...func(*awssqs.Options)) (*awssqs.GetQueueUrlOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.getQueueURLCalls++
	if f.getQueueURLErr != nil {
		return nil, f.getQueueURLErr
	}
	name := aws.ToString(params.QueueName)
	if _, ok := f.queues[name]; !ok {
		return nil, &types.QueueDoesNotExist{Message: aws.String("queue does not exist")}
	}
	return &awssqs.GetQueueUrlOutput{QueueUrl: aws.String(fakeQueueURL(name))}, nil
}

func (f *fakeAPI) CreateQueue(ctx context.Context, params *awssqs.CreateQueueInput, optFns ...func(*awssqs.Options)) (*awssqs.CreateQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(params.QueueName)
	q, ok := f.queues[name]
	if !ok {
		q = &fakeQueue{name: name, attributes: map[string]string{}, inflight: map[string]types.Message{}}
		f.queues[name] = q
	}
	for k, v := range params.Attributes {
		q.attributes[k] = v
	}
	return &awssqs.CreateQueueOutput{QueueUrl: aws.String(fakeQueueURL(name))}, nil
}

func (f *fakeAPI) GetQueueAttributes(ctx context.Context, params *awssqs.GetQueueAttributesInput, optFns ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q := f.queueByURL(aws.ToString(params.QueueUrl))
	if q == nil {
		return nil, &types.QueueDoesNotExist{Message: aws.String("queue does not exist")}
	}

	attrs := map[string]string{
		string(types.QueueAttributeNameQueueArn):                      "arn:aws:sqs:test:000000000000:" + q.name,
		string(types.QueueAttributeNameApproximateNumberOfMessages):   fmt.Sprintf("%d", len(q.visible)),
		string(types.QueueAttributeNameVisibilityTimeout):             q.attributes[string(types.QueueAttributeNameVisibilityTimeout)],
		string(types.QueueAttributeNameReceiveMessageWaitTimeSeconds): q.attributes[string(types.QueueAttributeNameReceiveMessageWaitTimeSeconds)],
	}
	return &awssqs.GetQueueAttributesOutput{Attributes: attrs}, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, params *awssqs.SendMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sendCalls++
	if f.sendErr != nil {
		return nil, f.sendErr
	}

	q := f.queueByURL(aws.ToString(params.QueueUrl))
	if q == nil {
		return nil, &types.QueueDoesNotExist{Message: aws.String("queue does not exist")}
	}

	q.nextID++
	id := fmt.Sprintf("%s-%d", q.name, q.nextID)
	q.visible = append(q.visible, types.Message{
		MessageId:         aws.String(id),
		Body:              params.MessageBody,
		MessageAttributes: params.MessageAttributes,
		Attributes: map[string]string{
			string(types.MessageSystemAttributeNameApproximateReceiveCount): "1",
			string(types.MessageSystemAttributeNameSentTimestamp):           "1700000000000",
		},
	})
	return &awssqs.SendMessageOutput{MessageId: aws.String(id)}, nil
}

func (f *fakeAPI) SendMessageBatch(ctx context.Context, params *awssqs.SendMessageBatchInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageBatchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.batchCalls++
	q := f.queueByURL(aws.ToString(params.QueueUrl))
	if q == nil {
		return nil, &types.QueueDoesNotExist{Message: aws.String("queue does not exist")}
	}

	out := &awssqs.SendMessageBatchOutput{}
	for _, entry := range params.Entries {
		q.nextID++
		id := fmt.Sprintf("%s-%d", q.name, q.nextID)
		q.visible = append(q.visible, types.Message{
			MessageId:         aws.String(id),
			Body:              entry.MessageBody,
			MessageAttributes: entry.MessageAttributes,
		})
		out.Successful = append(out.Successful, types.SendMessageBatchResultEntry{
			Id:        entry.Id,
			MessageId: aws.String(id),
		})
	}
	return out, nil
}

func (f *fakeAPI) ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q := f.queueByURL(aws.ToString(params.QueueUrl))
	if q == nil {
		return nil, &types.QueueDoesNotExist{Message: aws.String("queue does not exist")}
	}

	count := min(int(params.MaxNumberOfMessages), len(q.visible))
	out := &awssqs.ReceiveMessageOutput{}
	for i := 0; i < count; i++ {
		msg := q.visible[0]
		q.visible = q.visible[1:]

		handle := "rh-" + aws.ToString(msg.MessageId)
		msg.ReceiptHandle = aws.String(handle)
		q.inflight[handle] = msg
		out.Messages = append(out.Messages, msg)
	}
	return out, nil
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q := f.queueByURL(aws.ToString(params.QueueUrl))
	if q == nil {
		return nil, &types.QueueDoesNotExist{Message: aws.String("queue does not exist")}
	}
	delete(q.inflight, aws.ToString(params.ReceiptHandle))
	return &awssqs.DeleteMessageOutput{}, nil
}

func (f *fakeAPI) ChangeMessageVisibility(ctx context.Context, params *awssqs.ChangeMessageVisibilityInput, optFns ...func(*awssqs.Options)) (*awssqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.visibilityCalls = append(f.visibilityCalls, params.VisibilityTimeout)
	return &awssqs.ChangeMessageVisibilityOutput{}, nil
}
