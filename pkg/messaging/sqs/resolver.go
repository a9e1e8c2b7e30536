package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JailtonJunior94/busgo/pkg/observability"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
)

const (
	// DLQSuffix is appended to a queue name to form its dead-letter sibling.
	DLQSuffix = "-dlq"

	defaultVisibilityTimeout = 30
	defaultWaitTimeSeconds   = 20
	retentionPeriodSeconds   = 1209600 // 14 days
	maxReceiveCount          = 5

	resolverCacheTTL = 30 * 24 * time.Hour
)

const nonExistentQueueCode = "AWS.SimpleQueueService.NonExistentQueue"

type cachedURL struct {
	url       string
	expiresAt time.Time
}

// Resolver maps logical queue names to transport URLs, creating the queue
// and its DLQ on first use. Resolutions are cached for 30 days; a stampede
// on a cold miss is harmless because queue creation is idempotent by name.
type Resolver struct {
	client API
	prefix string
	obs    observability.Observability

	mu    sync.RWMutex
	cache map[string]cachedURL

	now func() time.Time
}

// NewResolver creates a resolver for the given environment prefix
// (local, dev, staging, production, ...).
func NewResolver(client API, prefix string, obs observability.Observability) *Resolver {
	return &Resolver{
		client: client,
		prefix: prefix,
		obs:    obs,
		cache:  make(map[string]cachedURL),
		now:    time.Now,
	}
}

// EffectiveName returns the remote queue name for a logical name.
func (r *Resolver) EffectiveName(logicalName string) string {
	return fmt.Sprintf("%s-%s", r.prefix, logicalName)
}

// Resolve returns the transport URL for a logical queue name, creating the
// queue together with its DLQ when it does not exist yet.
func (r *Resolver) Resolve(ctx context.Context, logicalName string) (string, error) {
	r.mu.RLock()
	entry, ok := r.cache[logicalName]
	r.mu.RUnlock()
	if ok && r.now().Before(entry.expiresAt) {
		return entry.url, nil
	}

	effectiveName := r.EffectiveName(logicalName)

	out, err := r.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(effectiveName),
	})
	switch {
	case err == nil:
		return r.remember(logicalName, aws.ToString(out.QueueUrl)), nil
	case isQueueNotFound(err):
		url, createErr := r.createQueue(ctx, effectiveName)
		if createErr != nil {
			return "", createErr
		}
		return r.remember(logicalName, url), nil
	default:
		return "", fmt.Errorf("failed to resolve queue %q: %w", effectiveName, err)
	}
}

// QueueExists reports whether the logical queue already exists. It never
// creates anything, and reports false on any resolver error: during a
// migration the conservative answer routes publishes to the legacy leg.
func (r *Resolver) QueueExists(ctx context.Context, logicalName string) bool {
	_, err := r.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(r.EffectiveName(logicalName)),
	})
	return err == nil
}

// Ping verifies the queue service is reachable. It looks up a queue that
// may well not exist; a not-found answer still proves connectivity.
func (r *Resolver) Ping(ctx context.Context) error {
	_, err := r.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(r.EffectiveName("healthcheck")),
	})
	if err != nil && !isQueueNotFound(err) {
		return fmt.Errorf("queue service unreachable: %w", err)
	}
	return nil
}

func (r *Resolver) remember(logicalName, url string) string {
	r.mu.Lock()
	r.cache[logicalName] = cachedURL{url: url, expiresAt: r.now().Add(resolverCacheTTL)}
	r.mu.Unlock()
	return url
}

// createQueue creates the DLQ first, reads its ARN, then creates the main
// queue with a redrive policy pointing at the DLQ. Any failing step aborts
// the whole resolution; a leftover DLQ is harmless since creation APIs are
// idempotent by name.
func (r *Resolver) createQueue(ctx context.Context, effectiveName string) (string, error) {
	dlqName := effectiveName + DLQSuffix

	dlqOut, err := r.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(dlqName),
		Attributes: map[string]string{
			string(types.QueueAttributeNameMessageRetentionPeriod): fmt.Sprintf("%d", retentionPeriodSeconds),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create dlq %q: %w", dlqName, err)
	}

	attrOut, err := r.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       dlqOut.QueueUrl,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return "", fmt.Errorf("failed to read dlq arn for %q: %w", dlqName, err)
	}

	dlqArn := attrOut.Attributes[string(types.QueueAttributeNameQueueArn)]
	if dlqArn == "" {
		return "", fmt.Errorf("dlq %q returned an empty arn", dlqName)
	}

	redrive, err := json.Marshal(map[string]any{
		"deadLetterTargetArn": dlqArn,
		"maxReceiveCount":     maxReceiveCount,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode redrive policy: %w", err)
	}

	mainOut, err := r.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(effectiveName),
		Attributes: map[string]string{
			string(types.QueueAttributeNameVisibilityTimeout):             fmt.Sprintf("%d", defaultVisibilityTimeout),
			string(types.QueueAttributeNameReceiveMessageWaitTimeSeconds): fmt.Sprintf("%d", defaultWaitTimeSeconds),
			string(types.QueueAttributeNameMessageRetentionPeriod):        fmt.Sprintf("%d", retentionPeriodSeconds),
			string(types.QueueAttributeNameRedrivePolicy):                 string(redrive),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create queue %q: %w", effectiveName, err)
	}

	r.obs.Logger().Info(ctx, "queue created with dlq",
		observability.String("queue", effectiveName),
		observability.String("dlq", dlqName),
	)

	return aws.ToString(mainOut.QueueUrl), nil
}

// isQueueNotFound detects the transport's "non-existent queue" error, via
// the typed error when the SDK surfaces it and the wire code otherwise.
func isQueueNotFound(err error) bool {
	var notFound *types.QueueDoesNotExist
	if errors.As(err, &notFound) {
		return true
	}

	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == nonExistentQueueCode
}
