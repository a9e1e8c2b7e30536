// Package consumer implements the supervised consume cycle: one long-poll
// receive, concurrent per-message processing through a fixed state
// machine, outcome metrics and per-cycle rate alerting. The process runs
// one cycle and exits; the supervisor provides liveness.
package consumer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JailtonJunior94/busgo/pkg/messaging"
	"github.com/JailtonJunior94/busgo/pkg/messaging/sqs"
	"github.com/JailtonJunior94/busgo/pkg/observability"

	"github.com/oklog/ulid/v2"
)

// QueueClient is what the loop needs from the transport. sqs.Queue
// implements it.
type QueueClient interface {
	Receive(ctx context.Context, maxMessages, waitSeconds, visibilitySeconds int32) ([]sqs.ReceivedMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
	ExtendVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

// Idempotency is what the loop needs from the idempotency store.
type Idempotency interface {
	IsProcessed(ctx context.Context, key string) (bool, error)
	Claim(ctx context.Context, key string) bool
	Commit(ctx context.Context, key, eventType, service string) error
	Release(ctx context.Context, key string)
}

// CycleReport summarizes one consume cycle.
type CycleReport struct {
	CycleID          string
	Received         int
	Succeeded        int
	Duplicates       int
	ValidationErrors int
	TransientErrors  int
	PermanentErrors  int
}

// Loop drains one logical queue.
type Loop struct {
	config      Config
	queue       QueueClient
	registry    *Registry
	idempotency Idempotency
	notifier    messaging.Notifier
	obs         observability.Observability

	outcomes observability.Counter
}

// NewLoop validates the configuration and builds a consume loop.
func NewLoop(config Config, queue QueueClient, registry *Registry, idempotency Idempotency, notifier messaging.Notifier, obs observability.Observability) (*Loop, error) {
	config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Loop{
		config:      config,
		queue:       queue,
		registry:    registry,
		idempotency: idempotency,
		notifier:    notifier,
		obs:         obs,
		outcomes: obs.Metrics().Counter(
			"bus_messages_total",
			"Consumed messages by queue and outcome.",
			"queue", "outcome",
		),
	}, nil
}

type cycleTally struct {
	succeeded  atomic.Int64
	duplicates atomic.Int64
	validation atomic.Int64
	transient  atomic.Int64
	permanent  atomic.Int64
}

func (t *cycleTally) add(r result) {
	switch r {
	case resultSuccess:
		t.succeeded.Add(1)
	case resultDuplicate:
		t.duplicates.Add(1)
	case resultValidation:
		t.validation.Add(1)
	case resultTransient:
		t.transient.Add(1)
	case resultPermanent:
		t.permanent.Add(1)
	}
}

// RunCycle performs one receive and processes the batch. A failing
// receive is fatal for the cycle and surfaces as an error so the process
// exits non-zero; an empty receive is a clean no-op.
func (l *Loop) RunCycle(ctx context.Context) (*CycleReport, error) {
	cycleID := ulid.Make().String()
	logger := l.obs.Logger().With(
		observability.String("cycle_id", cycleID),
		observability.String("queue", l.config.QueueName),
	)

	messages, err := l.queue.Receive(ctx,
		l.config.MaxMessages,
		int32(l.config.WaitTime.Seconds()),
		int32(l.config.VisibilityTimeout.Seconds()),
	)
	if err != nil {
		logger.Error(ctx, "receive failed, aborting cycle", observability.Error(err))
		return nil, fmt.Errorf("cycle %s: receive failed: %w", cycleID, err)
	}

	report := &CycleReport{CycleID: cycleID, Received: len(messages)}
	if len(messages) == 0 {
		logger.Debug(ctx, "no messages received")
		return report, nil
	}

	tally := &cycleTally{}
	jobs := make(chan sqs.ReceivedMessage)
	workers := min(l.config.Workers, len(messages))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range jobs {
				tally.add(l.process(ctx, logger, msg))
			}
		}()
	}
	for _, msg := range messages {
		jobs <- msg
	}
	close(jobs)
	wg.Wait()

	report.Succeeded = int(tally.succeeded.Load())
	report.Duplicates = int(tally.duplicates.Load())
	report.ValidationErrors = int(tally.validation.Load())
	report.TransientErrors = int(tally.transient.Load())
	report.PermanentErrors = int(tally.permanent.Load())

	l.alertOnRates(ctx, report)

	logger.Info(ctx, "cycle finished",
		observability.Int("received", report.Received),
		observability.Int("succeeded", report.Succeeded),
		observability.Int("duplicates", report.Duplicates),
		observability.Int("validation_errors", report.ValidationErrors),
		observability.Int("transient_errors", report.TransientErrors),
		observability.Int("permanent_errors", report.PermanentErrors),
	)
	return report, nil
}

// alertOnRates checks the per-cycle error rates against the configured
// thresholds and notifies operators when a rate is exceeded.
func (l *Loop) alertOnRates(ctx context.Context, report *CycleReport) {
	total := report.Received
	if total == 0 {
		return
	}

	validationRate := float64(report.ValidationErrors) / float64(total)
	if validationRate > l.config.ValidationRateThreshold {
		l.notify(ctx, messaging.Alert{
			Severity: messaging.SeverityWarning,
			Title:    "validation error rate above threshold",
			Message: fmt.Sprintf("queue %q: %d of %d messages failed validation (%.1f%%)",
				l.config.QueueName, report.ValidationErrors, total, validationRate*100),
			Context: map[string]any{
				"queue":     l.config.QueueName,
				"cycle_id":  report.CycleID,
				"errors":    report.ValidationErrors,
				"total":     total,
				"rate":      validationRate,
				"threshold": l.config.ValidationRateThreshold,
			},
		})
	}

	transientRate := float64(report.TransientErrors) / float64(total)
	if transientRate > l.config.TransientRateThreshold {
		l.notify(ctx, messaging.Alert{
			Severity: messaging.SeverityWarning,
			Title:    "transient error rate above threshold",
			Message: fmt.Sprintf("queue %q: %d of %d messages failed transiently (%.1f%%)",
				l.config.QueueName, report.TransientErrors, total, transientRate*100),
			Context: map[string]any{
				"queue":     l.config.QueueName,
				"cycle_id":  report.CycleID,
				"errors":    report.TransientErrors,
				"total":     total,
				"rate":      transientRate,
				"threshold": l.config.TransientRateThreshold,
			},
		})
	}
}

func (l *Loop) notify(ctx context.Context, alert messaging.Alert) {
	if err := l.notifier.Notify(ctx, alert); err != nil {
		l.obs.Logger().Error(ctx, "failed to deliver alert",
			observability.String("title", alert.Title),
			observability.Error(err),
		)
	}
}
