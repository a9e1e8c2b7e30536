package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/JailtonJunior94/busgo/pkg/envelope"
	"github.com/JailtonJunior94/busgo/pkg/messaging"
	"github.com/JailtonJunior94/busgo/pkg/messaging/sqs"
	"github.com/JailtonJunior94/busgo/pkg/observability/fake"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu         sync.Mutex
	messages   []sqs.ReceivedMessage
	receiveErr error
	deleted    []string
	extended   map[string]int32
}

func newFakeQueue(messages ...sqs.ReceivedMessage) *fakeQueue {
	return &fakeQueue{messages: messages, extended: make(map[string]int32)}
}

func (q *fakeQueue) Receive(ctx context.Context, maxMessages, waitSeconds, visibilitySeconds int32) ([]sqs.ReceivedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.receiveErr != nil {
		return nil, q.receiveErr
	}
	batch := q.messages
	q.messages = nil
	return batch, nil
}

func (q *fakeQueue) Delete(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, receiptHandle)
	return nil
}

func (q *fakeQueue) ExtendVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.extended[receiptHandle] = seconds
	return nil
}

func (q *fakeQueue) wasDeleted(receiptHandle string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, handle := range q.deleted {
		if handle == receiptHandle {
			return true
		}
	}
	return false
}

type commitRecord struct {
	key       string
	eventType string
	service   string
}

type fakeIdempotency struct {
	mu        sync.Mutex
	processed map[string]bool
	claims    map[string]bool
	released  []string
	commits   []commitRecord

	checkErr  error
	commitErr error
	denyClaim bool
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{processed: make(map[string]bool), claims: make(map[string]bool)}
}

func (s *fakeIdempotency) IsProcessed(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkErr != nil {
		return false, s.checkErr
	}
	return s.processed[key], nil
}

func (s *fakeIdempotency) Claim(ctx context.Context, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denyClaim || s.claims[key] {
		return false
	}
	s.claims[key] = true
	return true
}

func (s *fakeIdempotency) Commit(ctx context.Context, key, eventType, service string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	delete(s.claims, key)
	s.processed[key] = true
	s.commits = append(s.commits, commitRecord{key: key, eventType: eventType, service: service})
	return nil
}

func (s *fakeIdempotency) Release(ctx context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, key)
	s.released = append(s.released, key)
}

type alertSink struct {
	mu     sync.Mutex
	alerts []messaging.Alert
}

func (n *alertSink) Notify(ctx context.Context, alert messaging.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *alertSink) withTitle(title string) []messaging.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	var found []messaging.Alert
	for _, alert := range n.alerts {
		if alert.Title == title {
			found = append(found, alert)
		}
	}
	return found
}

type countingListener struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (l *countingListener) Handle(ctx context.Context, payload map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.err
}

type loopFixture struct {
	loop        *Loop
	queue       *fakeQueue
	idempotency *fakeIdempotency
	notifier    *alertSink
	obs         *fake.Provider
	listener    *countingListener
}

func newLoopFixture(t *testing.T, config Config, messages ...sqs.ReceivedMessage) *loopFixture {
	t.Helper()

	if config.QueueName == "" {
		config.QueueName = "payment-events"
	}
	if config.ServiceName == "" {
		config.ServiceName = "payment"
	}
	if config.Workers == 0 {
		config.Workers = 1
	}

	queue := newFakeQueue(messages...)
	idem := newFakeIdempotency()
	notifier := &alertSink{}
	obs := fake.NewProvider()
	listener := &countingListener{}

	registry := NewRegistry()
	require.NoError(t, registry.Register("payment.paid", listener))

	loop, err := NewLoop(config, queue, registry, idem, notifier, obs)
	require.NoError(t, err)

	return &loopFixture{loop: loop, queue: queue, idempotency: idem, notifier: notifier, obs: obs, listener: listener}
}

func message(t *testing.T, eventType string, payload map[string]any) sqs.ReceivedMessage {
	t.Helper()
	env, err := envelope.Wrap(eventType, "payment", payload)
	require.NoError(t, err)
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return sqs.ReceivedMessage{
		MessageID:     "m-" + env.IdempotencyKey[:8],
		ReceiptHandle: "rh-" + env.IdempotencyKey[:8],
		Body:          string(body),
		Attributes:    map[string]string{"EventType": eventType},
		ReceiveCount:  1,
	}
}

func metricValue(f *loopFixture, outcome string) float64 {
	return f.obs.Metrics().(*fake.FakeMetrics).Value("bus_messages_total", f.loop.config.QueueName, outcome)
}

func TestRunCycle_Success(t *testing.T) {
	msg := message(t, "payment.paid", map[string]any{"student_id": 42})
	f := newLoopFixture(t, Config{}, msg)

	report, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Received)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, f.listener.calls)
	assert.True(t, f.queue.wasDeleted(msg.ReceiptHandle))
	assert.Len(t, f.idempotency.processed, 1)
	assert.Equal(t, float64(1), metricValue(f, outcomeSuccess))
}

func TestRunCycle_CommitRecordsOriginService(t *testing.T) {
	msg := message(t, "payment.paid", map[string]any{"student_id": 42})
	f := newLoopFixture(t, Config{ServiceName: "enrollment"}, msg)

	_, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)

	// The record carries the service that emitted the event, not the
	// one consuming it.
	require.Len(t, f.idempotency.commits, 1)
	assert.Equal(t, "payment", f.idempotency.commits[0].service)
	assert.Equal(t, "payment.paid", f.idempotency.commits[0].eventType)
}

func TestRunCycle_Empty(t *testing.T) {
	f := newLoopFixture(t, Config{})

	report, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Received)
	assert.Equal(t, 0, f.listener.calls)
}

func TestRunCycle_ReceiveFailureIsFatal(t *testing.T) {
	f := newLoopFixture(t, Config{})
	f.queue.receiveErr = errors.New("queue service unreachable")

	_, err := f.loop.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "receive failed")
}

func TestRunCycle_DuplicateSuppression(t *testing.T) {
	first := message(t, "payment.paid", map[string]any{"student_id": 42})
	second := message(t, "payment.paid", map[string]any{"student_id": 42})
	second.MessageID = "m-redelivery"
	second.ReceiptHandle = "rh-redelivery"

	f := newLoopFixture(t, Config{}, first, second)

	report, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, f.listener.calls)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Duplicates)
	assert.True(t, f.queue.wasDeleted(first.ReceiptHandle))
	assert.True(t, f.queue.wasDeleted(second.ReceiptHandle))
	assert.Equal(t, float64(2), metricValue(f, outcomeSuccess))
	assert.Equal(t, float64(0), metricValue(f, outcomeValidation))
}

func TestRunCycle_UndecodableBody(t *testing.T) {
	bad := sqs.ReceivedMessage{MessageID: "m-bad", ReceiptHandle: "rh-bad", Body: "not json"}
	f := newLoopFixture(t, Config{}, bad)

	report, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.ValidationErrors)
	assert.True(t, f.queue.wasDeleted("rh-bad"))
	assert.Equal(t, 0, f.listener.calls)
	assert.Equal(t, float64(1), metricValue(f, outcomeValidation))
}

func TestRunCycle_MissingEnvelopeField(t *testing.T) {
	incomplete := sqs.ReceivedMessage{
		MessageID:     "m-incomplete",
		ReceiptHandle: "rh-incomplete",
		Body:          `{"event_type":"payment.paid","payload":{}}`,
	}
	f := newLoopFixture(t, Config{}, incomplete)

	report, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.ValidationErrors)
	assert.True(t, f.queue.wasDeleted("rh-incomplete"))
	assert.Equal(t, 0, f.listener.calls)
}

func TestRunCycle_TransientFailureLeavesMessage(t *testing.T) {
	msg := message(t, "payment.paid", map[string]any{"student_id": 42})
	f := newLoopFixture(t, Config{}, msg)
	f.listener.err = errors.New("connection timed out")

	report, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.TransientErrors)
	assert.False(t, f.queue.wasDeleted(msg.ReceiptHandle))
	assert.NotEmpty(t, f.idempotency.released)
	assert.Empty(t, f.idempotency.processed)
	assert.Equal(t, float64(1), metricValue(f, outcomeTransient))
}

func TestRunCycle_PermanentFailureAcksAndAlerts(t *testing.T) {
	msg := message(t, "payment.paid", map[string]any{"student_id": 42})
	f := newLoopFixture(t, Config{}, msg)
	f.listener.err = Permanent(errors.New("student already enrolled"))

	report, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.PermanentErrors)
	assert.True(t, f.queue.wasDeleted(msg.ReceiptHandle))
	assert.Empty(t, f.idempotency.processed)

	alerts := f.notifier.withTitle("permanent handler failure")
	require.Len(t, alerts, 1)
	assert.Equal(t, messaging.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "payment.paid", alerts[0].Context["event_type"])
	assert.Equal(t, "*errors.errorString", alerts[0].Context["error_class"])
}

func TestRunCycle_UnmappedEvent(t *testing.T) {
	msg := message(t, "unknown.event", map[string]any{"x": 1})
	f := newLoopFixture(t, Config{}, msg)

	report, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.PermanentErrors)
	assert.True(t, f.queue.wasDeleted(msg.ReceiptHandle))
	assert.Equal(t, 0, f.listener.calls)

	alerts := f.notifier.withTitle("unmapped event type")
	require.Len(t, alerts, 1)
	assert.Equal(t, messaging.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "unknown.event", alerts[0].Context["event_type"])
	assert.Equal(t, float64(1), metricValue(f, outcomePermanent))
}

func TestRunCycle_CommitFailureLeavesMessage(t *testing.T) {
	msg := message(t, "payment.paid", map[string]any{"student_id": 42})
	f := newLoopFixture(t, Config{}, msg)
	f.idempotency.commitErr = errors.New("database down")

	report, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.TransientErrors)
	assert.False(t, f.queue.wasDeleted(msg.ReceiptHandle))
	assert.Equal(t, 1, f.listener.calls)
}

func TestRunCycle_DedupCheckFailureLeavesMessage(t *testing.T) {
	msg := message(t, "payment.paid", map[string]any{"student_id": 42})
	f := newLoopFixture(t, Config{}, msg)
	f.idempotency.checkErr = errors.New("cache and database down")

	report, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.TransientErrors)
	assert.False(t, f.queue.wasDeleted(msg.ReceiptHandle))
	assert.Equal(t, 0, f.listener.calls)
}

func TestRunCycle_DeniedClaimLeavesMessage(t *testing.T) {
	msg := message(t, "payment.paid", map[string]any{"student_id": 42})
	f := newLoopFixture(t, Config{}, msg)
	f.idempotency.denyClaim = true

	report, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.TransientErrors)
	assert.False(t, f.queue.wasDeleted(msg.ReceiptHandle))
	assert.Equal(t, 0, f.listener.calls)
}

func TestRunCycle_LongRunningExtendsVisibility(t *testing.T) {
	msg := message(t, "payment.paid", map[string]any{"student_id": 42})
	f := newLoopFixture(t, Config{LongRunningEvents: []string{"payment.paid"}}, msg)

	_, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(120), f.queue.extended[msg.ReceiptHandle])
}

func TestRunCycle_ValidationRateAlert(t *testing.T) {
	good := message(t, "payment.paid", map[string]any{"student_id": 42})
	bad := sqs.ReceivedMessage{MessageID: "m-bad", ReceiptHandle: "rh-bad", Body: "not json"}

	f := newLoopFixture(t, Config{}, good, bad)

	_, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)

	alerts := f.notifier.withTitle("validation error rate above threshold")
	require.Len(t, alerts, 1)
	assert.Equal(t, messaging.SeverityWarning, alerts[0].Severity)
	assert.Equal(t, 1, alerts[0].Context["errors"])
	assert.Equal(t, 2, alerts[0].Context["total"])
}

func TestRunCycle_NoRateAlertBelowThreshold(t *testing.T) {
	msg := message(t, "payment.paid", map[string]any{"student_id": 42})
	f := newLoopFixture(t, Config{}, msg)

	_, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Empty(t, f.notifier.withTitle("validation error rate above threshold"))
	assert.Empty(t, f.notifier.withTitle("transient error rate above threshold"))
}

func TestRunCycle_TransientRateAlert(t *testing.T) {
	msg := message(t, "payment.paid", map[string]any{"student_id": 42})
	f := newLoopFixture(t, Config{}, msg)
	f.listener.err = errors.New("connection timed out")

	_, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)

	alerts := f.notifier.withTitle("transient error rate above threshold")
	require.Len(t, alerts, 1)
	assert.Equal(t, 1, alerts[0].Context["errors"])
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	listener := &countingListener{}

	require.NoError(t, registry.Register("payment.paid", listener))

	assert.ErrorIs(t, registry.Register("payment.paid", listener), ErrAlreadyRegistered)
	assert.ErrorIs(t, registry.Register("", listener), ErrEventTypeEmpty)
	assert.ErrorIs(t, registry.Register("payment.refunded", nil), ErrListenerNil)

	got, ok := registry.Lookup("payment.paid")
	require.True(t, ok)
	assert.Same(t, listener, got.(*countingListener))

	_, ok = registry.Lookup("payment.refunded")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"payment.paid"}, registry.EventTypes())
}

func TestListenerFunc(t *testing.T) {
	called := false
	var listener Listener = ListenerFunc(func(ctx context.Context, payload map[string]any) error {
		called = true
		return nil
	})

	require.NoError(t, listener.Handle(context.Background(), nil))
	assert.True(t, called)
}

func TestConfig_Validate(t *testing.T) {
	scenarios := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{name: "missing queue", mutate: func(c *Config) { c.QueueName = "" }, wantErr: true},
		{name: "missing service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "max messages above transport limit", mutate: func(c *Config) { c.MaxMessages = 11 }, wantErr: true},
		{name: "negative threshold", mutate: func(c *Config) { c.ValidationRateThreshold = -1 }, wantErr: true},
	}

	for _, scenario := range scenarios {
		t.Run(scenario.name, func(t *testing.T) {
			config := Config{QueueName: "payment-events", ServiceName: "payment"}
			config.withDefaults()
			scenario.mutate(&config)

			err := config.Validate()
			if scenario.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
