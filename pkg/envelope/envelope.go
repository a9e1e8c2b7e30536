package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the current envelope schema version.
const Version = "1.0"

var (
	// ErrEventTypeEmpty is returned when an empty event type is passed to Wrap.
	ErrEventTypeEmpty = errors.New("event type cannot be empty")

	// ErrServiceEmpty is returned when an empty service identifier is passed to Wrap.
	ErrServiceEmpty = errors.New("service cannot be empty")
)

// Envelope is the canonical wire wrapper for every event on the bus.
// All seven fields must be present on receive; Validate enforces this.
type Envelope struct {
	EventType      string         `json:"event_type"`
	Service        string         `json:"service"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
	TraceID        string         `json:"trace_id"`
	Timestamp      string         `json:"timestamp"`
	Version        string         `json:"version"`
}

// ValidationError reports which envelope field is missing.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("envelope is missing required field %q", e.Field)
}

// Wrap builds a complete envelope for the given event. The idempotency key
// is a pure function of the event type and the canonical payload, so two
// publishes of the same logical event carry the same key.
func Wrap(eventType, service string, payload map[string]any) (*Envelope, error) {
	if eventType == "" {
		return nil, ErrEventTypeEmpty
	}
	if service == "" {
		return nil, ErrServiceEmpty
	}

	key, err := Key(eventType, payload)
	if err != nil {
		return nil, err
	}

	if payload == nil {
		payload = map[string]any{}
	}

	return &Envelope{
		EventType:      eventType,
		Service:        service,
		Payload:        payload,
		IdempotencyKey: key,
		TraceID:        uuid.NewString(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Version:        Version,
	}, nil
}

// Key computes the deterministic idempotency key for an event:
// lowercase hex SHA-256 over "eventType|canonical(payload)".
func Key(eventType string, payload map[string]any) (string, error) {
	canonical, err := CanonicalPayload(payload)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(eventType + "|" + canonical))
	return hex.EncodeToString(sum[:]), nil
}

// Decode parses a wire body into an envelope. Field presence is not
// checked here; callers run Validate before trusting the result.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &env, nil
}

// Unwrap returns the event payload.
func (e *Envelope) Unwrap() map[string]any {
	return e.Payload
}

// GetEventType returns the routing key for listener lookup.
func (e *Envelope) GetEventType() string {
	return e.EventType
}

// GetTraceID returns the per-publish trace identifier.
func (e *Envelope) GetTraceID() string {
	return e.TraceID
}

// Validate checks that all seven envelope fields are present. It returns
// a *ValidationError naming the first missing field so the consumer can
// log which key was absent before discarding the message.
func (e *Envelope) Validate() error {
	if e.EventType == "" {
		return &ValidationError{Field: "event_type"}
	}
	if e.Service == "" {
		return &ValidationError{Field: "service"}
	}
	if e.Payload == nil {
		return &ValidationError{Field: "payload"}
	}
	if e.IdempotencyKey == "" {
		return &ValidationError{Field: "idempotency_key"}
	}
	if e.TraceID == "" {
		return &ValidationError{Field: "trace_id"}
	}
	if e.Timestamp == "" {
		return &ValidationError{Field: "timestamp"}
	}
	if e.Version == "" {
		return &ValidationError{Field: "version"}
	}
	return nil
}
