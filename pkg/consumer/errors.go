package consumer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/aws/smithy-go"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind decides what happens to a message after its handler fails:
// transient failures leave the message for redelivery, permanent ones
// remove it and alert.
type Kind int

const (
	// KindTransient marks failures that can succeed on redelivery.
	KindTransient Kind = iota

	// KindPermanent marks failures no redelivery can fix.
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// TransientError marks a handler failure as retryable regardless of what
// classification would infer.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a handler failure as unretryable.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err so Classify treats it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err so Classify treats it as unretryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

const uniqueViolationCode = "23505"

// Classify maps a handler error to a Kind. Explicit wrappers win, then a
// unique-constraint violation on processed_events counts as permanent
// (the durable tier already has the key). Everything else is transient:
// redelivery is preferred over silent loss.
func Classify(err error) Kind {
	var transient *TransientError
	if errors.As(err, &transient) {
		return KindTransient
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return KindPermanent
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return KindPermanent
	}

	return KindTransient
}

// isRecognizedTransient reports whether err matches a known transient
// shape: connection and timeout errors, server-side faults, throttling.
// Classification does not depend on it; the loop uses it to log opaque
// errors louder than recognized ones.
func isRecognizedTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorFault() == smithy.FaultServer {
			return true
		}
		if strings.Contains(strings.ToLower(apiErr.ErrorCode()), "throttl") {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection", "timeout", "temporarily unavailable", "throttl"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
