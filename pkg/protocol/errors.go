package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common validation failures.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrSessionTerminal     = errors.New("session already terminal")
)

// ValidationError reports an operation that is invalid for the current
// session state. Validation errors return synchronously and never mutate
// state.
type ValidationError struct {
	SessionID string
	Op        string
	Reason    string
	Err       error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError builds a ValidationError for the given operation.
func NewValidationError(sessionID, op, reason string) *ValidationError {
	return &ValidationError{SessionID: sessionID, Op: op, Reason: reason}
}

// TimeoutError reports a deadline expiry. Timeouts drive the phase machine
// forward; they are handled internally and are not fatal.
type TimeoutError struct {
	SessionID string
	Phase     Phase
	Deadline  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("session %s: %s deadline (%s) exceeded", e.SessionID, e.Phase, e.Deadline)
}

// QuorumError reports that voting closed with no proposal meeting the
// configured thresholds. The session aborts; the coordinator survives.
type QuorumError struct {
	SessionID string
	Cast      int
	Needed    int
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("session %s: no proposal met thresholds (%d votes cast, %d needed for quorum)",
		e.SessionID, e.Cast, e.Needed)
}

// TransportError reports a bus failure. Fatal to the affected session only;
// publishes are retried with bounded backoff before the session force-aborts.
type TransportError struct {
	Subject string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure on %s: %v", e.Subject, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
