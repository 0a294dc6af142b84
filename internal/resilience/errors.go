package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/sells-group/prospect-sync/internal/model"
)

// TransientError wraps an error that is safe to retry, such as staging store
// unavailability or a 5xx from a feed host.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// ValidationError is a record-level failure. It quarantines the record and
// never aborts a run.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConflictUnresolvableError marks a field whose sources disagree and no rule
// picks a winner. The field is flagged for manual review.
type ConflictUnresolvableError struct {
	EntityID  string
	FieldName string
}

func (e *ConflictUnresolvableError) Error() string {
	return fmt.Sprintf("conflict on %s.%s requires manual review", e.EntityID, e.FieldName)
}

// TransactionError reports a failed atomic Load. All writes of that Load
// were rolled back.
type TransactionError struct {
	Err error
}

func (e *TransactionError) Error() string {
	return "load transaction: " + e.Err.Error()
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports a missing authority, secondary rule or
// threshold. It is fatal at startup.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "configuration: " + strings.Join(e.Problems, "; ")
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"i/o timeout",
		"database is locked",
		"too many connections",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Classify maps an error onto a phase outcome. Phase timeouts count as
// retryable; anything unrecognized is fatal.
func Classify(err error) model.Outcome {
	if err == nil {
		return model.OutcomeSuccess
	}

	var ve *ValidationError
	var ce *ConflictUnresolvableError
	var txe *TransactionError
	var cfe *ConfigurationError
	switch {
	case errors.As(err, &cfe), errors.As(err, &txe):
		return model.OutcomeFatal
	case errors.As(err, &ve), errors.As(err, &ce):
		return model.OutcomeQuarantined
	case errors.Is(err, context.DeadlineExceeded), IsTransient(err):
		return model.OutcomeRetryable
	default:
		return model.OutcomeFatal
	}
}
