package shared

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/KevinZhao/shared/internal/singleflight"
)

// Error types assigned by NormalizeError.
const (
	ErrorTypeNetwork    = "NetworkError"
	ErrorTypeTimeout    = "TimeoutError"
	ErrorTypeCanceled   = "CanceledError"
	ErrorTypeServer     = "ServerError"
	ErrorTypeClient     = "ClientError"
	ErrorTypeRateLimit  = "RateLimitError"
	ErrorTypeValidation = "ValidationError"
	ErrorTypeDuplicate  = "DuplicateSubmission"
	ErrorTypeUnknown    = "UnknownError"
)

// Sentinel errors for common failure scenarios
var (
	// ErrRetryBudgetExceeded is returned when retry budget is exhausted
	ErrRetryBudgetExceeded = errors.New("shared: retry budget exceeded")

	// ErrDuplicateSubmission matches every *DuplicateSubmissionError via errors.Is
	ErrDuplicateSubmission = errors.New("shared: duplicate submission")

	// ErrOperationPanicked wraps the value recovered from a panicking producer or operation
	ErrOperationPanicked = singleflight.ErrPanicked
)

// ClientError is the normalized form of any failure surfaced to callers.
type ClientError struct {
	Type       string
	Message    string
	Cause      error
	StatusCode int
	Method     string
	URL        string
	Attempt    int
	MaxRetries int
	Timestamp  time.Time
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxRetries)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// DuplicateReason tells why a submission was rejected.
type DuplicateReason string

const (
	// ReasonInProgress: an identical request is still running.
	ReasonInProgress DuplicateReason = "in_progress"
	// ReasonRecentlyCompleted: an identical request succeeded inside the cool-down window.
	ReasonRecentlyCompleted DuplicateReason = "recently_completed"
)

// DuplicateSubmissionError is returned when the deduplicator refuses to run a request.
type DuplicateSubmissionError struct {
	Key    string
	Reason DuplicateReason
	// RetryAfter is the remaining cool-down, zero for ReasonInProgress.
	RetryAfter time.Duration
}

func (e *DuplicateSubmissionError) Error() string {
	switch e.Reason {
	case ReasonRecentlyCompleted:
		return fmt.Sprintf("duplicate submission: request %q recently completed, retry in %v", e.Key, e.RetryAfter)
	case ReasonInProgress:
		return fmt.Sprintf("duplicate submission: request %q already in progress", e.Key)
	default:
		return fmt.Sprintf("duplicate submission: request %q (%s)", e.Key, e.Reason)
	}
}

// Is makes errors.Is(err, ErrDuplicateSubmission) true for every reason.
func (e *DuplicateSubmissionError) Is(target error) bool {
	return target == ErrDuplicateSubmission
}

// IsDuplicateSubmission reports whether err is a duplicate rejection and returns its reason.
func IsDuplicateSubmission(err error) (DuplicateReason, bool) {
	var dup *DuplicateSubmissionError
	if errors.As(err, &dup) {
		return dup.Reason, true
	}
	return "", false
}

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	Status     string
	Method     string
	URL        string
}

// NewStatusError builds a StatusError from resp. It does not touch the body.
func NewStatusError(resp *http.Response) *StatusError {
	se := &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	if resp.Request != nil {
		se.Method = resp.Request.Method
		if resp.Request.URL != nil {
			se.URL = resp.Request.URL.String()
		}
	}
	return se
}

func (e *StatusError) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.URL == "" {
		return "unexpected status " + status
	}
	return fmt.Sprintf("%s %s: unexpected status %s", e.Method, e.URL, status)
}

// NormalizeError classifies err into a *ClientError. nil stays nil and an
// existing *ClientError in the chain is returned as is.
func NormalizeError(err error) *ClientError {
	if err == nil {
		return nil
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr
	}

	ce := &ClientError{
		Type:      ErrorTypeUnknown,
		Message:   err.Error(),
		Cause:     err,
		Timestamp: time.Now(),
	}

	var (
		dupErr    *DuplicateSubmissionError
		statusErr *StatusError
		validErr  ValidationErrors
		urlErr    *url.Error
		netErr    net.Error
	)

	switch {
	case errors.As(err, &dupErr):
		ce.Type = ErrorTypeDuplicate
	case errors.As(err, &validErr):
		ce.Type = ErrorTypeValidation
		ce.Message = "validation failed"
	case errors.As(err, &statusErr):
		ce.StatusCode = statusErr.StatusCode
		ce.Method = statusErr.Method
		ce.URL = statusErr.URL
		ce.Type = classifyStatus(statusErr.StatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		ce.Type = ErrorTypeTimeout
	case errors.Is(err, context.Canceled):
		ce.Type = ErrorTypeCanceled
	case errors.Is(err, ErrRetryBudgetExceeded):
		ce.Type = ErrorTypeRateLimit
	case errors.As(err, &netErr) && netErr.Timeout():
		ce.Type = ErrorTypeTimeout
	case errors.As(err, &urlErr):
		ce.Type = ErrorTypeNetwork
		ce.Method = urlErr.Op
		ce.URL = urlErr.URL
	case errors.As(err, &netErr):
		ce.Type = ErrorTypeNetwork
	}

	return ce
}

func classifyStatus(code int) string {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ErrorTypeTimeout
	case code >= 500:
		return ErrorTypeServer
	case code >= 400:
		return ErrorTypeClient
	default:
		return ErrorTypeUnknown
	}
}

// ErrorCode returns the normalized type of err, or "" for nil.
func ErrorCode(err error) string {
	if ce := NormalizeError(err); ce != nil {
		return ce.Type
	}
	return ""
}

// IsTransient determines if an error represents a transient failure that might succeed on retry.
// Returns true for network errors, timeouts, 5xx server responses, rate limiting (429) and
// requests rejected because an identical one is still in progress.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if reason, ok := IsDuplicateSubmission(err); ok {
		return reason == ReasonInProgress
	}

	ce := NormalizeError(err)
	switch ce.Type {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServer, ErrorTypeRateLimit:
		return true
	case ErrorTypeClient:
		return ce.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}
