package horde

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Sentinel errors for Horde failures. APIError values unwrap to one of these, so
// callers branch with errors.Is.
var (
	ErrInvalidAPIKey      = errors.New("invalid api key")
	ErrRateLimited        = errors.New("rate limited")
	ErrMaintenanceMode    = errors.New("maintenance mode")
	ErrBadRequest         = errors.New("bad request")
	ErrForbidden          = errors.New("forbidden")
	ErrQuestionablePrompt = errors.New("questionable prompt")
	ErrNotFound           = errors.New("job not found")
	ErrAPI                = errors.New("horde api error")
	ErrUnknown            = errors.New("unknown horde error")

	ErrUnreachable = errors.New("horde unreachable")
	ErrTimeout     = errors.New("horde request timeout")
)

// APIError is a non-success answer from the Horde.
type APIError struct {
	Kind       error
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%v: status %d", e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("%v: status %d: %s", e.Kind, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Kind }

// IsTransient reports whether err should be retried later rather than failing the job.
// Rate limiting and transport failures qualify; any other HTTP answer, 5xx included, is final.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout)
}

// UserMessage turns a Horde error into text fit for an end user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidAPIKey):
		return "The Horde API key was rejected. Check your key and try again."
	case errors.Is(err, ErrRateLimited):
		return "Too many requests to the Horde. Please wait a minute and try again."
	case errors.Is(err, ErrMaintenanceMode):
		return "The Horde is in maintenance mode. Please try again later."
	case errors.Is(err, ErrQuestionablePrompt):
		return "The prompt was rejected by the Horde content policy. Please rephrase it."
	case errors.Is(err, ErrForbidden):
		return "This request is not allowed for your Horde account."
	case errors.Is(err, ErrBadRequest):
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			return "The Horde rejected the request: " + apiErr.Message
		}
		return "The Horde rejected the request parameters."
	case errors.Is(err, ErrNotFound):
		return "The job no longer exists on the Horde."
	case errors.Is(err, ErrUnreachable), errors.Is(err, ErrTimeout):
		return "The Horde could not be reached. Please try again shortly."
	default:
		return "Something went wrong talking to the Horde."
	}
}

// submitError maps a submission answer to an APIError. Content-policy rejections win over
// the status code since the Horde can report them with a success-like status.
func submitError(status int, message string) error {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "unethical images"):
		return &APIError{Kind: ErrQuestionablePrompt, StatusCode: status, Message: message}
	case status == http.StatusUnauthorized:
		return &APIError{Kind: ErrInvalidAPIKey, StatusCode: status, Message: message}
	case status == http.StatusTooManyRequests:
		return &APIError{Kind: ErrRateLimited, StatusCode: status, Message: message}
	case status == http.StatusServiceUnavailable:
		return &APIError{Kind: ErrMaintenanceMode, StatusCode: status, Message: message}
	case status == http.StatusBadRequest:
		return &APIError{Kind: ErrBadRequest, StatusCode: status, Message: message}
	case status == http.StatusForbidden:
		return &APIError{Kind: ErrForbidden, StatusCode: status, Message: message}
	case isRateLimitMessage(lower):
		return &APIError{Kind: ErrRateLimited, StatusCode: status, Message: message}
	default:
		return &APIError{Kind: ErrUnknown, StatusCode: status, Message: message}
	}
}

func statusError(status int, message string) error {
	switch status {
	case http.StatusNotFound:
		return &APIError{Kind: ErrNotFound, StatusCode: status, Message: message}
	case http.StatusTooManyRequests:
		return &APIError{Kind: ErrRateLimited, StatusCode: status, Message: message}
	}
	if isRateLimitMessage(strings.ToLower(message)) {
		return &APIError{Kind: ErrRateLimited, StatusCode: status, Message: message}
	}
	return &APIError{Kind: ErrAPI, StatusCode: status, Message: message}
}

func isRateLimitMessage(lower string) bool {
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "per minute")
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
