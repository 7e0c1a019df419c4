package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"google.golang.org/genai"

	"github.com/ternarybob/recap/internal/httpclient"
)

var (
	// ErrTransient marks provider failures worth retrying: rate limits, timeouts, 5xx, network
	ErrTransient = errors.New("transient provider error")

	// ErrPermanent marks provider failures that will not succeed on retry
	ErrPermanent = errors.New("permanent provider error")
)

// ProviderError is a classified provider failure.
// errors.Is(err, ErrTransient) / errors.Is(err, ErrPermanent) report the class.
type ProviderError struct {
	Provider   string
	Operation  string
	StatusCode int
	Transient  bool
	RetryAfter time.Duration // Delay suggested by the API, zero when absent
	Err        error
}

func (e *ProviderError) Error() string {
	class := "permanent"
	if e.Transient {
		class = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s failed (%s, status %d): %v", e.Provider, e.Operation, class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failed (%s): %v", e.Provider, e.Operation, class, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Transient
	case ErrPermanent:
		return !e.Transient
	}
	return false
}

// Class returns "transient" or "permanent"
func (e *ProviderError) Class() string {
	if e.Transient {
		return "transient"
	}
	return "permanent"
}

// IsTransient reports whether err is a retryable provider error
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// ErrorClass returns the class name of a provider error, or "" for nil
func ErrorClass(err error) string {
	if err == nil {
		return ""
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Class()
	}
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}

// permanentf builds a permanent error for failures detected locally (bad media, unparseable output)
func permanentf(provider, operation, format string, args ...interface{}) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Operation: operation,
		Err:       fmt.Errorf(format, args...),
	}
}

// classifyError maps an SDK or transport error onto the transient/permanent taxonomy
func classifyError(provider, operation string, err error) error {
	if err == nil {
		return nil
	}

	var existing *ProviderError
	if errors.As(err, &existing) {
		return err
	}

	perr := &ProviderError{
		Provider:  provider,
		Operation: operation,
		Err:       err,
	}

	// Caller cancellation is never retried
	if errors.Is(err, context.Canceled) {
		return perr
	}

	perr.StatusCode = statusCode(err)
	switch {
	case perr.StatusCode != 0:
		perr.Transient = isTransientStatus(perr.StatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		perr.Transient = true
	case isNetworkError(err):
		perr.Transient = true
	default:
		perr.Transient = IsRateLimitError(err) || isTransientMessage(err.Error())
	}

	if perr.Transient && IsRateLimitError(err) {
		perr.RetryAfter = ExtractRetryDelay(err)
	}
	return perr
}

// statusCode extracts an HTTP status from the SDK error types
func statusCode(err error) int {
	var claudeErr *anthropic.Error
	if errors.As(err, &claudeErr) {
		return claudeErr.StatusCode
	}
	var geminiErr genai.APIError
	if errors.As(err, &geminiErr) {
		return geminiErr.Code
	}
	var geminiErrPtr *genai.APIError
	if errors.As(err, &geminiErrPtr) && geminiErrPtr != nil {
		return geminiErrPtr.Code
	}
	var httpErr *httpclient.StatusError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

func isTransientStatus(code int) bool {
	switch {
	case code == 408, code == 409, code == 425, code == 429:
		return true
	case code >= 500:
		return true
	}
	return false
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func isTransientMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{"unavailable", "overloaded", "deadline exceeded", "connection reset", "timeout", "internal error"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
