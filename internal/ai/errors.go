package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrCancelled is returned when the caller's context ends mid-call.
	ErrCancelled = fmt.Errorf("inference cancelled: %w", context.Canceled)
	// ErrActionDisabled is returned when the routed model is "disabled".
	ErrActionDisabled = errors.New("inference action disabled")
	// ErrEmptyResponse is returned when a provider answers with no content.
	ErrEmptyResponse = errors.New("empty response from provider")
	// ErrNoProvider is returned when no adapter is configured for a model.
	ErrNoProvider = errors.New("no provider configured for model")
)

// APIError is a non-2xx answer from an inference provider.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// InferenceError wraps the last failure after all attempts were exhausted.
type InferenceError struct {
	Op       string
	Model    string
	Attempts int
	Cause    error
}

func (e *InferenceError) Error() string {
	suffix := "s"
	if e.Attempts == 1 {
		suffix = ""
	}
	return fmt.Sprintf("Inference failed for %s after %d attempt%s: %v", e.Op, e.Attempts, suffix, e.Cause)
}

func (e *InferenceError) Unwrap() error { return e.Cause }

// SchemaError is returned when model output is not valid against the schema.
type SchemaError struct {
	Parse bool
	Cause error
}

func (e *SchemaError) Error() string {
	if e.Parse {
		return fmt.Sprintf("Failed to parse JSON: %v", e.Cause)
	}
	return fmt.Sprintf("Schema validation failed: %v", e.Cause)
}

func (e *SchemaError) Unwrap() error { return e.Cause }

// IsRateLimitError reports whether err looks like provider throttling or overload.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == 429 || apiErr.StatusCode == 503) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "503", "rate limit", "quota", "overloaded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isCancellation reports whether err came from the caller giving up.
func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled)
}
