package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failed model call for the step retry policy.
type ErrorKind int

const (
	// KindUnknown is any error not produced by this package.
	KindUnknown ErrorKind = iota
	// KindTransient failures (throttling, 5xx, broken bodies) may succeed on retry.
	KindTransient
	// KindFatal failures (bad request, auth, unknown model) will not.
	KindFatal
	// KindTimeout means the call outlived its context deadline.
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// CallError is a classified model call failure.
type CallError struct {
	Kind ErrorKind
	// Status is the HTTP status of the endpoint response, when there was one.
	Status int
	err    error
}

func (e *CallError) Error() string {
	return e.err.Error()
}

func (e *CallError) Unwrap() error {
	return e.err
}

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	return &CallError{Kind: KindTransient, err: err}
}

// NewFatalError marks err as not retryable.
func NewFatalError(err error) error {
	return &CallError{Kind: KindFatal, err: err}
}

// StatusError classifies a non-200 endpoint response. 408, 429 and 5xx are
// transient; everything else is fatal.
func StatusError(status int, body []byte) error {
	text := string(body)
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	kind := KindFatal
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		kind = KindTransient
	}
	return &CallError{
		Kind:   kind,
		Status: status,
		err:    fmt.Errorf("LLM API error (status %d): %s", status, text),
	}
}

// Classify returns the kind of err. A context deadline anywhere in the chain
// wins over the wrapped kind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err is worth retrying on the same endpoint.
func IsTransient(err error) bool {
	return Classify(err) == KindTransient
}

// IsFatal reports whether err should not be retried.
func IsFatal(err error) bool {
	return Classify(err) == KindFatal
}

// IsTimeout reports whether err came from a context deadline.
func IsTimeout(err error) bool {
	return Classify(err) == KindTimeout
}

// FailureReason phrases a failed call of who ("the step", "the checker") as
// feedback for the validation journal and the next attempt.
func FailureReason(who string, err error) string {
	switch Classify(err) {
	case KindTimeout:
		return who + " timed out before answering"
	case KindTransient:
		return fmt.Sprintf("%s hit a temporary model error: %v", who, err)
	case KindFatal:
		return fmt.Sprintf("%s was rejected by the model endpoint: %v", who, err)
	default:
		return fmt.Sprintf("%s failed: %v", who, err)
	}
}
