package conduit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies an error for retry and rendering policy.
type Kind string

const (
	KindUnknownModel      Kind = "unknown_model"
	KindValidation        Kind = "validation"
	KindAuth              Kind = "auth"
	KindRateLimited       Kind = "rate_limited"
	KindUpstream          Kind = "upstream_unavailable"
	KindNetwork           Kind = "network"
	KindTimeout           Kind = "timeout"
	KindBadRequest        Kind = "bad_request"
	KindContentRefused    Kind = "content_refused"
	KindContextTooLarge   Kind = "context_too_large"
	KindSchemaMismatch    Kind = "schema_mismatch"
	KindToolLoopExhausted Kind = "tool_loop_exhausted"
	KindCancelled         Kind = "cancelled"
	KindInternal          Kind = "internal"
)

// Category groups kinds for renderers: "caller" errors are fixable by the
// application, "provider" errors originate upstream, "runtime" errors are ours.
func (k Kind) Category() string {
	switch k {
	case KindUnknownModel, KindValidation, KindSchemaMismatch, KindToolLoopExhausted:
		return "caller"
	case KindAuth, KindRateLimited, KindUpstream, KindBadRequest, KindContentRefused, KindContextTooLarge:
		return "provider"
	default:
		return "runtime"
	}
}

// Retryable reports whether the adapter retry layer may re-attempt the call.
// Retries happen in the adapter layer only; upper layers never retry.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindUpstream, KindNetwork, KindTimeout:
		return true
	}
	return false
}

// Error is the typed error surfaced by every layer of the runtime.
// Adapters produce them; the pipeline wraps them with request context.
type Error struct {
	Kind       Kind
	Message    string
	Provider   string
	Status     int           // HTTP status when the error came off the wire, else 0
	RetryAfter time.Duration // parsed Retry-After, when the provider sent one
	Timestamp  int64         // Unix ms at construction
	Detail     *ErrorDetail
	cause      error
}

// ErrorDetail carries debugging context that renderers may show at higher
// verbosities.
type ErrorDetail struct {
	ExceptionType string         `json:"exception_type,omitempty"`
	RequestParams map[string]any `json:"request_params,omitempty"`
	RetryCount    int            `json:"retry_count,omitempty"`
	RawResponse   string         `json:"raw_response,omitempty"`
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// E constructs an *Error of the given kind.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Timestamp: NowMillis()}
}

// WrapErr attaches a cause to an *Error built with E.
func WrapErr(kind Kind, cause error, format string, args ...any) *Error {
	e := E(kind, format, args...)
	e.cause = cause
	return e
}

// KindOf extracts the Kind from err, or KindInternal for foreign errors.
// Context cancellation and deadline errors map to KindCancelled and
// KindTimeout regardless of wrapping.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}

// ClassifyStatus maps an HTTP status code from a provider to an error kind.
// Shared by every adapter so the taxonomy stays uniform.
func ClassifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindUpstream
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status >= 400:
		return KindBadRequest
	default:
		return KindInternal
	}
}

// HTTPError builds a provider error from a wire status and body, parsing the
// Retry-After header when present (429/503 responses).
func HTTPError(provider string, status int, body, retryAfter string) *Error {
	e := E(ClassifyStatus(status), "http %d: %s", status, truncate(body, 500))
	e.Provider = provider
	e.Status = status
	e.RetryAfter = ParseRetryAfter(retryAfter)
	e.Detail = &ErrorDetail{RawResponse: body}
	return e
}

// ParseRetryAfter parses a Retry-After header value. Only the delta-seconds
// form is honored; HTTP-date values return 0.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
