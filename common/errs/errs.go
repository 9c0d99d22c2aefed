package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error for retry, breaker and propagation decisions.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindTimeout
	KindUnavailable
	KindRateLimited
	KindInvalidInput
	KindNotConfigured
	KindCircuitOpen
	KindQueueFull
	KindCache
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidInput:
		return "invalid_input"
	case KindNotConfigured:
		return "not_configured"
	case KindCircuitOpen:
		return "circuit_open"
	case KindQueueFull:
		return "queue_full"
	case KindCache:
		return "cache"
	default:
		return "unknown"
	}
}

// Error is the error type returned at every collaborator boundary.
type Error struct {
	Kind    Kind
	Backend string
	Op      string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Backend != "" {
		b.WriteString(" [")
		b.WriteString(e.Backend)
		b.WriteString("]")
	}
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind with a plain message.
func New(kind Kind, backend, msg string) *Error {
	return &Error{Kind: kind, Backend: backend, Err: errors.New(msg)}
}

// Wrap attaches a kind and backend to err. A nil err stays nil.
func Wrap(kind Kind, backend string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Backend: backend, Err: err}
}

// Validation reports bad request input. It is never retried.
func Validation(field, msg string) *Error {
	return &Error{Kind: KindValidation, Op: field, Err: errors.New(msg)}
}

// CircuitOpen reports a call rejected by an open or half-open breaker.
func CircuitOpen(backend string) *Error {
	return &Error{Kind: KindCircuitOpen, Backend: backend, Err: errors.New("circuit open")}
}

// QueueFull reports embedding batch backpressure.
func QueueFull(queue string, size int) *Error {
	return &Error{Kind: KindQueueFull, Op: queue, Err: fmt.Errorf("queue full at %d items", size)}
}

// Timeout reports a call abandoned after its deadline.
func Timeout(backend, op string) *Error {
	return &Error{Kind: KindTimeout, Backend: backend, Op: op, Err: context.DeadlineExceeded}
}

// NotConfigured reports a backend that has no usable configuration.
func NotConfigured(backend, msg string) *Error {
	return &Error{Kind: KindNotConfigured, Backend: backend, Err: errors.New(msg)}
}

// FromStatus maps an HTTP status code to an error kind.
func FromStatus(backend string, status int) *Error {
	kind := KindUnavailable
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status >= 500:
		kind = KindUnavailable
	case status >= 400:
		kind = KindInvalidInput
	}
	return &Error{Kind: kind, Backend: backend, Status: status, Err: fmt.Errorf("http status %d", status)}
}

// KindOf returns the kind of the first *Error in the chain. Context deadline
// errors are classified as timeouts.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a retry may succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindUnavailable, KindRateLimited:
		return true
	case KindUnknown:
		// unclassified transport errors (connection refused, resets)
		return err != nil && !errors.Is(err, context.Canceled)
	default:
		return false
	}
}

// BackendOf returns the backend recorded on err, if any.
func BackendOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Backend
	}
	return ""
}
