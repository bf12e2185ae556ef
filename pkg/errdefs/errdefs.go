package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for transport mapping
type Kind int

const (
	// KindInternal is an unclassified failure
	KindInternal Kind = iota
	// KindNotFound means a deployment, grant, profile or record is absent
	KindNotFound
	// KindForbidden means an authorization check failed
	KindForbidden
	// KindInvalidRequest means a malformed key, operation or message kind
	KindInvalidRequest
	// KindTimeout means no reply arrived within the bound
	KindTimeout
	// KindUpstreamInconsistency means an expected record does not exist yet
	KindUpstreamInconsistency
	// KindUnavailable means a backing store could not be reached
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindInvalidRequest:
		return "invalid_request"
	case KindTimeout:
		return "timeout"
	case KindUpstreamInconsistency:
		return "upstream_inconsistency"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Sentinel errors, one per kind. Classified errors match them with errors.Is.
var (
	ErrNotFound              = errors.New("not found")
	ErrForbidden             = errors.New("forbidden")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrTimeout               = errors.New("timeout")
	ErrUpstreamInconsistency = errors.New("upstream inconsistency")
	ErrUnavailable           = errors.New("unavailable")
)

// Error is a classified error carrying the operation that produced it
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match a classified error against the sentinel of its kind
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrForbidden:
		return e.Kind == KindForbidden
	case ErrInvalidRequest:
		return e.Kind == KindInvalidRequest
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrUpstreamInconsistency:
		return e.Kind == KindUpstreamInconsistency
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	}
	return false
}

// NotFound creates a NotFound error
func NotFound(op, message string) error {
	return &Error{Kind: KindNotFound, Op: op, Message: message}
}

// Forbidden creates a Forbidden error. The message names the failed check only.
func Forbidden(op, message string) error {
	return &Error{Kind: KindForbidden, Op: op, Message: message}
}

// InvalidRequest creates an InvalidRequest error
func InvalidRequest(op, message string) error {
	return &Error{Kind: KindInvalidRequest, Op: op, Message: message}
}

// Timeout creates a Timeout error
func Timeout(op, message string) error {
	return &Error{Kind: KindTimeout, Op: op, Message: message}
}

// UpstreamInconsistency creates an UpstreamInconsistency error
func UpstreamInconsistency(op, message string) error {
	return &Error{Kind: KindUpstreamInconsistency, Op: op, Message: message}
}

// Unavailable wraps a connectivity failure
func Unavailable(op string, err error) error {
	return &Error{Kind: KindUnavailable, Op: op, Message: "backend unavailable", Err: err}
}

// KindOf returns the kind of the first classified error in the chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrUpstreamInconsistency):
		return KindUpstreamInconsistency
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	}
	return KindInternal
}

// Message returns the caller-facing message of a classified error
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

func IsNotFound(err error) bool              { return KindOf(err) == KindNotFound }
func IsForbidden(err error) bool             { return KindOf(err) == KindForbidden }
func IsInvalidRequest(err error) bool        { return KindOf(err) == KindInvalidRequest }
func IsTimeout(err error) bool               { return KindOf(err) == KindTimeout }
func IsUpstreamInconsistency(err error) bool { return KindOf(err) == KindUpstreamInconsistency }
func IsUnavailable(err error) bool           { return KindOf(err) == KindUnavailable }

// HTTPStatus maps an error to the status code used by the API surface
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamInconsistency:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
