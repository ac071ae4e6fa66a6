// Package errs holds the error taxonomy shared by every component of the
// realtime core. Both transports (websocket frames and REST bodies) render
// errors through it so a failed send looks the same on either path.
package errs

import (
	"errors"
	"net/http"
)

// Kind classifies an error for propagation and rendering.
type Kind string

const (
	KindUnknown             Kind = "internal"
	KindInvalid             Kind = "invalid"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindTransientDelivery   Kind = "transient_delivery_failure"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
)

// Sentinels usable with errors.Is.
var (
	ErrInvalid             = &Error{Kind: KindInvalid, Msg: "invalid request"}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized, Msg: "unauthorized"}
	ErrForbidden           = &Error{Kind: KindForbidden, Msg: "forbidden"}
	ErrNotFound            = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrConflict            = &Error{Kind: KindConflict, Msg: "conflict"}
	ErrTransientDelivery   = &Error{Kind: KindTransientDelivery, Msg: "delivery failed"}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable, Msg: "upstream unavailable"}
)

// Error is a classified error. Op names the operation that failed
// (e.g. "threads.authorize_send"), Err is the optional cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, errs.ErrNotFound)
// holds for every not-found error regardless of op or message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// E builds a classified error.
func E(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies cause under kind.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Msg: string(kind), Err: cause}
}

func Unauthorized(op, msg string) *Error { return E(KindUnauthorized, op, msg) }
func Forbidden(op, msg string) *Error    { return E(KindForbidden, op, msg) }
func NotFound(op, msg string) *Error     { return E(KindNotFound, op, msg) }
func Conflict(op, msg string) *Error     { return E(KindConflict, op, msg) }
func Invalid(op, msg string) *Error      { return E(KindInvalid, op, msg) }

// Upstream wraps a persistence or membership failure.
func Upstream(op string, cause error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Op: op, Msg: "upstream unavailable", Err: cause}
}

// Transient wraps a push failure towards a single connection.
func Transient(op string, cause error) *Error {
	return &Error{Kind: KindTransientDelivery, Op: op, Msg: "delivery failed", Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the caller is invited to retry. Only outages are;
// authorization and validation failures never are.
func Retryable(err error) bool {
	return KindOf(err) == KindUpstreamUnavailable
}

// Message returns the user facing message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		return string(e.Kind)
	}
	return "internal error"
}

// HTTPStatus maps err onto an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalid:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstreamUnavailable, KindTransientDelivery:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Body is the wire shape of an error on both transports.
type Body struct {
	Error     string `json:"error"`
	Code      Kind   `json:"code"`
	Retryable bool   `json:"retryable"`
	Ref       string `json:"ref,omitempty"`
}

// ToBody renders err for a client.
func ToBody(err error) Body {
	return Body{Error: Message(err), Code: KindOf(err), Retryable: Retryable(err)}
}
