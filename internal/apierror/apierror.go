// Package apierror provides the gateway's error taxonomy and a single
// WriteResponse helper that renders any Error as either JSON or plain
// text, negotiated from the request's Accept header. Every pipeline
// component returns one of the sentinel *Error values below (or a value
// wrapping one) so the pipeline can classify failures with errors.As
// instead of string matching.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a machine-readable error classification string and forms
// a public API contract — clients can program against these stable
// codes. Do not rename or remove existing codes.
type ErrorCode string

const (
	QuotaExceeded    ErrorCode = "PREMIER_QUOTA_EXCEEDED"
	BucketFull       ErrorCode = "PREMIER_BUCKET_FULL"
	TimedOut         ErrorCode = "PREMIER_TIMED_OUT"
	CircuitOpen      ErrorCode = "PREMIER_CIRCUIT_OPEN"
	NoHealthyBackend ErrorCode = "PREMIER_NO_HEALTHY_BACKEND"
	Unauthenticated  ErrorCode = "PREMIER_UNAUTHENTICATED"
	Forbidden        ErrorCode = "PREMIER_FORBIDDEN"
	UpstreamError    ErrorCode = "PREMIER_UPSTREAM_ERROR"
	ConfigInvalid    ErrorCode = "PREMIER_CONFIG_INVALID"
	InternalError    ErrorCode = "PREMIER_INTERNAL_ERROR"
)

// Error is the gateway's internal error representation. It carries the
// HTTP status its taxonomy entry maps to, so the pipeline never has to
// re-derive a status from a bare error string.
type Error struct {
	Code    ErrorCode
	Status  int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// New builds a fresh Error with no wrapped cause.
func New(code ErrorCode, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches cause to a new Error carrying the given code/status/message.
func Wrap(code ErrorCode, status int, message string, cause error) *Error {
	return &Error{Code: code, Status: status, Message: message, cause: cause}
}

// WithMessage returns a copy of the sentinel with a replaced message,
// used by pipeline components applying a path's configured error_message.
func (e *Error) WithMessage(message string) *Error {
	c := *e
	c.Message = message
	return &c
}

// WithStatus returns a copy of the sentinel with a replaced status, used
// by pipeline components applying a path's configured error_status.
func (e *Error) WithStatus(status int) *Error {
	c := *e
	c.Status = status
	return &c
}

// Sentinel errors, one per taxonomy entry in the error handling design.
// Components should return these (or WithMessage/WithStatus copies, or
// Wrap-ed variants) rather than ad hoc errors.
var (
	ErrQuotaExceeded    = New(QuotaExceeded, http.StatusTooManyRequests, "rate limit exceeded, retry later")
	ErrBucketFull       = New(BucketFull, http.StatusTooManyRequests, "rate limit exceeded, retry later")
	ErrTimedOut         = New(TimedOut, http.StatusGatewayTimeout, "request deadline exceeded")
	ErrCircuitOpen      = New(CircuitOpen, http.StatusBadGateway, "circuit breaker open")
	ErrNoHealthyBackend = New(NoHealthyBackend, http.StatusServiceUnavailable, "no healthy backend available")
	ErrUnauthenticated  = New(Unauthenticated, http.StatusUnauthorized, "authentication required")
	ErrForbidden        = New(Forbidden, http.StatusForbidden, "insufficient permissions")
	ErrUpstreamError    = New(UpstreamError, http.StatusBadGateway, "upstream request failed")
	ErrConfigInvalid    = New(ConfigInvalid, 0, "invalid configuration")
	ErrInternal         = New(InternalError, http.StatusInternalServerError, "internal error")
)

// As classifies any error into a *Error, falling back to ErrInternal
// wrapping the original error when it doesn't carry its own taxonomy entry.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(InternalError, http.StatusInternalServerError, "internal error", err)
}

// body is the wire shape for both the JSON and text renderings.
type body struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteResponse renders err (converted via As if necessary) as the
// request's negotiated content type: plain text if the Accept header
// prefers text/plain over application/json, JSON otherwise (the default,
// matching every other gateway surface).
func WriteResponse(w http.ResponseWriter, r *http.Request, err error) {
	e := As(err)
	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	b := body{
		Error:     http.StatusText(e.Status),
		ErrorCode: string(e.Code),
		Message:   e.Message,
		RequestID: requestID,
	}

	if r != nil && prefersText(r.Header.Get("Accept")) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(e.Status)
		fmt.Fprintf(w, "%s: %s\n", b.ErrorCode, b.Message)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	json.NewEncoder(w).Encode(b) //nolint:errcheck
}

// WriteJSON writes a structured JSON error response directly, bypassing
// content negotiation — used by surfaces that are always JSON (panic
// recovery and per-path throttle rejections).
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body{ //nolint:errcheck
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

// prefersText reports whether the Accept header ranks text/plain ahead of
// (or to the exclusion of) application/json and */*.
func prefersText(accept string) bool {
	if accept == "" {
		return false
	}
	textPos := strings.Index(accept, "text/plain")
	if textPos < 0 {
		return false
	}
	jsonPos := strings.Index(accept, "application/json")
	anyPos := strings.Index(accept, "*/*")

	if jsonPos >= 0 && jsonPos < textPos {
		return false
	}
	if anyPos >= 0 && anyPos < textPos && jsonPos < 0 {
		return false
	}
	return true
}
