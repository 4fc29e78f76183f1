package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ErrorKind classifies gateway failures so callers can decide whether a
// user-initiated retry makes sense.
type ErrorKind string

// Error kinds surfaced by the gateway.
const (
	KindNoAPIKey           ErrorKind = "NoApiKey"
	KindTimeout            ErrorKind = "Timeout"
	KindNetworkUnreachable ErrorKind = "NetworkUnreachable"
	KindAccountArrearage   ErrorKind = "AccountArrearage"
	KindRateLimited        ErrorKind = "RateLimited"
	KindMalformed          ErrorKind = "Malformed"
	KindOther              ErrorKind = "Other"
)

// Error is the only error type returned by the gateway.
type Error struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	Err        error

	// transient marks failures worth retrying on the same endpoint.
	transient bool
	// fatal stops fallback to the next endpoint.
	fatal bool
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// UserMessage renders the failure as prose for the UI, keeping the kind
// visible for diagnostics.
func (e *Error) UserMessage() string {
	var prose string
	switch e.Kind {
	case KindNoAPIKey:
		prose = "The AI service credential is not configured."
	case KindTimeout:
		prose = "The AI service did not answer in time. Please retry."
	case KindNetworkUnreachable:
		prose = "The AI service could not be reached. Check the network and retry."
	case KindAccountArrearage:
		prose = "The AI service account has run out of credit or quota."
	case KindRateLimited:
		prose = "The AI service is throttling requests. Please wait a moment and retry."
	case KindMalformed:
		prose = "The AI service returned a response that could not be read."
	default:
		prose = "The AI service call failed."
	}
	return fmt.Sprintf("%s (%s: %s)", prose, e.Kind, e.detail())
}

func (e *Error) detail() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "no detail"
}

// NewError builds a gateway error of the given kind.
func NewError(kind ErrorKind, msg string, err error) *Error {
	e := &Error{Kind: kind, Message: msg, Err: err}
	switch kind {
	case KindTimeout, KindNetworkUnreachable, KindRateLimited:
		e.transient = true
	case KindAccountArrearage:
		e.fatal = true
	}
	return e
}

// NewTransientError wraps an error as Other but retryable (5xx responses).
func NewTransientError(err error) error {
	return &Error{Kind: KindOther, Err: err, transient: true}
}

// NewFatalError wraps an error as Other and stops endpoint fallback.
func NewFatalError(err error) error {
	return &Error{Kind: KindOther, Err: err, fatal: true}
}

// KindOf extracts the ErrorKind from err. Non-gateway errors are KindOther;
// nil is the empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.transient
}

// IsFatal returns true if the error must not be retried on any endpoint.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.fatal
}

// IsRetryableByUser reports the kinds the UI offers a retry button for.
func IsRetryableByUser(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindNetworkUnreachable:
		return true
	}
	return false
}

// classifyTransportError maps an http.Client.Do failure to a kind. parent is
// the caller's context, used to tell a caller cancellation from our own deadline.
func classifyTransportError(parent context.Context, err error) error {
	if parent.Err() == context.Canceled {
		return NewError(KindOther, "request cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, "response deadline exceeded", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(KindTimeout, "network timeout", err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewError(KindNetworkUnreachable, "dns lookup failed", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return NewError(KindNetworkUnreachable, "connection failed", err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return NewError(KindNetworkUnreachable, "connection failed", err)
	}

	return NewError(KindNetworkUnreachable, "http request failed", err)
}

// arrearageMarkers are provider phrases for exhausted credit or quota.
var arrearageMarkers = []string{
	"arrearage",
	"insufficient_quota",
	"insufficient balance",
	"billing",
	"credit balance",
	"quota exceeded",
}

// classifyHTTPError maps a non-200 provider response to a kind.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}
	msg := fmt.Sprintf("LLM API error (status %d): %s", statusCode, bodyStr)

	lower := strings.ToLower(string(body))
	for _, marker := range arrearageMarkers {
		if strings.Contains(lower, marker) {
			e := NewError(KindAccountArrearage, msg, nil)
			e.StatusCode = statusCode
			return e
		}
	}

	var e *Error
	switch {
	case statusCode == http.StatusPaymentRequired:
		e = NewError(KindAccountArrearage, msg, nil)
	case statusCode == http.StatusTooManyRequests:
		e = NewError(KindRateLimited, msg, nil)
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusGatewayTimeout:
		e = NewError(KindTimeout, msg, nil)
	case statusCode >= 500:
		e = &Error{Kind: KindOther, Message: msg, transient: true}
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		e = &Error{Kind: KindOther, Message: "credential rejected: " + msg}
	default:
		e = &Error{Kind: KindOther, Message: msg, fatal: true}
	}
	e.StatusCode = statusCode
	return e
}

// errorMarkers are prefixes legacy backends used to smuggle failures inside
// a successful completion.
var errorMarkers = []string{
	"error:",
	"错误:",
	"错误：",
	"api调用失败",
	"调用失败",
	"请求失败",
	"请求超时",
	"vision api error",
}

// ContainsErrorMarker reports whether a completion is really an error string.
func ContainsErrorMarker(content string) bool {
	s := strings.ToLower(strings.TrimSpace(content))
	for _, m := range errorMarkers {
		if strings.HasPrefix(s, m) {
			return true
		}
	}
	return false
}
