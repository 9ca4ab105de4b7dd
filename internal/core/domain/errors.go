package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures by behaviour, not identity. Retryability
// and health accounting both key off the kind.
type ErrorKind string

const (
	ErrKindConfiguration      ErrorKind = "configuration"
	ErrKindNoServersAvailable ErrorKind = "no_servers_available"
	ErrKindConnection         ErrorKind = "connection"
	ErrKindTimeout            ErrorKind = "timeout"
	ErrKindProtocol           ErrorKind = "protocol"
	ErrKindApplication        ErrorKind = "application"
	ErrKindFailoverExhausted  ErrorKind = "failover_exhausted"
	ErrKindDeadlineExceeded   ErrorKind = "deadline_exceeded"
	ErrKindShutdown           ErrorKind = "shutdown"
	ErrKindQueueFull          ErrorKind = "queue_full"
)

// Retryable reports whether another attempt on a different server may
// succeed. Application errors come from the backend's business logic
// and never retry.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindConnection, ErrKindTimeout, ErrKindProtocol:
		return true
	default:
		return false
	}
}

// CountsAsHealthFailure reports whether the failure should feed the
// circuit breaker. Business-level errors are healthy replies.
func (k ErrorKind) CountsAsHealthFailure() bool {
	switch k {
	case ErrKindConnection, ErrKindTimeout, ErrKindProtocol:
		return true
	default:
		return false
	}
}

var (
	ErrNoServersAvailable = errors.New("no servers available")
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrQueueFull          = errors.New("request queue is full")
	ErrShutdown           = errors.New("multiplexer is shut down")
	ErrNotInitialized     = errors.New("multiplexer is not initialized")
	ErrDeadlineExceeded   = errors.New("queue item deadline exceeded")
)

// RequestError is the caller-visible failure for one Execute call. It
// always carries the kind, the last server attempted and the routing
// history; payloads are never included.
type RequestError struct {
	Err       error
	Kind      ErrorKind
	RequestID string
	ServerID  string
	History   []RoutingAttempt
}

func (e *RequestError) Error() string {
	if e.ServerID != "" {
		return fmt.Sprintf("request %s failed on %s (%s): %v", e.RequestID, e.ServerID, e.Kind, e.Err)
	}
	return fmt.Sprintf("request %s failed (%s): %v", e.RequestID, e.Kind, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// NewRequestError wraps err with the request context. The history is
// copied: the originating RequestContext may be pooled and reset after
// the error escapes.
func NewRequestError(kind ErrorKind, requestID, serverID string, history []RoutingAttempt, err error) *RequestError {
	e := &RequestError{
		Err:       err,
		Kind:      kind,
		RequestID: requestID,
		ServerID:  serverID,
	}
	if len(history) > 0 {
		e.History = append([]RoutingAttempt(nil), history...)
	}
	return e
}

// KindOf extracts the error kind, defaulting to connection for plain
// transport errors.
func KindOf(err error) ErrorKind {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Kind
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return ErrKindTimeout
	}
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return ErrKindProtocol
	}
	var appErr *ApplicationError
	if errors.As(err, &appErr) {
		return ErrKindApplication
	}
	switch {
	case errors.Is(err, ErrNoServersAvailable):
		return ErrKindNoServersAvailable
	case errors.Is(err, ErrCircuitOpen):
		return ErrKindConnection
	case errors.Is(err, ErrQueueFull):
		return ErrKindQueueFull
	case errors.Is(err, ErrShutdown):
		return ErrKindShutdown
	case errors.Is(err, ErrDeadlineExceeded):
		return ErrKindDeadlineExceeded
	default:
		return ErrKindConnection
	}
}

type ConnectionError struct {
	Err      error
	ServerID string
	Op       string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s failed for server %s: %v", e.Op, e.ServerID, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

type TimeoutError struct {
	ServerID  string
	RequestID string
	Elapsed   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s to server %s timed out after %v", e.RequestID, e.ServerID, e.Elapsed)
}

type ProtocolError struct {
	ServerID string
	Detail   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error from server %s: %s", e.ServerID, e.Detail)
}

// ApplicationError wraps an error object returned by the backend. It is
// a healthy reply for circuit-breaker purposes.
type ApplicationError struct {
	ServerID string
	Message  string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("server %s returned error: %s", e.ServerID, e.Message)
}

type ConfigValidationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid configuration for %s=%v: %s", e.Field, e.Value, e.Reason)
}

type ServerNotFoundError struct {
	ID string
}

func (e *ServerNotFoundError) Error() string {
	return fmt.Sprintf("server not found: %s", e.ID)
}

type DuplicateServerError struct {
	ID string
}

func (e *DuplicateServerError) Error() string {
	return fmt.Sprintf("server already registered: %s", e.ID)
}
