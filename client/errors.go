package client

import (
	"errors"
	"fmt"
	"time"
)

// Standard error types that can be used with errors.Is()
var (
	ErrNotConnected     = errors.New("client is not connected")
	ErrAlreadyConnected = errors.New("client is already connected")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrVersionMismatch  = errors.New("protocol version mismatch")
	ErrTransportFailure = errors.New("transport failure")
	ErrInvalidResponse  = errors.New("invalid response from server")
	ErrSessionClosed    = errors.New("session closed")
)

// ClientError is the base error type for client errors.
type ClientError struct {
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// TransportError indicates a problem with the transport layer.
type TransportError struct {
	ClientError
	Transport string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s): %s", e.Transport, e.ClientError.Error())
}

// NewTransportError creates a new TransportError.
func NewTransportError(transport, message string, cause error) *TransportError {
	return &TransportError{
		ClientError: ClientError{Message: message, Cause: cause},
		Transport:   transport,
	}
}

// ConnectionError indicates a connection issue.
type ConnectionError struct {
	ClientError
	Endpoint string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error (%s): %s", e.Endpoint, e.ClientError.Error())
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(endpoint, message string, cause error) *ConnectionError {
	return &ConnectionError{
		ClientError: ClientError{Message: message, Cause: cause},
		Endpoint:    endpoint,
	}
}

// TimeoutError indicates that a request did not complete within its deadline.
type TimeoutError struct {
	ClientError
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %v during %s", e.Timeout, e.Operation)
}

func (e *TimeoutError) Unwrap() error {
	return ErrRequestTimeout
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, timeout time.Duration) *TimeoutError {
	return &TimeoutError{
		ClientError: ClientError{Message: "request timed out"},
		Operation:   operation,
		Timeout:     timeout,
	}
}
