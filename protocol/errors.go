// Package protocol defines the wire-level structures and constants for the
// Conduit session protocol, based on the JSON-RPC 2.0 specification.
package protocol

import "fmt"

// Standard JSON-RPC 2.0 error codes, plus the Conduit-specific extensions in
// the implementation-defined -32000..-32099 range.
const (
	ErrorCodeParseError     = -32700
	ErrorCodeInvalidRequest = -32600
	ErrorCodeMethodNotFound = -32601
	ErrorCodeInvalidParams  = -32602
	ErrorCodeInternalError  = -32603

	// ErrorCodeSessionNotFound is returned when an SSE POST references a
	// session id the server does not know about.
	ErrorCodeSessionNotFound = -32001

	// ErrorCodeUnsupportedProtocolVersion is returned from an initialize
	// request whose requested version the server does not speak.
	ErrorCodeUnsupportedProtocolVersion = -32002

	// ErrorCodeAuthenticationFailed is returned when a transport configured
	// with a token validator rejects the presented credentials.
	ErrorCodeAuthenticationFailed = -32003
)

// ErrorPayload is the 'error' object inside a JSON-RPC error response.
type ErrorPayload struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"` // Optional additional error details
}

// RPCError wraps ErrorPayload to implement the error interface. Handlers can
// return this type to control the code and message of the error response sent
// to the peer; any other error is surfaced with ErrorCodeInternalError.
type RPCError struct {
	ErrorPayload
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error: code=%d message=%s", e.Code, e.Message)
}

// NewRPCError creates an RPCError with the given code and message.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{ErrorPayload{Code: code, Message: message}}
}

// NewParseError creates an RPCError for bytes that are not valid JSON or fail
// structural decode.
func NewParseError(detail string) *RPCError {
	return &RPCError{ErrorPayload{Code: ErrorCodeParseError, Message: "Parse error", Data: detail}}
}

// NewInvalidRequestError creates an RPCError for a message that is
// syntactically valid JSON but matches none of the four envelope kinds.
func NewInvalidRequestError(detail string) *RPCError {
	return &RPCError{ErrorPayload{Code: ErrorCodeInvalidRequest, Message: "Invalid Request", Data: detail}}
}

// NewMethodNotFoundError creates an RPCError for an unregistered method.
func NewMethodNotFoundError(method string) *RPCError {
	return &RPCError{ErrorPayload{Code: ErrorCodeMethodNotFound, Message: fmt.Sprintf("Method not found: %s", method)}}
}

// NewInvalidParamsError creates an RPCError for params that fail to decode
// into the handler's declared type.
func NewInvalidParamsError(message string) *RPCError {
	return &RPCError{ErrorPayload{Code: ErrorCodeInvalidParams, Message: message}}
}

// NewSessionNotFoundError creates the RPCError sent for a POST referencing an
// unknown or expired session id.
func NewSessionNotFoundError(sessionID string) *RPCError {
	return &RPCError{ErrorPayload{
		Code:    ErrorCodeSessionNotFound,
		Message: "Session not found",
		Data:    fmt.Sprintf("unknown or expired session id: %s", sessionID),
	}}
}
