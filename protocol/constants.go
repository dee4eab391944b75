package protocol

const (
	// JSONRPCVersion is the literal value every envelope's "jsonrpc" field
	// must carry.
	JSONRPCVersion = "2.0"

	// CurrentProtocolVersion is the Conduit protocol revision this library
	// implements. OldProtocolVersion is the prior revision still accepted
	// during version negotiation.
	CurrentProtocolVersion = "2025-04-07"
	OldProtocolVersion     = "2024-10-22"

	// WebSocketSubprotocol is the subprotocol token negotiated during the
	// WebSocket handshake to identify this protocol family.
	WebSocketSubprotocol = "conduit"

	// SessionIDParam is the query parameter carrying the SSE session id on
	// the message endpoint URL.
	SessionIDParam = "session_id"
)

// Reserved method names. The session engine intercepts these itself; they can
// never be registered as ordinary handlers.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "initialized" // notification, client -> server
	MethodPing        = "ping"
)

// IsReservedMethod reports whether the engine owns the given method name.
func IsReservedMethod(method string) bool {
	switch method {
	case MethodInitialize, MethodInitialized:
		return true
	}
	return false
}
