// Package transport provides the transport layer implementations for the
// Conduit protocol.
//
// Three bindings are provided, each in its own subpackage: stdio (newline
// delimited JSON over a pipe), sse (server-sent events down, HTTP POST up),
// and ws (WebSocket text frames). All of them move opaque encoded envelopes;
// framing and connection bookkeeping live here, message semantics live in the
// client and server packages.
package transport

import "errors"

var (
	// ErrClosed is returned by Send and Receive once a transport has been
	// stopped or its peer has gone away.
	ErrClosed = errors.New("transport is closed")

	// ErrAlreadyStarted is returned by Start when called a second time.
	ErrAlreadyStarted = errors.New("transport already started")
)
