package types

import (
	"context"
)

// Transport defines the interface for moving encoded envelopes between a
// Conduit client and server. It abstracts the underlying mechanism (pipe,
// SSE, WebSocket) behind a consistent API.
//
// Start acquires the transport's resources and fails loudly if called twice.
// Stop is idempotent and releases resources, flushing buffered writes.
type Transport interface {
	// Start acquires the underlying resources (spawns the process, opens the
	// stream, begins accepting connections). Calling Start on a started
	// transport is an error.
	Start() error

	// Stop releases the transport's resources. It never fails on a double
	// call.
	Stop() error

	// Send transmits one encoded envelope. It returns an error if the
	// message could not be fully flushed to the peer.
	Send(data []byte) error

	// Receive blocks until one complete message is available or an error
	// occurs. A closed transport surfaces as an error, never as a silent
	// empty read.
	Receive(ctx context.Context) ([]byte, error)
}

// TransportOptions contains configuration options for creating a Transport.
// Different transport implementations may use different fields.
type TransportOptions struct {
	// BufferSize specifies the size of the read/write buffers.
	BufferSize int

	// Logger is used for logging transport-related events.
	Logger Logger
}
