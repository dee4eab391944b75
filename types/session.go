package types

import (
	"time"

	"github.com/lindenhall/conduit/protocol"
)

// ClientSession represents one active peer connection as seen by the core
// server. Transports create a ClientSession per connection and register it;
// the server uses it to deliver responses and notifications and to track
// handshake state.
type ClientSession interface {
	// SessionID returns a unique identifier for this session.
	SessionID() string

	// SendEnvelope delivers one envelope to the peer over this session's
	// output sink.
	SendEnvelope(env *protocol.Envelope) error

	// Close terminates the session and releases its resources. Idempotent.
	Close() error

	// Initialize marks the session as having completed the handshake.
	Initialize()

	// Initialized reports whether the handshake is complete.
	Initialized() bool

	// SetNegotiatedVersion stores the protocol version agreed during the
	// handshake.
	SetNegotiatedVersion(version string)

	// NegotiatedVersion returns the agreed protocol version.
	NegotiatedVersion() string

	// StoreClientCapabilities stores the capabilities the client declared
	// during the handshake. Read-only afterwards.
	StoreClientCapabilities(caps protocol.ClientCapabilities)

	// ClientCapabilities returns the stored client capabilities.
	ClientCapabilities() protocol.ClientCapabilities

	// CreatedAt returns when the session was established.
	CreatedAt() time.Time

	// LastActivity returns the time of the session's most recent inbound
	// traffic. Transports with idle sweeping use this to expire sessions.
	LastActivity() time.Time

	// Touch records inbound activity on the session.
	Touch()
}
