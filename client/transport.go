package client

import (
	"context"
	"net/http"
	"time"

	"github.com/lindenhall/conduit/logx"
	"github.com/lindenhall/conduit/types"
)

// MessageHandler receives each raw frame the server delivers over the
// transport. The bytes are valid only for the duration of the call.
type MessageHandler func(data []byte)

// ClientTransport handles the actual communication with the server. A
// transport moves opaque frames; classification and routing happen in the
// Client above it.
type ClientTransport interface {
	// Connection management
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	// Send writes one wire frame to the server.
	Send(ctx context.Context, data []byte) error

	// SetMessageHandler installs the receiver for inbound frames. It must
	// be called before Connect.
	SetMessageHandler(handler MessageHandler)

	// TransportType identifies the binding.
	TransportType() TransportType
}

// TransportType represents the type of transport
type TransportType string

// Transport types
const (
	TransportTypeStdio     TransportType = "stdio"
	TransportTypeSSE       TransportType = "sse"
	TransportTypeWebSocket TransportType = "websocket"
)

// TransportOption configures a transport
type TransportOption func(options *TransportOptions)

// TransportOptions holds configuration for transports
type TransportOptions struct {
	Logger         types.Logger
	Headers        http.Header
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	BufferSize     int
	Env            []string
}

// DefaultTransportOptions returns the options used when none are given.
func DefaultTransportOptions() *TransportOptions {
	return &TransportOptions{
		Logger:         logx.NewDefaultLogger(),
		RequestTimeout: 30 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// WithTransportLogger sets the logger for the transport
func WithTransportLogger(logger types.Logger) TransportOption {
	return func(options *TransportOptions) {
		options.Logger = logger
	}
}

// WithHeaders sets the HTTP headers sent on outbound requests
func WithHeaders(headers http.Header) TransportOption {
	return func(options *TransportOptions) {
		options.Headers = headers
	}
}

// WithHTTPClient sets the HTTP client for the transport
func WithHTTPClient(client *http.Client) TransportOption {
	return func(options *TransportOptions) {
		options.HTTPClient = client
	}
}

// WithRequestTimeout sets the default per-request timeout
func WithRequestTimeout(timeout time.Duration) TransportOption {
	return func(options *TransportOptions) {
		options.RequestTimeout = timeout
	}
}

// WithConnectTimeout sets the connection timeout for the transport
func WithConnectTimeout(timeout time.Duration) TransportOption {
	return func(options *TransportOptions) {
		options.ConnectTimeout = timeout
	}
}

// WithEnv sets the complete environment for a spawned child process, in
// "key=value" form. The process does not inherit this client's environment;
// callers who want it must pass os.Environ() themselves.
func WithEnv(env []string) TransportOption {
	return func(options *TransportOptions) {
		options.Env = env
	}
}

// WithBufferSize sets the read buffer size for stream transports
func WithBufferSize(size int) TransportOption {
	return func(options *TransportOptions) {
		options.BufferSize = size
	}
}
