package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lindenhall/conduit/logx"
	"github.com/lindenhall/conduit/protocol"
	"github.com/lindenhall/conduit/types"
)

// NotificationHandler is invoked for server-originated notifications.
type NotificationHandler func(method string, params json.RawMessage)

// ConnectionStatus describes a transition in the client's connection lifecycle.
type ConnectionStatus string

const (
	// StatusConnected fires once the transport is established, before the
	// handshake runs.
	StatusConnected ConnectionStatus = "connected"
	// StatusInitialized fires when the handshake completes.
	StatusInitialized ConnectionStatus = "initialized"
	// StatusDisconnected fires when the connection is torn down.
	StatusDisconnected ConnectionStatus = "disconnected"
)

// StatusHandler observes connection lifecycle transitions.
type StatusHandler func(status ConnectionStatus)

// Client drives one connection to a server: it owns the handshake, assigns
// request ids, and correlates responses back to their callers. Frames move
// through a ClientTransport; the Client never touches the wire directly.
type Client struct {
	info           protocol.Implementation
	capabilities   protocol.ClientCapabilities
	transport      ClientTransport
	logger         types.Logger
	requestTimeout time.Duration

	serverInfo         protocol.Implementation
	serverCapabilities protocol.ServerCapabilities
	negotiatedVersion  string
	instructions       string

	connected   bool
	initialized bool
	connectMu   sync.RWMutex

	nextID atomic.Int64

	pending   map[string]chan *protocol.Envelope
	pendingMu sync.Mutex

	notificationHandlers map[string]NotificationHandler
	handlersMu           sync.RWMutex

	statusHandler StatusHandler

	done      chan struct{}
	closeOnce sync.Once
}

// ClientOption configures a Client
type ClientOption func(c *Client)

// WithLogger sets the client logger
func WithLogger(logger types.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClientCapabilities sets the capabilities advertised during the handshake
func WithClientCapabilities(caps protocol.ClientCapabilities) ClientOption {
	return func(c *Client) {
		c.capabilities = caps
	}
}

// WithClientRequestTimeout sets the default deadline applied to requests
// whose context carries none
func WithClientRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithStatusHandler registers a callback for connection lifecycle transitions
func WithStatusHandler(handler StatusHandler) ClientOption {
	return func(c *Client) {
		c.statusHandler = handler
	}
}

// NewClient creates a client over the given transport. Connect must be
// called before any requests are sent.
func NewClient(name, version string, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:                 protocol.Implementation{Name: name, Version: version},
		transport:            transport,
		logger:               logx.NewDefaultLogger(),
		requestTimeout:       30 * time.Second,
		pending:              make(map[string]chan *protocol.Envelope),
		notificationHandlers: make(map[string]NotificationHandler),
		done:                 make(chan struct{}),
	}
	for _, option := range options {
		option(c)
	}
	transport.SetMessageHandler(c.handleMessage)
	return c
}

// ServerInfo returns the implementation the server reported during the
// handshake. Zero value before Connect succeeds.
func (c *Client) ServerInfo() protocol.Implementation {
	c.connectMu.RLock()
	defer c.connectMu.RUnlock()
	return c.serverInfo
}

// ServerCapabilities returns the capabilities negotiated during the handshake.
func (c *Client) ServerCapabilities() protocol.ServerCapabilities {
	c.connectMu.RLock()
	defer c.connectMu.RUnlock()
	return c.serverCapabilities
}

// NegotiatedVersion returns the protocol version agreed with the server.
func (c *Client) NegotiatedVersion() string {
	c.connectMu.RLock()
	defer c.connectMu.RUnlock()
	return c.negotiatedVersion
}

// Instructions returns the free-form guidance the server sent, if any.
func (c *Client) Instructions() string {
	c.connectMu.RLock()
	defer c.connectMu.RUnlock()
	return c.instructions
}

// IsInitialized reports whether the handshake has completed.
func (c *Client) IsInitialized() bool {
	c.connectMu.RLock()
	defer c.connectMu.RUnlock()
	return c.initialized
}

// OnNotification registers a handler for a server-originated notification
// method. Registering again for the same method replaces the handler.
func (c *Client) OnNotification(method string, handler NotificationHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.notificationHandlers[method] = handler
}

// Connect establishes the transport and runs the initialize handshake. On
// return the session is ready for SendRequest.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	if c.connected {
		c.connectMu.Unlock()
		return ErrAlreadyConnected
	}
	c.connectMu.Unlock()

	if err := c.transport.Connect(ctx); err != nil {
		return NewConnectionError(string(c.transport.TransportType()), "failed to connect", err)
	}

	c.connectMu.Lock()
	c.connected = true
	c.connectMu.Unlock()
	c.notifyStatus(StatusConnected)

	if err := c.initialize(ctx); err != nil {
		_ = c.transport.Close()
		c.connectMu.Lock()
		c.connected = false
		c.connectMu.Unlock()
		c.notifyStatus(StatusDisconnected)
		return fmt.Errorf("failed to initialize connection: %w", err)
	}
	c.notifyStatus(StatusInitialized)
	return nil
}

func (c *Client) notifyStatus(status ConnectionStatus) {
	if c.statusHandler != nil {
		c.statusHandler(status)
	}
}

// initialize performs the version negotiation with the server.
func (c *Client) initialize(ctx context.Context) error {
	params := protocol.InitializeParams{
		ProtocolVersion: protocol.CurrentProtocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	}

	resp, err := c.call(ctx, protocol.MethodInitialize, params)
	if err != nil {
		return err
	}

	var result protocol.InitializeResult
	if err := resp.UnmarshalPayload(&result); err != nil {
		return fmt.Errorf("%w: malformed initialize result: %v", ErrInvalidResponse, err)
	}

	switch result.ProtocolVersion {
	case protocol.CurrentProtocolVersion, protocol.OldProtocolVersion:
	default:
		return fmt.Errorf("%w: server offered %q", ErrVersionMismatch, result.ProtocolVersion)
	}

	c.connectMu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.negotiatedVersion = result.ProtocolVersion
	c.instructions = result.Instructions
	c.connectMu.Unlock()

	if err := c.SendNotification(ctx, protocol.MethodInitialized, nil); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	c.connectMu.Lock()
	c.initialized = true
	c.connectMu.Unlock()

	c.logger.Info("client: initialized, server=%s/%s protocol=%s",
		result.ServerInfo.Name, result.ServerInfo.Version, result.ProtocolVersion)
	return nil
}

// SendRequest sends a request and blocks until the response arrives, the
// context expires, or the session closes. The raw result payload is returned;
// a server-side error comes back as a *protocol.RPCError.
func (c *Client) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if !c.IsInitialized() {
		return nil, ErrNotConnected
	}
	resp, err := c.call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// SendNotification sends a fire-and-forget notification.
func (c *Client) SendNotification(ctx context.Context, method string, params interface{}) error {
	c.connectMu.RLock()
	connected := c.connected
	c.connectMu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	env, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return c.transport.Send(ctx, data)
}

// Ping round-trips a ping request.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.SendRequest(ctx, protocol.MethodPing, nil)
	return err
}

// call sends a request envelope and waits for its correlated reply.
func (c *Client) call(ctx context.Context, method string, params interface{}) (*protocol.Envelope, error) {
	id := protocol.IntID(c.nextID.Add(1))
	env, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	data, err := env.Encode()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
		deadline = start.Add(c.requestTimeout)
	}

	respCh := make(chan *protocol.Envelope, 1)
	key := id.Key()
	c.pendingMu.Lock()
	c.pending[key] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
	}()

	if err := c.transport.Send(ctx, data); err != nil {
		return nil, NewTransportError(string(c.transport.TransportType()), "failed to send request", err)
	}

	select {
	case resp := <-respCh:
		if resp.Kind == protocol.KindError {
			return nil, &protocol.RPCError{ErrorPayload: *resp.Err}
		}
		return resp, nil
	case <-ctx.Done():
		c.logger.Warn("client: request %s %s abandoned: %v", key, method, ctx.Err())
		if ctx.Err() == context.DeadlineExceeded {
			return nil, NewTimeoutError(method, deadline.Sub(start))
		}
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrSessionClosed
	}
}

// handleMessage is the transport's inbound frame callback.
func (c *Client) handleMessage(data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		c.logger.Warn("client: discarding undecodable frame: %v", err)
		return
	}

	switch env.Kind {
	case protocol.KindResponse, protocol.KindError:
		c.routeReply(env)
	case protocol.KindNotification:
		c.dispatchNotification(env)
	case protocol.KindRequest:
		c.handleServerRequest(env)
	}
}

// routeReply hands a response to the caller waiting on its id. Replies whose
// caller already gave up are dropped.
func (c *Client) routeReply(env *protocol.Envelope) {
	key := env.ID.Key()
	c.pendingMu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("client: discarding late reply for id %s", key)
		return
	}
	ch <- env
}

func (c *Client) dispatchNotification(env *protocol.Envelope) {
	// Handshake notifications belong to the engine, not user handlers.
	if protocol.IsReservedMethod(env.Method) {
		c.logger.Debug("client: ignoring reserved notification %q", env.Method)
		return
	}
	c.handlersMu.RLock()
	handler, ok := c.notificationHandlers[env.Method]
	c.handlersMu.RUnlock()
	if !ok {
		c.logger.Debug("client: no handler for notification %q", env.Method)
		return
	}
	handler(env.Method, env.Params)
}

// handleServerRequest answers the few requests a server may send. Ping gets
// an empty result; anything else is a method-not-found.
func (c *Client) handleServerRequest(env *protocol.Envelope) {
	var reply *protocol.Envelope
	if env.Method == protocol.MethodPing {
		resp, err := protocol.NewResponse(env.ID, map[string]interface{}{})
		if err != nil {
			c.logger.Error("client: failed to build ping response: %v", err)
			return
		}
		reply = resp
	} else {
		reply = protocol.NewErrorFrom(env.ID, protocol.NewMethodNotFoundError(env.Method))
	}

	data, err := reply.Encode()
	if err != nil {
		c.logger.Error("client: failed to encode reply: %v", err)
		return
	}
	if err := c.transport.Send(context.Background(), data); err != nil {
		c.logger.Error("client: failed to send reply to server request: %v", err)
	}
}

// Close tears down the connection. In-flight requests fail with
// ErrSessionClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.connectMu.Lock()
		c.connected = false
		c.initialized = false
		c.connectMu.Unlock()
		err = c.transport.Close()
		c.notifyStatus(StatusDisconnected)
	})
	return err
}
