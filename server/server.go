// Package server implements the server side of a Conduit session: the
// handshake state machine, the per-session registry transports feed, and
// dispatch of incoming requests and notifications to registered handlers.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lindenhall/conduit/logx"
	"github.com/lindenhall/conduit/protocol"
	"github.com/lindenhall/conduit/types"
)

// Server is the transport-agnostic core of a Conduit server. Transports
// register one ClientSession per peer connection and feed raw messages in
// through HandleMessage; the server enforces handshake ordering and routes
// traffic to the Dispatcher.
type Server struct {
	name         string
	version      string
	instructions string
	capabilities protocol.ServerCapabilities

	logger     types.Logger
	dispatcher *Dispatcher

	sessionsMu sync.RWMutex
	sessions   map[string]types.ClientSession
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger used by the server and its dispatcher.
func WithLogger(logger types.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCapabilities sets the capabilities advertised during the handshake.
func WithCapabilities(caps protocol.ServerCapabilities) ServerOption {
	return func(s *Server) {
		s.capabilities = caps
	}
}

// WithInstructions sets the free-form instructions string returned from
// initialize.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithVersion sets the server's reported implementation version.
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// NewServer creates a server with the built-in ping handler registered.
func NewServer(name string, opts ...ServerOption) *Server {
	s := &Server{
		name:     name,
		version:  "0.1.0",
		sessions: make(map[string]types.ClientSession),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logx.NewDefaultLogger()
	}
	s.dispatcher = NewDispatcher(s.logger)

	// Liveness check every server answers.
	_ = s.dispatcher.RegisterMethod(protocol.MethodPing, nil,
		func(ctx context.Context, session types.ClientSession, params interface{}) (interface{}, error) {
			return map[string]interface{}{}, nil
		})

	return s
}

// Dispatcher exposes the method/notification registry for handler
// registration.
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// RegisterMethod is a convenience passthrough to the dispatcher.
func (s *Server) RegisterMethod(method string, decode ParamsFunc, handler MethodHandler) error {
	return s.dispatcher.RegisterMethod(method, decode, handler)
}

// RegisterNotification is a convenience passthrough to the dispatcher.
func (s *Server) RegisterNotification(method string, handler NotificationHandler) error {
	return s.dispatcher.RegisterNotification(method, handler)
}

// RegisterSession adds a transport-created session to the registry.
func (s *Server) RegisterSession(session types.ClientSession) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if _, exists := s.sessions[session.SessionID()]; exists {
		return fmt.Errorf("session %s already registered", session.SessionID())
	}
	s.sessions[session.SessionID()] = session
	s.logger.Debug("server: session %s registered", session.SessionID())
	return nil
}

// UnregisterSession removes a session from the registry. Unknown ids are a
// no-op.
func (s *Server) UnregisterSession(sessionID string) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, sessionID)
	s.logger.Debug("server: session %s unregistered", sessionID)
}

// SessionCount reports registered sessions.
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

// NotifySession sends a notification to one session.
func (s *Server) NotifySession(sessionID, method string, params interface{}) error {
	s.sessionsMu.RLock()
	session, ok := s.sessions[sessionID]
	s.sessionsMu.RUnlock()
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	env, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return session.SendEnvelope(env)
}

// NotifyAll broadcasts a notification to every initialized session.
func (s *Server) NotifyAll(method string, params interface{}) {
	env, err := protocol.NewNotification(method, params)
	if err != nil {
		s.logger.Error("server: failed to build notification %q: %v", method, err)
		return
	}
	s.sessionsMu.RLock()
	targets := make([]types.ClientSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		if session.Initialized() {
			targets = append(targets, session)
		}
	}
	s.sessionsMu.RUnlock()

	for _, session := range targets {
		if err := session.SendEnvelope(env); err != nil {
			s.logger.Warn("server: failed to notify session %s: %v", session.SessionID(), err)
		}
	}
}

// HandleMessage processes one raw inbound message for a session, which may be
// a single JSON-RPC object or a batch array. It returns the envelopes to send
// back; notifications produce none.
func (s *Server) HandleMessage(ctx context.Context, sessionID string, rawMessage json.RawMessage) []*protocol.Envelope {
	s.sessionsMu.RLock()
	session, ok := s.sessions[sessionID]
	s.sessionsMu.RUnlock()
	if !ok {
		s.logger.Error("server: message for unknown session %s", sessionID)
		return []*protocol.Envelope{protocol.NewErrorFrom(protocol.NullID, protocol.NewSessionNotFoundError(sessionID))}
	}
	session.Touch()

	trimmed := bytes.TrimSpace(rawMessage)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return []*protocol.Envelope{protocol.NewErrorFrom(protocol.NullID, protocol.NewParseError(err.Error()))}
		}
		if len(batch) == 0 {
			return []*protocol.Envelope{protocol.NewErrorFrom(protocol.NullID, protocol.NewInvalidRequestError("empty batch"))}
		}
		var responses []*protocol.Envelope
		for _, raw := range batch {
			if resp := s.handleSingle(ctx, session, raw); resp != nil {
				responses = append(responses, resp)
			}
		}
		return responses
	}

	if resp := s.handleSingle(ctx, session, trimmed); resp != nil {
		return []*protocol.Envelope{resp}
	}
	return nil
}

// handleSingle processes one envelope and returns the reply to send, if any.
func (s *Server) handleSingle(ctx context.Context, session types.ClientSession, raw json.RawMessage) *protocol.Envelope {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		s.logger.Warn("server: session %s sent undecodable message: %v", session.SessionID(), err)
		return protocol.NewErrorFrom(protocol.NullID, err)
	}

	if !session.Initialized() {
		return s.handleHandshakeMessage(ctx, session, env)
	}

	switch env.Kind {
	case protocol.KindRequest:
		if env.Method == protocol.MethodInitialize {
			return protocol.NewErrorFrom(env.ID,
				protocol.NewInvalidRequestError("session already initialized"))
		}
		return s.dispatcher.Dispatch(ctx, session, env)

	case protocol.KindNotification:
		if env.Method == protocol.MethodInitialized {
			s.logger.Debug("server: session %s sent duplicate initialized notification", session.SessionID())
			return nil
		}
		s.dispatcher.DispatchNotification(ctx, session, env)
		return nil

	case protocol.KindResponse, protocol.KindError:
		// This engine does not issue server-to-client requests; a reply has
		// no pending entry to resolve. Log and drop, never fatal.
		s.logger.Warn("server: session %s sent unexpected %s for id %s, dropping",
			session.SessionID(), env.Kind, env.ID)
		return nil
	}
	return nil
}

// handleHandshakeMessage enforces the initialization state machine: nothing
// but the initialize request and the initialized notification is admitted
// before the handshake completes, and a violation is fatal to the session.
func (s *Server) handleHandshakeMessage(ctx context.Context, session types.ClientSession, env *protocol.Envelope) *protocol.Envelope {
	switch {
	case env.Kind == protocol.KindRequest && env.Method == protocol.MethodInitialize:
		if session.NegotiatedVersion() != "" {
			return s.failSession(session, env.ID, "duplicate initialize request")
		}
		return s.handleInitialize(ctx, session, env)

	case env.Kind == protocol.KindNotification && env.Method == protocol.MethodInitialized:
		if session.NegotiatedVersion() == "" {
			_ = s.failSession(session, protocol.NullID, "initialized notification before initialize")
			return nil
		}
		session.Initialize()
		s.logger.Info("server: session %s initialized (version %s)",
			session.SessionID(), session.NegotiatedVersion())
		return nil

	case env.Kind == protocol.KindRequest:
		return s.failSession(session, env.ID,
			fmt.Sprintf("received request %q before initialization complete", env.Method))

	case env.Kind == protocol.KindNotification:
		_ = s.failSession(session, protocol.NullID,
			fmt.Sprintf("received notification %q before initialization complete", env.Method))
		return nil

	default:
		s.logger.Warn("server: session %s sent %s during handshake, dropping",
			session.SessionID(), env.Kind)
		return nil
	}
}

// failSession tears down a session after a handshake-ordering violation. The
// violation is fatal to this session only.
func (s *Server) failSession(session types.ClientSession, id protocol.RequestID, reason string) *protocol.Envelope {
	s.logger.Error("server: session %s: %s", session.SessionID(), reason)
	resp := protocol.NewErrorFrom(id, protocol.NewInvalidRequestError(reason))
	_ = session.SendEnvelope(resp)
	_ = session.Close()
	s.UnregisterSession(session.SessionID())
	return nil
}

// handleInitialize negotiates the protocol version, stores the client's
// capabilities on the session, and answers with the server's identity.
func (s *Server) handleInitialize(ctx context.Context, session types.ClientSession, env *protocol.Envelope) *protocol.Envelope {
	var params protocol.InitializeParams
	if err := protocol.UnmarshalPayload(env.Params, &params); err != nil {
		return protocol.NewErrorFrom(env.ID,
			protocol.NewInvalidParamsError(fmt.Sprintf("failed to parse initialize params: %v", err)))
	}

	var negotiated string
	switch params.ProtocolVersion {
	case protocol.CurrentProtocolVersion:
		negotiated = protocol.CurrentProtocolVersion
	case protocol.OldProtocolVersion:
		negotiated = protocol.OldProtocolVersion
	default:
		return protocol.NewErrorFrom(env.ID, protocol.NewRPCError(
			protocol.ErrorCodeUnsupportedProtocolVersion,
			fmt.Sprintf("unsupported protocol version %q; server supports %q and %q",
				params.ProtocolVersion, protocol.CurrentProtocolVersion, protocol.OldProtocolVersion)))
	}

	session.SetNegotiatedVersion(negotiated)
	session.StoreClientCapabilities(params.Capabilities)
	s.logger.Info("server: session %s initialize from %s %s (version %s)",
		session.SessionID(), params.ClientInfo.Name, params.ClientInfo.Version, negotiated)

	result := protocol.InitializeResult{
		ProtocolVersion: negotiated,
		Capabilities:    s.capabilities,
		ServerInfo:      protocol.Implementation{Name: s.name, Version: s.version},
		Instructions:    s.instructions,
	}
	resp, err := protocol.NewResponse(env.ID, result)
	if err != nil {
		return protocol.NewErrorFrom(env.ID, err)
	}
	return resp
}
