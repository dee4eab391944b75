// Package sse provides the Conduit server transport over Server-Sent Events,
// using a hybrid approach: a long-lived event stream for server->client
// traffic and HTTP POST for client->server traffic. The server side is plain
// net/http; no external SSE library is needed to emit events.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lindenhall/conduit/auth"
	"github.com/lindenhall/conduit/logx"
	"github.com/lindenhall/conduit/protocol"
	"github.com/lindenhall/conduit/types"
)

// SessionHandler is the interface the SSE transport needs from the core
// server logic. Decoupled from the concrete server type for testability.
type SessionHandler interface {
	HandleMessage(ctx context.Context, sessionID string, rawMessage json.RawMessage) []*protocol.Envelope
	RegisterSession(session types.ClientSession) error
	UnregisterSession(sessionID string)
}

const (
	defaultIdleTimeout   = 5 * time.Minute
	defaultSweepInterval = 30 * time.Second
	eventQueueDepth      = 100
)

// session represents one open event stream and implements types.ClientSession.
type session struct {
	id         string
	eventQueue chan string
	done       chan struct{}
	closeOnce  sync.Once
	closed     atomic.Bool

	initialized       atomic.Bool
	negotiatedVersion atomic.Value // string
	capsMu            sync.Mutex
	clientCaps        protocol.ClientCapabilities

	createdAt    time.Time
	lastActivity atomic.Int64 // unix nanos

	logger types.Logger
}

func newSession(logger types.Logger) *session {
	s := &session{
		id:         uuid.NewString(),
		eventQueue: make(chan string, eventQueueDepth),
		done:       make(chan struct{}),
		createdAt:  time.Now(),
		logger:     logger,
	}
	s.lastActivity.Store(s.createdAt.UnixNano())
	return s
}

func (s *session) SessionID() string { return s.id }

// SendEnvelope encodes the envelope and queues it as a "message" event.
func (s *session) SendEnvelope(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	event := fmt.Sprintf("event: message\ndata: %s\n\n", data)
	select {
	case s.eventQueue <- event:
		return nil
	case <-s.done:
		return fmt.Errorf("session %s closed", s.id)
	default:
		return fmt.Errorf("session %s event queue full", s.id)
	}
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
	return nil
}

func (s *session) Initialize()        { s.initialized.Store(true) }
func (s *session) Initialized() bool  { return s.initialized.Load() }
func (s *session) CreatedAt() time.Time { return s.createdAt }

func (s *session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *session) SetNegotiatedVersion(version string) {
	s.negotiatedVersion.Store(version)
}

func (s *session) NegotiatedVersion() string {
	if v, ok := s.negotiatedVersion.Load().(string); ok {
		return v
	}
	return ""
}

func (s *session) StoreClientCapabilities(caps protocol.ClientCapabilities) {
	s.capsMu.Lock()
	defer s.capsMu.Unlock()
	s.clientCaps = caps
}

func (s *session) ClientCapabilities() protocol.ClientCapabilities {
	s.capsMu.Lock()
	defer s.capsMu.Unlock()
	return s.clientCaps
}

var _ types.ClientSession = (*session)(nil)

// Server implements the hybrid SSE/HTTP POST transport. It is an http.Handler
// routing between the stream endpoint and the message endpoint, and
// optionally runs its own http.Server via Start.
type Server struct {
	handler SessionHandler
	logger  types.Logger

	sessionsMu sync.Mutex
	sessions   map[string]*session

	basePath        string
	streamEndpoint  string
	messageEndpoint string

	idleTimeout   time.Duration
	sweepInterval time.Duration

	validator auth.TokenValidator

	addr    string
	httpSrv *http.Server

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
}

// Options configure the SSE transport server.
type Options struct {
	Logger types.Logger

	// Addr is the listen address used by Start. Leave empty when mounting
	// the Server on an existing mux via ServeHTTP.
	Addr string

	BasePath        string
	StreamEndpoint  string
	MessageEndpoint string

	// IdleTimeout is how long a session may go without POST activity before
	// the sweeper closes its stream. Zero means the default.
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	// TokenValidator, when set, requires a valid bearer token on both the
	// stream and message endpoints.
	TokenValidator auth.TokenValidator
}

// NewServer creates the SSE transport bound to a session handler.
func NewServer(handler SessionHandler, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logx.NewDefaultLogger()
	}

	basePath := normalizePath(opts.BasePath, "")
	streamEndpoint := normalizePath(opts.StreamEndpoint, "/sse")
	messageEndpoint := normalizePath(opts.MessageEndpoint, "/message")

	idleTimeout := opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	sweepInterval := opts.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}

	return &Server{
		handler:         handler,
		logger:          logger,
		sessions:        make(map[string]*session),
		basePath:        basePath,
		streamEndpoint:  streamEndpoint,
		messageEndpoint: messageEndpoint,
		idleTimeout:     idleTimeout,
		sweepInterval:   sweepInterval,
		validator:       opts.TokenValidator,
		addr:            opts.Addr,
		done:            make(chan struct{}),
	}
}

func normalizePath(p, def string) string {
	if p == "" {
		p = def
	}
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimSuffix(p, "/")
}

// Start begins listening on the configured address and launches the idle
// sweeper. Fails if called twice.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("sse transport already started")
	}
	s.started = true
	s.mu.Unlock()

	go s.sweepLoop()

	if s.addr == "" {
		// Mounted on an external mux; nothing to listen on.
		return nil
	}

	s.httpSrv = &http.Server{Addr: s.addr, Handler: s}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("sse: http server error: %v", err)
		}
	}()
	s.logger.Info("sse: listening on %s (stream %s%s, message %s%s)",
		s.addr, s.basePath, s.streamEndpoint, s.basePath, s.messageEndpoint)
	return nil
}

// Stop closes every open session and shuts the HTTP server down. Idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.done)
	s.mu.Unlock()

	s.sessionsMu.Lock()
	for id, sess := range s.sessions {
		_ = sess.Close()
		delete(s.sessions, id)
	}
	s.sessionsMu.Unlock()

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// Broadcast queues the envelope on every open session's stream. A session
// whose stream is gone is dropped from the set rather than failing the rest.
func (s *Server) Broadcast(env *protocol.Envelope) {
	s.sessionsMu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.sessionsMu.Unlock()

	for _, sess := range targets {
		if err := sess.SendEnvelope(env); err != nil {
			s.logger.Warn("sse: dropping session %s: %v", sess.SessionID(), err)
			s.removeSession(sess.SessionID())
		}
	}
}

// SessionCount reports the number of open streams.
func (s *Server) SessionCount() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

func (s *Server) lookupSession(id string) (*session, bool) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) removeSession(id string) {
	s.sessionsMu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.sessionsMu.Unlock()
	if ok {
		_ = sess.Close()
		s.handler.UnregisterSession(id)
	}
}

// sweepLoop periodically closes sessions with no POST activity inside the
// idle window.
func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.idleTimeout)
			s.sessionsMu.Lock()
			var stale []string
			for id, sess := range s.sessions {
				if sess.LastActivity().Before(cutoff) {
					stale = append(stale, id)
				}
			}
			s.sessionsMu.Unlock()
			for _, id := range stale {
				s.logger.Info("sse: sweeping idle session %s", id)
				s.removeSession(id)
			}
		}
	}
}

// ServeHTTP routes between the stream and message endpoints.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if s.validator != nil {
		if _, err := auth.Authenticate(r.Context(), s.validator, r); err != nil {
			s.logger.Warn("sse: rejecting unauthenticated request from %s: %v", r.RemoteAddr, err)
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	switch r.URL.Path {
	case s.basePath + s.streamEndpoint:
		s.handleStream(w, r)
	case s.basePath + s.messageEndpoint:
		s.handleMessage(w, r)
	default:
		http.NotFound(w, r)
	}
}

// handleStream serves the long-lived event stream. The first frame is the
// endpoint event telling the client where to POST; every later frame is a
// message event carrying one encoded envelope.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sess := newSession(s.logger)
	s.sessionsMu.Lock()
	s.sessions[sess.SessionID()] = sess
	s.sessionsMu.Unlock()
	defer s.removeSession(sess.SessionID())

	if err := s.handler.RegisterSession(sess); err != nil {
		s.logger.Error("sse: failed to register session %s: %v", sess.SessionID(), err)
		http.Error(w, "Session registration failed", http.StatusInternalServerError)
		return
	}

	s.logger.Info("sse: stream opened for session %s from %s", sess.SessionID(), r.RemoteAddr)

	endpoint := fmt.Sprintf("%s%s?%s=%s", s.basePath, s.messageEndpoint, protocol.SessionIDParam, sess.SessionID())
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case event := <-sess.eventQueue:
			if _, err := io.WriteString(w, event); err != nil {
				s.logger.Warn("sse: write failed for session %s: %v", sess.SessionID(), err)
				return
			}
			flusher.Flush()
		case <-sess.done:
			return
		case <-ctx.Done():
			s.logger.Info("sse: stream closed by peer for session %s", sess.SessionID())
			return
		}
	}
}

// handleMessage accepts one envelope per POST. The JSON-RPC response travels
// back over the session's event stream; the POST itself is acknowledged with
// 204. A POST referencing an unknown session id gets a -32001 error and never
// reaches the dispatcher.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed,
			protocol.NewRPCError(protocol.ErrorCodeInvalidRequest, "Method not allowed, use POST"))
		return
	}

	sessionID := r.URL.Query().Get(protocol.SessionIDParam)
	if sessionID == "" {
		s.writeError(w, http.StatusBadRequest,
			protocol.NewRPCError(protocol.ErrorCodeInvalidParams, "Missing "+protocol.SessionIDParam+" query parameter"))
		return
	}

	sess, ok := s.lookupSession(sessionID)
	if !ok {
		s.writeError(w, http.StatusNotFound, protocol.NewSessionNotFoundError(sessionID))
		return
	}
	sess.Touch()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, protocol.NewParseError(err.Error()))
		return
	}

	responses := s.handler.HandleMessage(r.Context(), sessionID, body)
	for _, resp := range responses {
		if resp == nil {
			continue
		}
		if err := sess.SendEnvelope(resp); err != nil {
			s.logger.Error("sse: failed to queue response for session %s: %v", sessionID, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeError(w http.ResponseWriter, httpStatus int, rpcErr *protocol.RPCError) {
	env := protocol.NewError(protocol.NullID, &rpcErr.ErrorPayload)
	data, err := env.Encode()
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_, _ = w.Write(data)
}
