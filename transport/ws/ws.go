// Package ws provides the Conduit server transport over WebSocket, using
// gobwas/ws. Each accepted connection becomes a tracked session; frames are
// UTF-8 JSON text frames carrying one envelope each.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/lindenhall/conduit/auth"
	"github.com/lindenhall/conduit/logx"
	"github.com/lindenhall/conduit/protocol"
	"github.com/lindenhall/conduit/types"
)

// DefaultShutdownTimeout bounds graceful shutdown in Stop.
const DefaultShutdownTimeout = 10 * time.Second

// SessionHandler is the interface the WebSocket transport needs from the core
// server logic.
type SessionHandler interface {
	HandleMessage(ctx context.Context, sessionID string, rawMessage json.RawMessage) []*protocol.Envelope
	RegisterSession(session types.ClientSession) error
	UnregisterSession(sessionID string)
}

// session is one tracked WebSocket peer, keyed by connection identity.
type session struct {
	id      string
	conn    net.Conn
	writeMu sync.Mutex

	closeOnce sync.Once

	initialized       atomic.Bool
	negotiatedVersion atomic.Value // string
	capsMu            sync.Mutex
	clientCaps        protocol.ClientCapabilities

	createdAt    time.Time
	lastActivity atomic.Int64
}

func newSession(conn net.Conn) *session {
	s := &session{
		id:        uuid.NewString(),
		conn:      conn,
		createdAt: time.Now(),
	}
	s.lastActivity.Store(s.createdAt.UnixNano())
	return s
}

func (s *session) SessionID() string { return s.id }

// SendEnvelope writes one envelope as a single text frame.
func (s *session) SendEnvelope(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsutil.WriteServerMessage(s.conn, ws.OpText, data)
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

func (s *session) Initialize()          { s.initialized.Store(true) }
func (s *session) Initialized() bool    { return s.initialized.Load() }
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

// Options configure the WebSocket transport server.
type Options struct {
	Logger types.Logger

	// Addr is the listen address used by Start. Leave empty when mounting
	// the Server on an existing mux via ServeHTTP.
	Addr string

	// TokenValidator, when set, requires a valid bearer token on the
	// upgrade request.
	TokenValidator auth.TokenValidator
}

// Server implements the WebSocket transport. Outbound traffic not tied to a
// specific request is broadcast to every tracked connection.
type Server struct {
	handler SessionHandler
	logger  types.Logger

	sessionsMu sync.Mutex
	sessions   map[string]*session

	validator auth.TokenValidator

	addr    string
	httpSrv *http.Server

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewServer creates the WebSocket transport bound to a session handler.
func NewServer(handler SessionHandler, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logx.NewDefaultLogger()
	}
	return &Server{
		handler:   handler,
		logger:    logger,
		sessions:  make(map[string]*session),
		validator: opts.TokenValidator,
		addr:      opts.Addr,
	}
}

// Start begins accepting upgrade requests. Fails if called twice.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("ws transport already started")
	}
	s.started = true
	s.mu.Unlock()

	if s.addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/", s)
	s.httpSrv = &http.Server{Addr: s.addr, Handler: mux}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ws: http server error: %v", err)
		}
	}()
	s.logger.Info("ws: listening on %s", s.addr)
	return nil
}

// Stop closes every tracked connection and shuts the HTTP server down.
// Idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.sessionsMu.Lock()
	for id, sess := range s.sessions {
		_ = sess.Close()
		delete(s.sessions, id)
	}
	s.sessionsMu.Unlock()

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// Broadcast writes the envelope to every tracked connection, pruning any that
// fail.
func (s *Server) Broadcast(env *protocol.Envelope) {
	s.sessionsMu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.sessionsMu.Unlock()

	for _, sess := range targets {
		if err := sess.SendEnvelope(env); err != nil {
			s.logger.Warn("ws: dropping session %s: %v", sess.SessionID(), err)
			s.removeSession(sess.SessionID())
		}
	}
}

// SessionCount reports the number of tracked connections.
func (s *Server) SessionCount() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
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

// ServeHTTP upgrades the connection, negotiating the protocol family's
// subprotocol token. Clients that do not offer it are rejected.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.validator != nil {
		if _, err := auth.Authenticate(r.Context(), s.validator, r); err != nil {
			s.logger.Warn("ws: rejecting unauthenticated upgrade from %s: %v", r.RemoteAddr, err)
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	if !offersSubprotocol(r, protocol.WebSocketSubprotocol) {
		http.Error(w, fmt.Sprintf("subprotocol %q required", protocol.WebSocketSubprotocol), http.StatusBadRequest)
		return
	}

	upgrader := ws.HTTPUpgrader{
		Protocol: func(p string) bool {
			return p == protocol.WebSocketSubprotocol
		},
	}
	conn, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		s.logger.Warn("ws: upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	sess := newSession(conn)
	s.sessionsMu.Lock()
	s.sessions[sess.SessionID()] = sess
	s.sessionsMu.Unlock()

	if err := s.handler.RegisterSession(sess); err != nil {
		s.logger.Error("ws: failed to register session %s: %v", sess.SessionID(), err)
		s.removeSession(sess.SessionID())
		return
	}

	s.logger.Info("ws: connection established for session %s from %s", sess.SessionID(), r.RemoteAddr)
	go s.readLoop(sess)
}

func offersSubprotocol(r *http.Request, want string) bool {
	for _, header := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, token := range strings.Split(header, ",") {
			if strings.TrimSpace(token) == want {
				return true
			}
		}
	}
	return false
}

// readLoop decodes one envelope per inbound frame and hands it to the core
// server. Responses, including the error envelope for a frame that fails to
// decode, go back to this connection only; the connection stays open after a
// decode failure.
func (s *Server) readLoop(sess *session) {
	defer s.removeSession(sess.SessionID())

	for {
		msg, op, err := wsutil.ReadClientData(sess.conn)
		if err != nil {
			s.logger.Debug("ws: session %s read ended: %v", sess.SessionID(), err)
			return
		}
		if op == ws.OpClose {
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		sess.Touch()
		responses := s.handler.HandleMessage(context.Background(), sess.SessionID(), msg)
		for _, resp := range responses {
			if resp == nil {
				continue
			}
			if err := sess.SendEnvelope(resp); err != nil {
				s.logger.Warn("ws: failed to write response to session %s: %v", sess.SessionID(), err)
				return
			}
		}
	}
}
