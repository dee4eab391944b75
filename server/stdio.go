package server

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lindenhall/conduit/protocol"
	"github.com/lindenhall/conduit/transport"
	"github.com/lindenhall/conduit/types"
)

// stdioSession is the single client session of a pipe-served server and
// implements types.ClientSession over the transport's write side.
type stdioSession struct {
	id        string
	transport types.Transport
	logger    types.Logger

	initialized       atomic.Bool
	negotiatedVersion atomic.Value // string
	clientCaps        atomic.Value // protocol.ClientCapabilities

	createdAt    time.Time
	lastActivity atomic.Int64
}

func newStdioSession(t types.Transport, logger types.Logger) *stdioSession {
	s := &stdioSession{
		id:        uuid.NewString(),
		transport: t,
		logger:    logger,
		createdAt: time.Now(),
	}
	s.lastActivity.Store(s.createdAt.UnixNano())
	return s
}

func (s *stdioSession) SessionID() string { return s.id }

func (s *stdioSession) SendEnvelope(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return s.transport.Send(data)
}

func (s *stdioSession) Close() error {
	return s.transport.Stop()
}

func (s *stdioSession) Initialize()          { s.initialized.Store(true) }
func (s *stdioSession) Initialized() bool    { return s.initialized.Load() }
func (s *stdioSession) CreatedAt() time.Time { return s.createdAt }

func (s *stdioSession) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *stdioSession) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *stdioSession) SetNegotiatedVersion(version string) {
	s.negotiatedVersion.Store(version)
}

func (s *stdioSession) NegotiatedVersion() string {
	if v, ok := s.negotiatedVersion.Load().(string); ok {
		return v
	}
	return ""
}

func (s *stdioSession) StoreClientCapabilities(caps protocol.ClientCapabilities) {
	s.clientCaps.Store(caps)
}

func (s *stdioSession) ClientCapabilities() protocol.ClientCapabilities {
	if v, ok := s.clientCaps.Load().(protocol.ClientCapabilities); ok {
		return v
	}
	return protocol.ClientCapabilities{}
}

var _ types.ClientSession = (*stdioSession)(nil)

// Serve runs the server over the given transport until the peer disconnects
// or the context is cancelled. It owns the transport's lifecycle: Start is
// called before the read loop, Stop on the way out. One transport carries
// exactly one session.
func (s *Server) Serve(ctx context.Context, t types.Transport) error {
	if err := t.Start(); err != nil {
		return err
	}
	defer func() { _ = t.Stop() }()

	session := newStdioSession(t, s.logger)
	if err := s.RegisterSession(session); err != nil {
		return err
	}
	defer s.UnregisterSession(session.SessionID())

	s.logger.Info("server: serving session %s", session.SessionID())

	for {
		data, err := t.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
				s.logger.Info("server: session %s closed: %v", session.SessionID(), err)
				return nil
			}
			return err
		}
		if len(data) == 0 {
			continue
		}

		for _, resp := range s.HandleMessage(ctx, session.SessionID(), data) {
			if resp == nil {
				continue
			}
			if err := session.SendEnvelope(resp); err != nil {
				s.logger.Error("server: failed to write reply for session %s: %v", session.SessionID(), err)
				if errors.Is(err, transport.ErrClosed) {
					return nil
				}
			}
		}
	}
}
