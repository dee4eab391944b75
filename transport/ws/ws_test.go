package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lindenhall/conduit/protocol"
	"github.com/lindenhall/conduit/types"
)

type fakeHandler struct {
	mu       sync.Mutex
	sessions map[string]types.ClientSession
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{sessions: make(map[string]types.ClientSession)}
}

// HandleMessage answers every request with an echo of its method, and every
// undecodable frame with the matching error envelope.
func (h *fakeHandler) HandleMessage(ctx context.Context, sessionID string, raw json.RawMessage) []*protocol.Envelope {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		return []*protocol.Envelope{protocol.NewErrorFrom(protocol.NullID, err)}
	}
	if env.Kind != protocol.KindRequest {
		return nil
	}
	resp, _ := protocol.NewResponse(env.ID, map[string]string{"method": env.Method})
	return []*protocol.Envelope{resp}
}

func (h *fakeHandler) RegisterSession(session types.ClientSession) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[session.SessionID()] = session
	return nil
}

func (h *fakeHandler) UnregisterSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, sessionID)
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, ts *httptest.Server) net.Conn {
	t.Helper()
	dialer := ws.Dialer{Protocols: []string{protocol.WebSocketSubprotocol}}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, hs, err := dialer.Dial(ctx, wsURL(ts))
	require.NoError(t, err)
	require.Equal(t, protocol.WebSocketSubprotocol, hs.Protocol)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestUpgradeRequiresSubprotocol(t *testing.T) {
	srv := NewServer(newFakeHandler(), Options{})
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, wsURL(ts))
	if conn != nil {
		conn.Close()
	}
	assert.Error(t, err)
}

func TestRequestResponse(t *testing.T) {
	srv := NewServer(newFakeHandler(), Options{})
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Stop()

	conn := dial(t, ts)

	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"jsonrpc":"2.0","id":3,"method":"status/get"}`)))

	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	env, err := protocol.DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindResponse, env.Kind)
	assert.Equal(t, "3", env.ID.String())
}

func TestDecodeFailureDoesNotCloseConnection(t *testing.T) {
	srv := NewServer(newFakeHandler(), Options{})
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Stop()

	conn := dial(t, ts)

	// Garbage first: expect a parse error frame, connection stays usable.
	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{not json`)))
	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	env, err := protocol.DecodeEnvelope(data)
	require.NoError(t, err)
	require.Equal(t, protocol.KindError, env.Kind)
	assert.Equal(t, protocol.ErrorCodeParseError, env.Err.Code)

	// Then a valid request on the same connection.
	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"jsonrpc":"2.0","id":4,"method":"ping"}`)))
	data, err = wsutil.ReadServerText(conn)
	require.NoError(t, err)
	env, err = protocol.DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindResponse, env.Kind)
}

func TestBroadcastReachesAllConnections(t *testing.T) {
	handler := newFakeHandler()
	srv := NewServer(handler, Options{})
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Stop()

	conn1 := dial(t, ts)
	conn2 := dial(t, ts)

	require.Eventually(t, func() bool { return srv.SessionCount() == 2 },
		time.Second, 10*time.Millisecond)

	note, err := protocol.NewNotification("status/changed", nil)
	require.NoError(t, err)
	srv.Broadcast(note)

	for _, conn := range []net.Conn{conn1, conn2} {
		data, err := wsutil.ReadServerText(conn)
		require.NoError(t, err)
		env, err := protocol.DecodeEnvelope(data)
		require.NoError(t, err)
		assert.Equal(t, "status/changed", env.Method)
	}
}

func TestClientDisconnectRemovesSession(t *testing.T) {
	handler := newFakeHandler()
	srv := NewServer(handler, Options{})
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Stop()

	conn := dial(t, ts)
	require.Eventually(t, func() bool { return srv.SessionCount() == 1 },
		time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return srv.SessionCount() == 0 },
		time.Second, 10*time.Millisecond)
}
