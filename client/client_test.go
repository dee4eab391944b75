package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lindenhall/conduit/logx"
	"github.com/lindenhall/conduit/protocol"
)

// fakeTransport is a scripted in-memory ClientTransport. Each frame the
// client sends is handed to the script, whose returned frames are delivered
// back through the message handler.
type fakeTransport struct {
	mu        sync.Mutex
	handler   MessageHandler
	sent      [][]byte
	script    func(data []byte) [][]byte
	connected bool
}

func newFakeTransport(script func(data []byte) [][]byte) *fakeTransport {
	return &fakeTransport{script: script}
}

// serverLike answers initialize and ping the way a well-behaved server does
// and swallows notifications.
func serverLike(data []byte) [][]byte {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		return nil
	}
	switch {
	case env.Kind == protocol.KindRequest && env.Method == protocol.MethodInitialize:
		result := protocol.InitializeResult{
			ProtocolVersion: protocol.CurrentProtocolVersion,
			ServerInfo:      protocol.Implementation{Name: "fake-server", Version: "9.9"},
			Instructions:    "be gentle",
		}
		resp, _ := protocol.NewResponse(env.ID, result)
		out, _ := resp.Encode()
		return [][]byte{out}
	case env.Kind == protocol.KindRequest && env.Method == protocol.MethodPing:
		resp, _ := protocol.NewResponse(env.ID, map[string]interface{}{})
		out, _ := resp.Encode()
		return [][]byte{out}
	}
	return nil
}

func (t *fakeTransport) SetMessageHandler(handler MessageHandler) {
	t.handler = handler
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *fakeTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.sent = append(t.sent, append([]byte(nil), data...))
	script := t.script
	t.mu.Unlock()

	if script != nil {
		for _, reply := range script(data) {
			// Deliver asynchronously like a real wire would.
			go t.handler(reply)
		}
	}
	return nil
}

func (t *fakeTransport) deliver(data []byte) {
	t.handler(data)
}

func (t *fakeTransport) sentFrames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.sent...)
}

func (t *fakeTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	return nil
}

func (t *fakeTransport) TransportType() TransportType { return TransportTypeStdio }

var _ ClientTransport = (*fakeTransport)(nil)

func newConnectedClient(t *testing.T, script func(data []byte) [][]byte) (*Client, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport(script)
	c := NewClient("test-client", "1.0", ft, WithLogger(logx.NopLogger{}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Close() })
	return c, ft
}

func TestConnectRunsHandshake(t *testing.T) {
	c, ft := newConnectedClient(t, serverLike)

	assert.True(t, c.IsInitialized())
	assert.Equal(t, "fake-server", c.ServerInfo().Name)
	assert.Equal(t, protocol.CurrentProtocolVersion, c.NegotiatedVersion())
	assert.Equal(t, "be gentle", c.Instructions())

	frames := ft.sentFrames()
	require.Len(t, frames, 2, "initialize request then initialized notification")

	first, err := protocol.DecodeEnvelope(frames[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.MethodInitialize, first.Method)
	assert.Equal(t, protocol.KindRequest, first.Kind)

	second, err := protocol.DecodeEnvelope(frames[1])
	require.NoError(t, err)
	assert.Equal(t, protocol.MethodInitialized, second.Method)
	assert.Equal(t, protocol.KindNotification, second.Kind)
}

func TestStatusHandlerObservesLifecycle(t *testing.T) {
	var mu sync.Mutex
	var seen []ConnectionStatus

	ft := newFakeTransport(serverLike)
	c := NewClient("test-client", "1.0", ft,
		WithLogger(logx.NopLogger{}),
		WithStatusHandler(func(status ConnectionStatus) {
			mu.Lock()
			seen = append(seen, status)
			mu.Unlock()
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ConnectionStatus{StatusConnected, StatusInitialized, StatusDisconnected}, seen)
}

func TestConnectRejectsUnknownServerVersion(t *testing.T) {
	ft := newFakeTransport(func(data []byte) [][]byte {
		env, err := protocol.DecodeEnvelope(data)
		if err != nil || env.Method != protocol.MethodInitialize {
			return nil
		}
		result := protocol.InitializeResult{ProtocolVersion: "1999-01-01"}
		resp, _ := protocol.NewResponse(env.ID, result)
		out, _ := resp.Encode()
		return [][]byte{out}
	})
	c := NewClient("test-client", "1.0", ft, WithLogger(logx.NopLogger{}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Connect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVersionMismatch)
	assert.False(t, c.IsInitialized())
}

func TestSendRequestBeforeConnectFails(t *testing.T) {
	ft := newFakeTransport(serverLike)
	c := NewClient("test-client", "1.0", ft, WithLogger(logx.NopLogger{}))
	_, err := c.SendRequest(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRequestIDsAreUnique(t *testing.T) {
	c, ft := newConnectedClient(t, serverLike)

	require.NoError(t, c.Ping(context.Background()))
	require.NoError(t, c.Ping(context.Background()))

	seen := map[string]bool{}
	for _, frame := range ft.sentFrames() {
		env, err := protocol.DecodeEnvelope(frame)
		require.NoError(t, err)
		if env.Kind != protocol.KindRequest {
			continue
		}
		key := env.ID.Key()
		assert.False(t, seen[key], "duplicate request id %s", key)
		seen[key] = true
	}
}

func TestRequestTimeoutAndLateReplyDiscard(t *testing.T) {
	// The script never answers; the request must time out and the reply
	// arriving afterwards must be dropped without disturbing anything.
	c, ft := newConnectedClient(t, func(data []byte) [][]byte {
		env, err := protocol.DecodeEnvelope(data)
		if err == nil && env.Method != "slow/op" {
			return serverLike(data)
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.SendRequest(ctx, "slow/op", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestTimeout)

	// Find the abandoned request's id and deliver its reply late.
	frames := ft.sentFrames()
	last, decodeErr := protocol.DecodeEnvelope(frames[len(frames)-1])
	require.NoError(t, decodeErr)
	late, _ := protocol.NewResponse(last.ID, map[string]string{"too": "late"})
	out, _ := late.Encode()
	ft.deliver(out)

	// Client is still healthy afterwards.
	require.NoError(t, c.Ping(context.Background()))
}

func TestTimeoutReportsEffectiveDeadline(t *testing.T) {
	// A caller-supplied deadline shorter than the client default must be the
	// duration the error reports.
	c, _ := newConnectedClient(t, func(data []byte) [][]byte {
		env, err := protocol.DecodeEnvelope(data)
		if err == nil && env.Method == protocol.MethodInitialize {
			return serverLike(data)
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	_, err := c.SendRequest(ctx, "slow/op", nil)
	require.Error(t, err)

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Less(t, te.Timeout, time.Second, "reported duration should come from the caller's deadline, not the 30s default")
	assert.Greater(t, te.Timeout, time.Duration(0))
}

func TestServerErrorSurfacesAsRPCError(t *testing.T) {
	c, _ := newConnectedClient(t, func(data []byte) [][]byte {
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			return nil
		}
		if env.Method == protocol.MethodInitialize {
			return serverLike(data)
		}
		if env.Kind == protocol.KindRequest {
			out, _ := protocol.NewErrorFrom(env.ID, protocol.NewMethodNotFoundError(env.Method)).Encode()
			return [][]byte{out}
		}
		return nil
	})

	_, err := c.SendRequest(context.Background(), "no/such/method", nil)
	require.Error(t, err)
	var rpcErr *protocol.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, protocol.ErrorCodeMethodNotFound, rpcErr.Code)
}

func TestNotificationDispatch(t *testing.T) {
	c, ft := newConnectedClient(t, serverLike)

	got := make(chan json.RawMessage, 1)
	c.OnNotification("status/changed", func(method string, params json.RawMessage) {
		got <- params
	})

	note, _ := protocol.NewNotification("status/changed", map[string]string{"state": "ready"})
	out, _ := note.Encode()
	ft.deliver(out)

	select {
	case params := <-got:
		assert.JSONEq(t, `{"state":"ready"}`, string(params))
	case <-time.After(time.Second):
		t.Fatal("notification handler never ran")
	}
}

func TestClientAnswersServerPing(t *testing.T) {
	c, ft := newConnectedClient(t, serverLike)
	_ = c

	ping, _ := protocol.NewRequest(protocol.IntID(77), protocol.MethodPing, nil)
	out, _ := ping.Encode()
	ft.deliver(out)

	assert.Eventually(t, func() bool {
		for _, frame := range ft.sentFrames() {
			env, err := protocol.DecodeEnvelope(frame)
			if err == nil && env.Kind == protocol.KindResponse && env.ID.Equal(protocol.IntID(77)) {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestCloseFailsInFlightRequests(t *testing.T) {
	c, _ := newConnectedClient(t, func(data []byte) [][]byte {
		env, err := protocol.DecodeEnvelope(data)
		if err == nil && env.Method == protocol.MethodInitialize {
			return serverLike(data)
		}
		return nil // never answer anything else
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), "slow/op", nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("request never failed after Close")
	}
}

func TestSSEEndpointOriginCheck(t *testing.T) {
	newTransport := func(streamURL string) *sseTransport {
		tr, err := NewSSETransport(streamURL, WithTransportLogger(logx.NopLogger{}))
		require.NoError(t, err)
		return tr.(*sseTransport)
	}

	t.Run("relative endpoint resolves against stream", func(t *testing.T) {
		tr := newTransport("http://localhost:8080/sse")
		require.NoError(t, tr.setMessageEndpoint(fmt.Sprintf("/message?%s=abc", protocol.SessionIDParam)))
		assert.Equal(t, "http://localhost:8080/message?"+protocol.SessionIDParam+"=abc", tr.messageEndpoint())
	})

	t.Run("same-origin absolute endpoint accepted", func(t *testing.T) {
		tr := newTransport("http://localhost:8080/sse")
		require.NoError(t, tr.setMessageEndpoint("http://localhost:8080/message"))
	})

	t.Run("cross-host endpoint rejected", func(t *testing.T) {
		tr := newTransport("http://localhost:8080/sse")
		assert.Error(t, tr.setMessageEndpoint("http://evil.example.com/message"))
	})

	t.Run("cross-scheme endpoint rejected", func(t *testing.T) {
		tr := newTransport("https://localhost:8080/sse")
		assert.Error(t, tr.setMessageEndpoint("http://localhost:8080/message"))
	})

	t.Run("empty endpoint rejected", func(t *testing.T) {
		tr := newTransport("http://localhost:8080/sse")
		assert.Error(t, tr.setMessageEndpoint(""))
	})
}
