package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/lindenhall/conduit/protocol"
)

// wsTransport implements ClientTransport over a WebSocket connection. One
// text frame carries one message in each direction.
type wsTransport struct {
	serverURL *url.URL
	options   *TransportOptions
	handler   MessageHandler

	conn      net.Conn
	writeMu   sync.Mutex
	connected bool
	connMu    sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWebSocketTransport creates a transport that dials the given ws:// or
// wss:// URL.
func NewWebSocketTransport(serverURL string, options ...TransportOption) (ClientTransport, error) {
	opts := DefaultTransportOptions()
	for _, option := range options {
		option(opts)
	}

	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, NewConnectionError(serverURL, "invalid server URL", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, NewConnectionError(serverURL,
			fmt.Sprintf("invalid URL scheme %q (must be ws:// or wss://)", u.Scheme), nil)
	}

	t := &wsTransport{
		serverURL: u,
		options:   opts,
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, nil
}

func (t *wsTransport) SetMessageHandler(handler MessageHandler) {
	t.handler = handler
}

func (t *wsTransport) Connect(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.connected {
		return ErrAlreadyConnected
	}

	dialer := ws.Dialer{
		Protocols: []string{protocol.WebSocketSubprotocol},
	}
	if t.options.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.options.ConnectTimeout)
		defer cancel()
	}

	conn, _, hs, err := dialer.Dial(ctx, t.serverURL.String())
	if err != nil {
		return NewConnectionError(t.serverURL.String(), "failed to establish connection", err)
	}
	if hs.Protocol != protocol.WebSocketSubprotocol {
		conn.Close()
		return NewConnectionError(t.serverURL.String(),
			fmt.Sprintf("server did not accept subprotocol %q", protocol.WebSocketSubprotocol), nil)
	}

	t.conn = conn
	t.connected = true

	go t.readLoop(conn)
	return nil
}

func (t *wsTransport) readLoop(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			if t.ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				var closed wsutil.ClosedError
				if !errors.As(err, &closed) {
					t.options.Logger.Error("websocket: read failed: %v", err)
				}
			}
			t.connMu.Lock()
			t.connected = false
			t.connMu.Unlock()
			return
		}
		if len(data) == 0 {
			continue
		}
		if t.handler != nil {
			t.handler(data)
		}
	}
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	t.connMu.RLock()
	conn, connected := t.conn, t.connected
	t.connMu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := wsutil.WriteClientText(conn, data); err != nil {
		return NewTransportError("websocket", "failed to write frame", err)
	}
	return nil
}

func (t *wsTransport) IsConnected() bool {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.connected
}

func (t *wsTransport) Close() error {
	t.cancel()
	t.connMu.Lock()
	defer t.connMu.Unlock()

	var err error
	if t.conn != nil {
		frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		t.writeMu.Lock()
		_ = ws.WriteFrame(t.conn, ws.MaskFrame(frame))
		t.writeMu.Unlock()
		err = t.conn.Close()
		t.conn = nil
	}
	t.connected = false
	return err
}

func (t *wsTransport) TransportType() TransportType {
	return TransportTypeWebSocket
}

var _ ClientTransport = (*wsTransport)(nil)
