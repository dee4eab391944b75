package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/tmaxmax/go-sse"
)

const maxSSEEventSize = 4 * 1024 * 1024

// sseTransport implements ClientTransport over a server-sent-events stream
// for the server-to-client direction and HTTP POST for the client-to-server
// direction. The POST endpoint is not configured up front: the server
// announces it in the first event on the stream.
type sseTransport struct {
	streamURL  *url.URL
	httpClient *http.Client
	options    *TransportOptions
	handler    MessageHandler

	messageURL    string
	endpointReady chan error
	readyOnce     sync.Once

	body      io.ReadCloser
	connected bool
	connMu    sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSSETransport creates a transport that connects to the given stream URL.
func NewSSETransport(streamURL string, options ...TransportOption) (ClientTransport, error) {
	opts := DefaultTransportOptions()
	for _, option := range options {
		option(opts)
	}

	u, err := url.Parse(streamURL)
	if err != nil {
		return nil, NewConnectionError(streamURL, "invalid stream URL", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, NewConnectionError(streamURL, fmt.Sprintf("unsupported scheme %q", u.Scheme), nil)
	}

	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	t := &sseTransport{
		streamURL:     u,
		httpClient:    client,
		options:       opts,
		endpointReady: make(chan error, 1),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, nil
}

func (t *sseTransport) SetMessageHandler(handler MessageHandler) {
	t.handler = handler
}

func (t *sseTransport) Connect(ctx context.Context) error {
	t.connMu.Lock()
	if t.connected {
		t.connMu.Unlock()
		return ErrAlreadyConnected
	}
	t.connMu.Unlock()

	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.streamURL.String(), nil)
	if err != nil {
		return NewConnectionError(t.streamURL.String(), "failed to create stream request", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for key, values := range t.options.Headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return NewConnectionError(t.streamURL.String(), "failed to open stream", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return NewConnectionError(t.streamURL.String(),
			fmt.Sprintf("unexpected status %d opening stream", resp.StatusCode), nil)
	}

	t.connMu.Lock()
	t.body = resp.Body
	t.connected = true
	t.connMu.Unlock()

	go t.readLoop(resp.Body)

	// The server must announce the message endpoint before anything else.
	select {
	case err := <-t.endpointReady:
		if err != nil {
			_ = t.Close()
			return err
		}
		return nil
	case <-ctx.Done():
		_ = t.Close()
		return NewConnectionError(t.streamURL.String(), "no endpoint announcement", ctx.Err())
	}
}

func (t *sseTransport) readLoop(body io.ReadCloser) {
	defer body.Close()

	config := &sse.ReadConfig{MaxEventSize: maxSSEEventSize}
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if t.ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				t.options.Logger.Error("sse: stream read failed: %v", err)
			}
			t.signalReady(NewConnectionError(t.streamURL.String(), "stream closed before endpoint announcement", err))
			t.connMu.Lock()
			t.connected = false
			t.connMu.Unlock()
			return
		}

		switch ev.Type {
		case "endpoint":
			if err := t.setMessageEndpoint(ev.Data); err != nil {
				t.options.Logger.Error("sse: rejecting endpoint %q: %v", ev.Data, err)
				t.signalReady(err)
				return
			}
			t.signalReady(nil)
		case "message", "":
			if t.messageEndpoint() == "" {
				t.options.Logger.Warn("sse: dropping message received before endpoint announcement")
				continue
			}
			if t.handler != nil {
				t.handler([]byte(ev.Data))
			}
		default:
			t.options.Logger.Debug("sse: ignoring event type %q", ev.Type)
		}
	}
}

// setMessageEndpoint validates and stores the POST URL announced by the
// server. A relative URL resolves against the stream URL; an absolute one
// must share the stream's scheme and host, otherwise a compromised or
// misconfigured server could redirect our messages elsewhere.
func (t *sseTransport) setMessageEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return NewConnectionError(t.streamURL.String(), "malformed endpoint URL", err)
	}
	if u.String() == "" {
		return NewConnectionError(t.streamURL.String(), "empty endpoint URL", nil)
	}
	if u.IsAbs() && (u.Scheme != t.streamURL.Scheme || u.Host != t.streamURL.Host) {
		return NewConnectionError(t.streamURL.String(),
			fmt.Sprintf("endpoint origin %s://%s does not match stream origin", u.Scheme, u.Host), nil)
	}
	resolved := t.streamURL.ResolveReference(u)

	t.connMu.Lock()
	t.messageURL = resolved.String()
	t.connMu.Unlock()
	return nil
}

func (t *sseTransport) messageEndpoint() string {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.messageURL
}

func (t *sseTransport) signalReady(err error) {
	t.readyOnce.Do(func() {
		t.endpointReady <- err
	})
}

func (t *sseTransport) Send(ctx context.Context, data []byte) error {
	endpoint := t.messageEndpoint()
	if !t.IsConnected() || endpoint == "" {
		return ErrNotConnected
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return NewTransportError("sse", "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, values := range t.options.Headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return NewTransportError("sse", "failed to post message", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return NewTransportError("sse",
			fmt.Sprintf("server rejected message with status %d: %s", resp.StatusCode, bytes.TrimSpace(body)), nil)
	}
	return nil
}

func (t *sseTransport) IsConnected() bool {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.connected
}

func (t *sseTransport) Close() error {
	t.cancel()
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.body != nil {
		_ = t.body.Close()
		t.body = nil
	}
	t.connected = false
	return nil
}

func (t *sseTransport) TransportType() TransportType {
	return TransportTypeSSE
}

var _ ClientTransport = (*sseTransport)(nil)
