package client

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"

	"github.com/lindenhall/conduit/transport"
	"github.com/lindenhall/conduit/transport/stdio"
	"github.com/lindenhall/conduit/types"
)

// stdioTransport implements ClientTransport over the stdin/stdout of a child
// process, or over a caller-supplied reader/writer pair.
type stdioTransport struct {
	command string
	args    []string
	reader  io.Reader
	writer  io.Writer
	options *TransportOptions
	handler MessageHandler

	transport *stdio.Transport
	cmd       *exec.Cmd
	connected bool
	connMu    sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewStdioTransport creates a transport that spawns command and speaks over
// its pipes.
func NewStdioTransport(command string, args []string, options ...TransportOption) ClientTransport {
	opts := DefaultTransportOptions()
	for _, option := range options {
		option(opts)
	}
	t := &stdioTransport{
		command: command,
		args:    args,
		options: opts,
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

// NewPipeTransport creates a transport over an existing reader/writer pair.
// Nothing is spawned; the caller owns the streams' lifetime.
func NewPipeTransport(reader io.Reader, writer io.Writer, options ...TransportOption) ClientTransport {
	opts := DefaultTransportOptions()
	for _, option := range options {
		option(opts)
	}
	t := &stdioTransport{
		reader:  reader,
		writer:  writer,
		options: opts,
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

func (t *stdioTransport) SetMessageHandler(handler MessageHandler) {
	t.handler = handler
}

func (t *stdioTransport) Connect(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.connected {
		return ErrAlreadyConnected
	}

	reader, writer := t.reader, t.writer
	if t.command != "" {
		cmd := exec.Command(t.command, t.args...)
		if t.options.Env != nil {
			cmd.Env = t.options.Env
		}

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return NewTransportError("stdio", "failed to create stdin pipe", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return NewTransportError("stdio", "failed to create stdout pipe", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return NewTransportError("stdio", "failed to create stderr pipe", err)
		}

		if err := cmd.Start(); err != nil {
			return NewTransportError("stdio", "failed to start process "+t.command, err)
		}
		t.cmd = cmd
		reader, writer = stdout, stdin

		go t.drainStderr(stderr)
		go func() {
			if err := cmd.Wait(); err != nil && t.ctx.Err() == nil {
				t.options.Logger.Warn("stdio: process %s exited: %v", t.command, err)
			}
		}()
	}

	t.transport = stdio.NewTransport(reader, writer, types.TransportOptions{
		Logger:     t.options.Logger,
		BufferSize: t.options.BufferSize,
	})
	if err := t.transport.Start(); err != nil {
		return NewTransportError("stdio", "failed to start transport", err)
	}
	t.connected = true

	go t.receiveLoop()
	return nil
}

func (t *stdioTransport) drainStderr(stderr io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			t.options.Logger.Info("stdio: stderr: %s", buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (t *stdioTransport) receiveLoop() {
	for {
		data, err := t.transport.Receive(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) {
				t.options.Logger.Error("stdio: receive failed: %v", err)
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

func (t *stdioTransport) Send(ctx context.Context, data []byte) error {
	if !t.IsConnected() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.transport.Send(data); err != nil {
		return NewTransportError("stdio", "failed to send", err)
	}
	return nil
}

func (t *stdioTransport) IsConnected() bool {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.connected
}

func (t *stdioTransport) Close() error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if !t.connected && t.transport == nil {
		return nil
	}
	t.cancel()

	var err error
	if t.transport != nil {
		err = t.transport.Stop()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		if killErr := t.cmd.Process.Kill(); killErr != nil && err == nil {
			err = killErr
		}
	}
	t.connected = false
	return err
}

func (t *stdioTransport) TransportType() TransportType {
	return TransportTypeStdio
}

var _ ClientTransport = (*stdioTransport)(nil)
