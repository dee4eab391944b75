// Package stdio provides a Transport implementation over a pair of byte
// streams, framed as one JSON object per line. It backs both the server side
// (reading stdin, writing stdout) and the client side of a spawned child
// process (reading the child's stdout, writing its stdin).
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/lindenhall/conduit/logx"
	"github.com/lindenhall/conduit/transport"
	"github.com/lindenhall/conduit/types"
)

const defaultBufferSize = 64 * 1024

// Transport implements types.Transport over an io.Reader/io.Writer pair with
// newline-delimited framing. stderr never passes through here; it is reserved
// for diagnostics.
type Transport struct {
	reader  io.Reader
	writer  io.Writer
	logger  types.Logger
	bufSize int

	writeMu sync.Mutex

	mu      sync.Mutex
	started bool
	closed  bool

	inbox chan readResult
	done  chan struct{}

	// Originals kept for closing, if closable.
	rawReader io.Reader
	rawWriter io.Writer
}

type readResult struct {
	data []byte
	err  error
}

// NewStdioTransport creates a Transport over the process's own stdin/stdout.
func NewStdioTransport() *Transport {
	return NewTransport(os.Stdin, os.Stdout, types.TransportOptions{})
}

// NewTransport creates a Transport over the provided reader and writer. This
// is what the client-side process binding and the tests use.
func NewTransport(reader io.Reader, writer io.Writer, opts types.TransportOptions) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = logx.NopLogger{}
	}
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &Transport{
		reader:    reader,
		writer:    writer,
		logger:    logger,
		bufSize:   bufSize,
		rawReader: reader,
		rawWriter: writer,
		done:      make(chan struct{}),
	}
}

// Start launches the read loop. Calling Start twice is an error.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	if t.started {
		return transport.ErrAlreadyStarted
	}
	t.started = true
	t.inbox = make(chan readResult, 16)
	go t.readLoop()
	return nil
}

// readLoop accumulates bytes until a line terminator and delivers one framed
// message per channel send. It exits on the first read error, delivering any
// partial trailing line first.
func (t *Transport) readLoop() {
	reader := bufio.NewReaderSize(t.reader, t.bufSize)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			msg := bytes.TrimRight(line, "\r\n")
			select {
			case t.inbox <- readResult{data: msg}:
			case <-t.done:
				return
			}
		}
		if err != nil {
			readErr := err
			if errors.Is(err, io.EOF) || isPipeClosed(err) {
				// Peer went away. Surface as a closed transport, not a
				// silent empty read.
				readErr = fmt.Errorf("%w: %v", transport.ErrClosed, err)
			}
			select {
			case t.inbox <- readResult{err: readErr}:
			case <-t.done:
			}
			return
		}
	}
}

// Receive returns the next framed message, blocking until one is available,
// the context is cancelled, or the transport closes.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, transport.ErrClosed
	}
	if !t.started {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport not started")
	}
	inbox := t.inbox
	t.mu.Unlock()

	select {
	case res := <-inbox:
		return res.data, res.err
	case <-t.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send writes one message followed by a single newline, flushing the writer
// when it supports flushing.
func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	t.mu.Unlock()

	if len(data) == 0 {
		return fmt.Errorf("cannot send empty message")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	data = bytes.TrimRight(data, "\n")
	data = append(data, '\n')

	if _, err := t.writer.Write(data); err != nil {
		if errors.Is(err, io.ErrClosedPipe) || isPipeClosed(err) {
			t.logger.Warn("stdio: write to closed pipe: %v", err)
			_ = t.Stop()
			return fmt.Errorf("%w: %v", transport.ErrClosed, err)
		}
		return fmt.Errorf("failed to write message: %w", err)
	}

	if flusher, ok := t.writer.(interface{ Flush() error }); ok {
		if err := flusher.Flush(); err != nil {
			t.logger.Warn("stdio: failed to flush writer: %v", err)
		}
	}
	return nil
}

// Stop closes the transport and the underlying streams if they are closable.
// Safe to call more than once.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	var firstErr error
	if closer, ok := t.rawWriter.(io.Closer); ok {
		if err := closer.Close(); err != nil && !isPipeClosed(err) {
			firstErr = err
		}
	}
	if closer, ok := t.rawReader.(io.Closer); ok {
		if err := closer.Close(); err != nil && !isPipeClosed(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func isPipeClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "pipe closed") || strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "file already closed")
}

var _ types.Transport = (*Transport)(nil)
