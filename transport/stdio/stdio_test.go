package stdio

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lindenhall/conduit/transport"
	"github.com/lindenhall/conduit/types"
)

func newPipePair(t *testing.T) (*Transport, io.WriteCloser, io.Reader) {
	t.Helper()
	inReader, inWriter := io.Pipe()
	outReader, outWriter := io.Pipe()
	tr := NewTransport(inReader, outWriter, types.TransportOptions{})
	t.Cleanup(func() { _ = tr.Stop() })
	return tr, inWriter, outReader
}

func TestReceiveDeliversLines(t *testing.T) {
	tr, in, _ := newPipePair(t)
	require.NoError(t, tr.Start())

	go func() {
		_, _ = in.Write([]byte(`{"jsonrpc":"2.0","method":"ping","id":1}` + "\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := tr.Receive(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"ping","id":1}`, string(data))
}

func TestReceiveSplitsMultipleLines(t *testing.T) {
	tr, in, _ := newPipePair(t)
	require.NoError(t, tr.Start())

	go func() {
		_, _ = in.Write([]byte("{\"a\":1}\n{\"b\":2}\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(first))

	second, err := tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(second))
}

func TestSendAppendsNewline(t *testing.T) {
	tr, _, out := newPipePair(t)
	require.NoError(t, tr.Start())

	go func() {
		assert.NoError(t, tr.Send([]byte(`{"jsonrpc":"2.0","method":"ping"}`)))
	}()

	buf := make([]byte, 256)
	n, err := out.Read(buf)
	require.NoError(t, err)
	got := string(buf[:n])
	assert.Equal(t, `{"jsonrpc":"2.0","method":"ping"}`+"\n", got)
}

func TestReceiveAfterEOFReturnsClosed(t *testing.T) {
	tr, in, _ := newPipePair(t)
	require.NoError(t, tr.Start())
	require.NoError(t, in.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := tr.Receive(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrClosed), "expected ErrClosed, got %v", err)
}

func TestReceiveDeliversTrailingPartialLine(t *testing.T) {
	tr, in, _ := newPipePair(t)
	require.NoError(t, tr.Start())

	go func() {
		_, _ = in.Write([]byte(`{"tail":true}`)) // no newline
		_ = in.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"tail":true}`, string(data))
}

func TestReceiveHonorsContext(t *testing.T) {
	tr, _, _ := newPipePair(t)
	require.NoError(t, tr.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartTwiceFails(t *testing.T) {
	tr, _, _ := newPipePair(t)
	require.NoError(t, tr.Start())
	assert.Error(t, tr.Start())
}

func TestStopIsIdempotent(t *testing.T) {
	tr, _, _ := newPipePair(t)
	require.NoError(t, tr.Start())
	require.NoError(t, tr.Stop())
	assert.NoError(t, tr.Stop())
}

func TestSendAfterStopFails(t *testing.T) {
	tr, _, _ := newPipePair(t)
	require.NoError(t, tr.Start())
	require.NoError(t, tr.Stop())
	err := tr.Send([]byte(`{}`))
	assert.ErrorIs(t, err, transport.ErrClosed)
}
