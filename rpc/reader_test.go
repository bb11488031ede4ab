package rpc

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/guseggert/stdiorpc/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader hands out its data in fixed size chunks, and has no read deadlines.
type chunkReader struct {
	data  []byte
	size  int
	reads int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	c.reads++
	n := c.size
	if n > len(c.data) {
		n = len(c.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func mustFrame(t *testing.T, m *jsonrpc.Message) []byte {
	t.Helper()
	b, err := jsonrpc.Encode(m)
	require.NoError(t, err)
	return b
}

func response(id int64) *jsonrpc.Message {
	m, _ := jsonrpc.NewRequest(id, "", nil)
	m.Result = []byte(`{"ok":true}`)
	return m
}

func notification() *jsonrpc.Message {
	m, _ := jsonrpc.NewNotification("notifications/progress", map[string]any{"progress": 1})
	return m
}

func timeoutCtx(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestReadOneEveryChunkSize(t *testing.T) {
	full := mustFrame(t, response(1))
	for size := 1; size <= len(full); size++ {
		r := NewReader(&chunkReader{data: full, size: size})

		msg, err := r.ReadOne(timeoutCtx(t, 5*time.Second))
		require.NoError(t, err, "chunk size %d", size)
		assert.True(t, msg.MatchesID(1))
		assert.Zero(t, r.Buffered())

		// exactly once
		_, err = r.ReadOne(timeoutCtx(t, 5*time.Second))
		var cerr *ConnectionClosedError
		require.True(t, errors.As(err, &cerr), "chunk size %d: %v", size, err)
		assert.ErrorIs(t, err, io.EOF)
		require.NoError(t, r.Close())
	}
}

func TestReadOneDrainsBufferBeforeReading(t *testing.T) {
	data := append(mustFrame(t, response(1)), mustFrame(t, response(2))...)
	src := &chunkReader{data: data, size: len(data)}
	r := NewReader(src)
	defer r.Close()

	msg, err := r.ReadOne(timeoutCtx(t, 5*time.Second))
	require.NoError(t, err)
	assert.True(t, msg.MatchesID(1))
	assert.Equal(t, 1, src.reads)

	msg, err = r.ReadOne(timeoutCtx(t, 5*time.Second))
	require.NoError(t, err)
	assert.True(t, msg.MatchesID(2))
	assert.Equal(t, 1, src.reads)
}

func TestReadForIDSkipsUnrelated(t *testing.T) {
	var data []byte
	data = append(data, mustFrame(t, notification())...)
	data = append(data, mustFrame(t, response(5))...)
	stringID := response(0)
	stringID.ID = []byte(`"1"`)
	data = append(data, mustFrame(t, stringID)...)
	data = append(data, mustFrame(t, response(1))...)

	r := NewReader(&chunkReader{data: data, size: 7})
	defer r.Close()

	msg, err := r.ReadForID(timeoutCtx(t, 5*time.Second), 1)
	require.NoError(t, err)
	assert.True(t, msg.MatchesID(1))
	assert.JSONEq(t, `{"ok":true}`, string(msg.Result))
}

func TestReadForIDUnrelatedCap(t *testing.T) {
	var data []byte
	for i := 0; i < 3; i++ {
		data = append(data, mustFrame(t, notification())...)
	}
	data = append(data, mustFrame(t, response(1))...)

	r := NewReader(&chunkReader{data: data, size: len(data)}, WithMaxUnrelated(2))
	defer r.Close()
	_, err := r.ReadForID(timeoutCtx(t, 5*time.Second), 1)
	assert.ErrorIs(t, err, ErrTooManyUnrelated)

	r = NewReader(&chunkReader{data: data, size: len(data)}, WithMaxUnrelated(3))
	defer r.Close()
	msg, err := r.ReadForID(timeoutCtx(t, 5*time.Second), 1)
	require.NoError(t, err)
	assert.True(t, msg.MatchesID(1))
}

func TestReadOneProtocolErrorKeepsStream(t *testing.T) {
	data := append([]byte("Content-Length: ten\r\n\r\n"), mustFrame(t, response(4))...)
	r := NewReader(&chunkReader{data: data, size: 3})
	defer r.Close()

	_, err := r.ReadOne(timeoutCtx(t, 5*time.Second))
	var perr *jsonrpc.ProtocolError
	require.True(t, errors.As(err, &perr), "got %v", err)

	msg, err := r.ReadOne(timeoutCtx(t, 5*time.Second))
	require.NoError(t, err)
	assert.True(t, msg.MatchesID(4))
}

func TestReadOneDeadlineOnPipe(t *testing.T) {
	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()
	defer pw.Close()

	r := NewReader(pr)
	defer r.Close()

	full := mustFrame(t, response(9))
	half := len(full) / 2
	_, err = pw.Write(full[:half])
	require.NoError(t, err)

	start := time.Now()
	_, err = r.ReadOne(timeoutCtx(t, 100*time.Millisecond))
	var terr *TimeoutError
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	// nothing received so far is lost
	assert.Equal(t, half, r.Buffered())

	_, err = pw.Write(full[half:])
	require.NoError(t, err)
	msg, err := r.ReadOne(timeoutCtx(t, 5*time.Second))
	require.NoError(t, err)
	assert.True(t, msg.MatchesID(9))
}

func TestReadOneTimeoutWithoutDeadlines(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	r := NewReader(pr, WithTimeout(100*time.Millisecond))
	defer r.Close()

	// no deadline on the context, so the reader's default applies
	_, err := r.ReadOne(context.Background())
	var terr *TimeoutError
	require.True(t, errors.As(err, &terr), "got %v", err)

	frame := mustFrame(t, response(2))
	go func() {
		_, _ = pw.Write(frame)
	}()
	msg, err := r.ReadForID(timeoutCtx(t, 5*time.Second), 2)
	require.NoError(t, err)
	assert.True(t, msg.MatchesID(2))
}

func TestReadOneCanceled(t *testing.T) {
	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()
	defer pw.Close()
	r := NewReader(pr)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err = r.ReadOne(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCloseWakesPendingRead(t *testing.T) {
	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()
	defer pw.Close()
	r := NewReader(pr)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.ReadOne(timeoutCtx(t, 10*time.Second))
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("read was not woken by Close")
	}
}
