package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/stdiorpc/internal/testserver"
	"github.com/guseggert/stdiorpc/jsonrpc"
	"github.com/guseggert/stdiorpc/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	testserver.RunIfChild()
	os.Exit(m.Run())
}

func spawn(t *testing.T, opts ...string) *Client {
	t.Helper()
	c, err := Spawn(
		process.StartProcRequest{Command: testserver.Command(), Env: testserver.Env(opts...)},
		WithLogger(zaptest.NewLogger(t)),
		WithTimeout(10*time.Second),
		WithProcessOptions(process.WithTerminateWait(time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Teardown(time.Second) })
	return c
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name string `json:"name"`
	} `json:"serverInfo"`
}

func initialize(t *testing.T, c *Client) initializeResult {
	t.Helper()
	resp, err := c.Call(context.Background(), c.NextID(), "initialize", map[string]any{
		"protocolVersion": "2025-03-26",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "test", "version": "1.0"},
	})
	require.NoError(t, err)
	var res initializeResult
	require.NoError(t, resp.DecodeResult(&res))
	return res
}

func TestInitializeAndNotify(t *testing.T) {
	c := spawn(t)

	res := initialize(t, c)
	assert.Equal(t, "2025-03-26", res.ProtocolVersion)
	assert.Equal(t, "testserver", res.ServerInfo.Name)

	start := time.Now()
	require.NoError(t, c.Notify(context.Background(), "notifications/initialized", nil))
	assert.Less(t, time.Since(start), time.Second)

	resp, err := c.Request(context.Background(), "tools/list", map[string]any{})
	require.NoError(t, err)
	assert.True(t, resp.MatchesID(2))
	assert.Contains(t, string(resp.Result), "store_node")

	result := c.Teardown(5 * time.Second)
	assert.True(t, result.Exited)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, []process.Step{process.StepCloseStdin}, result.Escalation.Steps)
}

func TestServerFramingModes(t *testing.T) {
	for _, mode := range []string{"noisy", "chunked", "lf", "noisy,chunked,lf"} {
		t.Run(mode, func(t *testing.T) {
			c := spawn(t, strings.Split(mode, ",")...)
			assert.Equal(t, "2025-03-26", initialize(t, c).ProtocolVersion)
			for i := 0; i < 5; i++ {
				params := map[string]any{"n": i}
				resp, err := c.Request(context.Background(), "echo", params)
				require.NoError(t, err)
				assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(resp.Result))
			}
		})
	}
}

func TestCallTimeoutLeavesClientUsable(t *testing.T) {
	c := spawn(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, 41, "silent", nil)
	var terr *TimeoutError
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Equal(t, "silent", terr.Method)
	assert.Equal(t, int64(41), terr.ID)

	resp, err := c.Call(context.Background(), 42, "echo", map[string]any{"after": "timeout"})
	require.NoError(t, err)
	assert.True(t, resp.MatchesID(42))

	done := make(chan Result, 1)
	go func() { done <- c.Teardown(time.Second) }()
	select {
	case res := <-done:
		assert.True(t, res.Exited)
	case <-time.After(10 * time.Second):
		t.Fatal("teardown hung after a timeout")
	}
}

func TestWriteAfterChildExited(t *testing.T) {
	c := spawn(t, "exit-after=1")

	_, err := c.Request(context.Background(), "echo", map[string]any{})
	require.NoError(t, err)

	select {
	case <-c.Process().Done():
	case <-time.After(10 * time.Second):
		t.Fatal("child did not exit")
	}

	err = c.Notify(context.Background(), "notifications/initialized", nil)
	var cerr *ConnectionError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.True(t, cerr.Exited)
	assert.Equal(t, 3, cerr.ExitCode)

	_, err = c.Request(context.Background(), "echo", nil)
	require.True(t, errors.As(err, &cerr), "got %v", err)
}

func TestPartialWriteClosesClient(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	// cat does not read stdin for the first second, so a large frame fills the pipe
	c, err := Spawn(
		process.StartProcRequest{Command: "sleep 1; exec cat", Shell: true},
		WithLogger(zaptest.NewLogger(t)),
		WithProcessOptions(process.WithTerminateWait(time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Teardown(time.Second) })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = c.Call(ctx, 1, "big", map[string]any{"data": strings.Repeat("x", 300*1024)})
	var cerr *ConnectionError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.Equal(t, "write", cerr.Op)
	assert.Contains(t, cerr.Error(), "partial frame")
	var terr *TimeoutError
	assert.False(t, errors.As(err, &terr))

	ctx, cancel = context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = c.Call(ctx, 2, "echo", map[string]any{"a": 1})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConnectionClosedWhileWaiting(t *testing.T) {
	c := spawn(t)

	_, err := c.Request(context.Background(), "exit", nil)
	var cerr *ConnectionClosedError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.ErrorIs(t, err, io.EOF)
	if cerr.Exited {
		assert.Equal(t, testserver.ExitMethodCode, cerr.ExitCode)
	}
}

func TestRemoteError(t *testing.T) {
	c := spawn(t)

	resp, err := c.Request(context.Background(), "fail", nil)
	require.NoError(t, err)
	rerr := resp.RemoteErr()
	require.NotNil(t, rerr)
	assert.Equal(t, -32601, rerr.Code)

	var out map[string]any
	err = resp.DecodeResult(&out)
	var decoded *jsonrpc.RemoteError
	require.True(t, errors.As(err, &decoded), "got %v", err)
	assert.Equal(t, "boom", decoded.Message)
}

func TestProtocolErrorThenRecover(t *testing.T) {
	c := spawn(t)

	_, err := c.Request(context.Background(), "garbage", nil)
	var perr *jsonrpc.ProtocolError
	require.True(t, errors.As(err, &perr), "got %v", err)

	resp, err := c.Request(context.Background(), "echo", map[string]any{"still": "alive"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"still":"alive"}`, string(resp.Result))
}

func TestParallelClients(t *testing.T) {
	group, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 4; i++ {
		c := spawn(t, "noisy")
		group.Go(func() error {
			for j := 0; j < 20; j++ {
				resp, err := c.Request(ctx, "echo", map[string]any{"client": i, "n": j})
				if err != nil {
					return err
				}
				var out struct{ Client, N int }
				if err := resp.DecodeResult(&out); err != nil {
					return err
				}
				if out.Client != i || out.N != j {
					return fmt.Errorf("client %d got %+v for request %d", i, out, j)
				}
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
}

func TestTeardownReturnsStderr(t *testing.T) {
	c := spawn(t, "stderr=5")
	initialize(t, c)

	res := c.Teardown(5 * time.Second)
	assert.Equal(t, []string{"stderr line 0", "stderr line 1", "stderr line 2", "stderr line 3", "stderr line 4"}, res.Stderr)
	assert.Equal(t, []string{"stderr line 4"}, c.StderrTail(1))
}

func TestStderrFloodDoesNotStall(t *testing.T) {
	c := spawn(t)

	// far more than a pipe buffer holds
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_, err := c.Request(ctx, "flood", map[string]any{"lines": 5000})
	require.NoError(t, err)

	res := c.Teardown(5 * time.Second)
	assert.Len(t, res.Stderr, 5000)
}

func TestClosedClient(t *testing.T) {
	c := spawn(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Request(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Notify(context.Background(), "x", nil), ErrClosed)
}

func TestNewDoesNotOwnChild(t *testing.T) {
	p, err := process.Start(process.StartProcRequest{Command: testserver.Command(), Env: testserver.Env()})
	require.NoError(t, err)
	defer p.Shutdown(time.Second)

	c := New(p, WithName("borrowed"))
	assert.Nil(t, c.Process())
	initialize(t, c)

	res := c.Teardown(time.Second)
	assert.False(t, res.Exited)
	assert.Equal(t, process.StateRunning, p.State())

	esc := p.Shutdown(5 * time.Second)
	assert.True(t, esc.Exited)
}
