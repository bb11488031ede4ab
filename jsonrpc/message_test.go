package jsonrpc

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestParams(t *testing.T) {
	m, err := NewRequest(1, "echo", nil)
	require.NoError(t, err)
	assert.Empty(t, m.Params)
	assert.Equal(t, `{"jsonrpc":"2.0","id":1,"method":"echo"}`, m.String())

	m, err = NewRequest(2, "echo", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(m.Params))

	_, err = NewRequest(3, "echo", json.RawMessage(`{"a":`))
	var eerr *EncodingError
	assert.True(t, errors.As(err, &eerr))

	_, err = NewRequest(4, "echo", map[string]any{"f": math.Inf(1)})
	assert.True(t, errors.As(err, &eerr))

	_, err = NewNotification("echo", func() {})
	assert.True(t, errors.As(err, &eerr))
}

func TestNotification(t *testing.T) {
	m, err := NewNotification("notifications/initialized", map[string]any{})
	require.NoError(t, err)
	assert.True(t, m.IsNotification())
	assert.False(t, m.IsResponse())
	assert.Nil(t, m.ID)
}

func TestMatchesID(t *testing.T) {
	cases := []struct {
		raw   string
		id    int64
		match bool
	}{
		{`1`, 1, true},
		{`1.0`, 1, true},
		{`1e0`, 1, true},
		{`2`, 1, false},
		{`"1"`, 1, false},
		{`null`, 0, false},
		{``, 0, false},
		{`1.5`, 1, false},
	}
	for _, c := range cases {
		m := &Message{ID: json.RawMessage(c.raw)}
		assert.Equal(t, c.match, m.MatchesID(c.id), "id %q", c.raw)
	}
}

func TestDecodeResult(t *testing.T) {
	m := &Message{JSONRPC: Version, ID: json.RawMessage(`1`), Result: json.RawMessage(`{"protocolVersion":"2025-03-26"}`)}
	var out struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	require.NoError(t, m.DecodeResult(&out))
	assert.Equal(t, "2025-03-26", out.ProtocolVersion)
	assert.Nil(t, m.RemoteErr())

	m = &Message{JSONRPC: Version, ID: json.RawMessage(`1`)}
	assert.ErrorIs(t, m.DecodeResult(&out), ErrNullResult)
}

func TestDecodeResultRemoteError(t *testing.T) {
	m := &Message{JSONRPC: Version, ID: json.RawMessage(`1`), Error: json.RawMessage(`{"code":-32601,"message":"boom"}`)}
	assert.True(t, m.IsResponse())

	var out map[string]any
	err := m.DecodeResult(&out)
	var rerr *RemoteError
	require.True(t, errors.As(err, &rerr), "got %v", err)
	assert.Equal(t, -32601, rerr.Code)
	assert.Equal(t, "boom", rerr.Message)

	rerr = m.RemoteErr()
	require.NotNil(t, rerr)
	assert.Equal(t, -32601, rerr.Code)
}

func TestRemoteErrUnparseable(t *testing.T) {
	m := &Message{Error: json.RawMessage(`"just a string"`)}
	rerr := m.RemoteErr()
	require.NotNil(t, rerr)
	assert.Equal(t, -32000, rerr.Code)
	assert.Equal(t, `"just a string"`, rerr.Message)
}
