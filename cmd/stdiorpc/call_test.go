package main

import (
	"testing"

	"github.com/guseggert/stdiorpc/probe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallScenarioKeepsParamsVerbatim(t *testing.T) {
	s, err := callScenario("echo", ` {"id": 9007199254740993, "f": 0.10000000000000001} `, "2024-11-05", false)
	require.NoError(t, err)
	require.Len(t, s.Steps, 3)
	assert.Equal(t, "initialize", s.Steps[0].Method)
	assert.Equal(t, "2024-11-05", s.ProtocolVersion)

	call := s.Steps[2]
	assert.Equal(t, "echo", call.Method)
	assert.Equal(t, `{"id": 9007199254740993, "f": 0.10000000000000001}`, string(call.RawParams))
	for _, step := range s.Steps {
		assert.Zero(t, step.MaxLatency, step.Name)
	}
}

func TestCallScenarioNoHandshake(t *testing.T) {
	s, err := callScenario("tools/list", "{}", probe.DefaultProtocolVersion, true)
	require.NoError(t, err)
	require.Len(t, s.Steps, 1)
	assert.Equal(t, "tools/list", s.Steps[0].Method)
}

func TestCallScenarioRejectsBadParams(t *testing.T) {
	for _, params := range []string{"", "[1,2]", "{", "42"} {
		_, err := callScenario("echo", params, probe.DefaultProtocolVersion, false)
		assert.Error(t, err, params)
	}
}
