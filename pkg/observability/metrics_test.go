package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportTextFormat(t *testing.T) {
	m := NewMetrics()
	m.RecordTokens("chat", "default", 100, 25)
	m.RecordToolInvocation("read_file")
	m.RecordError("timeout")
	m.SessionStarted()

	out, err := m.Export()
	require.NoError(t, err)

	assert.Contains(t, out, `gen_ai_client_token_usage{model="default",operation="chat",token_type="input"} 100`)
	assert.Contains(t, out, `gen_ai_client_token_usage{model="default",operation="chat",token_type="output"} 25`)
	assert.Contains(t, out, `agent_tool_invocations{tool="read_file"} 1`)
	assert.Contains(t, out, `agent_error_count{kind="timeout"} 1`)
	assert.Contains(t, out, "agent_active_sessions 1")
}

func TestZeroTokenCountsNotRecorded(t *testing.T) {
	m := NewMetrics()
	m.RecordTokens("chat", "default", 0, 0)

	out, err := m.Export()
	require.NoError(t, err)
	assert.NotContains(t, out, "gen_ai_client_token_usage{")
}

func TestSessionGaugeBalances(t *testing.T) {
	m := NewMetrics()
	m.SessionStarted()
	m.SessionStarted()
	m.SessionFinished()

	out, err := m.Export()
	require.NoError(t, err)
	assert.Contains(t, out, "agent_active_sessions 1")

	m.SessionFinished()
	out, err = m.Export()
	require.NoError(t, err)
	assert.Contains(t, out, "agent_active_sessions 0")
}

func TestEstimateQuantileInterpolates(t *testing.T) {
	m := NewMetrics()

	// Ten observations spread across the 50ms and 100ms buckets.
	for i := 0; i < 5; i++ {
		m.RecordOperation("chat", "default", 30*time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		m.RecordOperation("chat", "default", 90*time.Millisecond)
	}

	median, err := m.EstimateQuantile("gen_ai_client_operation_duration",
		map[string]string{"operation": "chat", "model": "default"}, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 50, median, 25, "median should land near the 50ms bucket boundary")

	p99, err := m.EstimateQuantile("gen_ai_client_operation_duration",
		map[string]string{"operation": "chat", "model": "default"}, 0.99)
	require.NoError(t, err)
	assert.Greater(t, p99, median)
	assert.LessOrEqual(t, p99, 100.0)
}

func TestEstimateQuantileMissingHistogram(t *testing.T) {
	m := NewMetrics()
	_, err := m.EstimateQuantile("no_such_metric", nil, 0.5)
	assert.Error(t, err)

	m.RecordOperation("chat", "default", time.Millisecond)
	_, err = m.EstimateQuantile("gen_ai_client_operation_duration",
		map[string]string{"model": "other"}, 0.5)
	assert.Error(t, err)
}

func TestFirstTokenHistogramRecorded(t *testing.T) {
	m := NewMetrics()
	m.RecordFirstToken("default", 40*time.Millisecond)

	out, err := m.Export()
	require.NoError(t, err)
	assert.Contains(t, out, `gen_ai_server_time_to_first_token_count{model="default"} 1`)
}
