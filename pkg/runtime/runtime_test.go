package runtime

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/autonomy"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/bus"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/config"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/protocol"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/session"
)

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Persistence.Path = filepath.Join(dir, "core.db")
	cfg.Session.Dir = filepath.Join(dir, "sessions")
	return cfg
}

func TestRuntimeExecutesEndToEnd(t *testing.T) {
	dir := t.TempDir()
	rt, err := New(testConfig(t, dir), Options{ToolRoot: dir})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))
	defer rt.Shutdown(ctx)

	var text strings.Builder
	for c := range rt.Execute(ctx, protocol.Request{Prompt: "hello there friend", SessionID: "s-1"}) {
		text.WriteString(c.Text)
	}
	assert.Equal(t, "hello there friend", text.String())
}

func TestCrashRecoveryAcrossProcesses(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// First process: run one request, then vanish without a clean
	// shutdown. The session marker and an active snapshot stay behind.
	rt1, err := New(testConfig(t, dir), Options{ToolRoot: dir})
	require.NoError(t, err)
	require.NoError(t, rt1.Start(ctx))
	for range rt1.Execute(ctx, protocol.Request{Prompt: "hello there friend", SessionID: "s-crash"}) {
	}
	require.NoError(t, rt1.Store.Close())

	// Second process: boot surfaces the crashed session and emits the
	// recovery event.
	rt2, err := New(testConfig(t, dir), Options{ToolRoot: dir})
	require.NoError(t, err)
	defer rt2.Shutdown(ctx)

	var recovered []bus.Event
	rt2.Bus.Subscribe(bus.EventSessionRecovered, func(ev bus.Event) {
		recovered = append(recovered, ev)
	})
	require.NoError(t, rt2.Start(ctx))

	require.Len(t, recovered, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(recovered[0].Payload, &payload))
	assert.Equal(t, "s-crash", payload["session_id"])
	assert.EqualValues(t, 2, payload["messages"], "user prompt plus assistant reply survive the crash")

	snap, err := rt2.Sessions.Load("s-crash")
	require.NoError(t, err)
	assert.Equal(t, session.StateRecovered, snap.State)
	assert.Equal(t, "hello there friend", snap.Messages[0].Content)
}

func TestCleanShutdownLeavesNothingToRecover(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	rt1, err := New(testConfig(t, dir), Options{ToolRoot: dir})
	require.NoError(t, err)
	require.NoError(t, rt1.Start(ctx))
	for range rt1.Execute(ctx, protocol.Request{Prompt: "hello there friend", SessionID: "s-clean"}) {
	}
	require.NoError(t, rt1.Shutdown(ctx))

	rt2, err := New(testConfig(t, dir), Options{ToolRoot: dir})
	require.NoError(t, err)
	defer rt2.Shutdown(ctx)

	sawRecovery := false
	rt2.Bus.Subscribe(bus.EventSessionRecovered, func(bus.Event) { sawRecovery = true })
	require.NoError(t, rt2.Start(ctx))
	assert.False(t, sawRecovery)

	snap, err := rt2.Sessions.Load("s-clean")
	require.NoError(t, err)
	assert.Equal(t, session.StateCompleted, snap.State)
}

func TestApprovalLifecycleReachesBus(t *testing.T) {
	dir := t.TempDir()
	rt, err := New(testConfig(t, dir), Options{
		ToolRoot: dir,
		Approver: func(ctx context.Context, req *autonomy.ApprovalRequest) (autonomy.ApprovalDecision, string, error) {
			return autonomy.ApprovalApproved, "alice", nil
		},
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))
	defer rt.Shutdown(ctx)

	var mu sync.Mutex
	var types []string
	record := func(ev bus.Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	}
	rt.Bus.Subscribe(bus.EventApprovalRequested, record)
	rt.Bus.Subscribe(bus.EventApprovalDecided, record)

	for range rt.Execute(ctx, protocol.Request{Prompt: "Deploy to production cluster", SessionID: "s-appr"}) {
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, types, 2)
	assert.Equal(t, bus.EventApprovalRequested, types[0])
	assert.Equal(t, bus.EventApprovalDecided, types[1])
}
