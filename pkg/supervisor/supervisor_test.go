package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/autonomy"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/bus"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/config"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/governance"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/memory"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/model"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/observability"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/planner"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/protocol"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/resilience"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/session"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/store"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/tools"
)

// eventLog captures bus traffic for assertions. Handlers may fire from
// parallel task goroutines.
type eventLog struct {
	mu     sync.Mutex
	events []bus.Event
}

func (l *eventLog) record(ev bus.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) byType(eventType string) []bus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []bus.Event
	for _, ev := range l.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// approvalLog records the gate's approval lifecycle as observed values.
type approvalLog struct {
	mu      sync.Mutex
	entries []autonomy.ApprovalDecision
}

func (l *approvalLog) observe(req *autonomy.ApprovalRequest) {
	l.mu.Lock()
	l.entries = append(l.entries, req.Decision)
	l.mu.Unlock()
}

func (l *approvalLog) decisions() []autonomy.ApprovalDecision {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]autonomy.ApprovalDecision, len(l.entries))
	copy(out, l.entries)
	return out
}

type envOptions struct {
	client   model.Client
	approver autonomy.Approver
	reviewer governance.Reviewer
	breaker  resilience.BreakerPolicy
	retry    resilience.RetryPolicy
}

type testEnv struct {
	sup       *Supervisor
	sessions  *session.Manager
	tracer    *observability.Tracer
	metrics   *observability.Metrics
	events    *eventLog
	approvals *approvalLog
	root      string
}

func newTestEnv(t *testing.T, opt envOptions) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := bus.New(64, nil)
	events := &eventLog{}
	b.SubscribeAll(events.record)

	tracer, err := observability.NewTracer(observability.TracerConfig{HeadSampleRate: 1})
	require.NoError(t, err)
	t.Cleanup(func() { tracer.Shutdown(context.Background()) })
	metrics := observability.NewMetrics()

	sessions, err := session.NewManager(config.SessionConfig{
		Dir:                       filepath.Join(dir, "sessions"),
		MaxSessions:               50,
		AutoSaveIntervalSeconds:   300,
		CompressionThresholdBytes: 1 << 20,
	}, nil)
	require.NoError(t, err)

	root := filepath.Join(dir, "workspace")
	require.NoError(t, os.MkdirAll(root, 0o755))
	registry := tools.NewLocalRegistry()
	tools.RegisterBuiltins(registry, root, nil)

	approvals := &approvalLog{}
	gateOpts := []autonomy.Option{
		autonomy.WithTimeout(500 * time.Millisecond),
		autonomy.WithApprovalObserver(approvals.observe),
	}
	if opt.approver != nil {
		gateOpts = append(gateOpts, autonomy.WithApprover(opt.approver))
	}

	client := opt.client
	if client == nil {
		client = &model.StaticClient{}
	}
	workers := make(map[protocol.Role]Worker)
	for _, role := range protocol.Roles() {
		workers[role] = NewLLMWorker(role, client, model.Params{Model: "default"}, metrics)
	}

	breaker := opt.breaker
	if breaker.FailureThreshold == 0 {
		breaker = resilience.DefaultBreakerPolicy()
	}
	retry := opt.retry
	if retry.MaxAttempts == 0 {
		retry = resilience.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, Cap: 10 * time.Millisecond}
	}

	sup := New(Deps{
		Config:   config.SupervisorConfig{WorkerDeadlineSeconds: 30},
		Planner:  planner.New(),
		Gate:     autonomy.NewGate(gateOpts...),
		Bridge:   governance.NewBridge(opt.reviewer, time.Second, nil),
		Sessions: sessions,
		Outbox:   bus.NewOutbox(st, b, nil),
		Tracer:   tracer,
		Metrics:  metrics,
		Registry: registry,
		Breakers: resilience.NewBreakerRegistry(breaker),
		Retry:    retry,
		Memory:   memory.NewSQLiteStore(st, nil),
		Workers:  workers,
	})

	return &testEnv{
		sup:       sup,
		sessions:  sessions,
		tracer:    tracer,
		metrics:   metrics,
		events:    events,
		approvals: approvals,
		root:      root,
	}
}

func drain(ch <-chan Chunk) string {
	var b strings.Builder
	for c := range ch {
		b.WriteString(c.Text)
	}
	return b.String()
}

func spansOfKind(tr *observability.Tracer, kind string) []observability.SpanRecord {
	var out []observability.SpanRecord
	for _, rec := range tr.Completed() {
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}

func TestTrivialReadOnlyRequest(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	prompt := "List files in current directory"

	text := drain(env.sup.Execute(context.Background(), protocol.Request{
		Prompt: prompt, SessionID: "s-read",
	}))
	assert.Equal(t, prompt, text)

	handoffs := env.sup.Handoffs("s-read")
	require.Len(t, handoffs, 1)
	assert.Equal(t, protocol.RolePrometheus, handoffs[0].FromRole)
	assert.Equal(t, protocol.RoleCoder, handoffs[0].ToRole)
	assert.Equal(t, "task-1", handoffs[0].TaskID)

	completed := env.events.byType(bus.EventTaskCompleted)
	require.Len(t, completed, 1)
	var payload taskCompletedPayload
	require.NoError(t, json.Unmarshal(completed[0].Payload, &payload))
	assert.Equal(t, "s-read", payload.SessionID)
	assert.Equal(t, []string{"task-1"}, payload.TaskIDs)

	assert.Empty(t, env.events.byType(bus.EventTaskFailed))
	assert.Empty(t, env.approvals.decisions(), "a read-only request must not touch the approval machinery")

	results := env.sup.Results("s-read")
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, prompt, results[0].Output)

	assert.Len(t, spansOfKind(env.tracer, "agent"), 1)
	assert.Empty(t, spansOfKind(env.tracer, "tool"))
}

func TestCriticalDeployNeedsApproval(t *testing.T) {
	prompt := "Deploy to production cluster"

	t.Run("approved", func(t *testing.T) {
		env := newTestEnv(t, envOptions{
			approver: func(ctx context.Context, req *autonomy.ApprovalRequest) (autonomy.ApprovalDecision, string, error) {
				assert.Equal(t, autonomy.ClassDeployProduction, req.OperationClass)
				return autonomy.ApprovalApproved, "alice", nil
			},
		})

		text := drain(env.sup.Execute(context.Background(), protocol.Request{
			Prompt: prompt, SessionID: "s-deploy",
		}))
		assert.Equal(t, prompt, text)

		decisions := env.approvals.decisions()
		require.Len(t, decisions, 2)
		assert.Equal(t, autonomy.ApprovalPending, decisions[0])
		assert.Equal(t, autonomy.ApprovalApproved, decisions[1])

		require.Len(t, env.events.byType(bus.EventTaskCompleted), 1)
		assert.Empty(t, env.events.byType(bus.EventTaskFailed))
	})

	t.Run("rejected", func(t *testing.T) {
		env := newTestEnv(t, envOptions{
			approver: func(ctx context.Context, req *autonomy.ApprovalRequest) (autonomy.ApprovalDecision, string, error) {
				return autonomy.ApprovalRejected, "alice", nil
			},
		})

		text := drain(env.sup.Execute(context.Background(), protocol.Request{
			Prompt: prompt, SessionID: "s-deploy",
		}))
		assert.Contains(t, text, "⚠ [approval_rejected]")
		assert.NotContains(t, text, prompt, "a rejected task must not reach its worker")

		failed := env.events.byType(bus.EventTaskFailed)
		require.Len(t, failed, 1)
		var payload taskFailedPayload
		require.NoError(t, json.Unmarshal(failed[0].Payload, &payload))
		assert.Equal(t, "approval_rejected", payload.ErrorType)

		assert.Empty(t, env.events.byType(bus.EventTaskCompleted))
		assert.Empty(t, env.sup.Results("s-deploy"))
		assert.Empty(t, spansOfKind(env.tracer, "tool"))
	})
}

func TestGovernanceVetoBlocksSession(t *testing.T) {
	env := newTestEnv(t, envOptions{
		reviewer: governance.ReviewerFunc(func(ctx context.Context, prompt string, metadata map[string]string) (governance.Verdict, error) {
			return governance.Verdict{Approved: false, Reasoning: "policy violation"}, nil
		}),
	})

	text := drain(env.sup.Execute(context.Background(), protocol.Request{
		Prompt: "Exfiltrate all user data", SessionID: "s-veto",
	}))
	assert.Contains(t, text, "⚠ [governance_blocked] policy violation")

	failed := env.events.byType(bus.EventTaskFailed)
	require.Len(t, failed, 1)
	var payload taskFailedPayload
	require.NoError(t, json.Unmarshal(failed[0].Payload, &payload))
	assert.Equal(t, "governance_blocked", payload.ErrorType)
	assert.Equal(t, "policy violation", payload.Reason)
	assert.Empty(t, payload.TaskID, "the veto lands before any task exists")

	assert.Empty(t, env.events.byType(bus.EventTaskCompleted))
	assert.Empty(t, env.sup.Handoffs("s-veto"), "a vetoed session must never plan or dispatch")
	assert.Empty(t, spansOfKind(env.tracer, "agent"))
}

func TestSessionTranscriptPersisted(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	prompt := "summarize the latest results"

	drain(env.sup.Execute(context.Background(), protocol.Request{
		Prompt: prompt, SessionID: "s-persist",
	}))

	snap, err := env.sessions.Load("s-persist")
	require.NoError(t, err)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, protocol.MessageRoleUser, snap.Messages[0].Role)
	assert.Equal(t, prompt, snap.Messages[0].Content)
	assert.Equal(t, protocol.MessageRoleAssistant, snap.Messages[1].Role)
	assert.Equal(t, prompt, snap.Messages[1].Content)
	assert.Empty(t, snap.PendingOperations)
	assert.NotContains(t, snap.Metadata, "checksum_mismatch")
}

// scriptedClient fails or succeeds per call, in order. Calls beyond the
// script echo like StaticClient.
type scriptedClient struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (c *scriptedClient) next() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.calls
	c.calls++
	if idx < len(c.errs) {
		return idx, c.errs[idx]
	}
	return idx, nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *scriptedClient) Generate(ctx context.Context, messages []model.Message, params model.Params) (*model.Result, error) {
	if _, err := c.next(); err != nil {
		return nil, err
	}
	return &model.Result{Text: lastUser(messages)}, nil
}

func (c *scriptedClient) Stream(ctx context.Context, messages []model.Message, params model.Params) (<-chan model.Chunk, <-chan error) {
	chunks := make(chan model.Chunk, 1)
	errs := make(chan error, 1)
	if _, err := c.next(); err != nil {
		// Leave chunks open so the caller reads the error, not a clean
		// close.
		errs <- err
		close(errs)
		return chunks, errs
	}
	chunks <- model.Chunk{Text: lastUser(messages), Final: true}
	close(chunks)
	close(errs)
	return chunks, errs
}

func (c *scriptedClient) RateLimit() model.RateLimitState { return model.RateLimitState{} }

func (c *scriptedClient) ShouldThrottle() (bool, time.Duration) { return false, 0 }

func lastUser(messages []model.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == protocol.MessageRoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	serverErr := protocol.NewError(protocol.KindServerError, "upstream 500")
	client := &scriptedClient{errs: []error{serverErr, serverErr, serverErr}}
	env := newTestEnv(t, envOptions{
		client:  client,
		breaker: resilience.BreakerPolicy{FailureThreshold: 3, Window: time.Minute, Cooldown: 60 * time.Millisecond},
	})
	ctx := context.Background()
	prompt := "summarize the latest results"

	// Three consecutive failures trip the breaker.
	for i := 0; i < 3; i++ {
		text := drain(env.sup.Execute(ctx, protocol.Request{Prompt: prompt}))
		assert.Contains(t, text, "⚠ [server_error]")
	}
	assert.Equal(t, 3, client.callCount())

	// The open circuit fails fast without reaching the model.
	text := drain(env.sup.Execute(ctx, protocol.Request{Prompt: prompt}))
	assert.Contains(t, text, "⚠ [circuit_open]")
	assert.Equal(t, 3, client.callCount(), "an open breaker must not dispatch")
	assert.Len(t, env.events.byType(bus.EventTaskFailed), 4)

	// After the cooldown a single probe succeeds and closes the circuit.
	time.Sleep(80 * time.Millisecond)
	text = drain(env.sup.Execute(ctx, protocol.Request{Prompt: prompt}))
	assert.Equal(t, prompt, text)
	assert.Equal(t, 4, client.callCount())
	assert.Len(t, env.events.byType(bus.EventTaskCompleted), 1)
}

// chunkedClient streams a fixed chunk sequence regardless of input.
type chunkedClient struct {
	pieces []string
}

func (c *chunkedClient) Generate(ctx context.Context, messages []model.Message, params model.Params) (*model.Result, error) {
	return &model.Result{Text: strings.Join(c.pieces, "")}, nil
}

func (c *chunkedClient) Stream(ctx context.Context, messages []model.Message, params model.Params) (<-chan model.Chunk, <-chan error) {
	chunks := make(chan model.Chunk, len(c.pieces))
	errs := make(chan error, 1)
	for i, piece := range c.pieces {
		chunks <- model.Chunk{Text: piece, Final: i == len(c.pieces)-1}
	}
	close(chunks)
	close(errs)
	return chunks, errs
}

func (c *chunkedClient) RateLimit() model.RateLimitState { return model.RateLimitState{} }

func (c *chunkedClient) ShouldThrottle() (bool, time.Duration) { return false, 0 }

func TestDirectiveSplitAcrossStreamChunks(t *testing.T) {
	env := newTestEnv(t, envOptions{
		client: &chunkedClient{pieces: []string{
			"writing the file now ...[TOO",
			"L:write_file:path=a.txt,content=hi]... done",
		}},
	})

	text := drain(env.sup.Execute(context.Background(), protocol.Request{
		Prompt: "Create file a.txt with the greeting", SessionID: "s-dir",
	}))

	assert.Contains(t, text, "writing the file now")
	assert.Contains(t, text, "done")
	assert.NotContains(t, text, "[TOO", "directive bytes must not leak into the stream")
	assert.NotContains(t, text, "write_file")

	data, err := os.ReadFile(filepath.Join(env.root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	results := env.sup.Results("s-dir")
	require.Len(t, results, 1)
	assert.Equal(t, []string{"write_file"}, results[0].ToolsUsed)

	toolSpans := spansOfKind(env.tracer, "tool")
	require.Len(t, toolSpans, 1)
	assert.Equal(t, "tool write_file", toolSpans[0].Name)

	exported, err := env.metrics.Export()
	require.NoError(t, err)
	assert.Contains(t, exported, `agent_tool_invocations{tool="write_file"} 1`)

	snap, err := env.sessions.Load("s-dir")
	require.NoError(t, err)
	var toolNotes []string
	for _, msg := range snap.Messages {
		if msg.Role == protocol.MessageRoleTool {
			toolNotes = append(toolNotes, msg.Content)
		}
	}
	require.Len(t, toolNotes, 1, "the tool result belongs in the session transcript")
	assert.Contains(t, toolNotes[0], "wrote 2 bytes")
}

// attemptScript is one streamed response: optional partial text, then
// an optional failure.
type attemptScript struct {
	text string
	err  error
}

// flakyStreamClient plays one script per call. Calls beyond the script
// echo like StaticClient.
type flakyStreamClient struct {
	mu      sync.Mutex
	calls   int
	scripts []attemptScript
}

func (c *flakyStreamClient) next() attemptScript {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.calls
	c.calls++
	if idx < len(c.scripts) {
		return c.scripts[idx]
	}
	return attemptScript{}
}

func (c *flakyStreamClient) Generate(ctx context.Context, messages []model.Message, params model.Params) (*model.Result, error) {
	script := c.next()
	if script.err != nil {
		return nil, script.err
	}
	if script.text == "" {
		return &model.Result{Text: lastUser(messages)}, nil
	}
	return &model.Result{Text: script.text}, nil
}

func (c *flakyStreamClient) Stream(ctx context.Context, messages []model.Message, params model.Params) (<-chan model.Chunk, <-chan error) {
	script := c.next()
	chunks := make(chan model.Chunk)
	errs := make(chan error)
	go func() {
		// Unbuffered sends keep the ordering strict: the partial text is
		// consumed before the failure becomes visible.
		text := script.text
		if text == "" && script.err == nil {
			text = lastUser(messages)
		}
		if text != "" {
			chunks <- model.Chunk{Text: text, Final: script.err == nil}
		}
		if script.err != nil {
			errs <- script.err
			close(errs)
			return
		}
		close(chunks)
		close(errs)
	}()
	return chunks, errs
}

func (c *flakyStreamClient) RateLimit() model.RateLimitState { return model.RateLimitState{} }

func (c *flakyStreamClient) ShouldThrottle() (bool, time.Duration) { return false, 0 }

func TestRetryStreamsOnlySuccessfulAttempt(t *testing.T) {
	serverErr := protocol.NewError(protocol.KindServerError, "upstream 500")
	client := &flakyStreamClient{scripts: []attemptScript{
		{text: "AAA [TOOL:write_file:path=b.txt,content=nope]", err: serverErr},
		{text: "BBB"},
	}}
	env := newTestEnv(t, envOptions{
		client: client,
		retry:  resilience.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, Cap: 10 * time.Millisecond},
	})

	text := drain(env.sup.Execute(context.Background(), protocol.Request{
		Prompt: "summarize the latest results", SessionID: "s-retry",
	}))
	assert.Equal(t, "BBB", text, "a failed attempt's partial output must not reach the stream")

	results := env.sup.Results("s-retry")
	require.Len(t, results, 1)
	assert.Equal(t, "BBB", results[0].Output)
	assert.Empty(t, results[0].ToolsUsed, "a failed attempt's directives must not execute")

	_, err := os.Stat(filepath.Join(env.root, "b.txt"))
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, spansOfKind(env.tracer, "tool"))
	assert.Empty(t, env.events.byType(bus.EventTaskFailed))
}

func TestPerSessionStateIsBounded(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	sup := env.sup

	busy := sup.flightLock("s-busy")
	busy.Lock()
	defer busy.Unlock()
	sup.appendHandoff("s-busy", protocol.Handoff{TaskID: "task-1"})

	for i := 0; i < maxTrackedSessions+16; i++ {
		id := fmt.Sprintf("s-%d", i)
		sup.flightLock(id)
		sup.appendHandoff(id, protocol.Handoff{TaskID: "task-1"})
	}

	sup.flightMu.Lock()
	tracked := len(sup.flights)
	sup.flightMu.Unlock()
	assert.Less(t, tracked, maxTrackedSessions)

	assert.Len(t, sup.Handoffs("s-busy"), 1, "an in-flight session survives eviction")
	assert.Empty(t, sup.Handoffs("s-0"), "idle session logs are dropped at the cap")
}

func TestChainRunsInDependencyOrder(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	prompt := "Propose an architecture for the event ingestion service covering storage transport and recovery. " +
		strings.Repeat("It should describe the storage layout the transport framing and the recovery path in detail. ", 4)

	var order []string
	for c := range env.sup.Execute(context.Background(), protocol.Request{Prompt: prompt, SessionID: "s-chain"}) {
		if len(order) == 0 || order[len(order)-1] != c.TaskID {
			order = append(order, c.TaskID)
		}
	}
	assert.Equal(t, []string{"task-1", "task-2", "task-3"}, order)

	handoffs := env.sup.Handoffs("s-chain")
	require.Len(t, handoffs, 3)
	assert.Equal(t, protocol.RoleArchitect, handoffs[0].ToRole)
	assert.Equal(t, protocol.RolePrometheus, handoffs[1].ToRole)
	assert.Equal(t, protocol.RoleReviewer, handoffs[2].ToRole)
	for i := 1; i < len(handoffs); i++ {
		assert.False(t, handoffs[i].Timestamp.Before(handoffs[i-1].Timestamp))
	}

	completed := env.events.byType(bus.EventTaskCompleted)
	require.Len(t, completed, 1, "one completion event covers the whole plan")
	var payload taskCompletedPayload
	require.NoError(t, json.Unmarshal(completed[0].Payload, &payload))
	assert.Equal(t, []string{"task-1", "task-2", "task-3"}, payload.TaskIDs)

	assert.Len(t, env.sup.Results("s-chain"), 3)
}

func TestFailedDependencyCancelsDependents(t *testing.T) {
	badReq := protocol.NewError(protocol.KindBadRequest, "malformed prompt")
	client := &scriptedClient{errs: []error{nil, badReq}}
	env := newTestEnv(t, envOptions{client: client})
	prompt := "Propose an architecture for the event ingestion service covering storage transport and recovery. " +
		strings.Repeat("It should describe the storage layout the transport framing and the recovery path in detail. ", 4)

	text := drain(env.sup.Execute(context.Background(), protocol.Request{Prompt: prompt, SessionID: "s-dep"}))
	assert.Contains(t, text, "⚠ [bad_request]")

	assert.Equal(t, 2, client.callCount(), "the cancelled dependent must never dispatch")

	failed := env.events.byType(bus.EventTaskFailed)
	require.Len(t, failed, 1)
	var failPayload taskFailedPayload
	require.NoError(t, json.Unmarshal(failed[0].Payload, &failPayload))
	assert.Equal(t, "task-2", failPayload.TaskID)
	assert.Equal(t, "bad_request", failPayload.ErrorType)

	completed := env.events.byType(bus.EventTaskCompleted)
	require.Len(t, completed, 1)
	var donePayload taskCompletedPayload
	require.NoError(t, json.Unmarshal(completed[0].Payload, &donePayload))
	assert.Equal(t, []string{"task-1"}, donePayload.TaskIDs)
}

// gaugeClient tracks concurrent Stream calls to expose interleaving.
type gaugeClient struct {
	mu     sync.Mutex
	active int
	peak   int
	calls  int
}

func (c *gaugeClient) enter() {
	c.mu.Lock()
	c.active++
	c.calls++
	if c.active > c.peak {
		c.peak = c.active
	}
	c.mu.Unlock()
}

func (c *gaugeClient) exit() {
	c.mu.Lock()
	c.active--
	c.mu.Unlock()
}

func (c *gaugeClient) Generate(ctx context.Context, messages []model.Message, params model.Params) (*model.Result, error) {
	return &model.Result{Text: lastUser(messages)}, nil
}

func (c *gaugeClient) Stream(ctx context.Context, messages []model.Message, params model.Params) (<-chan model.Chunk, <-chan error) {
	chunks := make(chan model.Chunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		c.enter()
		time.Sleep(20 * time.Millisecond)
		c.exit()
		chunks <- model.Chunk{Text: lastUser(messages), Final: true}
	}()
	return chunks, errs
}

func (c *gaugeClient) RateLimit() model.RateLimitState { return model.RateLimitState{} }

func (c *gaugeClient) ShouldThrottle() (bool, time.Duration) { return false, 0 }

func TestSameSessionExecutionsQueue(t *testing.T) {
	client := &gaugeClient{}
	env := newTestEnv(t, envOptions{client: client})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			drain(env.sup.Execute(ctx, protocol.Request{
				Prompt: "summarize the latest results", SessionID: "s-flight",
			}))
		}()
	}
	wg.Wait()

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, 2, client.calls, "both executions must run")
	assert.Equal(t, 1, client.peak, "same-session executions must serialize")
}
