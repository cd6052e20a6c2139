// Package supervisor drives the orchestration pipeline: request ->
// governance -> plan -> gate -> route -> dispatch -> snapshot, with
// per-session single-flight, bounded fan-out across independent
// branches and streaming output.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/autonomy"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/bus"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/config"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/governance"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/memory"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/observability"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/planner"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/protocol"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/resilience"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/session"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/tools"
)

// Chunk is one streamed output fragment. Error markers travel through
// the same stream; the caller never sees raised errors.
type Chunk struct {
	TaskID string
	Text   string
}

// taskFailedPayload is the task.failed event body.
type taskFailedPayload struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id,omitempty"`
	ErrorType string `json:"error_type"`
	Reason    string `json:"reason,omitempty"`
}

// taskCompletedPayload is the task.completed event body.
type taskCompletedPayload struct {
	SessionID string   `json:"session_id"`
	TaskIDs   []string `json:"task_ids"`
}

// Supervisor owns the execution pipeline. One per process; safe for
// concurrent Execute calls across sessions.
type Supervisor struct {
	cfg      config.SupervisorConfig
	planner  *planner.Planner
	gate     *autonomy.Gate
	bridge   *governance.Bridge
	sessions *session.Manager
	outbox   *bus.Outbox
	tracer   *observability.Tracer
	metrics  *observability.Metrics
	registry tools.Registry
	breakers *resilience.BreakerRegistry
	retry    resilience.RetryPolicy
	memory   memory.Store
	workers  map[protocol.Role]Worker
	logger   *slog.Logger

	flightMu sync.Mutex
	flights  map[string]*sync.Mutex

	handoffMu sync.Mutex
	handoffs  map[string][]protocol.Handoff

	resultMu sync.Mutex
	results  map[string][]protocol.ExecutionResult
}

// maxTrackedSessions bounds the per-session bookkeeping (single-flight
// locks, handoff and result logs) kept in memory. Idle sessions are
// evicted when the cap is reached.
const maxTrackedSessions = 256

// Deps carries the supervisor's collaborators, injected from the
// runtime. Memory may be nil.
type Deps struct {
	Config   config.SupervisorConfig
	Planner  *planner.Planner
	Gate     *autonomy.Gate
	Bridge   *governance.Bridge
	Sessions *session.Manager
	Outbox   *bus.Outbox
	Tracer   *observability.Tracer
	Metrics  *observability.Metrics
	Registry tools.Registry
	Breakers *resilience.BreakerRegistry
	Retry    resilience.RetryPolicy
	Memory   memory.Store
	Workers  map[protocol.Role]Worker
	Logger   *slog.Logger
}

// New builds a supervisor from its dependencies.
func New(deps Deps) *Supervisor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutputBuffer <= 0 {
		deps.Config.OutputBuffer = 64
	}
	if deps.Config.MaxParallelTasksPerSession <= 0 {
		deps.Config.MaxParallelTasksPerSession = 4
	}
	return &Supervisor{
		cfg:      deps.Config,
		planner:  deps.Planner,
		gate:     deps.Gate,
		bridge:   deps.Bridge,
		sessions: deps.Sessions,
		outbox:   deps.Outbox,
		tracer:   deps.Tracer,
		metrics:  deps.Metrics,
		registry: deps.Registry,
		breakers: deps.Breakers,
		retry:    deps.Retry,
		memory:   deps.Memory,
		workers:  deps.Workers,
		logger:   deps.Logger,
		flights:  make(map[string]*sync.Mutex),
		handoffs: make(map[string][]protocol.Handoff),
		results:  make(map[string][]protocol.ExecutionResult),
	}
}

// Execute runs one request, streaming output chunks on the returned
// channel. The channel is closed when the pipeline finishes; failures
// surface as error markers in the stream, never as panics or raised
// errors.
func (s *Supervisor) Execute(ctx context.Context, req protocol.Request) <-chan Chunk {
	out := make(chan Chunk, s.cfg.OutputBuffer)
	go func() {
		defer close(out)
		s.run(ctx, req, out)
	}()
	return out
}

// Handoffs returns the append-ordered handoff log for one session.
func (s *Supervisor) Handoffs(sessionID string) []protocol.Handoff {
	s.handoffMu.Lock()
	defer s.handoffMu.Unlock()
	log := s.handoffs[sessionID]
	out := make([]protocol.Handoff, len(log))
	copy(out, log)
	return out
}

// Results returns the execution results recorded for one session.
func (s *Supervisor) Results(sessionID string) []protocol.ExecutionResult {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()
	res := s.results[sessionID]
	out := make([]protocol.ExecutionResult, len(res))
	copy(out, res)
	return out
}

// flightLock returns the per-session single-flight mutex. Concurrent
// executions for the same session queue on it rather than failing.
func (s *Supervisor) flightLock(sessionID string) *sync.Mutex {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	mu, ok := s.flights[sessionID]
	if !ok {
		if len(s.flights) >= maxTrackedSessions {
			s.evictIdleLocked()
		}
		mu = &sync.Mutex{}
		s.flights[sessionID] = mu
	}
	return mu
}

// evictIdleLocked drops bookkeeping for every session with no
// execution in flight. Called with flightMu held.
func (s *Supervisor) evictIdleLocked() {
	for id, mu := range s.flights {
		if !mu.TryLock() {
			continue
		}
		mu.Unlock()
		delete(s.flights, id)
		s.handoffMu.Lock()
		delete(s.handoffs, id)
		s.handoffMu.Unlock()
		s.resultMu.Lock()
		delete(s.results, id)
		s.resultMu.Unlock()
	}
}

func (s *Supervisor) run(ctx context.Context, req protocol.Request, out chan<- Chunk) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	lock := s.flightLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	snap := s.sessions.StartSession(sessionID)

	if s.metrics != nil {
		s.metrics.SessionStarted()
		defer s.metrics.SessionFinished()
	}

	snap.AppendMessage(protocol.MessageRoleUser, req.Prompt)
	s.sessions.MarkDirty()

	verdict := s.bridge.Review(ctx, req.Prompt, map[string]string{"session_id": sessionID})
	if !verdict.Approved {
		s.failSession(ctx, sessionID, snap, verdict.Reasoning, out)
		return
	}

	plan := s.planner.Plan(req)
	if err := planner.Validate(plan); err != nil {
		// The planner never produces this; defend the boundary anyway.
		s.logger.Error("rejecting malformed plan", "session", sessionID, "error", err)
		s.failSession(ctx, sessionID, snap, "internal planning failure", out)
		return
	}

	byID := make(map[string]*protocol.Task, len(plan))
	for _, t := range plan {
		byID[t.ID] = t
	}

	var transcript strings.Builder
	for _, level := range topoLevels(plan) {
		if ctx.Err() != nil {
			s.cancelRemaining(plan)
			break
		}
		s.runLevel(ctx, sessionID, snap, level, byID, out, &transcript)
	}

	if transcript.Len() > 0 {
		snap.AppendMessage(protocol.MessageRoleAssistant, transcript.String())
	}
	if err := s.sessions.Save(snap); err != nil {
		s.logger.Error("failed to snapshot session", "session", sessionID, "error", err)
	}

	completed := make([]string, 0, len(plan))
	for _, t := range plan {
		if t.Status == protocol.TaskCompleted {
			completed = append(completed, t.ID)
		}
	}
	if len(completed) > 0 {
		ev := bus.NewEvent(bus.EventTaskCompleted, "supervisor",
			taskCompletedPayload{SessionID: sessionID, TaskIDs: completed})
		if err := s.outbox.Emit(ctx, ev); err != nil {
			s.logger.Error("failed to emit completion event", "session", sessionID, "error", err)
		}
	}
}

// failSession short-circuits the whole session on a governance veto.
func (s *Supervisor) failSession(ctx context.Context, sessionID string, snap *session.Snapshot, rationale string, out chan<- Chunk) {
	s.logger.Warn("session blocked by governance", "session", sessionID, "rationale", rationale)
	if s.metrics != nil {
		s.metrics.RecordError(string(protocol.KindGovernanceBlocked))
	}
	ev := bus.NewEvent(bus.EventTaskFailed, "supervisor", taskFailedPayload{
		SessionID: sessionID,
		ErrorType: string(protocol.KindGovernanceBlocked),
		Reason:    rationale,
	})
	if err := s.outbox.Emit(ctx, ev); err != nil {
		s.logger.Error("failed to emit veto event", "session", sessionID, "error", err)
	}
	out <- Chunk{Text: errorMarker(protocol.KindGovernanceBlocked, rationale)}
	if err := s.sessions.Save(snap); err != nil {
		s.logger.Error("failed to snapshot vetoed session", "session", sessionID, "error", err)
	}
}

// topoLevels groups a topologically sorted plan into dependency
// levels. Tasks within one level are independent of each other.
func topoLevels(plan []*protocol.Task) [][]*protocol.Task {
	depth := make(map[string]int, len(plan))
	var levels [][]*protocol.Task
	for _, t := range plan {
		d := 0
		for _, dep := range t.Dependencies {
			if dd, ok := depth[dep]; ok && dd+1 > d {
				d = dd + 1
			}
		}
		depth[t.ID] = d
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], t)
	}
	return levels
}

// runLevel executes one dependency level with bounded fan-out. A
// single-task level streams live; wider levels buffer per task and
// flush in plan order so chunk ordering stays deterministic.
func (s *Supervisor) runLevel(ctx context.Context, sessionID string, snap *session.Snapshot,
	level []*protocol.Task, byID map[string]*protocol.Task, out chan<- Chunk, transcript *strings.Builder) {

	if len(level) == 1 {
		task := level[0]
		s.runTask(ctx, sessionID, snap, task, byID, func(text string) {
			transcript.WriteString(text)
			out <- Chunk{TaskID: task.ID, Text: text}
		})
		return
	}

	buffers := make([]strings.Builder, len(level))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxParallelTasksPerSession)
	for i, task := range level {
		g.Go(func() error {
			buf := &buffers[i]
			s.runTask(gctx, sessionID, snap, task, byID, func(text string) {
				buf.WriteString(text)
			})
			return nil
		})
	}
	g.Wait()
	for i, task := range level {
		if buffers[i].Len() == 0 {
			continue
		}
		text := buffers[i].String()
		transcript.WriteString(text)
		out <- Chunk{TaskID: task.ID, Text: text}
	}
}

// runTask drives one task through gate, route, handoff and resilient
// dispatch. Failures are absorbed into task state, events and stream
// markers.
func (s *Supervisor) runTask(ctx context.Context, sessionID string, snap *session.Snapshot,
	task *protocol.Task, byID map[string]*protocol.Task, emit func(string)) {

	if s.dependencyFailed(task, byID) {
		s.setStatus(task, protocol.TaskCancelled)
		return
	}
	if ctx.Err() != nil {
		s.setStatus(task, protocol.TaskCancelled)
		return
	}

	s.setStatus(task, protocol.TaskReady)

	decision := s.gate.Check(ctx, task)
	if !decision.MayProceed {
		s.failTask(ctx, sessionID, task, decision.Err, emit)
		return
	}

	role := planner.Route(task)
	task.AssignedRole = role

	ctx, span := s.tracer.Start(ctx, observability.SpanClassAgent, "agent "+string(role),
		attribute.String(observability.AttrAgentID, strings.ToLower(string(role))),
		attribute.String(observability.AttrAgentName, string(role)),
		attribute.String(observability.AttrSessionID, sessionID),
		attribute.String(observability.AttrTaskID, task.ID),
		attribute.String(observability.AttrAutonomyLevel, decision.Level.String()),
	)
	defer span.End()

	s.appendHandoff(sessionID, protocol.Handoff{
		FromRole:  protocol.RolePrometheus,
		ToRole:    role,
		TaskID:    task.ID,
		Reason:    "dispatch",
		Context:   task.Description,
		Timestamp: time.Now().UTC(),
	})

	op := snap.AddPendingOperation("task", task.Description, task.ID)
	s.sessions.MarkDirty()

	s.setStatus(task, protocol.TaskInProgress)
	start := time.Now()

	output, toolsUsed, err := s.dispatch(ctx, sessionID, snap, task, role, decision, emit)

	snap.ClearPendingOperation(op.ID)
	s.sessions.MarkDirty()

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(observability.AttrErrorKind, string(protocol.KindOf(err))))
		s.failTask(ctx, sessionID, task, err, emit)
		return
	}

	s.setStatus(task, protocol.TaskCompleted)
	task.Result = output
	result := protocol.ExecutionResult{
		TaskID:         task.ID,
		Output:         output,
		Success:        true,
		Score:          1,
		ToolsUsed:      toolsUsed,
		ElapsedSeconds: time.Since(start).Seconds(),
	}
	s.resultMu.Lock()
	s.results[sessionID] = append(s.results[sessionID], result)
	s.resultMu.Unlock()

	s.rememberOutcome(ctx, task)
}

// dispatch sends a task through the breaker and retry layers to its
// role's worker, scanning the stream for inline tool directives. Only
// the final attempt streams live; earlier attempts buffer, so a failed
// attempt's partial output never reaches the caller and its directives
// never execute.
func (s *Supervisor) dispatch(ctx context.Context, sessionID string, snap *session.Snapshot,
	task *protocol.Task, role protocol.Role, decision autonomy.Decision, emit func(string)) (string, []string, error) {

	worker, ok := s.workers[role]
	if !ok {
		return "", nil, protocol.NewError(protocol.KindInternal, "no worker registered for role %s", role)
	}

	breaker := s.breakers.Get(string(role), worker.ModelName())
	maxAttempts := s.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var output strings.Builder
	var toolsUsed []string
	attempt := 0

	err := breaker.Do(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, s.retry, func(ctx context.Context) error {
			attempt++
			live := attempt >= maxAttempts
			scanner := tools.NewDirectiveScanner()

			deadline := time.Duration(s.cfg.WorkerDeadlineSeconds) * time.Second
			if deadline <= 0 {
				deadline = 5 * time.Minute
			}
			callCtx, cancel := context.WithTimeout(ctx, deadline)
			defer cancel()

			var buffered strings.Builder
			var pending []tools.Directive
			sink := func(text string) {
				if live {
					output.WriteString(text)
					emit(text)
				} else {
					buffered.WriteString(text)
				}
			}
			forward := func(raw string) {
				text, directives := scanner.Feed(raw)
				if text != "" {
					sink(text)
				}
				for _, d := range directives {
					if live {
						toolsUsed = append(toolsUsed, d.Name)
						s.invokeDirective(callCtx, sessionID, snap, task, decision, d)
					} else {
						pending = append(pending, d)
					}
				}
			}

			if runErr := worker.Execute(callCtx, task, forward); runErr != nil {
				return runErr
			}
			if tail := scanner.Flush(); tail != "" {
				sink(tail)
			}
			if !live {
				if text := buffered.String(); text != "" {
					output.WriteString(text)
					emit(text)
				}
				for _, d := range pending {
					toolsUsed = append(toolsUsed, d.Name)
					s.invokeDirective(callCtx, sessionID, snap, task, decision, d)
				}
			}
			return nil
		})
	})
	return output.String(), toolsUsed, err
}

// invokeDirective validates a tool call against the task's autonomy
// level and dispatches it. Violations and failures become stream-side
// warnings, not task failures. Results land in the executing run's own
// snapshot, so concurrent sessions keep their transcripts separate.
func (s *Supervisor) invokeDirective(ctx context.Context, sessionID string, snap *session.Snapshot,
	task *protocol.Task, decision autonomy.Decision, d tools.Directive) {

	tool, ok := s.registry.Get(d.Name)
	if !ok {
		s.logger.Warn("directive names unknown tool", "tool", d.Name, "task", task.ID)
		return
	}

	capability := tool.Spec().Capability
	approved := decision.Approval != nil && decision.Approval.Decision == autonomy.ApprovalApproved
	if decision.Level > tools.MaxAutonomyFor(capability) && !approved {
		s.logger.Warn("tool blocked by autonomy level", "tool", d.Name,
			"capability", capability, "level", decision.Level, "task", task.ID)
		return
	}

	ctx, span := s.tracer.Start(ctx, observability.SpanClassTool, "tool "+d.Name,
		attribute.String(observability.AttrToolName, d.Name),
		attribute.String(observability.AttrSessionID, sessionID),
		attribute.String(observability.AttrTaskID, task.ID),
	)
	defer span.End()

	if s.metrics != nil {
		s.metrics.RecordToolInvocation(d.Name)
	}
	result, err := tool.Invoke(ctx, d.Args)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("tool invocation failed", "tool", d.Name, "task", task.ID, "error", err)
		return
	}
	if snap != nil && result != "" {
		snap.AppendMessage(protocol.MessageRoleTool, result)
		s.sessions.MarkDirty()
	}
}

// failTask marks a task failed, emits the event and an error marker.
// Dependents are cancelled lazily when their level runs.
func (s *Supervisor) failTask(ctx context.Context, sessionID string, task *protocol.Task, err error, emit func(string)) {
	kind := protocol.KindOf(err)
	s.setStatus(task, protocol.TaskFailed)
	if s.metrics != nil {
		s.metrics.RecordError(string(kind))
	}
	s.logger.Warn("task failed", "session", sessionID, "task", task.ID, "kind", kind, "error", err)

	ev := bus.NewEvent(bus.EventTaskFailed, "supervisor", taskFailedPayload{
		SessionID: sessionID,
		TaskID:    task.ID,
		ErrorType: string(kind),
		Reason:    err.Error(),
	})
	if emitErr := s.outbox.Emit(ctx, ev); emitErr != nil {
		s.logger.Error("failed to emit task failure event", "task", task.ID, "error", emitErr)
	}
	emit(errorMarker(kind, err.Error()))
}

// dependencyFailed reports whether any direct dependency did not
// complete, which cancels this task and, transitively, its dependents.
func (s *Supervisor) dependencyFailed(task *protocol.Task, byID map[string]*protocol.Task) bool {
	for _, dep := range task.Dependencies {
		d, ok := byID[dep]
		if !ok || d.Status != protocol.TaskCompleted {
			return true
		}
	}
	return false
}

func (s *Supervisor) cancelRemaining(plan []*protocol.Task) {
	for _, t := range plan {
		if !t.Terminal() {
			s.setStatus(t, protocol.TaskCancelled)
		}
	}
}

func (s *Supervisor) setStatus(task *protocol.Task, to protocol.TaskStatus) {
	if err := task.SetStatus(to); err != nil {
		s.logger.Error("task state machine violation", "task", task.ID, "error", err)
	}
}

func (s *Supervisor) appendHandoff(sessionID string, h protocol.Handoff) {
	s.handoffMu.Lock()
	s.handoffs[sessionID] = append(s.handoffs[sessionID], h)
	s.handoffMu.Unlock()
}

// rememberOutcome records the completed task as an episodic memory.
// Best-effort; memory failures never affect the task.
func (s *Supervisor) rememberOutcome(ctx context.Context, task *protocol.Task) {
	if s.memory == nil {
		return
	}
	importance := 0.3
	switch task.Complexity {
	case protocol.ComplexityComplex:
		importance = 0.7
	case protocol.ComplexityCritical:
		importance = 0.9
	}
	_, err := s.memory.Remember(ctx, task.Description, "completed",
		map[string]string{"role": string(task.AssignedRole), "task_id": task.ID}, importance)
	if err != nil {
		s.logger.Debug("failed to record episodic memory", "task", task.ID, "error", err)
	}
}

// errorMarker renders a failure for the output stream: symbol, kind,
// optional rationale.
func errorMarker(kind protocol.ErrorKind, rationale string) string {
	if rationale == "" {
		return fmt.Sprintf("\n⚠ [%s]\n", kind)
	}
	return fmt.Sprintf("\n⚠ [%s] %s\n", kind, rationale)
}
