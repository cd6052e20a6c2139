// Package runtime wires the core together: one Runtime per process,
// with explicit initialization and shutdown. Components receive their
// collaborators by injection; nothing is looked up through globals.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/autonomy"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/bus"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/config"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/governance"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/logger"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/memory"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/model"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/observability"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/planner"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/protocol"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/resilience"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/session"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/store"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/supervisor"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/tools"
)

// Options carries the injectable collaborators whose implementations
// live outside the core. Every field may be nil.
type Options struct {
	// Model backs every role worker. Nil selects the offline static
	// client.
	Model model.Client
	// Reviewer is the governance judge; nil reviews permissively.
	Reviewer governance.Reviewer
	// Approver resolves L2/L3 approval requests.
	Approver autonomy.Approver
	// Notifier receives L1 notifications.
	Notifier autonomy.Notifier
	// Evaluator drives worker self-correction.
	Evaluator supervisor.Evaluator
	// ToolRoot confines file tools; empty means the working directory.
	ToolRoot string
}

// Runtime is the process-wide composition root.
type Runtime struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      *store.Store
	Bus        *bus.Bus
	Outbox     *bus.Outbox
	Tracer     *observability.Tracer
	Metrics    *observability.Metrics
	Sessions   *session.Manager
	Memory     memory.Store
	Pool       *resilience.Pool
	Breakers   *resilience.BreakerRegistry
	Registry   *tools.LocalRegistry
	Supervisor *supervisor.Supervisor

	cancel context.CancelFunc
}

// New assembles the runtime from configuration. Call Start before
// executing requests, Shutdown when done.
func New(cfg *config.Config, opts Options) (*Runtime, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log := logger.Setup(nil, cfg.LogLevel)

	st, err := store.Open(cfg.Persistence.Path)
	if err != nil {
		return nil, err
	}

	eventBus := bus.New(256, log)
	outbox := bus.NewOutbox(st, eventBus, log)

	tracer, err := observability.NewTracer(observability.TracerConfig{
		HeadSampleRate:    cfg.Tracer.HeadSampleRate,
		TailSampleErrors:  cfg.Tracer.KeepErrors(),
		MaxCompletedSpans: cfg.Tracer.MaxCompletedSpans,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	metrics := observability.NewMetrics()

	sessions, err := session.NewManager(cfg.Session, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	mem := memory.NewSQLiteStore(st, nil)

	pool := resilience.NewPool(resilience.PoolPolicy{
		MaxConnections: cfg.Pool.MaxConnections,
		MaxKeepalive:   cfg.Pool.MaxKeepalive,
		KeepaliveTTL:   time.Duration(cfg.Pool.KeepaliveTTLSeconds) * time.Second,
	})
	breakers := resilience.NewBreakerRegistry(resilience.BreakerPolicy{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           time.Duration(cfg.Breaker.WindowSeconds) * time.Second,
		Cooldown:         time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
	})

	registry := tools.NewLocalRegistry()
	tools.RegisterBuiltins(registry, opts.ToolRoot, pool.Client())

	gate := autonomy.NewGate(
		autonomy.WithTimeout(time.Duration(cfg.Approval.DefaultTimeoutSeconds)*time.Second),
		autonomy.WithNotifier(opts.Notifier),
		autonomy.WithApprover(opts.Approver),
		autonomy.WithLogger(log),
		autonomy.WithApprovalObserver(approvalObserver(eventBus)),
	)

	bridge := governance.NewBridge(opts.Reviewer,
		time.Duration(cfg.Governance.ReviewTimeoutSeconds)*time.Second, log)

	client := opts.Model
	if client == nil {
		client = &model.StaticClient{ChunkSize: 256}
	}
	workers := make(map[protocol.Role]supervisor.Worker, len(protocol.Roles()))
	for _, role := range protocol.Roles() {
		var workerOpts []supervisor.LLMWorkerOption
		if opts.Evaluator != nil {
			workerOpts = append(workerOpts,
				supervisor.WithEvaluator(opts.Evaluator),
				supervisor.WithMaxCorrections(cfg.Supervisor.MaxSelfCorrections))
		}
		workers[role] = supervisor.NewLLMWorker(role, client, model.Params{Model: "default"}, metrics, workerOpts...)
	}

	sup := supervisor.New(supervisor.Deps{
		Config:   cfg.Supervisor,
		Planner:  planner.New(),
		Gate:     gate,
		Bridge:   bridge,
		Sessions: sessions,
		Outbox:   outbox,
		Tracer:   tracer,
		Metrics:  metrics,
		Registry: registry,
		Breakers: breakers,
		Retry: resilience.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay(),
			Cap:         cfg.Retry.Cap(),
		},
		Memory:  mem,
		Workers: workers,
		Logger:  log,
	})

	return &Runtime{
		Config:     cfg,
		Logger:     log,
		Store:      st,
		Bus:        eventBus,
		Outbox:     outbox,
		Tracer:     tracer,
		Metrics:    metrics,
		Sessions:   sessions,
		Memory:     mem,
		Pool:       pool,
		Breakers:   breakers,
		Registry:   registry,
		Supervisor: sup,
	}, nil
}

// approvalObserver bridges approval lifecycle transitions onto the
// event bus.
func approvalObserver(b *bus.Bus) func(*autonomy.ApprovalRequest) {
	return func(req *autonomy.ApprovalRequest) {
		eventType := bus.EventApprovalRequested
		if req.Decision != autonomy.ApprovalPending {
			eventType = bus.EventApprovalDecided
		}
		b.Publish(bus.NewEvent(eventType, "autonomy", req))
	}
}

// Start replays the outbox, begins session auto-saving, and surfaces
// any crashed session from the previous process.
func (r *Runtime) Start(ctx context.Context) error {
	replayed, err := r.Outbox.Replay(ctx)
	if err != nil {
		return fmt.Errorf("outbox replay failed: %w", err)
	}
	if replayed > 0 {
		r.Logger.Info("replayed undelivered events", "count", replayed)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.Sessions.Start(loopCtx)

	crashed, err := r.Sessions.CheckForCrashRecovery()
	if err != nil {
		return err
	}
	if crashed != nil {
		recovered, err := r.Sessions.ResumeSession(crashed.SessionID)
		if err != nil {
			return err
		}
		ev := bus.NewEvent(bus.EventSessionRecovered, "runtime", map[string]any{
			"session_id":         recovered.SessionID,
			"messages":           len(recovered.Messages),
			"pending_operations": len(recovered.PendingOperations),
		})
		if err := r.Outbox.Emit(ctx, ev); err != nil {
			r.Logger.Error("failed to emit recovery event", "session", recovered.SessionID, "error", err)
		}
	}
	return nil
}

// Execute runs one request through the supervisor.
func (r *Runtime) Execute(ctx context.Context, req protocol.Request) <-chan supervisor.Chunk {
	return r.Supervisor.Execute(ctx, req)
}

// Shutdown flushes sessions, stops background loops and closes the
// store. Safe to call once.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if err := r.Sessions.CompleteSession(); err != nil {
		r.Logger.Error("failed to complete session on shutdown", "error", err)
	}
	if r.cancel != nil {
		r.cancel()
		r.Sessions.Wait()
	}
	r.Pool.CloseIdle()
	if err := r.Tracer.Shutdown(ctx); err != nil {
		r.Logger.Warn("tracer shutdown failed", "error", err)
	}
	return r.Store.Close()
}
