package autonomy

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/protocol"
)

// OperationClass names a category of operation with a static risk
// level.
type OperationClass string

const (
	ClassDestructiveOp    OperationClass = "destructive_op"
	ClassDeployProduction OperationClass = "deploy_production"
	ClassDeployStaging    OperationClass = "deploy_staging"
	ClassShellExec        OperationClass = "shell_exec"
	ClassWriteFile        OperationClass = "write_file"
	ClassReadFile         OperationClass = "read_file"
	ClassGeneral          OperationClass = "general"
)

// classEntry matches when every keyword appears in the lowercased
// description. First match wins.
type classEntry struct {
	keywords []string
	class    OperationClass
}

var classTable = []classEntry{
	{[]string{"exfiltrate"}, ClassDestructiveOp},
	{[]string{"drop database"}, ClassDestructiveOp},
	{[]string{"delete all"}, ClassDestructiveOp},
	{[]string{"wipe"}, ClassDestructiveOp},
	{[]string{"deploy", "production"}, ClassDeployProduction},
	{[]string{"deploy", "prod"}, ClassDeployProduction},
	{[]string{"deploy"}, ClassDeployStaging},
	{[]string{"shell"}, ClassShellExec},
	{[]string{"execute command"}, ClassShellExec},
	{[]string{"run command"}, ClassShellExec},
	{[]string{"write file"}, ClassWriteFile},
	{[]string{"create file"}, ClassWriteFile},
	{[]string{"read file"}, ClassReadFile},
	{[]string{"list files"}, ClassReadFile},
	{[]string{"read"}, ClassReadFile},
	{[]string{"list"}, ClassReadFile},
}

// classLevels is the static operation-class -> autonomy-level map.
var classLevels = map[OperationClass]protocol.AutonomyLevel{
	ClassDestructiveOp:    protocol.L3HumanOnly,
	ClassDeployProduction: protocol.L2Approve,
	ClassDeployStaging:    protocol.L1Notify,
	ClassShellExec:        protocol.L2Approve,
	ClassWriteFile:        protocol.L1Notify,
	ClassReadFile:         protocol.L0Autonomous,
	ClassGeneral:          protocol.L0Autonomous,
}

// ClassifyOperation maps a task description to its operation class.
func ClassifyOperation(description string) OperationClass {
	lower := strings.ToLower(description)
	for _, entry := range classTable {
		matched := true
		for _, kw := range entry.keywords {
			if !strings.Contains(lower, kw) {
				matched = false
				break
			}
		}
		if matched {
			return entry.class
		}
	}
	return ClassGeneral
}

// LevelFor returns the static autonomy level of an operation class.
func LevelFor(class OperationClass) protocol.AutonomyLevel {
	if level, ok := classLevels[class]; ok {
		return level
	}
	return protocol.L3HumanOnly
}

// Notifier delivers an L1 notification. Invoked asynchronously; the
// gate never blocks on it.
type Notifier func(task *protocol.Task, class OperationClass)

// Approver resolves an approval request. It should return approved or
// rejected; errors and overruns of ctx count as rejection.
type Approver func(ctx context.Context, req *ApprovalRequest) (ApprovalDecision, string, error)

// Decision is the gate's verdict for one task.
type Decision struct {
	MayProceed bool
	Level      protocol.AutonomyLevel
	Class      OperationClass
	Approval   *ApprovalRequest
	// Err carries approval_rejected, approval_timed_out or
	// governance_blocked when MayProceed is false.
	Err error
}

// Gate enforces bounded autonomy per task.
type Gate struct {
	notifier Notifier
	approver Approver
	timeout  time.Duration
	logger   *slog.Logger
	// onApproval observes lifecycle transitions, e.g. to emit
	// approval.requested / approval.decided events.
	onApproval func(*ApprovalRequest)
}

// Option configures a Gate.
type Option func(*Gate)

// WithNotifier installs the L1 notification callback.
func WithNotifier(n Notifier) Option { return func(g *Gate) { g.notifier = n } }

// WithApprover installs the L2/L3 approval callback.
func WithApprover(a Approver) Option { return func(g *Gate) { g.approver = a } }

// WithTimeout overrides the default 30s approval wait.
func WithTimeout(d time.Duration) Option { return func(g *Gate) { g.timeout = d } }

// WithApprovalObserver installs a lifecycle observer.
func WithApprovalObserver(fn func(*ApprovalRequest)) Option {
	return func(g *Gate) { g.onApproval = fn }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(g *Gate) { g.logger = l } }

// NewGate builds a gate with the given options.
func NewGate(opts ...Option) *Gate {
	g := &Gate{timeout: 30 * time.Second, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check decides whether a task may proceed. Approvals are per-task
// and confer no blanket authority; a grant arriving after the task
// was cancelled is discarded.
func (g *Gate) Check(ctx context.Context, task *protocol.Task) Decision {
	class := ClassifyOperation(task.Description)
	level := LevelFor(class)
	d := Decision{Level: level, Class: class}

	switch level {
	case protocol.L0Autonomous:
		d.MayProceed = true
		return d

	case protocol.L1Notify:
		if g.notifier != nil {
			notify := g.notifier
			go notify(task, class)
		}
		d.MayProceed = true
		return d

	case protocol.L2Approve:
		req := newApprovalRequest(task, class, level)
		d.Approval = req
		g.observe(req)
		return g.await(ctx, task, req, d)

	default: // L3: never autonomous.
		req := newApprovalRequest(task, class, level)
		d.Approval = req
		g.observe(req)
		if g.approver == nil {
			req.resolve(ApprovalRejected, "system")
			g.observe(req)
			d.Err = protocol.NewError(protocol.KindGovernanceBlocked,
				"operation %s requires a human approver and none is configured", class)
			return d
		}
		return g.await(ctx, task, req, d)
	}
}

// await resolves an approval request through the approver or, when
// none is configured at L2, conservatively rejects after the timeout.
func (g *Gate) await(ctx context.Context, task *protocol.Task, req *ApprovalRequest, d Decision) Decision {
	waitCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if g.approver == nil {
		<-waitCtx.Done()
		req.resolve(ApprovalTimedOut, "system")
		g.observe(req)
		d.Err = protocol.NewError(protocol.KindApprovalTimedOut,
			"no approver configured for %s; rejected after %s", req.OperationClass, g.timeout)
		return d
	}

	type outcome struct {
		decision ApprovalDecision
		decider  string
		err      error
	}
	ch := make(chan outcome, 1)
	go func() {
		decision, decider, err := g.approver(waitCtx, req)
		ch <- outcome{decision, decider, err}
	}()

	select {
	case <-waitCtx.Done():
		req.resolve(ApprovalTimedOut, "system")
		g.observe(req)
		d.Err = protocol.NewError(protocol.KindApprovalTimedOut,
			"approval for %s timed out after %s", req.OperationClass, g.timeout)
		return d

	case out := <-ch:
		if out.err != nil && waitCtx.Err() != nil {
			// The approver gave up because the wait expired; report the
			// timeout, not a rejection.
			req.resolve(ApprovalTimedOut, "system")
			g.observe(req)
			d.Err = protocol.NewError(protocol.KindApprovalTimedOut,
				"approval for %s timed out after %s", req.OperationClass, g.timeout)
			return d
		}
		if out.err != nil || out.decision != ApprovalApproved {
			decider := out.decider
			if decider == "" {
				decider = "approver"
			}
			req.resolve(ApprovalRejected, decider)
			g.observe(req)
			d.Err = protocol.NewError(protocol.KindApprovalRejected,
				"approval for %s rejected", req.OperationClass)
			return d
		}

		if task.Status == protocol.TaskCancelled {
			// The grant arrived too late; discard it.
			g.logger.Info("discarding approval for cancelled task", "task", task.ID, "approval", req.ID)
			req.resolve(ApprovalRejected, "system")
			g.observe(req)
			d.Err = protocol.NewError(protocol.KindApprovalRejected,
				"task %s cancelled before approval arrived", task.ID)
			return d
		}

		req.resolve(ApprovalApproved, out.decider)
		g.observe(req)
		d.MayProceed = true
		return d
	}
}

func (g *Gate) observe(req *ApprovalRequest) {
	if g.onApproval != nil {
		g.onApproval(req)
	}
}
