// Package protocol defines the shared data model of the orchestration
// core: tasks, roles, handoffs, autonomy levels and the closed set of
// error kinds every component reports.
package protocol

import (
	"fmt"
	"time"
)

// Complexity classifies a request or task by how much work it implies.
type Complexity string

const (
	ComplexityTrivial  Complexity = "trivial"
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
	ComplexityCritical Complexity = "critical"
)

// Role identifies a specialist worker the router can dispatch to.
type Role string

const (
	RoleCoder      Role = "CODER"
	RoleReviewer   Role = "REVIEWER"
	RoleArchitect  Role = "ARCHITECT"
	RoleResearcher Role = "RESEARCHER"
	RoleDevOps     Role = "DEVOPS"
	RolePrometheus Role = "PROMETHEUS"
)

// Roles lists every routable role.
func Roles() []Role {
	return []Role{RoleCoder, RoleReviewer, RoleArchitect, RoleResearcher, RoleDevOps, RolePrometheus}
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskReady      TaskStatus = "ready"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// statusRank orders task states for the monotonicity check. Higher
// ranks are "later"; terminal states share the top rank.
var statusRank = map[TaskStatus]int{
	TaskPending:    0,
	TaskReady:      1,
	TaskInProgress: 2,
	TaskCompleted:  3,
	TaskFailed:     3,
	TaskCancelled:  3,
}

// CanTransition reports whether a task may move from one status to
// another. Status is monotonic except for pending->ready and the
// retry-induced failed->in_progress.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return false
	}
	if from == TaskFailed && to == TaskInProgress {
		return true
	}
	return statusRank[to] > statusRank[from]
}

// Task is the unit of work produced by the planner and executed by the
// supervisor. Dependencies reference task IDs within the same plan and
// always form a DAG.
type Task struct {
	ID              string     `json:"id"`
	Description     string     `json:"description"`
	Complexity      Complexity `json:"complexity"`
	AssignedRole    Role       `json:"assigned_role,omitempty"`
	ParentTaskID    string     `json:"parent_task_id,omitempty"`
	Dependencies    []string   `json:"dependencies,omitempty"`
	Status          TaskStatus `json:"status"`
	Result          string     `json:"result,omitempty"`
	EstimatedTokens int        `json:"estimated_tokens"`
}

// SetStatus applies a lifecycle transition, rejecting moves the task
// state machine does not allow.
func (t *Task) SetStatus(to TaskStatus) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("invalid task transition %s -> %s for task %s", t.Status, to, t.ID)
	}
	t.Status = to
	return nil
}

// Terminal reports whether the task reached a terminal state.
func (t *Task) Terminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Handoff is an immutable record of a role-to-role transfer of work.
// The supervisor appends handoffs to a per-session ordered log.
type Handoff struct {
	FromRole  Role      `json:"from_role"`
	ToRole    Role      `json:"to_role"`
	TaskID    string    `json:"task_id"`
	Context   string    `json:"context,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AutonomyLevel is the ordinal risk tier assigned to an operation.
// Levels are ordered: L0 < L1 < L2 < L3.
type AutonomyLevel int

const (
	// L0Autonomous operations proceed immediately.
	L0Autonomous AutonomyLevel = iota
	// L1Notify operations proceed while a notification is sent.
	L1Notify
	// L2Approve operations block until a human approves.
	L2Approve
	// L3HumanOnly operations never run autonomously.
	L3HumanOnly
)

func (l AutonomyLevel) String() string {
	switch l {
	case L0Autonomous:
		return "L0"
	case L1Notify:
		return "L1"
	case L2Approve:
		return "L2"
	case L3HumanOnly:
		return "L3"
	}
	return fmt.Sprintf("L%d", int(l))
}

// Request is the raw user prompt entering the supervisor. Immutable.
type Request struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
}

// ExecutionResult captures the outcome of one terminated task.
type ExecutionResult struct {
	TaskID         string   `json:"task_id"`
	Output         string   `json:"output"`
	Success        bool     `json:"success"`
	Score          float64  `json:"score"`
	ToolsUsed      []string `json:"tools_used,omitempty"`
	ElapsedSeconds float64  `json:"elapsed_seconds"`
}

// MessageRole is the author class of a conversation message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
	MessageRoleTool      MessageRole = "tool"
)

// ConversationMessage is one append-only entry in a session transcript.
type ConversationMessage struct {
	Role      MessageRole       `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
