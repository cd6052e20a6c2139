// Package autonomy implements the bounded-autonomy gate: operation
// risk classification, the L0..L3 decision ladder, and the approval
// request lifecycle.
package autonomy

import (
	"time"

	"github.com/google/uuid"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/protocol"
)

// ApprovalDecision is the lifecycle state of an approval request.
type ApprovalDecision string

const (
	ApprovalPending  ApprovalDecision = "pending"
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalRejected ApprovalDecision = "rejected"
	ApprovalTimedOut ApprovalDecision = "timed_out"
)

// ApprovalRequest tracks one pending human decision. Owned by the
// gate; the supervisor holds only references.
type ApprovalRequest struct {
	ID             string                 `json:"id"`
	TaskID         string                 `json:"task_id"`
	OperationClass OperationClass         `json:"operation_class"`
	AutonomyLevel  protocol.AutonomyLevel `json:"autonomy_level"`
	Description    string                 `json:"description"`
	CreatedAt      time.Time              `json:"created_at"`
	Decision       ApprovalDecision       `json:"decision"`
	DecidedAt      *time.Time             `json:"decided_at,omitempty"`
	Decider        string                 `json:"decider,omitempty"`
}

func newApprovalRequest(task *protocol.Task, class OperationClass, level protocol.AutonomyLevel) *ApprovalRequest {
	return &ApprovalRequest{
		ID:             uuid.NewString(),
		TaskID:         task.ID,
		OperationClass: class,
		AutonomyLevel:  level,
		Description:    task.Description,
		CreatedAt:      time.Now().UTC(),
		Decision:       ApprovalPending,
	}
}

func (a *ApprovalRequest) resolve(decision ApprovalDecision, decider string) {
	now := time.Now().UTC()
	a.Decision = decision
	a.DecidedAt = &now
	a.Decider = decider
}
