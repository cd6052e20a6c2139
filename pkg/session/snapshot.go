// Package session maintains durable conversation snapshots: the live
// session state, its on-disk persistence, crash recovery and search.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/protocol"
)

// State is the lifecycle state of a session.
type State string

const (
	StateNew       State = "new"
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateCrashed   State = "crashed"
	StateCompleted State = "completed"
	StateRecovered State = "recovered"
)

// PendingOperation is a serializable record of work interrupted by a
// crash. Held by value so replay can reconstruct tasks without live
// references into the dead execution.
type PendingOperation struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	TaskID      string    `json:"task_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Snapshot is the full serialized state of one session. The checksum
// covers every field except itself. Mutators and clone synchronize on
// an internal lock so the auto-save loop serializes a consistent copy
// while the supervisor keeps appending.
type Snapshot struct {
	mu sync.Mutex

	SessionID         string                         `json:"session_id"`
	State             State                          `json:"state"`
	CreatedAt         time.Time                      `json:"created_at"`
	UpdatedAt         time.Time                      `json:"updated_at"`
	Messages          []protocol.ConversationMessage `json:"messages"`
	Context           map[string]string              `json:"context,omitempty"`
	WorkingDirectory  string                         `json:"working_directory,omitempty"`
	OpenFiles         []string                       `json:"open_files,omitempty"`
	PendingOperations []PendingOperation             `json:"pending_operations,omitempty"`
	Checksum          string                         `json:"checksum,omitempty"`
	// Metadata records non-fatal load anomalies such as
	// checksum_mismatch.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewSnapshot creates an empty session snapshot.
func NewSnapshot(sessionID string) *Snapshot {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	now := time.Now().UTC()
	return &Snapshot{
		SessionID: sessionID,
		State:     StateNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AppendMessage appends one transcript entry. Messages are append-only.
func (s *Snapshot) AppendMessage(role protocol.MessageRole, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append(s.Messages, protocol.ConversationMessage{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	s.UpdatedAt = time.Now().UTC()
}

// AddPendingOperation records interrupted work for crash replay.
func (s *Snapshot) AddPendingOperation(opType, description, taskID string) PendingOperation {
	op := PendingOperation{
		ID:          uuid.NewString(),
		Type:        opType,
		Description: description,
		TaskID:      taskID,
		CreatedAt:   time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PendingOperations = append(s.PendingOperations, op)
	s.UpdatedAt = time.Now().UTC()
	return op
}

// ClearPendingOperation removes a replayed operation by id.
func (s *Snapshot) ClearPendingOperation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := s.PendingOperations[:0]
	for _, op := range s.PendingOperations {
		if op.ID != id {
			ops = append(ops, op)
		}
	}
	s.PendingOperations = ops
	s.UpdatedAt = time.Now().UTC()
}

// clone returns a deep copy taken under the snapshot's lock, safe to
// serialize while mutators keep writing to the original.
func (s *Snapshot) clone() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &Snapshot{
		SessionID:         s.SessionID,
		State:             s.State,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
		Messages:          append([]protocol.ConversationMessage(nil), s.Messages...),
		WorkingDirectory:  s.WorkingDirectory,
		OpenFiles:         append([]string(nil), s.OpenFiles...),
		PendingOperations: append([]PendingOperation(nil), s.PendingOperations...),
		Checksum:          s.Checksum,
	}
	if s.Context != nil {
		out.Context = make(map[string]string, len(s.Context))
		for k, v := range s.Context {
			out.Context[k] = v
		}
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// ComputeChecksum returns the hex sha256 digest over the serialized
// snapshot with the checksum field blanked.
func (s *Snapshot) ComputeChecksum() (string, error) {
	shadow := s.clone()
	shadow.Checksum = ""
	data, err := json.Marshal(shadow)
	if err != nil {
		return "", fmt.Errorf("serializing snapshot %s: %w", s.SessionID, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Seal stamps the snapshot with its current checksum.
func (s *Snapshot) Seal() error {
	sum, err := s.ComputeChecksum()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.Checksum = sum
	s.mu.Unlock()
	return nil
}

// Verify recomputes the digest and compares it against the stored
// checksum. A missing checksum verifies trivially.
func (s *Snapshot) Verify() (bool, error) {
	if s.Checksum == "" {
		return true, nil
	}
	sum, err := s.ComputeChecksum()
	if err != nil {
		return false, err
	}
	return sum == s.Checksum, nil
}

// Summary is the one-line description used by the index and cheap
// search: the first user message, truncated.
func (s *Snapshot) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.Messages {
		if m.Role == protocol.MessageRoleUser {
			if len(m.Content) > 120 {
				return m.Content[:120]
			}
			return m.Content
		}
	}
	return ""
}
