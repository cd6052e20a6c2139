// Package memory defines the memory capability consumed by workers:
// episodic experiences, semantic facts with relations, and procedural
// skills. The bundled implementation persists through the embedded
// store; vector backends stay outside the core.
package memory

import (
	"context"
	"time"
)

// EpisodicRecord is one remembered experience.
type EpisodicRecord struct {
	ID         string            `json:"id"`
	Experience string            `json:"experience"`
	Outcome    string            `json:"outcome"`
	Context    map[string]string `json:"context,omitempty"`
	Importance float64           `json:"importance"`
	CreatedAt  time.Time         `json:"created_at"`

	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int       `json:"access_count"`
}

// Fact is one semantic memory entry.
type Fact struct {
	ID         string    `json:"id"`
	Topic      string    `json:"topic"`
	Fact       string    `json:"fact"`
	Source     string    `json:"source,omitempty"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// Relation links two semantic topics.
type Relation struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

// Procedure is a named skill: an ordered list of steps.
type Procedure struct {
	SkillName string   `json:"skill_name"`
	Steps     []string `json:"steps"`
}

// ScoredFact pairs a topic with its best fact for search results.
type ScoredFact struct {
	Topic string
	Fact  Fact
}

// Store is the unified memory capability.
type Store interface {
	// Episodic.
	Remember(ctx context.Context, experience, outcome string, extra map[string]string, importance float64) (string, error)
	RecallSimilar(ctx context.Context, query string, topK int) ([]EpisodicRecord, error)
	RecallRecent(ctx context.Context, n int) ([]EpisodicRecord, error)

	// Semantic.
	LearnFact(ctx context.Context, topic, fact, source string, confidence float64) (string, error)
	Query(ctx context.Context, topic string) (*Fact, error)
	Search(ctx context.Context, query string, topK int) ([]ScoredFact, error)
	AddRelation(ctx context.Context, a, b, relationType string) error

	// Procedural.
	LearnProcedure(ctx context.Context, skillName string, steps []string) error
	ExecuteProcedure(ctx context.Context, skillName string, inputs map[string]string) (string, error)
}
