package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MemoryRow is one persisted memory record.
type MemoryRow struct {
	ID         string
	Type       string
	Content    string
	Metadata   string
	Importance float64
	CreatedAt  time.Time
}

// InsertMemory appends a memory record and returns its id.
func (s *Store) InsertMemory(ctx context.Context, typ, content, metadata string, importance float64) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, type, content, metadata, importance, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, typ, content, metadata, importance, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert memory: %w", err)
	}
	return id, nil
}

// TopMemories returns the most important memories of a type, relying
// on the (type, importance DESC) composite index.
func (s *Store) TopMemories(ctx context.Context, typ string, limit int) ([]MemoryRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, content, metadata, importance, created_at
		 FROM memories WHERE type = ? ORDER BY importance DESC LIMIT ?`,
		typ, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

// RecentMemories returns the newest memories of a type.
func (s *Store) RecentMemories(ctx context.Context, typ string, limit int) ([]MemoryRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, content, metadata, importance, created_at
		 FROM memories WHERE type = ? ORDER BY created_at DESC LIMIT ?`,
		typ, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent memories: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

// MemoriesByType returns every memory of a type, newest first.
func (s *Store) MemoriesByType(ctx context.Context, typ string) ([]MemoryRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, content, metadata, importance, created_at
		 FROM memories WHERE type = ? ORDER BY created_at DESC`, typ)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories by type: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

func scanMemories(rows *sql.Rows) ([]MemoryRow, error) {
	var out []MemoryRow
	for rows.Next() {
		var m MemoryRow
		var metadata sql.NullString
		if err := rows.Scan(&m.ID, &m.Type, &m.Content, &metadata, &m.Importance, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory row: %w", err)
		}
		m.Metadata = metadata.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// SkillRow is one learned skill.
type SkillRow struct {
	Name        string
	Code        string
	Description string
	SuccessRate float64
	UsageCount  int
	CreatedAt   time.Time
}

// UpsertSkill stores or replaces a skill definition, preserving
// accumulated usage stats on replace.
func (s *Store) UpsertSkill(ctx context.Context, name, code, description string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO skills (name, code, description, success_rate, usage_count, created_at)
		 VALUES (?, ?, ?, 0, 0, ?)
		 ON CONFLICT(name) DO UPDATE SET code = excluded.code, description = excluded.description`,
		name, code, description, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert skill %s: %w", name, err)
	}
	return nil
}

// GetSkill loads a skill by name.
func (s *Store) GetSkill(ctx context.Context, name string) (*SkillRow, error) {
	var sk SkillRow
	var description sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT name, code, description, success_rate, usage_count, created_at FROM skills WHERE name = ?`,
		name).Scan(&sk.Name, &sk.Code, &description, &sk.SuccessRate, &sk.UsageCount, &sk.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get skill %s: %w", name, err)
	}
	sk.Description = description.String
	return &sk, nil
}

// RecordSkillUse folds one execution outcome into the skill's running
// success rate and usage count.
func (s *Store) RecordSkillUse(ctx context.Context, name string, success bool) error {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE skills
		 SET success_rate = (success_rate * usage_count + ?) / (usage_count + 1),
		     usage_count = usage_count + 1
		 WHERE name = ?`, outcome, name)
	if err != nil {
		return fmt.Errorf("failed to record skill use %s: %w", name, err)
	}
	return nil
}

// AppendEvolution appends one generation record to the evolution log.
func (s *Store) AppendEvolution(ctx context.Context, generation int, changes, metrics string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evolution_history (id, generation, changes, metrics, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, generation, changes, metrics, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to append evolution record: %w", err)
	}
	return id, nil
}
