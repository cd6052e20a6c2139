package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/protocol"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/store"
)

// Memory type discriminators in the memories table.
const (
	typeEpisodic = "episodic"
	typeSemantic = "semantic"
	typeRelation = "semantic_relation"
)

// similarityWeight and decayWeight combine into the recall ranking
// score: 0.6*similarity + 0.4*relevance_decay.
const (
	similarityWeight = 0.6
	decayWeight      = 0.4
)

// StepRunner executes one procedure step. Injected so the core stays
// free of concrete tool semantics; the default renders the step with
// its inputs.
type StepRunner func(ctx context.Context, step string, inputs map[string]string) (string, error)

// SQLiteStore implements Store over the embedded persistence layer.
type SQLiteStore struct {
	store   *store.Store
	runStep StepRunner
	now     func() time.Time
}

// NewSQLiteStore builds the memory store. runStep may be nil.
func NewSQLiteStore(s *store.Store, runStep StepRunner) *SQLiteStore {
	if runStep == nil {
		runStep = renderStep
	}
	return &SQLiteStore{store: s, runStep: runStep, now: time.Now}
}

type episodicPayload struct {
	Experience   string            `json:"experience"`
	Outcome      string            `json:"outcome"`
	Context      map[string]string `json:"context,omitempty"`
	LastAccessed time.Time         `json:"last_accessed"`
	AccessCount  int               `json:"access_count"`
}

// Remember stores one experience with its outcome and importance.
func (m *SQLiteStore) Remember(ctx context.Context, experience, outcome string, extra map[string]string, importance float64) (string, error) {
	payload := episodicPayload{
		Experience:   experience,
		Outcome:      outcome,
		Context:      extra,
		LastAccessed: m.now().UTC(),
	}
	meta, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode experience: %w", err)
	}
	return m.store.InsertMemory(ctx, typeEpisodic, experience, string(meta), importance)
}

// RecallSimilar ranks episodic memories by combined similarity and
// relevance decay, best first.
func (m *SQLiteStore) RecallSimilar(ctx context.Context, query string, topK int) ([]EpisodicRecord, error) {
	rows, err := m.store.MemoriesByType(ctx, typeEpisodic)
	if err != nil {
		return nil, err
	}

	type scored struct {
		rec   EpisodicRecord
		score float64
	}
	candidates := make([]scored, 0, len(rows))
	now := m.now()
	for _, row := range rows {
		rec, err := decodeEpisodic(row)
		if err != nil {
			continue
		}
		sim := tokenSimilarity(query, rec.Experience+" "+rec.Outcome)
		candidates = append(candidates, scored{rec: rec, score: similarityWeight*sim + decayWeight*relevance(rec, now)})
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if topK > 0 && topK < len(candidates) {
		candidates = candidates[:topK]
	}

	out := make([]EpisodicRecord, len(candidates))
	for i, c := range candidates {
		out[i] = c.rec
	}
	return out, nil
}

// RecallRecent returns the n newest experiences.
func (m *SQLiteStore) RecallRecent(ctx context.Context, n int) ([]EpisodicRecord, error) {
	rows, err := m.store.RecentMemories(ctx, typeEpisodic, n)
	if err != nil {
		return nil, err
	}
	out := make([]EpisodicRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeEpisodic(row)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeEpisodic(row store.MemoryRow) (EpisodicRecord, error) {
	var payload episodicPayload
	if err := json.Unmarshal([]byte(row.Metadata), &payload); err != nil {
		return EpisodicRecord{}, err
	}
	return EpisodicRecord{
		ID:           row.ID,
		Experience:   payload.Experience,
		Outcome:      payload.Outcome,
		Context:      payload.Context,
		Importance:   row.Importance,
		CreatedAt:    row.CreatedAt,
		LastAccessed: payload.LastAccessed,
		AccessCount:  payload.AccessCount,
	}, nil
}

// relevance decays with time since last access and boosts with access
// count, normalized into [0, 1].
func relevance(rec EpisodicRecord, now time.Time) float64 {
	last := rec.LastAccessed
	if last.IsZero() {
		last = rec.CreatedAt
	}
	ageHours := now.Sub(last).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	decay := math.Exp(-ageHours / 72)
	boost := math.Min(float64(rec.AccessCount)*0.1, 0.5)
	return math.Min(decay+boost, 1)
}

// tokenSimilarity is Jaccard overlap on lowercased word sets. A
// deliberately cheap stand-in for vector similarity, which is outside
// the core.
func tokenSimilarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		out[strings.Trim(tok, ".,;:!?\"'()[]{}")] = true
	}
	delete(out, "")
	return out
}

type semanticPayload struct {
	Topic      string  `json:"topic"`
	Fact       string  `json:"fact"`
	Source     string  `json:"source,omitempty"`
	Confidence float64 `json:"confidence"`
}

// LearnFact stores one fact under a topic. Confidence doubles as
// importance so the composite index ranks confident facts first.
func (m *SQLiteStore) LearnFact(ctx context.Context, topic, fact, source string, confidence float64) (string, error) {
	meta, err := json.Marshal(semanticPayload{Topic: topic, Fact: fact, Source: source, Confidence: confidence})
	if err != nil {
		return "", fmt.Errorf("failed to encode fact: %w", err)
	}
	return m.store.InsertMemory(ctx, typeSemantic, topic+": "+fact, string(meta), confidence)
}

// Query returns the most confident fact for an exact topic, or nil.
func (m *SQLiteStore) Query(ctx context.Context, topic string) (*Fact, error) {
	rows, err := m.store.TopMemories(ctx, typeSemantic, 200)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		f, err := decodeFact(row)
		if err != nil {
			continue
		}
		if strings.EqualFold(f.Topic, topic) {
			return &f, nil
		}
	}
	return nil, nil
}

// Search ranks facts against a free-form query.
func (m *SQLiteStore) Search(ctx context.Context, query string, topK int) ([]ScoredFact, error) {
	rows, err := m.store.MemoriesByType(ctx, typeSemantic)
	if err != nil {
		return nil, err
	}
	type scored struct {
		sf    ScoredFact
		score float64
	}
	candidates := make([]scored, 0, len(rows))
	for _, row := range rows {
		f, err := decodeFact(row)
		if err != nil {
			continue
		}
		sim := tokenSimilarity(query, f.Topic+" "+f.Fact)
		if sim == 0 {
			continue
		}
		candidates = append(candidates, scored{sf: ScoredFact{Topic: f.Topic, Fact: f}, score: sim*similarityWeight + f.Confidence*decayWeight})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if topK > 0 && topK < len(candidates) {
		candidates = candidates[:topK]
	}
	out := make([]ScoredFact, len(candidates))
	for i, c := range candidates {
		out[i] = c.sf
	}
	return out, nil
}

func decodeFact(row store.MemoryRow) (Fact, error) {
	var payload semanticPayload
	if err := json.Unmarshal([]byte(row.Metadata), &payload); err != nil {
		return Fact{}, err
	}
	return Fact{
		ID:         row.ID,
		Topic:      payload.Topic,
		Fact:       payload.Fact,
		Source:     payload.Source,
		Confidence: payload.Confidence,
		CreatedAt:  row.CreatedAt,
	}, nil
}

// AddRelation links two topics.
func (m *SQLiteStore) AddRelation(ctx context.Context, a, b, relationType string) error {
	meta, err := json.Marshal(Relation{From: a, To: b, Type: relationType})
	if err != nil {
		return fmt.Errorf("failed to encode relation: %w", err)
	}
	_, err = m.store.InsertMemory(ctx, typeRelation, a+" -"+relationType+"-> "+b, string(meta), 0)
	return err
}

// LearnProcedure stores a skill as an ordered step list.
func (m *SQLiteStore) LearnProcedure(ctx context.Context, skillName string, steps []string) error {
	code, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("failed to encode procedure: %w", err)
	}
	return m.store.UpsertSkill(ctx, skillName, string(code), fmt.Sprintf("procedure with %d steps", len(steps)))
}

// ExecuteProcedure runs a learned skill step by step, recording the
// outcome into the skill's success rate.
func (m *SQLiteStore) ExecuteProcedure(ctx context.Context, skillName string, inputs map[string]string) (string, error) {
	skill, err := m.store.GetSkill(ctx, skillName)
	if err != nil {
		return "", err
	}
	if skill == nil {
		return "", protocol.NewError(protocol.KindNotFound, "unknown procedure %q", skillName)
	}

	var steps []string
	if err := json.Unmarshal([]byte(skill.Code), &steps); err != nil {
		return "", fmt.Errorf("corrupt procedure %q: %w", skillName, err)
	}

	var out strings.Builder
	for i, step := range steps {
		result, err := m.runStep(ctx, step, inputs)
		if err != nil {
			if recErr := m.store.RecordSkillUse(ctx, skillName, false); recErr != nil {
				return "", fmt.Errorf("step %d failed: %w (and recording use failed: %v)", i+1, err, recErr)
			}
			return "", fmt.Errorf("step %d of %q failed: %w", i+1, skillName, err)
		}
		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		out.WriteString(result)
	}

	if err := m.store.RecordSkillUse(ctx, skillName, true); err != nil {
		return "", fmt.Errorf("failed to record procedure use: %w", err)
	}
	return out.String(), nil
}

// renderStep substitutes {key} placeholders from inputs.
func renderStep(_ context.Context, step string, inputs map[string]string) (string, error) {
	out := step
	for k, v := range inputs {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out, nil
}
