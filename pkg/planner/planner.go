// Package planner decomposes a user request into a DAG of tasks and
// routes each task to a specialist role. Both operations are pure and
// deterministic; planning never fails.
package planner

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/protocol"
)

// MaxTaskDescription caps how much of a pathological request is
// carried into a task description.
const MaxTaskDescription = 2000

// criticalKeywords force the critical classification regardless of
// length.
var criticalKeywords = []string{"production", "security", "secure", "prod"}

// complexKeywords mark long requests as complex.
var complexKeywords = []string{"architecture", "architect", "design", "redesign"}

// Classify derives a request's complexity from its surface: word
// count plus policy keywords.
func Classify(prompt string) protocol.Complexity {
	lower := strings.ToLower(prompt)
	words := len(strings.Fields(prompt))

	for _, kw := range criticalKeywords {
		if strings.Contains(lower, kw) {
			return protocol.ComplexityCritical
		}
	}
	if words >= 50 {
		for _, kw := range complexKeywords {
			if strings.Contains(lower, kw) {
				return protocol.ComplexityComplex
			}
		}
	}
	if words < 10 {
		return protocol.ComplexitySimple
	}
	return protocol.ComplexityModerate
}

// Planner builds task DAGs. Safe for concurrent use.
type Planner struct {
	estimate TokenEstimator
}

// New builds a planner with the default token estimator.
func New() *Planner {
	return &Planner{estimate: defaultEstimator()}
}

// Plan decomposes a request into a topologically sorted task list.
// Every dependency refers to an earlier task in the list. Pathological
// inputs produce a singleton task over the (capped) raw prompt.
func (p *Planner) Plan(req protocol.Request) []*protocol.Task {
	desc := strings.TrimSpace(req.Prompt)
	if len(desc) > MaxTaskDescription {
		desc = desc[:MaxTaskDescription]
	}
	if desc == "" {
		desc = "(empty request)"
	}

	switch Classify(desc) {
	case protocol.ComplexityComplex:
		return p.chain(desc)
	case protocol.ComplexityCritical:
		return []*protocol.Task{p.task("task-1", desc, protocol.ComplexityCritical, nil)}
	case protocol.ComplexitySimple:
		return []*protocol.Task{p.task("task-1", desc, protocol.ComplexityTrivial, nil)}
	default:
		return []*protocol.Task{p.task("task-1", desc, protocol.ComplexityModerate, nil)}
	}
}

// chain expands a complex request into design -> implement -> review.
func (p *Planner) chain(desc string) []*protocol.Task {
	design := p.task("task-1", "Design approach for: "+desc, protocol.ComplexitySimple, nil)
	implement := p.task("task-2", "Implement: "+desc, protocol.ComplexityComplex, []string{design.ID})
	implement.ParentTaskID = design.ID
	review := p.task("task-3", "Review implementation of: "+desc, protocol.ComplexitySimple, []string{implement.ID})
	review.ParentTaskID = implement.ID
	return []*protocol.Task{design, implement, review}
}

func (p *Planner) task(id, desc string, c protocol.Complexity, deps []string) *protocol.Task {
	return &protocol.Task{
		ID:              id,
		Description:     desc,
		Complexity:      c,
		Dependencies:    deps,
		Status:          protocol.TaskPending,
		EstimatedTokens: p.estimate(desc),
	}
}

// TokenEstimator approximates the token cost of a piece of text.
type TokenEstimator func(string) int

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// defaultEstimator uses the cl100k_base tokenizer when its vocabulary
// is available, falling back to the classic len/4 heuristic otherwise
// (the vocabulary may require a download the process cannot perform).
func defaultEstimator() TokenEstimator {
	return func(text string) int {
		encodingOnce.Do(func() {
			enc, err := tiktoken.GetEncoding("cl100k_base")
			if err == nil {
				encoding = enc
			}
		})
		if encoding != nil {
			return len(encoding.Encode(text, nil, nil))
		}
		return len(text)/4 + 1
	}
}

// Validate checks that a plan is topologically sorted with acyclic
// dependencies referring only to earlier tasks. The planner's own
// output always passes; exposed for defense at the supervisor
// boundary.
func Validate(tasks []*protocol.Task) error {
	seen := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			return fmt.Errorf("task %d has empty id", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id %s", t.ID)
		}
		for _, dep := range t.Dependencies {
			if !seen[dep] {
				return fmt.Errorf("task %s depends on %s which does not precede it", t.ID, dep)
			}
		}
		seen[t.ID] = true
	}
	return nil
}
