package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/model"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/observability"
	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/protocol"
)

// Worker executes one task for a role, streaming raw output through
// emit. Raw output may contain inline tool directives; the supervisor
// extracts those before the text reaches the caller.
type Worker interface {
	Role() protocol.Role
	ModelName() string
	Execute(ctx context.Context, task *protocol.Task, emit func(text string)) error
}

// Evaluator inspects a worker's complete output. A syntax_invalid or
// evaluation_failed kind triggers the self-correction loop; any other
// error fails the task.
type Evaluator func(output string) error

// rolePrompts are the per-role system instructions handed to the
// model.
var rolePrompts = map[protocol.Role]string{
	protocol.RoleCoder:      "You are a senior software engineer. Produce working code and concise explanations.",
	protocol.RoleReviewer:   "You are a meticulous code reviewer. Identify defects, risks and improvements.",
	protocol.RoleArchitect:  "You are a software architect. Produce designs, trade-offs and interfaces.",
	protocol.RoleResearcher: "You are a technical researcher. Gather, compare and summarize evidence.",
	protocol.RoleDevOps:     "You are a DevOps engineer. Handle deployment, infrastructure and pipelines.",
	protocol.RolePrometheus: "You are the orchestrating meta-agent. Decompose, delegate and synthesize.",
}

// LLMWorker drives a model client for one role: throttle check,
// streaming generation, token accounting, and a bounded
// self-correction loop when an evaluator rejects the output.
type LLMWorker struct {
	role      protocol.Role
	client    model.Client
	params    model.Params
	metrics   *observability.Metrics
	evaluator Evaluator
	// maxCorrections bounds how many times a rejected output is
	// regenerated with the rejection fed back.
	maxCorrections int
	logger         *slog.Logger
}

// LLMWorkerOption configures an LLMWorker.
type LLMWorkerOption func(*LLMWorker)

// WithEvaluator installs the output evaluator driving self-correction.
func WithEvaluator(e Evaluator) LLMWorkerOption {
	return func(w *LLMWorker) { w.evaluator = e }
}

// WithMaxCorrections overrides the default of 3 repair rounds.
func WithMaxCorrections(n int) LLMWorkerOption {
	return func(w *LLMWorker) { w.maxCorrections = n }
}

// WithWorkerLogger overrides the default logger.
func WithWorkerLogger(l *slog.Logger) LLMWorkerOption {
	return func(w *LLMWorker) { w.logger = l }
}

// NewLLMWorker builds a worker for one role over a model client.
func NewLLMWorker(role protocol.Role, client model.Client, params model.Params, metrics *observability.Metrics, opts ...LLMWorkerOption) *LLMWorker {
	w := &LLMWorker{
		role:           role,
		client:         client,
		params:         params,
		metrics:        metrics,
		maxCorrections: 3,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *LLMWorker) Role() protocol.Role { return w.role }

func (w *LLMWorker) ModelName() string { return w.params.Model }

// Execute streams one generation, honoring the provider's throttle
// hint and looping through self-correction when the evaluator rejects
// the output.
func (w *LLMWorker) Execute(ctx context.Context, task *protocol.Task, emit func(string)) error {
	if throttle, delay := w.client.ShouldThrottle(); throttle {
		w.logger.Debug("throttling before dispatch", "role", w.role, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	messages := []model.Message{
		{Role: protocol.MessageRoleSystem, Content: rolePrompts[w.role]},
		{Role: protocol.MessageRoleUser, Content: task.Description},
	}

	output, err := w.streamOnce(ctx, messages, emit)
	if err != nil {
		return err
	}
	if w.evaluator == nil {
		return nil
	}

	for round := 0; ; round++ {
		evalErr := w.evaluator(output)
		if evalErr == nil {
			return nil
		}
		kind := protocol.KindOf(evalErr)
		if kind != protocol.KindSyntaxInvalid && kind != protocol.KindEvaluationFailed {
			return evalErr
		}
		if round >= w.maxCorrections {
			return evalErr
		}
		w.logger.Info("self-correcting worker output", "role", w.role, "task", task.ID,
			"round", round+1, "kind", kind)
		messages = append(messages,
			model.Message{Role: protocol.MessageRoleAssistant, Content: output},
			model.Message{Role: protocol.MessageRoleUser,
				Content: fmt.Sprintf("Your previous output was rejected (%v). Produce a corrected version.", evalErr)},
		)
		output, err = w.streamOnce(ctx, messages, emit)
		if err != nil {
			return err
		}
	}
}

// streamOnce runs one streaming generation, forwarding chunks through
// emit and recording token and latency metrics.
func (w *LLMWorker) streamOnce(ctx context.Context, messages []model.Message, emit func(string)) (string, error) {
	start := time.Now()
	chunks, errs := w.client.Stream(ctx, messages, w.params)

	var output string
	first := true
	for {
		select {
		case <-ctx.Done():
			return output, ctx.Err()
		case err, ok := <-errs:
			if ok && err != nil {
				if w.metrics != nil {
					w.metrics.RecordError(string(protocol.KindOf(err)))
				}
				return output, err
			}
		case chunk, ok := <-chunks:
			if !ok {
				if w.metrics != nil {
					w.metrics.RecordOperation("chat", w.params.Model, time.Since(start))
				}
				return output, nil
			}
			if first && chunk.Text != "" {
				first = false
				if w.metrics != nil {
					w.metrics.RecordFirstToken(w.params.Model, time.Since(start))
				}
			}
			if chunk.Text != "" {
				output += chunk.Text
				emit(chunk.Text)
			}
			if chunk.Final && w.metrics != nil {
				w.metrics.RecordTokens("chat", w.params.Model, chunk.Usage.InputTokens, chunk.Usage.OutputTokens)
			}
		}
	}
}
