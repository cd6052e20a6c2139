package observability

// Attribute keys follow the GenAI semantic conventions where one
// exists; core-specific keys live under the vertice.* namespace.
const (
	AttrOperationName = "gen_ai.operation.name"
	AttrRequestModel  = "gen_ai.request.model"
	AttrInputTokens   = "gen_ai.usage.input_tokens"
	AttrOutputTokens  = "gen_ai.usage.output_tokens"
	AttrAgentID       = "gen_ai.agent.id"
	AttrAgentName     = "gen_ai.agent.name"
	AttrToolName      = "gen_ai.tool.name"

	AttrSpanClass     = "vertice.span.class"
	AttrSessionID     = "vertice.session.id"
	AttrTaskID        = "vertice.task.id"
	AttrErrorKind     = "vertice.error.kind"
	AttrAutonomyLevel = "vertice.autonomy.level"

	DefaultServiceName = "vertice-core"
)

// SpanClass categorizes a span within the trace tree.
type SpanClass string

const (
	SpanClassAgent     SpanClass = "agent"
	SpanClassLLM       SpanClass = "llm"
	SpanClassTool      SpanClass = "tool"
	SpanClassRetrieval SpanClass = "retrieval"
	SpanClassEmbedding SpanClass = "embedding"
)
