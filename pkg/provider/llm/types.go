package llm

// Role values used in conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons reported by providers. Adapters normalise their vendor's wire
// value to one of these.
const (
	// FinishStop is the natural end of generation.
	FinishStop = "stop"

	// FinishLength means the completion token limit was reached.
	FinishLength = "length"

	// FinishToolCalls means the model wants one or more tools executed before
	// it can continue.
	FinishToolCalls = "tool_calls"

	// FinishContentFilter means the provider suppressed the output.
	FinishContentFilter = "content_filter"

	// FinishError is synthesised by adapters when a stream fails mid-flight.
	FinishError = "error"
)

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any

	// MaxDurationMs is the declared upper latency bound, used as a hard
	// per-invocation timeout by the dispatcher. Zero means no timeout.
	MaxDurationMs int

	// Idempotent indicates whether the tool can be safely retried.
	Idempotent bool

	// Concurrent opts this tool into parallel dispatch when a single response
	// requests several invocations. The default (false) preserves the order
	// the model asked for.
	Concurrent bool
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool

	// SupportsResponseSchema indicates the model accepts a wire-level
	// structured-output schema. When false, callers fall back to
	// instruction-driven extraction.
	SupportsResponseSchema bool
}
