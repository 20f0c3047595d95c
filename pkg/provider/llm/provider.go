// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI GPT-4o,
// Anthropic Claude, or a local Ollama instance) and exposes a uniform interface
// for the conversation pipeline to perform completions, count tokens, and
// inspect model capabilities without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// Usage holds token accounting information returned by the LLM backend.
// All counts are in the model's native token unit and may differ between providers
// for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and system
	// prompt. This value directly affects billing and context-window budget tracking.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens. Provided as a convenience;
	// some providers return it directly rather than computing it from the parts.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages must
// be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is typically
	// from the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected before the
	// conversation history. If the provider does not natively support a dedicated
	// system prompt, implementors prepend it as a "system"-role message.
	SystemPrompt string

	// Tools is the set of function/tool definitions offered to the model. The model
	// may choose to call one or more of them in its response. Callers should check
	// Capabilities().SupportsToolCalling first.
	Tools []ToolDefinition

	// Temperature controls output randomness in the range [0.0, 2.0]. A value of
	// 0.0 typically requests greedy (argmax) decoding.
	Temperature float64

	// TopP is the nucleus sampling cutoff in (0.0, 1.0]. Zero means provider default.
	TopP float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default (usually the model's MaxOutputTokens).
	MaxTokens int

	// Stop lists sequences at which generation halts. May be empty.
	Stop []string

	// PresencePenalty and FrequencyPenalty bias the model away from repeating
	// tokens, in the range [-2.0, 2.0]. Zero means provider default.
	PresencePenalty  float64
	FrequencyPenalty float64

	// ResponseSchema, when non-nil, asks the provider to constrain output to the
	// given JSON Schema. Adapters whose wire protocol has no structured-output
	// support ignore this field; callers must still validate the decoded result.
	ResponseSchema map[string]any
}

// Chunk is a single token or fragment emitted by a streaming completion.
// Consumers must handle all three fields; a single chunk may carry text, a finish
// signal, tool calls, or any combination thereof.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty if the chunk
	// carries only ToolCalls or a FinishReason.
	Text string

	// FinishReason is set on the final chunk and indicates why generation stopped.
	// One of the Finish* constants, or "" for a non-final chunk.
	FinishReason string

	// ToolCalls contains any tool invocations the model is requesting, fully
	// accumulated by the adapter and emitted on the final chunk.
	ToolCalls []ToolCall
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the model
	// responds exclusively with tool calls.
	Content string

	// FinishReason indicates why generation stopped. One of the Finish* constants.
	FinishReason string

	// ToolCalls lists all tool invocations requested by the model. The caller is
	// responsible for executing them and appending the results to the conversation.
	ToolCalls []ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines. Each
// method should propagate context cancellation promptly: when ctx is cancelled the
// method must return (or close its channel) as quickly as possible.
//
// Errors from Complete and StreamCompletion are *ProviderError values so callers
// can distinguish transient conditions (rate limits, timeouts) from fatal ones
// (bad credentials, malformed requests).
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel that
	// emits Chunk values as they arrive. The channel is closed by the implementation
	// when generation finishes or when ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that occur
	// after the channel is opened are surfaced as a Chunk with FinishReason
	// FinishError; the initial error return is non-nil only for failures that
	// prevent the stream from starting.
	//
	// The returned channel must never be nil when error is nil. Draining the full
	// stream yields the same aggregated content and finish reason that Complete
	// would return for an identical request, modulo model nondeterminism.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens that the given message list would
	// consume in the model's context window. This is used by the token budget
	// manager to enforce context limits before sending a request.
	//
	// Implementations may call the provider's tokenisation API or perform a local
	// approximation. The result need not be exact but should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata describing what this provider's underlying
	// model supports. The result is assumed to be constant for the lifetime of the
	// Provider instance.
	Capabilities() ModelCapabilities
}
