// Package llm defines the Provider interface for chat-completion backends.
//
// A provider wraps one OpenAI-compatible endpoint (DeepSeek, SiliconFlow,
// Ollama behind a proxy, or OpenAI itself) and exposes a uniform Complete
// call for the reply pipeline. The pipeline runs several named model roles
// (organizer, generator, guard, utility, vision) that may live on different
// providers; each role is bound to one Provider instance at composition time.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import "context"

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit and may differ between providers for the same
// text.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens. Some providers return it
	// directly rather than computing it from the parts.
	TotalTokens int
}

// CompletionRequest carries everything the model needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is typically from
	// the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation as a "system"-role message.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. The generator
	// stage derives this value from the user's affection level.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider
	// default.
	MaxTokens int
}

// CompletionResponse is the parsed result of one model call.
type CompletionResponse struct {
	// Content is the user-visible text of the reply. Any <think>…</think>
	// wrapper emitted by reasoning models is already stripped.
	Content string

	// Reasoning is the model's thinking trace when the backend exposes one
	// (DeepSeek-R1 style reasoning_content, or the stripped <think> body).
	// Empty for non-reasoning models.
	Reasoning string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any chat-completion backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// ModelID returns the backend model identifier (e.g.
	// "deepseek-ai/DeepSeek-V3"). Used for trace logging and usage stats.
	ModelID() string
}
