package core

import "context"

// Provider is the low-level, non-streaming vendor call.
// provider/openaicompat implements it alongside LLMEngine; its
// StreamChat streams the vendor's SSE response directly instead of
// going through Provider's accumulate-then-return methods.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatWithTools sends a request with tool definitions, returns a
	// response that may contain tool calls instead of content.
	ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error)
	// Name returns the provider name (e.g. "gemini", "openai").
	Name() string
}
