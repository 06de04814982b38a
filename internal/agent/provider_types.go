// Package agent defines the provider-neutral completion types: the
// LLMProvider interface every concrete backend implements, the
// request/message/chunk shapes they exchange, and the Tool interface
// through which the engine exposes executable tools to a model.
package agent

import (
	"context"
	"encoding/json"

	"github.com/nexuscore/engine/pkg/models"
)

// LLMProvider is a streaming LLM backend. Implementations must be safe
// for concurrent Complete calls.
type LLMProvider interface {
	// Complete sends a request and streams the response back as chunks.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name identifies the provider ("anthropic", "openai", ...).
	Name() string

	// Models lists the models this provider can serve.
	Models() []Model

	// SupportsTools reports whether the provider accepts tool definitions.
	SupportsTools() bool
}

// CompletionRequest carries one completion call: conversation history,
// system prompt, the tool subset the model may call, and generation
// limits.
type CompletionRequest struct {
	// Model selects the model id; empty means the provider's default.
	Model string `json:"model"`

	// System is the system prompt, carried separately from Messages
	// because most provider APIs do the same.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in order.
	Messages []CompletionMessage `json:"messages"`

	// Tools the model may request; empty disables tool calling.
	Tools []Tool `json:"tools,omitempty"`

	// MaxTokens caps the generated response; 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// EnableThinking turns on extended reasoning for models that have it.
	// The tool loop always forces this off on intermediate rounds.
	EnableThinking bool `json:"enable_thinking,omitempty"`

	// ThinkingBudgetTokens bounds extended reasoning when enabled.
	ThinkingBudgetTokens int `json:"thinking_budget_tokens,omitempty"`
}

// CompletionMessage is one history entry. Role is "user", "assistant",
// or "tool"; tool calls ride assistant messages and tool results ride
// tool messages.
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// CompletionChunk is one streamed increment of a response. Exactly one
// of its content fields is meaningful per chunk; token counts arrive on
// the final chunk alongside Done.
type CompletionChunk struct {
	// Text is a partial-response text delta.
	Text string `json:"text,omitempty"`

	// ToolCall is a complete tool execution request.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Thinking deltas stream reasoning content between ThinkingStart and
	// ThinkingEnd markers.
	Thinking      string `json:"thinking,omitempty"`
	ThinkingStart bool   `json:"thinking_start,omitempty"`
	ThinkingEnd   bool   `json:"thinking_end,omitempty"`

	// Done marks successful stream completion.
	Done bool `json:"done,omitempty"`

	// InputTokens and OutputTokens are populated on the Done chunk.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	// Error terminates the stream.
	Error error `json:"-"`
}

// Model describes one servable model and its capabilities.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}

// Tool is an executable capability exposed to the model: a name and
// description the model selects on, a JSON Schema for its arguments, and
// the execution itself.
type Tool interface {
	// Name is the function-calling identifier (alphanumeric, underscores).
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema is the JSON Schema for the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with arguments matching Schema.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is a tool execution's outcome. Failures are reported with
// IsError rather than a Go error so the model can read and recover.
type ToolResult struct {
	Content   string     `json:"content"`
	IsError   bool       `json:"is_error,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Artifact is a file or media blob a tool produced alongside its text
// result.
type Artifact struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
	Data     []byte `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}
