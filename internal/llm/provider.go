package llm

import (
	"context"
	"encoding/json"
)

// Message roles understood by every provider
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Provider defines the interface for reasoning model providers
type Provider interface {
	// Generate runs a single structured-output call.
	// The provider MUST enforce the OutputSchema when one is set.
	Generate(ctx context.Context, request *GenerationRequest) (*GenerationResponse, error)

	// Step runs one tool-calling turn over the message history and returns the assistant message.
	Step(ctx context.Context, request *StepRequest) (*StepResponse, error)

	// Name returns the provider name (e.g., "openai", "gemini")
	Name() string
}

// Message is one provider-neutral conversation turn.
// Images may be https or data: URLs and are sent as vision input.
type Message struct {
	Role       string      `json:"role"`
	Content    string      `json:"content,omitempty"`
	Images     []string    `json:"images,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolCall is a named invocation requested by the model
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult answers exactly one ToolCall
type ToolResult struct {
	CallID  string          `json:"call_id"`
	Name    string          `json:"name"`
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"is_error,omitempty"`
}

// ToolDefinition describes a callable tool and its JSON Schema input
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// UserMessage builds a user turn
func UserMessage(content string, images ...string) Message {
	return Message{Role: RoleUser, Content: content, Images: images}
}

// ToolResultMessage wraps a tool result as a history turn
func ToolResultMessage(result ToolResult) Message {
	return Message{Role: RoleTool, ToolResult: &result}
}

// GenerationRequest contains all parameters needed for a structured call
type GenerationRequest struct {
	Model         string
	Messages      []Message
	ReasoningMode string
	SystemPrompt  string
	// Structured output schema - REQUIRED for reliable JSON parsing
	OutputSchema *OutputSchema
}

// OutputSchema defines the expected JSON output structure
type OutputSchema struct {
	Name        string
	Description string
	Schema      map[string]any // JSON Schema object
}

// GenerationResponse contains the result from the model
type GenerationResponse struct {
	RawOutput string `json:"-"` // Raw JSON text output
	Usage     Usage  `json:"usage"`
}

// StepRequest is one turn of the agent loop
type StepRequest struct {
	Model         string
	SystemPrompt  string
	ReasoningMode string
	Messages      []Message
	Tools         []ToolDefinition
}

// StepResponse carries the assistant turn produced by a step
type StepResponse struct {
	Message Message `json:"message"`
	Usage   Usage   `json:"usage"`
}

// Usage is token accounting normalized across providers
type Usage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens"`
	TotalTokens     int64 `json:"total_tokens"`
}

// Add accumulates another usage record
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:     u.InputTokens + other.InputTokens,
		OutputTokens:    u.OutputTokens + other.OutputTokens,
		ReasoningTokens: u.ReasoningTokens + other.ReasoningTokens,
		TotalTokens:     u.TotalTokens + other.TotalTokens,
	}
}
