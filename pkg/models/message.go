package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is the unified conversation message format used across the
// pipeline stages. The persisted form is ciphertext under the chat key;
// this struct always holds plaintext.
type Message struct {
	ID        string     `json:"id,omitempty"`
	ChatID    string     `json:"chat_id,omitempty"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ModelID   string     `json:"model_id,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string    `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// ToolCall is the model's structured request to invoke a skill.
// Order of calls within an assistant turn is preserved.
type ToolCall struct {
	ID   string `json:"call_id"`
	Name string `json:"function_name"`

	// ArgumentsRaw is the JSON argument text exactly as emitted by the
	// model, accumulated across stream fragments.
	ArgumentsRaw string `json:"arguments_raw"`

	// ArgumentsParsed is populated once on finalization if ArgumentsRaw
	// parses as a JSON object; otherwise ParseError is set.
	ArgumentsParsed map[string]any `json:"arguments_parsed,omitempty"`
	ParseError      string         `json:"parse_error,omitempty"`
}

// ParseArguments attempts the one-shot argument parse performed when a
// streamed tool call is finalized.
func (tc *ToolCall) ParseArguments() {
	if tc.ArgumentsRaw == "" {
		return
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(tc.ArgumentsRaw), &parsed); err != nil {
		tc.ParseError = err.Error()
		return
	}
	tc.ArgumentsParsed = parsed
}

// ToolResult is the outcome of a skill invocation returned to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Usage reports token consumption for one provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}
