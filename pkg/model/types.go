package model

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation history sent with a request.
type Message struct {
	Role       Role   `json:"role"`
	Content    string `json:"content,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// ToolSpec describes one invocable tool offered to the model.
type ToolSpec struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Request carries everything needed to open one streaming completion.
type Request struct {
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Messages     []Message `json:"messages"`
	Tools        []ToolSpec `json:"tools,omitempty"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
}

// EventType discriminates stream events.
type EventType string

const (
	EventTextDelta EventType = "text_delta"
	EventToolCall  EventType = "tool_call"
	EventCompleted EventType = "completed"
)

// ToolCallRequest is the model asking for one tool invocation.
type ToolCallRequest struct {
	CallID string         `json:"call_id"`
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// ToolResult feeds a tool outcome back into an open stream.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Usage reports token consumption for one completed stream.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Event is one normalized item received from a stream. Exactly one of
// Text, ToolCall, or Usage is meaningful depending on Type.
type Event struct {
	Type     EventType        `json:"type"`
	Text     string           `json:"text,omitempty"`
	ToolCall *ToolCallRequest `json:"tool_call,omitempty"`
	Usage    *Usage           `json:"usage,omitempty"`
}
