// Package claude holds the wire types of the Anthropic messages protocol as
// the proxy speaks it with clients. Content is modelled as a tagged union so
// translation code can switch on the block type instead of digging through
// free-form maps.
package claude

import (
	"encoding/json"
	"fmt"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"

	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
	StopToolUse      = "tool_use"
	StopError        = "error"
)

// ContentBlock is one typed fragment of a message. Exactly the fields for
// the given Type are populated.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   *bool  `json:"is_error,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	CacheControl map[string]any `json:"cache_control,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// MessageContent is either a plain string or a list of content blocks on
// the wire. The proxy keeps both representations so native Anthropic
// passthrough stays byte-faithful.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
	IsText bool
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.IsText {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Blocks)
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		c.IsText = true
		return json.Unmarshal(data, &c.Text)
	}
	c.IsText = false
	return json.Unmarshal(data, &c.Blocks)
}

// AsBlocks normalizes string content into a single text block.
func (c MessageContent) AsBlocks() []ContentBlock {
	if c.IsText {
		if c.Text == "" {
			return nil
		}
		return []ContentBlock{{Type: BlockText, Text: c.Text}}
	}
	return c.Blocks
}

type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// SystemPrompt is string-or-blocks, like message content.
type SystemPrompt struct {
	Text   string
	Blocks []ContentBlock
	IsText bool
	Set    bool
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.IsText {
		return json.Marshal(s.Text)
	}
	return json.Marshal(s.Blocks)
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	s.Set = true
	if len(data) > 0 && data[0] == '"' {
		s.IsText = true
		return json.Unmarshal(data, &s.Text)
	}
	s.IsText = false
	return json.Unmarshal(data, &s.Blocks)
}

type Tool struct {
	Name        string         `json:"name"`
	Type        string         `json:"type,omitempty"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type ToolChoice struct {
	Type string `json:"type"` // auto, any, tool, none
	Name string `json:"name,omitempty"`
}

type Thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// MessagesRequest is the inbound body of POST /v1/messages.
type MessagesRequest struct {
	Model         string         `json:"model"`
	MaxTokens     int            `json:"max_tokens"`
	Messages      []Message      `json:"messages"`
	System        *SystemPrompt  `json:"system,omitempty"`
	Tools         []Tool         `json:"tools,omitempty"`
	ToolChoice    *ToolChoice    `json:"tool_choice,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	TopK          *int           `json:"top_k,omitempty"`
	StopSequences []string       `json:"stop_sequences,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	Thinking      *Thinking      `json:"thinking,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Validate enforces the request invariants the proxy rejects early on.
func (r *MessagesRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if r.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be a positive integer")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i, m := range r.Messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
	}
	return nil
}

type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// Response is the assembled non-streaming message.
type Response struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// ErrorBody is the Claude-shaped error envelope.
type ErrorBody struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewErrorBody(errType, message string) ErrorBody {
	return ErrorBody{Type: "error", Error: ErrorDetail{Type: errType, Message: message}}
}

// TokenCountRequest is the body of POST /v1/messages/count_tokens.
type TokenCountRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	System   *SystemPrompt `json:"system,omitempty"`
	Tools    []Tool        `json:"tools,omitempty"`
}
