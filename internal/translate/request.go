// Package translate converts between the Claude messages protocol and the
// OpenAI chat-completions protocol, in both directions and for both
// buffered and streaming responses.
package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cc-proxy/cc-proxy/internal/claude"
	"github.com/cc-proxy/cc-proxy/internal/openai"
)

// Limits clamps the requested output budget.
type Limits struct {
	MaxTokens int
	MinTokens int
}

// ClaudeToOpenAI converts a Claude request into the chat-completions shape
// for the given concrete model.
func ClaudeToOpenAI(req *claude.MessagesRequest, concreteModel string, limits Limits) (*openai.Request, error) {
	out := &openai.Request{
		Model:  concreteModel,
		Stream: req.Stream,
	}

	if system := systemText(req.System); system != "" {
		content := openai.Text(system)
		out.Messages = append(out.Messages, openai.Message{Role: openai.RoleSystem, Content: &content})
	}

	for i, msg := range req.Messages {
		converted, err := convertMessage(msg)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		out.Messages = append(out.Messages, converted...)
	}

	out.MaxTokens = clampTokens(req.MaxTokens, limits)
	out.Temperature = req.Temperature
	out.TopP = req.TopP
	// top_k has no chat-completions equivalent and is dropped.
	out.Stop = req.StopSequences

	for _, tool := range req.Tools {
		if tool.Name == "" || strings.HasPrefix(tool.Type, "web_search") {
			continue
		}
		out.Tools = append(out.Tools, openai.Tool{
			Type: "function",
			Function: openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	if req.ToolChoice != nil && len(out.Tools) > 0 {
		out.ToolChoice = convertToolChoice(req.ToolChoice)
	}

	if req.Stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	return out, nil
}

func clampTokens(requested int, limits Limits) int {
	if limits.MinTokens > 0 && requested < limits.MinTokens {
		requested = limits.MinTokens
	}
	if limits.MaxTokens > 0 && requested > limits.MaxTokens {
		requested = limits.MaxTokens
	}
	return requested
}

// systemText flattens the system prompt; structured blocks are joined with
// blank lines and their cache_control annotations dropped.
func systemText(system *claude.SystemPrompt) string {
	if system == nil || !system.Set {
		return ""
	}
	if system.IsText {
		return strings.TrimSpace(system.Text)
	}
	var parts []string
	for _, block := range system.Blocks {
		if block.Type == claude.BlockText && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

func convertToolChoice(tc *claude.ToolChoice) *openai.ToolChoice {
	switch tc.Type {
	case "any":
		return &openai.ToolChoice{Mode: "required"}
	case "tool":
		if tc.Name != "" {
			return &openai.ToolChoice{Function: tc.Name}
		}
		return &openai.ToolChoice{Mode: "auto"}
	case "none":
		return &openai.ToolChoice{Mode: "none"}
	default:
		return &openai.ToolChoice{Mode: "auto"}
	}
}

// convertMessage expands a single Claude message into one or more OpenAI
// messages. A user message with tool_result blocks splits into a user
// message (text and images, if any) followed by one tool message per result.
func convertMessage(msg claude.Message) ([]openai.Message, error) {
	if msg.Content.IsText {
		content := openai.Text(msg.Content.Text)
		return []openai.Message{{Role: msg.Role, Content: &content}}, nil
	}

	if msg.Role == claude.RoleAssistant {
		return []openai.Message{convertAssistantBlocks(msg.Content.Blocks)}, nil
	}
	return convertUserBlocks(msg.Content.Blocks)
}

func convertAssistantBlocks(blocks []claude.ContentBlock) openai.Message {
	var text strings.Builder
	var toolCalls []openai.ToolCall

	for _, block := range blocks {
		switch block.Type {
		case claude.BlockText:
			text.WriteString(block.Text)
		case claude.BlockToolUse:
			args := "{}"
			if block.Input != nil {
				if data, err := json.Marshal(block.Input); err == nil {
					args = string(data)
				}
			}
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: openai.FunctionCall{
					Name:      block.Name,
					Arguments: args,
				},
			})
		}
		// thinking blocks are not replayed upstream
	}

	out := openai.Message{Role: openai.RoleAssistant}
	content := openai.Text(text.String())
	out.Content = &content
	out.ToolCalls = toolCalls
	return out
}

func convertUserBlocks(blocks []claude.ContentBlock) ([]openai.Message, error) {
	var parts []openai.ContentPart
	var toolMessages []openai.Message

	for _, block := range blocks {
		switch block.Type {
		case claude.BlockText:
			parts = append(parts, openai.ContentPart{Type: "text", Text: block.Text})
		case claude.BlockImage:
			url, err := imageURL(block.Source)
			if err != nil {
				return nil, err
			}
			parts = append(parts, openai.ContentPart{
				Type:     "image_url",
				ImageURL: &openai.ImageURL{URL: url},
			})
		case claude.BlockToolResult:
			content := openai.Text(flattenToolResult(block.Content))
			toolMessages = append(toolMessages, openai.Message{
				Role:       openai.RoleTool,
				ToolCallID: block.ToolUseID,
				Content:    &content,
			})
		}
	}

	var out []openai.Message
	if len(parts) > 0 {
		msg := openai.Message{Role: openai.RoleUser}
		if len(parts) == 1 && parts[0].Type == "text" {
			content := openai.Text(parts[0].Text)
			msg.Content = &content
		} else {
			msg.Content = &openai.MessageContent{Parts: parts}
		}
		out = append(out, msg)
	}
	return append(out, toolMessages...), nil
}

func imageURL(source *claude.ImageSource) (string, error) {
	if source == nil {
		return "", fmt.Errorf("image block without source")
	}
	switch source.Type {
	case "base64":
		return fmt.Sprintf("data:%s;base64,%s", source.MediaType, source.Data), nil
	case "url":
		return source.URL, nil
	default:
		return "", fmt.Errorf("unsupported image source type %q", source.Type)
	}
}

// flattenToolResult normalizes tool_result content (string, block list, or
// arbitrary JSON) into the plain string OpenAI tool messages carry.
func flattenToolResult(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		var parts []string
		for _, item := range v {
			switch elem := item.(type) {
			case string:
				parts = append(parts, elem)
			case map[string]any:
				if text, ok := elem["text"].(string); ok {
					parts = append(parts, text)
				} else if data, err := json.Marshal(elem); err == nil {
					parts = append(parts, string(data))
				}
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	case map[string]any:
		if text, ok := v["text"].(string); ok {
			return text
		}
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", v)
	default:
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", v)
	}
}
