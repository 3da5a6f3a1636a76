package translate

import (
	"encoding/json"
	"fmt"

	"github.com/cc-proxy/cc-proxy/internal/claude"
	"github.com/cc-proxy/cc-proxy/internal/openai"
)

// StopReason maps a chat-completions finish_reason onto the Claude wire
// value. Unknown reasons and content_filter collapse to end_turn.
func StopReason(finishReason string) string {
	switch finishReason {
	case openai.FinishStop:
		return claude.StopEndTurn
	case openai.FinishLength:
		return claude.StopMaxTokens
	case openai.FinishToolCalls, openai.FinishFunctionCall:
		return claude.StopToolUse
	default:
		return claude.StopEndTurn
	}
}

// SoftError records a recoverable translation defect (for example tool
// arguments that did not parse) without failing the response.
type SoftError struct {
	ToolCallID string
	Err        error
}

// OpenAIToClaude assembles the Claude message from a buffered
// chat-completions response. messageID becomes the message id; claimedModel
// is echoed back so the client sees the model it asked for.
func OpenAIToClaude(resp *openai.Response, messageID, claimedModel string) (*claude.Response, []SoftError, error) {
	if resp.Error != nil {
		return nil, nil, fmt.Errorf("upstream error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, nil, fmt.Errorf("no choices in upstream response")
	}

	choice := resp.Choices[0]
	message := choice.Message
	if message == nil {
		message = choice.Delta
	}
	if message == nil {
		return nil, nil, fmt.Errorf("no message in upstream choice")
	}

	var blocks []claude.ContentBlock
	var softErrors []SoftError

	if message.Content != nil && message.Content.IsText && message.Content.Text != "" {
		blocks = append(blocks, claude.ContentBlock{Type: claude.BlockText, Text: message.Content.Text})
	}

	for _, call := range message.ToolCalls {
		input, err := ParseToolArguments(call.Function.Arguments)
		if err != nil {
			softErrors = append(softErrors, SoftError{ToolCallID: call.ID, Err: err})
		}
		blocks = append(blocks, claude.ContentBlock{
			Type:  claude.BlockToolUse,
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}

	if len(blocks) == 0 {
		blocks = append(blocks, claude.ContentBlock{Type: claude.BlockText, Text: ""})
	}

	stopReason := claude.StopEndTurn
	if choice.FinishReason != nil {
		stopReason = StopReason(*choice.FinishReason)
	}

	out := &claude.Response{
		ID:      messageID,
		Type:    "message",
		Role:    claude.RoleAssistant,
		Model:   claimedModel,
		Content: blocks,
		// stop_sequence is always null; stop-sequence hits come through
		// finish_reason="stop" on this wire.
		StopReason: stopReason,
	}

	if resp.Usage != nil {
		out.Usage = claude.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
		if d := resp.Usage.PromptTokensDetails; d != nil {
			out.Usage.CacheReadInputTokens = d.CachedTokens
		}
	} else {
		out.Usage = claude.Usage{
			OutputTokens: estimateResponseTokens(blocks),
		}
	}

	return out, softErrors, nil
}

// ParseToolArguments parses a tool call's argument string. Malformed JSON
// is preserved under a _raw key so no data is silently dropped.
func ParseToolArguments(arguments string) (map[string]any, error) {
	if arguments == "" {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(arguments), &input); err != nil {
		return map[string]any{"_raw": arguments}, fmt.Errorf("parse tool arguments: %w", err)
	}
	return input, nil
}

func estimateResponseTokens(blocks []claude.ContentBlock) int {
	total := 0
	for _, block := range blocks {
		switch block.Type {
		case claude.BlockText:
			total += EstimateTokens(block.Text)
		case claude.BlockToolUse:
			if data, err := json.Marshal(block.Input); err == nil {
				total += EstimateTokens(string(data))
			}
		}
	}
	return total
}
