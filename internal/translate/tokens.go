package translate

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/cc-proxy/cc-proxy/internal/claude"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// CountTokens counts tokens with the cl100k_base encoding. When the
// encoding cannot be loaded (offline first run) it falls back to the
// character heuristic so callers always get a usable number.
func CountTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return EstimateTokens(text)
}

// EstimateTokens is the character-based heuristic: one token per four
// characters, rounded up.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// CountRequestTokens approximates the input token count of a Claude
// request: all message text, system text, and serialized tool schemas.
func CountRequestTokens(messages []claude.Message, system *claude.SystemPrompt, tools []claude.Tool) int {
	total := 0

	if system != nil {
		if system.IsText {
			total += CountTokens(system.Text)
		} else {
			for _, b := range system.Blocks {
				total += CountTokens(b.Text)
			}
		}
	}

	for _, msg := range messages {
		for _, block := range msg.Content.AsBlocks() {
			switch block.Type {
			case claude.BlockText, claude.BlockThinking:
				total += CountTokens(block.Text + block.Thinking)
			case claude.BlockToolUse:
				if data, err := json.Marshal(block.Input); err == nil {
					total += CountTokens(block.Name + string(data))
				}
			case claude.BlockToolResult:
				if data, err := json.Marshal(block.Content); err == nil {
					total += CountTokens(string(data))
				}
			}
		}
	}

	for _, tool := range tools {
		if data, err := json.Marshal(tool.InputSchema); err == nil {
			total += CountTokens(tool.Name + tool.Description + string(data))
		}
	}

	return total
}
