package transform

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/cc-proxy/cc-proxy/internal/claude"
	"github.com/cc-proxy/cc-proxy/internal/config"
	"github.com/cc-proxy/cc-proxy/internal/openai"
)

const (
	exitToolName = "ExitTool"

	// DeepSeek caps generation at 8k tokens regardless of what we ask for.
	deepSeekMaxOutput = 8192

	toolModeReminder = "<system-reminder>Tool mode is active. The user expects you to proactively " +
		"execute the most suitable tool to help complete the task. \n" +
		"Before invoking a tool, you must carefully evaluate whether it matches the current task. " +
		"If no available tool is appropriate for the task, you MUST call the `ExitTool` to exit " +
		"tool mode — this is the only valid way to terminate tool mode.\n" +
		"Always prioritize completing the user's task effectively and efficiently by " +
		"using tools whenever appropriate.</system-reminder>"

	exitToolDescription = "Use this tool when you are in tool mode and have completed the task. " +
		"This is the only valid way to exit tool mode.\n" +
		"IMPORTANT: Before using this tool, ensure that none of the available tools are " +
		"applicable to the current task. You must evaluate all available options — only " +
		"if no suitable tool can help you complete the task should you use ExitTool to " +
		"terminate tool mode.\n" +
		"Examples:\n" +
		"1. Task: \"Use a tool to summarize this document\" — Do not use ExitTool if a " +
		"summarization tool is available.\n" +
		"2. Task: \"What's the weather today?\" — If no tool is available to answer, use " +
		"ExitTool after reasoning that none can fulfill the task."

	exitToolResponseDescription = "Your response will be forwarded to the user exactly as returned — " +
		"the tool will not modify or post-process it in any way."
)

var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// deepSeek amplifies tool use for DeepSeek models: forced tool_choice with a
// synthetic ExitTool escape hatch, an output-budget clamp, and repair of
// text the model wrapped in a fenced json code block.
type deepSeek struct {
	Base
	maxOutput int
	logger    *slog.Logger
}

func newDeepSeek(cfg config.TransformerConfig, logger *slog.Logger) Transformer {
	maxOutput := cfg.MaxOutput
	if maxOutput <= 0 {
		maxOutput = deepSeekMaxOutput
	}
	return &deepSeek{maxOutput: maxOutput, logger: logger}
}

func (d *deepSeek) Name() string { return "deepseek" }

func (d *deepSeek) RequestOut(req *openai.Request) *openai.Request {
	if req.MaxTokens > d.maxOutput {
		d.logger.Debug("Clamping max_tokens for DeepSeek",
			"requested", req.MaxTokens, "max_output", d.maxOutput)
		req.MaxTokens = d.maxOutput
	}

	if len(req.Tools) == 0 {
		return req
	}

	reminder := openai.Text(toolModeReminder)
	req.Messages = append([]openai.Message{{Role: openai.RoleSystem, Content: &reminder}}, req.Messages...)

	req.ToolChoice = &openai.ToolChoice{Mode: "required"}

	if !hasTool(req.Tools, exitToolName) {
		req.Tools = append([]openai.Tool{exitToolDefinition()}, req.Tools...)
	}
	return req
}

func (d *deepSeek) ResponseIn(resp *openai.Response) *openai.Response {
	if len(resp.Choices) == 0 {
		return resp
	}
	choice := &resp.Choices[0]
	message := choice.Message
	if message == nil {
		return resp
	}

	if message.Content != nil && message.Content.IsText && message.Content.Text != "" {
		message.Content.Text = repairFencedJSON(message.Content.Text)
	}

	if len(message.ToolCalls) > 0 && message.ToolCalls[0].Function.Name == exitToolName {
		text, ok := exitToolResponse(message.ToolCalls[0].Function.Arguments)
		if !ok {
			d.logger.Error("Malformed ExitTool arguments",
				"arguments", message.ToolCalls[0].Function.Arguments)
			return resp
		}
		content := openai.Text(text)
		message.Content = &content
		message.ToolCalls = nil
		if choice.FinishReason != nil {
			stop := openai.FinishStop
			choice.FinishReason = &stop
		}
	}
	return resp
}

// ResponseChunk rewrites a streaming ExitTool call whose arguments arrived
// complete in a single chunk. Calls fragmented across chunks pass through
// and surface as an ordinary tool_use block.
func (d *deepSeek) ResponseChunk(chunk *openai.Response) *openai.Response {
	if len(chunk.Choices) == 0 {
		return chunk
	}
	choice := &chunk.Choices[0]
	delta := choice.Delta
	if delta == nil || len(delta.ToolCalls) == 0 {
		return chunk
	}

	for _, call := range delta.ToolCalls {
		if call.Function.Name != exitToolName || call.Function.Arguments == "" {
			continue
		}
		text, ok := exitToolResponse(call.Function.Arguments)
		if !ok {
			continue
		}
		content := openai.Text(text)
		delta.Content = &content
		delta.ToolCalls = nil
		if choice.FinishReason != nil {
			stop := openai.FinishStop
			choice.FinishReason = &stop
		}
		break
	}
	return chunk
}

func (d *deepSeek) ResponseOut(resp *claude.Response) *claude.Response {
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == claude.BlockText && block.Text != "" {
			block.Text = repairFencedJSON(block.Text)
		}
	}
	return resp
}

func exitToolResponse(arguments string) (string, bool) {
	var parsed struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal([]byte(arguments), &parsed); err != nil {
		return "", false
	}
	return parsed.Response, true
}

func hasTool(tools []openai.Tool, name string) bool {
	for _, tool := range tools {
		if tool.Function.Name == name {
			return true
		}
	}
	return false
}

func exitToolDefinition() openai.Tool {
	return openai.Tool{
		Type: "function",
		Function: openai.FunctionDefinition{
			Name:        exitToolName,
			Description: exitToolDescription,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"response": map[string]any{
						"type":        "string",
						"description": exitToolResponseDescription,
					},
				},
				"required": []string{"response"},
			},
		},
	}
}

// repairFencedJSON extracts the payload of a fenced json code block when
// the payload is valid JSON; anything else passes through untouched.
func repairFencedJSON(content string) string {
	match := fencedJSONPattern.FindStringSubmatch(content)
	if match == nil {
		return content
	}
	candidate := strings.TrimSpace(match[1])
	if candidate == "" || !json.Valid([]byte(candidate)) {
		return content
	}
	return candidate
}
