package translate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cc-proxy/cc-proxy/internal/claude"
	"github.com/cc-proxy/cc-proxy/internal/openai"
)

func textChunk(text string) *openai.Response {
	content := openai.Text(text)
	return &openai.Response{Choices: []openai.Choice{{
		Delta: &openai.Message{Content: &content},
	}}}
}

func toolChunk(index int, id, name, args string) *openai.Response {
	return &openai.Response{Choices: []openai.Choice{{
		Delta: &openai.Message{ToolCalls: []openai.ToolCall{{
			Index:    &index,
			ID:       id,
			Function: openai.FunctionCall{Name: name, Arguments: args},
		}}},
	}}}
}

func finishChunk(reason string) *openai.Response {
	return &openai.Response{Choices: []openai.Choice{{
		Delta:        &openai.Message{},
		FinishReason: &reason,
	}}}
}

func usageChunk(input, output int) *openai.Response {
	return &openai.Response{Usage: &openai.Usage{
		PromptTokens: input, CompletionTokens: output,
	}}
}

func eventTypes(events []Event) []string {
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func collect(asm *Assembler, chunks ...*openai.Response) []Event {
	var events []Event
	for _, chunk := range chunks {
		events = append(events, asm.Feed(chunk)...)
	}
	return events
}

func TestAssembler_TextStream(t *testing.T) {
	asm := NewAssembler("msg_1", "claude-sonnet-4")

	events := collect(asm,
		textChunk("Hello"),
		textChunk(" world"),
		usageChunk(10, 2),
		finishChunk(openai.FinishStop),
	)

	assert.Equal(t, []string{
		"message_start", "ping",
		"content_block_start", "content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta", "message_stop",
	}, eventTypes(events))

	msg := asm.Message()
	require.Len(t, msg.Content, 1)
	assert.Equal(t, "Hello world", msg.Content[0].Text)
	assert.Equal(t, claude.StopEndTurn, msg.StopReason)
	assert.Equal(t, 10, msg.Usage.InputTokens)
	assert.Equal(t, 2, msg.Usage.OutputTokens)
	assert.True(t, asm.Done())
}

func TestAssembler_TextThenToolClosesTextFirst(t *testing.T) {
	asm := NewAssembler("msg_1", "claude-sonnet-4")

	events := collect(asm,
		textChunk("Let me check."),
		toolChunk(0, "call_1", "get_weather", ""),
		toolChunk(0, "", "", `{"city":`),
		toolChunk(0, "", "", `"Berlin"}`),
		finishChunk(openai.FinishToolCalls),
	)

	assert.Equal(t, []string{
		"message_start", "ping",
		"content_block_start", "content_block_delta", // text at index 0
		"content_block_stop",  // text closed before the tool opens
		"content_block_start", // tool at index 1
		"content_block_delta", "content_block_delta",
		"content_block_stop",
		"message_delta", "message_stop",
	}, eventTypes(events))

	// Tool block start carries the id/name and an empty input object.
	var toolStart Event
	for _, e := range events {
		if e.Type == "content_block_start" && e.Data["index"] == 1 {
			toolStart = e
		}
	}
	block := toolStart.Data["content_block"].(map[string]any)
	assert.Equal(t, claude.BlockToolUse, block["type"])
	assert.Equal(t, "call_1", block["id"])
	assert.Equal(t, "get_weather", block["name"])

	msg := asm.Message()
	require.Len(t, msg.Content, 2)
	assert.Equal(t, claude.BlockText, msg.Content[0].Type)
	assert.Equal(t, claude.BlockToolUse, msg.Content[1].Type)
	assert.Equal(t, map[string]any{"city": "Berlin"}, msg.Content[1].Input)
	assert.Equal(t, claude.StopToolUse, msg.StopReason)
}

func TestAssembler_ParallelToolCalls(t *testing.T) {
	asm := NewAssembler("msg_1", "claude-sonnet-4")

	collect(asm,
		toolChunk(0, "call_a", "get_weather", `{"city":"Berlin"}`),
		toolChunk(1, "call_b", "get_time", `{"tz":"CET"}`),
		finishChunk(openai.FinishToolCalls),
	)

	msg := asm.Message()
	require.Len(t, msg.Content, 2)
	assert.Equal(t, "call_a", msg.Content[0].ID)
	assert.Equal(t, "call_b", msg.Content[1].ID)
	assert.Equal(t, map[string]any{"tz": "CET"}, msg.Content[1].Input)
}

func TestAssembler_ForcesToolUseStopReason(t *testing.T) {
	asm := NewAssembler("msg_1", "claude-sonnet-4")

	// Some providers report "stop" even after emitting tool calls.
	collect(asm,
		toolChunk(0, "call_1", "get_weather", `{}`),
		finishChunk(openai.FinishStop),
	)

	assert.Equal(t, claude.StopToolUse, asm.Message().StopReason)
}

func TestAssembler_NameAfterArguments(t *testing.T) {
	asm := NewAssembler("msg_1", "claude-sonnet-4")

	// The block must not start until id and name are both known; early
	// argument fragments are buffered and replayed.
	events := collect(asm,
		toolChunk(0, "call_1", "", `{"a":`),
		toolChunk(0, "", "get_weather", `1}`),
		finishChunk(openai.FinishToolCalls),
	)

	types := eventTypes(events)
	assert.Equal(t, []string{
		"message_start", "ping",
		"content_block_start",
		"content_block_delta", // buffered fragment
		"content_block_delta",
		"content_block_stop",
		"message_delta", "message_stop",
	}, types)

	msg := asm.Message()
	require.Len(t, msg.Content, 1)
	assert.Equal(t, map[string]any{"a": float64(1)}, msg.Content[0].Input)
}

func TestAssembler_FinalizeWithoutFinishReason(t *testing.T) {
	asm := NewAssembler("msg_1", "claude-sonnet-4")

	collect(asm, textChunk("partial"))
	events := asm.Finalize()

	assert.Equal(t, []string{
		"content_block_stop", "message_delta", "message_stop",
	}, eventTypes(events))
	assert.Equal(t, claude.StopEndTurn, asm.Message().StopReason)

	// Finalize after terminal is a no-op.
	assert.Empty(t, asm.Finalize())
	assert.Empty(t, asm.Feed(textChunk("late")))
}

func TestAssembler_FinishError(t *testing.T) {
	asm := NewAssembler("msg_1", "claude-sonnet-4")

	collect(asm, textChunk("partial answer"))
	events := asm.FinishError("api_error", "upstream connection lost")

	assert.Equal(t, []string{
		"content_block_stop", "error", "message_delta", "message_stop",
	}, eventTypes(events))

	errData := events[1].Data["error"].(map[string]any)
	assert.Equal(t, "api_error", errData["type"])

	msg := asm.Message()
	assert.Equal(t, claude.StopError, msg.StopReason)
	assert.Equal(t, "partial answer", msg.Content[0].Text)
	assert.True(t, asm.Done())
	assert.Empty(t, asm.FinishError("api_error", "again"))
}

func TestAssembler_UsageFallback(t *testing.T) {
	asm := NewAssembler("msg_1", "claude-sonnet-4")
	asm.SetInputEstimate(25)

	collect(asm,
		textChunk("12345678"), // 2 estimated tokens
		finishChunk(openai.FinishStop),
	)

	usage := asm.FinalUsage()
	assert.Equal(t, 25, usage.InputTokens)
	assert.Equal(t, 2, usage.OutputTokens)
}

func TestAssembler_UsageChunkAfterFinish(t *testing.T) {
	asm := NewAssembler("msg_1", "m")
	collect(asm, textChunk("hi"), finishChunk(openai.FinishStop))
	require.True(t, asm.Done())

	// include_usage puts the usage chunk after finish_reason; it still lands
	// in the final usage without emitting further events.
	assert.Empty(t, asm.Feed(usageChunk(42, 7)))
	usage := asm.FinalUsage()
	assert.Equal(t, 42, usage.InputTokens)
	assert.Equal(t, 7, usage.OutputTokens)
}

func TestAssembler_StreamEqualsBufferedText(t *testing.T) {
	fragments := []string{"The ", "quick ", "brown ", "fox"}

	asm := NewAssembler("msg_1", "m")
	var chunks []*openai.Response
	for _, f := range fragments {
		chunks = append(chunks, textChunk(f))
	}
	chunks = append(chunks, finishChunk(openai.FinishStop))
	collect(asm, chunks...)

	assert.Equal(t, strings.Join(fragments, ""), asm.Message().Content[0].Text)
}

func TestAssembler_ExactlyOneMessageStop(t *testing.T) {
	runs := []func(asm *Assembler) []Event{
		func(asm *Assembler) []Event {
			return collect(asm, textChunk("a"), finishChunk(openai.FinishStop))
		},
		func(asm *Assembler) []Event {
			events := collect(asm, textChunk("a"))
			return append(events, asm.Finalize()...)
		},
		func(asm *Assembler) []Event {
			events := collect(asm, textChunk("a"))
			return append(events, asm.FinishError("api_error", "x")...)
		},
		func(asm *Assembler) []Event {
			return asm.Finalize() // empty stream
		},
	}

	for i, run := range runs {
		asm := NewAssembler("msg_1", "m")
		events := run(asm)
		stops := 0
		for _, e := range events {
			if e.Type == "message_stop" {
				stops++
			}
		}
		assert.Equal(t, 1, stops, "run %d", i)
	}
}

func TestEventSSE(t *testing.T) {
	event := Event{Type: "ping", Data: map[string]any{"type": "ping"}}
	assert.Equal(t, "event: ping\ndata: {\"type\":\"ping\"}\n\n", string(event.SSE()))
}
