package translate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cc-proxy/cc-proxy/internal/claude"
	"github.com/cc-proxy/cc-proxy/internal/openai"
)

// Event is one Claude-shaped SSE event.
type Event struct {
	Type string
	Data map[string]any
}

// SSE renders the event in wire format.
func (e Event) SSE() []byte {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return []byte("event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"api_error\",\"message\":\"failed to marshal event\"}}\n\n")
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Type, data))
}

type textState struct {
	claudeIndex int
	buf         strings.Builder
	stopSent    bool
}

type toolState struct {
	claudeIndex int
	openaiIndex int
	hasIndex    bool
	id          string
	name        string
	args        strings.Builder
	pendingArgs string
	startSent   bool
	stopSent    bool
}

// Assembler drives the OpenAI-stream to Claude-stream state machine. It
// both emits the outgoing event sequence and accumulates enough state to
// assemble the final Message, so the history row is written from one
// consistent snapshot rather than partial mutations.
//
// Emission order is fixed: message_start, then content-block lifecycles
// (text and tool blocks never interleave; an incoming tool call closes any
// open text block first), then message_delta with the stop reason, then
// exactly one message_stop on every exit path.
type Assembler struct {
	messageID    string
	claimedModel string

	started bool
	done    bool

	openText  *textState
	texts     []*textState
	tools     []*toolState
	nextIndex int

	usage     claude.Usage
	usageSeen bool
	estInput  int
	estOutput int

	stopReason string
}

func NewAssembler(messageID, claimedModel string) *Assembler {
	return &Assembler{
		messageID:    messageID,
		claimedModel: claimedModel,
		stopReason:   claude.StopEndTurn,
	}
}

// SetInputEstimate provides the fallback input token count used when the
// upstream never reports usage.
func (a *Assembler) SetInputEstimate(tokens int) {
	a.estInput = tokens
}

// Done reports whether the terminal message_stop has been emitted.
func (a *Assembler) Done() bool {
	return a.done
}

// Feed consumes one upstream chunk and returns the Claude events it
// produces, possibly none.
func (a *Assembler) Feed(chunk *openai.Response) []Event {
	// With stream_options include_usage the usage chunk trails the
	// finish_reason chunk, so it is recorded even after the terminal events
	// went out. It then only reaches the history row, not the wire.
	if chunk.Usage != nil {
		a.usage.InputTokens = chunk.Usage.PromptTokens
		a.usage.OutputTokens = chunk.Usage.CompletionTokens
		if d := chunk.Usage.PromptTokensDetails; d != nil {
			a.usage.CacheReadInputTokens = d.CachedTokens
		}
		a.usageSeen = true
	}
	if a.done {
		return nil
	}

	var events []Event
	if !a.started {
		events = append(events, a.messageStart(chunk), Event{Type: "ping", Data: map[string]any{"type": "ping"}})
		a.started = true
	}

	if len(chunk.Choices) == 0 {
		return events
	}
	choice := chunk.Choices[0]

	if delta := choice.Delta; delta != nil {
		if delta.Content != nil && delta.Content.IsText && delta.Content.Text != "" {
			events = append(events, a.feedText(delta.Content.Text)...)
		}
		for _, call := range delta.ToolCalls {
			events = append(events, a.feedToolCall(call)...)
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		events = append(events, a.finish(StopReason(*choice.FinishReason))...)
	}

	return events
}

// Finalize closes the stream when the upstream ended without a
// finish_reason (bare [DONE]). It is a no-op after a terminal event.
func (a *Assembler) Finalize() []Event {
	if a.done {
		return nil
	}
	var events []Event
	if !a.started {
		events = append(events, a.messageStart(&openai.Response{}))
		a.started = true
	}
	return append(events, a.finish(a.defaultStopReason())...)
}

// FinishError terminates the stream after a mid-stream failure: open
// blocks are closed, an error event is surfaced, and the mandatory
// message_delta/message_stop pair still goes out.
func (a *Assembler) FinishError(errType, message string) []Event {
	if a.done {
		return nil
	}
	var events []Event
	if !a.started {
		events = append(events, a.messageStart(&openai.Response{}))
		a.started = true
	}

	events = append(events, a.closeOpenBlocks()...)
	events = append(events, Event{Type: "error", Data: map[string]any{
		"type":  "error",
		"error": map[string]any{"type": errType, "message": message},
	}})

	a.stopReason = claude.StopError
	events = append(events,
		Event{Type: "message_delta", Data: map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": claude.StopError, "stop_sequence": nil},
			"usage": a.finalUsageMap(),
		}},
		Event{Type: "message_stop", Data: map[string]any{"type": "message_stop"}},
	)
	a.done = true
	return events
}

func (a *Assembler) messageStart(chunk *openai.Response) Event {
	usage := map[string]any{"input_tokens": 0, "output_tokens": 0}
	if chunk.Usage != nil {
		usage["input_tokens"] = chunk.Usage.PromptTokens
		if d := chunk.Usage.PromptTokensDetails; d != nil && d.CachedTokens > 0 {
			usage["cache_read_input_tokens"] = d.CachedTokens
		}
	}
	return Event{Type: "message_start", Data: map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            a.messageID,
			"type":          "message",
			"role":          claude.RoleAssistant,
			"model":         a.claimedModel,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         usage,
		},
	}}
}

func (a *Assembler) feedText(fragment string) []Event {
	var events []Event

	if a.openText == nil {
		state := &textState{claudeIndex: a.nextIndex}
		a.nextIndex++
		a.openText = state
		a.texts = append(a.texts, state)
		events = append(events, Event{Type: "content_block_start", Data: map[string]any{
			"type":          "content_block_start",
			"index":         state.claudeIndex,
			"content_block": map[string]any{"type": claude.BlockText, "text": ""},
		}})
	}

	a.openText.buf.WriteString(fragment)
	if !a.usageSeen {
		a.estOutput += EstimateTokens(fragment)
	}

	return append(events, Event{Type: "content_block_delta", Data: map[string]any{
		"type":  "content_block_delta",
		"index": a.openText.claudeIndex,
		"delta": map[string]any{"type": "text_delta", "text": fragment},
	}})
}

func (a *Assembler) feedToolCall(call openai.ToolCall) []Event {
	var events []Event

	state := a.findTool(call)
	if state == nil {
		if call.ID == "" {
			// Argument fragment for a tool we never saw the head of.
			return nil
		}
		// A new tool call closes the open text block; text and tool
		// blocks never share an index range.
		events = append(events, a.closeTextBlock()...)

		state = &toolState{claudeIndex: a.nextIndex, id: call.ID}
		a.nextIndex++
		if call.Index != nil {
			state.openaiIndex = *call.Index
			state.hasIndex = true
		}
		a.tools = append(a.tools, state)
	}

	if call.ID != "" && state.id == "" {
		state.id = call.ID
	}
	if call.Function.Name != "" {
		state.name = call.Function.Name
	}

	if !state.startSent && state.id != "" && state.name != "" {
		events = append(events, Event{Type: "content_block_start", Data: map[string]any{
			"type":  "content_block_start",
			"index": state.claudeIndex,
			"content_block": map[string]any{
				"type":  claude.BlockToolUse,
				"id":    state.id,
				"name":  state.name,
				"input": map[string]any{},
			},
		}})
		state.startSent = true
		if state.pendingArgs != "" {
			events = append(events, a.argsDelta(state, state.pendingArgs))
			state.pendingArgs = ""
		}
	}

	if fragment := call.Function.Arguments; fragment != "" {
		state.args.WriteString(fragment)
		if !a.usageSeen {
			a.estOutput += EstimateTokens(fragment)
		}
		if state.startSent {
			events = append(events, a.argsDelta(state, fragment))
		} else {
			state.pendingArgs += fragment
		}
	}

	return events
}

func (a *Assembler) argsDelta(state *toolState, fragment string) Event {
	return Event{Type: "content_block_delta", Data: map[string]any{
		"type":  "content_block_delta",
		"index": state.claudeIndex,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": fragment},
	}}
}

func (a *Assembler) findTool(call openai.ToolCall) *toolState {
	if call.Index != nil {
		for _, t := range a.tools {
			if t.hasIndex && t.openaiIndex == *call.Index {
				return t
			}
		}
	}
	if call.ID != "" {
		for _, t := range a.tools {
			if t.id == call.ID {
				return t
			}
		}
	}
	if call.Index == nil && call.ID == "" && len(a.tools) > 0 {
		// Headless fragment; attribute it to the most recent tool.
		return a.tools[len(a.tools)-1]
	}
	return nil
}

func (a *Assembler) closeTextBlock() []Event {
	if a.openText == nil {
		return nil
	}
	event := Event{Type: "content_block_stop", Data: map[string]any{
		"type":  "content_block_stop",
		"index": a.openText.claudeIndex,
	}}
	a.openText.stopSent = true
	a.openText = nil
	return []Event{event}
}

func (a *Assembler) closeOpenBlocks() []Event {
	events := a.closeTextBlock()
	for _, t := range a.tools {
		if t.startSent && !t.stopSent {
			events = append(events, Event{Type: "content_block_stop", Data: map[string]any{
				"type":  "content_block_stop",
				"index": t.claudeIndex,
			}})
			t.stopSent = true
		}
	}
	return events
}

func (a *Assembler) defaultStopReason() string {
	if len(a.tools) > 0 {
		return claude.StopToolUse
	}
	return claude.StopEndTurn
}

func (a *Assembler) finish(stopReason string) []Event {
	// Providers occasionally report "stop" even when they emitted tool
	// calls; the Claude wire requires tool_use then.
	if len(a.tools) > 0 && stopReason == claude.StopEndTurn {
		stopReason = claude.StopToolUse
	}
	a.stopReason = stopReason

	events := a.closeOpenBlocks()
	events = append(events,
		Event{Type: "message_delta", Data: map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
			"usage": a.finalUsageMap(),
		}},
		Event{Type: "message_stop", Data: map[string]any{"type": "message_stop"}},
	)
	a.done = true
	return events
}

// FinalUsage resolves the usage counters, falling back to estimates when
// the upstream never reported them.
func (a *Assembler) FinalUsage() claude.Usage {
	usage := a.usage
	if !a.usageSeen {
		usage.InputTokens = a.estInput
		usage.OutputTokens = a.estOutput
	} else {
		if usage.InputTokens == 0 {
			usage.InputTokens = a.estInput
		}
		if usage.OutputTokens == 0 {
			usage.OutputTokens = a.estOutput
		}
	}
	return usage
}

func (a *Assembler) finalUsageMap() map[string]any {
	usage := a.FinalUsage()
	out := map[string]any{
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
	}
	if usage.CacheReadInputTokens > 0 {
		out["cache_read_input_tokens"] = usage.CacheReadInputTokens
	}
	return out
}

// StopReasonValue returns the terminal stop reason recorded by the machine.
func (a *Assembler) StopReasonValue() string {
	return a.stopReason
}

// Message assembles the complete response from the accumulated block
// state. Applying the emitted deltas in order to an empty skeleton yields
// the same message.
func (a *Assembler) Message() *claude.Response {
	type indexed struct {
		index int
		block claude.ContentBlock
	}
	var ordered []indexed

	for _, t := range a.texts {
		ordered = append(ordered, indexed{t.claudeIndex, claude.ContentBlock{
			Type: claude.BlockText,
			Text: t.buf.String(),
		}})
	}
	for _, t := range a.tools {
		input, _ := ParseToolArguments(t.args.String())
		ordered = append(ordered, indexed{t.claudeIndex, claude.ContentBlock{
			Type:  claude.BlockToolUse,
			ID:    t.id,
			Name:  t.name,
			Input: input,
		}})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })

	blocks := make([]claude.ContentBlock, 0, len(ordered))
	for _, b := range ordered {
		blocks = append(blocks, b.block)
	}
	if len(blocks) == 0 {
		blocks = append(blocks, claude.ContentBlock{Type: claude.BlockText, Text: ""})
	}

	return &claude.Response{
		ID:         a.messageID,
		Type:       "message",
		Role:       claude.RoleAssistant,
		Model:      a.claimedModel,
		Content:    blocks,
		StopReason: a.stopReason,
		Usage:      a.FinalUsage(),
	}
}
