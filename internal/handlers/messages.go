// Package handlers contains the HTTP surface: the messages orchestrator,
// token counting, health, and the management API.
package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/cc-proxy/cc-proxy/internal/claude"
	"github.com/cc-proxy/cc-proxy/internal/config"
	"github.com/cc-proxy/cc-proxy/internal/history"
	"github.com/cc-proxy/cc-proxy/internal/openai"
	"github.com/cc-proxy/cc-proxy/internal/router"
	"github.com/cc-proxy/cc-proxy/internal/transform"
	"github.com/cc-proxy/cc-proxy/internal/translate"
	"github.com/cc-proxy/cc-proxy/internal/upstream"
)

// MessagesHandler orchestrates POST /v1/messages end to end: history row,
// routing, transformation, translation, dispatch, and delivery.
type MessagesHandler struct {
	config   *config.Manager
	router   *router.Router
	store    *history.Store
	pipeline *transform.Pipeline
	client   *upstream.Client
	logger   *slog.Logger
}

func NewMessagesHandler(
	configManager *config.Manager,
	modelRouter *router.Router,
	store *history.Store,
	pipeline *transform.Pipeline,
	client *upstream.Client,
	logger *slog.Logger,
) *MessagesHandler {
	return &MessagesHandler{
		config:   configManager,
		router:   modelRouter,
		store:    store,
		pipeline: pipeline,
		client:   client,
		logger:   logger,
	}
}

func newMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (h *MessagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeClaudeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	var req claude.MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeClaudeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeClaudeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	requestID := uuid.NewString()
	historyID, err := h.store.Insert(requestID, req.Model, string(body), r.Header.Get("User-Agent"), req.Stream)
	if err != nil {
		h.logger.Error("Failed to insert history row", "error", err)
		writeClaudeError(w, http.StatusInternalServerError, "api_error", "history store unavailable")
		return
	}

	route, err := h.router.Resolve(req.Model)
	if err != nil {
		h.finishError(historyID, history.StatusError, err.Error())
		writeClaudeError(w, http.StatusNotFound, "not_found_error", err.Error())
		return
	}
	if err := h.store.SetRoute(historyID, route.Provider.Name, route.ConcreteModel); err != nil {
		h.logger.Error("Failed to tag history row with route", "error", err, "id", historyID)
	}

	h.logger.Info("Routing request",
		"request_id", requestID,
		"claimed_model", req.Model,
		"provider", route.Provider.Name,
		"concrete_model", route.ConcreteModel,
		"stream", req.Stream,
	)

	if route.Provider.IsAnthropic() {
		h.passthrough(w, r, route, body, historyID, req.Stream)
		return
	}

	chain := h.pipeline.For(route.Provider.Name, route.ConcreteModel)
	transformed := chain.RequestIn(&req)

	cfg := h.config.Get()
	openaiReq, err := translate.ClaudeToOpenAI(transformed, route.ConcreteModel, translate.Limits{
		MaxTokens: cfg.Server.MaxTokensLimit,
		MinTokens: cfg.Server.MinTokensLimit,
	})
	if err != nil {
		h.finishError(historyID, history.StatusError, err.Error())
		writeClaudeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	openaiReq = chain.RequestOut(openaiReq)

	if translated, err := json.Marshal(openaiReq); err == nil {
		if err := h.store.SetTranslation(historyID, string(translated)); err != nil {
			h.logger.Error("Failed to store translated request", "error", err, "id", historyID)
		}
	}

	inputEstimate := translate.CountRequestTokens(transformed.Messages, transformed.System, transformed.Tools)
	messageID := newMessageID()

	if req.Stream {
		h.streaming(w, r, route, chain, openaiReq, historyID, messageID, req.Model, inputEstimate)
	} else {
		h.buffered(w, r, route, chain, openaiReq, historyID, messageID, req.Model, inputEstimate)
	}
}

func (h *MessagesHandler) buffered(
	w http.ResponseWriter, r *http.Request,
	route router.Route, chain *transform.Chain,
	openaiReq *openai.Request, historyID int64,
	messageID, claimedModel string, inputEstimate int,
) {
	resp, uerr := h.client.Complete(r.Context(), route.Provider, openaiReq)
	if uerr != nil {
		h.finishError(historyID, history.StatusError, uerr.Error())
		writeClaudeError(w, uerr.HTTPStatus(), uerr.ClaudeType(), uerr.Error())
		return
	}

	resp = chain.ResponseIn(resp)

	claudeResp, softErrors, err := translate.OpenAIToClaude(resp, messageID, claimedModel)
	if err != nil {
		h.finishError(historyID, history.StatusError, err.Error())
		writeClaudeError(w, http.StatusBadGateway, "api_error", err.Error())
		return
	}
	for _, soft := range softErrors {
		h.logger.Warn("Tool arguments did not parse; preserved raw",
			"tool_call_id", soft.ToolCallID, "error", soft.Err)
	}

	claudeResp = chain.ResponseOut(claudeResp)
	if claudeResp.Usage.InputTokens == 0 {
		claudeResp.Usage.InputTokens = inputEstimate
	}

	responseJSON, _ := json.Marshal(claudeResp)
	if err := h.store.Finish(historyID, history.Terminal{
		Status:       history.StatusCompleted,
		ResponseJSON: string(responseJSON),
		StopReason:   claudeResp.StopReason,
		InputTokens:  claudeResp.Usage.InputTokens,
		OutputTokens: claudeResp.Usage.OutputTokens,
	}); err != nil {
		h.logger.Error("Failed to finalize history row", "error", err, "id", historyID)
	}

	writeJSON(w, http.StatusOK, claudeResp)
}

func (h *MessagesHandler) streaming(
	w http.ResponseWriter, r *http.Request,
	route router.Route, chain *transform.Chain,
	openaiReq *openai.Request, historyID int64,
	messageID, claimedModel string, inputEstimate int,
) {
	stream, uerr := h.client.Stream(r.Context(), route.Provider, openaiReq)
	if uerr != nil {
		// Nothing delivered yet, so the error stays a plain JSON body.
		h.finishError(historyID, history.StatusError, uerr.Error())
		writeClaudeError(w, uerr.HTTPStatus(), uerr.ClaudeType(), uerr.Error())
		return
	}
	defer stream.Close()

	setSSEHeaders(w)
	flusher, _ := w.(http.Flusher)

	asm := translate.NewAssembler(messageID, claimedModel)
	asm.SetInputEstimate(inputEstimate)

	delivered := false
	streamErr := ""

	emit := func(events []translate.Event) bool {
		for _, event := range events {
			if _, err := w.Write(event.SSE()); err != nil {
				return false
			}
			delivered = true
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	clientGone := false
	for {
		chunk, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				emit(asm.Finalize())
				break
			}

			if asm.Done() {
				// Terminal events already went out; a bad trailing chunk
				// does not demote the response.
				h.logger.Warn("Ignoring upstream error after stream end", "error", err, "id", historyID)
				break
			}

			streamErr = err.Error()
			var ue *upstream.Error
			if !delivered && !asm.Done() {
				// Error before the first byte behaves like a
				// non-streaming failure.
				status, claudeType := http.StatusBadGateway, "api_error"
				if errors.As(err, &ue) {
					status, claudeType = ue.HTTPStatus(), ue.ClaudeType()
				}
				h.finishError(historyID, history.StatusError, streamErr)
				writeClaudeError(w, status, claudeType, streamErr)
				return
			}

			claudeType := "api_error"
			if errors.As(err, &ue) {
				claudeType = ue.ClaudeType()
			}
			h.logger.Error("Upstream stream failed mid-flight", "error", err, "id", historyID)
			emit(asm.FinishError(claudeType, streamErr))
			break
		}

		// Keep draining past the terminal chunk: the usage chunk trails
		// finish_reason when stream_options include_usage is set.
		chunk = chain.ResponseChunk(chunk)
		if !emit(asm.Feed(chunk)) {
			clientGone = true
			h.logger.Info("Client disconnected mid-stream", "id", historyID)
			break
		}
	}

	assembled := chain.ResponseOut(asm.Message())
	responseJSON, _ := json.Marshal(assembled)

	status := history.StatusCompleted
	if clientGone || (streamErr != "" && delivered) {
		status = history.StatusPartial
	} else if streamErr != "" {
		status = history.StatusError
	}

	usage := asm.FinalUsage()
	if err := h.store.Finish(historyID, history.Terminal{
		Status:       status,
		ResponseJSON: string(responseJSON),
		StopReason:   asm.StopReasonValue(),
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Error:        streamErr,
	}); err != nil {
		h.logger.Error("Failed to finalize history row", "error", err, "id", historyID)
	}
}

// passthrough forwards a native Anthropic request with only endpoint and
// auth rewritten. Streams are relayed byte-for-byte at event boundaries.
func (h *MessagesHandler) passthrough(
	w http.ResponseWriter, r *http.Request,
	route router.Route, body []byte, historyID int64, streaming bool,
) {
	resp, uerr := h.client.Passthrough(r.Context(), route.Provider, body)
	if uerr != nil {
		h.finishError(historyID, history.StatusError, uerr.Error())
		writeClaudeError(w, uerr.HTTPStatus(), uerr.ClaudeType(), uerr.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Upstream error bodies are already Claude-shaped; forward as-is.
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		h.finishError(historyID, history.StatusError,
			fmt.Sprintf("upstream returned %d", resp.StatusCode))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		w.Write(payload)
		return
	}

	if !streaming {
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			h.finishError(historyID, history.StatusError, "read upstream response: "+err.Error())
			writeClaudeError(w, http.StatusBadGateway, "api_error", "failed to read upstream response")
			return
		}

		terminal := history.Terminal{Status: history.StatusCompleted, ResponseJSON: string(payload)}
		var parsed claude.Response
		if err := json.Unmarshal(payload, &parsed); err == nil {
			terminal.StopReason = parsed.StopReason
			terminal.InputTokens = parsed.Usage.InputTokens
			terminal.OutputTokens = parsed.Usage.OutputTokens
		}
		if err := h.store.Finish(historyID, terminal); err != nil {
			h.logger.Error("Failed to finalize history row", "error", err, "id", historyID)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
		return
	}

	setSSEHeaders(w)
	flusher, _ := w.(http.Flusher)

	terminal := history.Terminal{Status: history.StatusCompleted}
	delivered := false

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()

		// Track stop reason and usage from message_delta without touching
		// the forwarded bytes.
		if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data:"); ok {
			var delta struct {
				Type  string `json:"type"`
				Delta struct {
					StopReason string `json:"stop_reason"`
				} `json:"delta"`
				Usage *claude.Usage `json:"usage"`
			}
			if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &delta); err == nil && delta.Type == "message_delta" {
				terminal.StopReason = delta.Delta.StopReason
				if delta.Usage != nil {
					terminal.InputTokens = delta.Usage.InputTokens
					terminal.OutputTokens = delta.Usage.OutputTokens
				}
			}
		}

		if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
			terminal.Status = history.StatusPartial
			terminal.Error = "client disconnected"
			break
		}
		delivered = true
		if line == "" && flusher != nil {
			flusher.Flush()
		}
	}
	if err := scanner.Err(); err != nil {
		h.logger.Error("Passthrough stream failed", "error", err, "id", historyID)
		if delivered {
			terminal.Status = history.StatusPartial
		} else {
			terminal.Status = history.StatusError
		}
		terminal.Error = err.Error()
	}
	if flusher != nil {
		flusher.Flush()
	}

	if err := h.store.Finish(historyID, terminal); err != nil {
		h.logger.Error("Failed to finalize history row", "error", err, "id", historyID)
	}
}

func (h *MessagesHandler) finishError(historyID int64, status, message string) {
	if err := h.store.Finish(historyID, history.Terminal{Status: status, Error: message}); err != nil {
		h.logger.Error("Failed to mark history row", "error", err, "id", historyID, "status", status)
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeClaudeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, claude.NewErrorBody(errType, message))
}
