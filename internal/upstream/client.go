package upstream

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/cc-proxy/cc-proxy/internal/config"
	"github.com/cc-proxy/cc-proxy/internal/openai"
)

const (
	anthropicVersion = "2023-06-01"

	// scanner limit for a single SSE line; some providers emit very large
	// tool-argument chunks.
	maxLineBytes = 1 << 20
)

// Client issues upstream requests with a retry budget for connect and
// timeout failures. Retries never happen after the first response byte.
type Client struct {
	httpClient *http.Client
	maxRetries int
	logger     *slog.Logger
}

func NewClient(timeout time.Duration, maxRetries int, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Complete issues a buffered chat-completions call.
func (c *Client) Complete(ctx context.Context, provider *config.Provider, req *openai.Request) (*openai.Response, *Error) {
	req.Stream = false
	req.StreamOptions = nil

	resp, uerr := c.doChatCompletions(ctx, provider, req)
	if uerr != nil {
		return nil, uerr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(decompressReader(resp))
	if err != nil {
		return nil, wrapError(KindTransport, err, "read upstream response")
	}

	var parsed openai.Response
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, wrapError(KindProtocol, err, "malformed upstream response")
	}
	if parsed.Error != nil {
		return nil, newError(KindUpstream, resp.StatusCode, "upstream error: %s", parsed.Error.Message)
	}
	return &parsed, nil
}

// Stream opens a streaming chat-completions call. The caller owns the
// returned stream and must Close it.
func (c *Client) Stream(ctx context.Context, provider *config.Provider, req *openai.Request) (*Stream, *Error) {
	req.Stream = true
	if req.StreamOptions == nil {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	resp, uerr := c.doChatCompletions(ctx, provider, req)
	if uerr != nil {
		return nil, uerr
	}

	reader := decompressReader(resp)
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &Stream{body: resp.Body, scanner: scanner}, nil
}

func (c *Client) doChatCompletions(ctx context.Context, provider *config.Provider, req *openai.Request) (*http.Response, *Error) {
	body, err := encodeRequest(req)
	if err != nil {
		return nil, wrapError(KindInternal, err, "encode upstream request")
	}

	url := strings.TrimSuffix(provider.BaseURL, "/") + "/chat/completions"
	apiKey := provider.ResolveAPIKey()

	var lastErr *Error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying upstream request",
				"provider", provider.Name, "attempt", attempt, "error", lastErr.Error())
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, wrapError(KindInternal, err, "build upstream request")
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept-Encoding", "gzip, br")
		if apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+apiKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = classifyTransport(ctx, err)
			if lastErr.Kind == KindTimeout || lastErr.Kind == KindTransport {
				if ctx.Err() == nil {
					continue
				}
			}
			return nil, lastErr
		}

		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		lastErr = classifyStatus(resp, c.logger)
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooEarly:
			continue
		case http.StatusTooManyRequests:
			// Honor Retry-After once, then surface the 429.
			if attempt == 0 {
				if wait := retryAfter(resp); wait > 0 {
					select {
					case <-time.After(wait):
						continue
					case <-ctx.Done():
						return nil, wrapError(KindTimeout, ctx.Err(), "request canceled while rate limited")
					}
				}
				continue
			}
			return nil, lastErr
		default:
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// Passthrough issues a native Anthropic messages call with the original
// body, rewriting only endpoint and auth. The caller owns the response.
func (c *Client) Passthrough(ctx context.Context, provider *config.Provider, body []byte) (*http.Response, *Error) {
	url := strings.TrimSuffix(provider.BaseURL, "/") + "/v1/messages"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, wrapError(KindInternal, err, "build upstream request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if apiKey := provider.ResolveAPIKey(); apiKey != "" {
		httpReq.Header.Set("x-api-key", apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	return resp, nil
}

// encodeRequest serializes the request, lifting ExtraQuery entries to the
// top level of the JSON body (the OpenRouter extensions live there).
func encodeRequest(req *openai.Request) ([]byte, error) {
	if len(req.ExtraQuery) == 0 {
		return json.Marshal(req)
	}

	extra := req.ExtraQuery
	req.ExtraQuery = nil
	data, err := json.Marshal(req)
	req.ExtraQuery = extra
	if err != nil {
		return nil, err
	}

	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, err
	}
	for key, value := range extra {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		flat[key] = raw
	}
	return json.Marshal(flat)
}

func classifyTransport(ctx context.Context, err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return wrapError(KindTimeout, err, "upstream request timed out")
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return wrapError(KindTimeout, err, "request canceled")
	default:
		var timeoutErr interface{ Timeout() bool }
		if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
			return wrapError(KindTimeout, err, "upstream request timed out")
		}
		return wrapError(KindTransport, err, "upstream request failed")
	}
}

func classifyStatus(resp *http.Response, logger *slog.Logger) *Error {
	body, _ := io.ReadAll(io.LimitReader(decompressReader(resp), 8*1024))
	message := upstreamErrorMessage(body)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		// Do not leak provider credential details to the client.
		logger.Error("Upstream rejected credentials",
			"status", resp.StatusCode, "message", message)
		return newError(KindAuth, resp.StatusCode, "upstream authentication failed")
	case http.StatusTooManyRequests:
		return newError(KindRateLimited, resp.StatusCode, "upstream rate limited: %s", message)
	case http.StatusRequestTimeout, http.StatusTooEarly:
		return newError(KindTimeout, resp.StatusCode, "upstream timeout (%d): %s", resp.StatusCode, message)
	default:
		return newError(KindUpstream, resp.StatusCode, "upstream returned %d: %s", resp.StatusCode, message)
	}
}

func upstreamErrorMessage(body []byte) string {
	var parsed struct {
		Error *openai.Error `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "no response body"
	}
	return text
}

func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}

func decompressReader(resp *http.Response) io.Reader {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		if reader, err := gzip.NewReader(resp.Body); err == nil {
			return reader
		}
		return resp.Body
	case "br":
		return brotli.NewReader(resp.Body)
	}
	return resp.Body
}

// Stream iterates the SSE chunks of a streaming completion. Next returns
// io.EOF after [DONE] or a clean end of stream.
type Stream struct {
	body    io.Closer
	scanner *bufio.Scanner
	done    bool
}

func (s *Stream) Next() (*openai.Response, error) {
	if s.done {
		return nil, io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.done = true
			return nil, io.EOF
		}

		var chunk openai.Response
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, wrapError(KindProtocol, err, fmt.Sprintf("malformed stream chunk: %.200s", data))
		}
		if chunk.Error != nil {
			return nil, newError(KindUpstream, 0, "upstream stream error: %s", chunk.Error.Message)
		}
		return &chunk, nil
	}

	if err := s.scanner.Err(); err != nil {
		return nil, wrapError(KindTransport, err, "read upstream stream")
	}
	s.done = true
	return nil, io.EOF
}

func (s *Stream) Close() error {
	return s.body.Close()
}
