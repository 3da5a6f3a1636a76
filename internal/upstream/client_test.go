package upstream

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cc-proxy/cc-proxy/internal/config"
	"github.com/cc-proxy/cc-proxy/internal/openai"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testProvider(url string) *config.Provider {
	return &config.Provider{Name: "test", BaseURL: url, APIKey: "sk-test"}
}

func simpleRequest() *openai.Request {
	content := openai.Text("hi")
	return &openai.Request{
		Model:    "test-model",
		Messages: []openai.Message{{Role: openai.RoleUser, Content: &content}},
	}
}

func completionBody(text string) string {
	return `{"id":"cmpl-1","choices":[{"index":0,"message":{"role":"assistant","content":"` + text + `"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":3}}`
}

func TestComplete(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, completionBody("hello"))
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, 2, testLogger())
	resp, uerr := c.Complete(context.Background(), testProvider(srv.URL), simpleRequest())
	require.Nil(t, uerr)

	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello", resp.Choices[0].Message.Content.Text)
	assert.Equal(t, "Bearer sk-test", gotAuth.Load())
}

func TestCompleteGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		io.WriteString(gz, completionBody("compressed"))
		gz.Close()
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, 0, testLogger())
	resp, uerr := c.Complete(context.Background(), testProvider(srv.URL), simpleRequest())
	require.Nil(t, uerr)
	assert.Equal(t, "compressed", resp.Choices[0].Message.Content.Text)
}

func TestCompleteRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"error":{"message":"slow down"}}`)
			return
		}
		io.WriteString(w, completionBody("after retry"))
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, 2, testLogger())
	resp, uerr := c.Complete(context.Background(), testProvider(srv.URL), simpleRequest())
	require.Nil(t, uerr)
	assert.Equal(t, "after retry", resp.Choices[0].Message.Content.Text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCompleteRateLimitSurfacedAfterBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"slow down"}}`)
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, 2, testLogger())
	_, uerr := c.Complete(context.Background(), testProvider(srv.URL), simpleRequest())
	require.NotNil(t, uerr)
	assert.Equal(t, KindRateLimited, uerr.Kind)
	assert.Equal(t, http.StatusTooManyRequests, uerr.HTTPStatus())
	assert.Equal(t, "rate_limit_error", uerr.ClaudeType())
	// Retry-After honored once, then surfaced.
	assert.Equal(t, int32(2), calls.Load())
}

func TestCompleteNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"bad request"}}`)
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, 2, testLogger())
	_, uerr := c.Complete(context.Background(), testProvider(srv.URL), simpleRequest())
	require.NotNil(t, uerr)
	assert.Equal(t, KindUpstream, uerr.Kind)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCompleteMasksAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"invalid key sk-test"}}`)
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, 0, testLogger())
	_, uerr := c.Complete(context.Background(), testProvider(srv.URL), simpleRequest())
	require.NotNil(t, uerr)
	assert.Equal(t, KindAuth, uerr.Kind)
	assert.Equal(t, http.StatusBadGateway, uerr.HTTPStatus())
	assert.NotContains(t, uerr.Error(), "sk-test")
}

func TestCompleteRetriesConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	c := NewClient(time.Second, 1, testLogger())
	_, uerr := c.Complete(context.Background(), testProvider(srv.URL), simpleRequest())
	require.NotNil(t, uerr)
	assert.Equal(t, KindTransport, uerr.Kind)
}

func TestStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.Request
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		io.WriteString(w, ": keep-alive comment\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, 0, testLogger())
	stream, uerr := c.Stream(context.Background(), testProvider(srv.URL), simpleRequest())
	require.Nil(t, uerr)
	defer stream.Close()

	chunk, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "Hel", chunk.Choices[0].Delta.Content.Text)

	chunk, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "lo", chunk.Choices[0].Delta.Content.Text)
	assert.Equal(t, "stop", *chunk.Choices[0].FinishReason)

	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamMalformedChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {not json}\n\n")
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, 0, testLogger())
	stream, uerr := c.Stream(context.Background(), testProvider(srv.URL), simpleRequest())
	require.Nil(t, uerr)
	defer stream.Close()

	_, err := stream.Next()
	require.Error(t, err)
	var ue *Error
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, KindProtocol, ue.Kind)
}

func TestEncodeRequestLiftsExtraQuery(t *testing.T) {
	req := simpleRequest()
	req.ExtraQuery = map[string]any{
		"usage":         map[string]any{"include": true},
		"cache_control": map[string]any{"ttl": 3600},
	}

	data, err := encodeRequest(req)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, map[string]any{"include": true}, flat["usage"])
	assert.Equal(t, map[string]any{"ttl": float64(3600)}, flat["cache_control"])
	assert.NotContains(t, flat, "extra_query")
	// ExtraQuery survives on the request for later retries.
	assert.NotNil(t, req.ExtraQuery)
}

func TestPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		io.WriteString(w, `{"id":"msg_1","type":"message"}`)
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, 0, testLogger())
	resp, uerr := c.Passthrough(context.Background(), testProvider(srv.URL), []byte(`{"model":"claude-sonnet-4"}`))
	require.Nil(t, uerr)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"msg_1","type":"message"}`, string(body))
}
