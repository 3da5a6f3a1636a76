// Package upstream talks to provider APIs: OpenAI-compatible
// chat-completions and native Anthropic messages, buffered or streaming.
package upstream

import (
	"fmt"
	"net/http"
)

// Kind classifies a failure for status mapping and retry policy.
type Kind string

const (
	KindTimeout     Kind = "upstream_timeout"
	KindTransport   Kind = "upstream_transport"
	KindProtocol    Kind = "upstream_protocol"
	KindAuth        Kind = "upstream_auth"
	KindRateLimited Kind = "upstream_rate_limited"
	KindUpstream    Kind = "upstream_error"
	KindInternal    Kind = "internal"
)

// Error is a classified upstream failure.
type Error struct {
	Kind    Kind
	Status  int // upstream HTTP status when one was received
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.err != nil {
		return e.err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.err }

// HTTPStatus maps the failure onto the status returned to the client.
// Provider auth failures are masked as a gateway error so provider
// credentials stay an internal concern.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTransport, KindProtocol, KindAuth, KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ClaudeType is the error.type value for the Claude-shaped error body.
func (e *Error) ClaudeType() string {
	switch e.Kind {
	case KindRateLimited:
		return "rate_limit_error"
	case KindTimeout:
		return "timeout_error"
	default:
		return "api_error"
	}
}

func newError(kind Kind, status int, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, err: err}
}
