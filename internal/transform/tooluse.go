package transform

import (
	"log/slog"

	"github.com/cc-proxy/cc-proxy/internal/config"
	"github.com/cc-proxy/cc-proxy/internal/openai"
)

const defaultToolUseReminder = "<system-reminder>Tools are available for this task. " +
	"Prefer calling the most suitable tool over describing what you would do.</system-reminder>"

// toolUse injects a one-line system reminder when the request carries
// tools. Disabled by default; enable it per provider/model in configuration.
type toolUse struct {
	Base
	reminder string
	logger   *slog.Logger
}

func newToolUse(cfg config.TransformerConfig, logger *slog.Logger) Transformer {
	reminder := cfg.Reminder
	if reminder == "" {
		reminder = defaultToolUseReminder
	}
	return &toolUse{reminder: reminder, logger: logger}
}

func (t *toolUse) Name() string { return "tooluse" }

func (t *toolUse) RequestOut(req *openai.Request) *openai.Request {
	if len(req.Tools) == 0 {
		return req
	}
	content := openai.Text(t.reminder)
	req.Messages = append(req.Messages, openai.Message{Role: openai.RoleSystem, Content: &content})
	return req
}
