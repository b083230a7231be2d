package ai

import (
	"context"
	"encoding/json"
	"math"

	"github.com/tsylvester/paynless-framework-sub011/internal/models"
)

// DummyAdapter echoes the last user message without calling any network
// service. It reports usage at four characters per token so that metering
// paths are exercised end to end.
type DummyAdapter struct{}

// SendMessage implements Adapter.
func (DummyAdapter) SendMessage(ctx context.Context, req Request, model string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ProviderError{Provider: "dummy", Model: model, Err: err}
	}
	var last string
	prompt := len(req.SystemPrompt)
	for _, m := range req.Messages {
		prompt += len(m.Content)
		if m.Role == models.RoleUser {
			last = m.Content
		}
	}
	content := "Echo from " + model + ": " + last
	if req.MaxTokens > 0 && len(content) > req.MaxTokens*4 {
		content = content[:req.MaxTokens*4]
	}
	usage := &models.TokenUsage{
		PromptTokens:     int(math.Ceil(float64(prompt) / 4)),
		CompletionTokens: int(math.Ceil(float64(len(content)) / 4)),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	raw, _ := json.Marshal(map[string]any{"content": content, "usage": usage})
	return &Response{Content: content, Usage: usage, FinishReason: "stop", RawResponse: raw}, nil
}
