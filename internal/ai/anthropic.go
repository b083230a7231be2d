package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tsylvester/paynless-framework-sub011/internal/models"
)

// Anthropic API defaults.
const (
	DefaultAnthropicBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
)

// AnthropicAdapter speaks Anthropic's Messages API.
type AnthropicAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// AnthropicConfig configures an AnthropicAdapter.
type AnthropicConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewAnthropicAdapter creates an AnthropicAdapter.
func NewAnthropicAdapter(cfg AnthropicConfig) *AnthropicAdapter {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultAnthropicBaseURL
	}
	return &AnthropicAdapter{baseURL: base, apiKey: cfg.APIKey, client: newHTTPClient(cfg.HTTPClient)}
}

// SendMessage implements Adapter. System messages are lifted into the
// request's system field.
func (a *AnthropicAdapter) SendMessage(ctx context.Context, req Request, model string) (*Response, error) {
	if a.apiKey == "" {
		return nil, &ProviderError{Provider: "anthropic", Model: model, Err: ErrNoAPIKey}
	}
	body := anthropicRequest{Model: model, MaxTokens: anthropicDefaultMaxTokens, System: req.SystemPrompt}
	for _, m := range req.Messages {
		if m.Role == models.RoleSystem {
			if body.System != "" {
				body.System += "\n\n"
			}
			body.System += m.Content
			continue
		}
		body.Messages = append(body.Messages, m)
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}

	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	}
	raw, latency, err := postJSON(ctx, a.client, "anthropic", model, a.baseURL+"/messages", headers, body)
	if err != nil {
		return nil, err
	}

	var out anthropicResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &ProviderError{Provider: "anthropic", Model: model, Err: fmt.Errorf("decoding response: %w", err)}
	}
	var content string
	for _, block := range out.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	resp := &Response{Content: content, FinishReason: out.StopReason, RawResponse: raw, Latency: latency}
	if out.Usage != nil {
		resp.Usage = &models.TokenUsage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		}
	}
	return resp, nil
}

type anthropicRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	System    string    `json:"system,omitempty"`
	MaxTokens int       `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
