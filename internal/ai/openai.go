package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tsylvester/paynless-framework-sub011/internal/models"
)

// DefaultOpenAIBaseURL is used when no base URL is configured.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIAdapter speaks the OpenAI chat completions API, which also covers
// compatible services such as DeepSeek, Groq or OpenRouter.
type OpenAIAdapter struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// OpenAIConfig configures an OpenAIAdapter.
type OpenAIConfig struct {
	Name       string // defaults to "openai"
	BaseURL    string // defaults to DefaultOpenAIBaseURL
	APIKey     string
	HTTPClient *http.Client
}

// NewOpenAIAdapter creates an OpenAIAdapter.
func NewOpenAIAdapter(cfg OpenAIConfig) *OpenAIAdapter {
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultOpenAIBaseURL
	}
	return &OpenAIAdapter{name: name, baseURL: base, apiKey: cfg.APIKey, client: newHTTPClient(cfg.HTTPClient)}
}

// SendMessage implements Adapter.
func (a *OpenAIAdapter) SendMessage(ctx context.Context, req Request, model string) (*Response, error) {
	body := openAIRequest{Model: model}
	if req.SystemPrompt != "" {
		body.Messages = append(body.Messages, Message{Role: models.RoleSystem, Content: req.SystemPrompt})
	}
	body.Messages = append(body.Messages, req.Messages...)
	if req.MaxTokens > 0 {
		body.MaxTokens = &req.MaxTokens
	}
	if req.ChatID != "" {
		body.User = req.ChatID
	}

	headers := map[string]string{}
	if a.apiKey != "" {
		headers["Authorization"] = "Bearer " + a.apiKey
	}
	raw, latency, err := postJSON(ctx, a.client, a.name, model, a.baseURL+"/chat/completions", headers, body)
	if err != nil {
		return nil, err
	}

	var out openAIResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &ProviderError{Provider: a.name, Model: model, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(out.Choices) == 0 {
		return nil, &ProviderError{Provider: a.name, Model: model, Err: ErrEmptyResponse}
	}

	resp := &Response{
		Content:      out.Choices[0].Message.Content,
		FinishReason: out.Choices[0].FinishReason,
		RawResponse:  raw,
		Latency:      latency,
	}
	if out.Usage != nil {
		resp.Usage = &models.TokenUsage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		}
	}
	return resp, nil
}

type openAIRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens *int      `json:"max_tokens,omitempty"`
	User      string    `json:"user,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
