package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tsylvester/paynless-framework-sub011/internal/models"
)

// DefaultGoogleBaseURL is the Gemini API root.
const DefaultGoogleBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GoogleAdapter speaks the Gemini generateContent API.
type GoogleAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// GoogleConfig configures a GoogleAdapter.
type GoogleConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewGoogleAdapter creates a GoogleAdapter.
func NewGoogleAdapter(cfg GoogleConfig) *GoogleAdapter {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultGoogleBaseURL
	}
	return &GoogleAdapter{baseURL: base, apiKey: cfg.APIKey, client: newHTTPClient(cfg.HTTPClient)}
}

// SendMessage implements Adapter.
func (a *GoogleAdapter) SendMessage(ctx context.Context, req Request, model string) (*Response, error) {
	if a.apiKey == "" {
		return nil, &ProviderError{Provider: "google", Model: model, Err: ErrNoAPIKey}
	}
	var body geminiRequest
	system := req.SystemPrompt
	for _, m := range req.Messages {
		if m.Role == models.RoleSystem {
			system = m.Content
			continue
		}
		role := m.Role
		if role == models.RoleAssistant {
			role = "model"
		}
		body.Contents = append(body.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	if system != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	if req.MaxTokens > 0 {
		body.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens}
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", a.baseURL, url.PathEscape(model), url.QueryEscape(a.apiKey))
	raw, latency, err := postJSON(ctx, a.client, "google", model, endpoint, nil, body)
	if err != nil {
		return nil, err
	}

	var out geminiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &ProviderError{Provider: "google", Model: model, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(out.Candidates) == 0 {
		return nil, &ProviderError{Provider: "google", Model: model, Err: ErrEmptyResponse}
	}
	var content string
	for _, part := range out.Candidates[0].Content.Parts {
		content += part.Text
	}

	resp := &Response{Content: content, FinishReason: out.Candidates[0].FinishReason, RawResponse: raw, Latency: latency}
	if out.UsageMetadata != nil {
		resp.Usage = &models.TokenUsage{
			PromptTokens:     out.UsageMetadata.PromptTokenCount,
			CompletionTokens: out.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      out.UsageMetadata.TotalTokenCount,
		}
	}
	return resp, nil
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}
