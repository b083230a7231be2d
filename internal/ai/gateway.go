// Package ai dispatches single model invocations to provider adapters and
// normalizes their responses, usage and errors.
package ai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tsylvester/paynless-framework-sub011/internal/models"
)

// Message is one entry of the conversation context sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-agnostic completion request.
type Request struct {
	Messages     []Message
	SystemPrompt string
	MaxTokens    int
	// ChatID lets providers that keep server-side context continue a thread.
	ChatID string
	// AuthToken is the caller's validated token, forwarded for attribution.
	AuthToken string
}

// Response is a normalized completion. Usage is nil when the provider did
// not report token counts.
type Response struct {
	Content      string
	Usage        *models.TokenUsage
	FinishReason string
	RawResponse  []byte
	Latency      time.Duration
}

// Adapter is one provider's implementation. model is the provider-native
// model name, with the routing prefix already removed.
type Adapter interface {
	SendMessage(ctx context.Context, req Request, model string) (*Response, error)
}

// Gateway resolves model identifiers to adapters at call time. It holds no
// per-call state and is safe for concurrent use.
type Gateway struct {
	mu       sync.RWMutex
	adapters map[string]Adapter // keyed by provider name
}

// NewGateway creates an empty Gateway.
func NewGateway() *Gateway {
	return &Gateway{adapters: make(map[string]Adapter)}
}

// Register installs the adapter for a provider name, replacing any previous
// one.
func (g *Gateway) Register(provider string, a Adapter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adapters[strings.ToLower(provider)] = a
}

// Providers returns the registered provider names, sorted.
func (g *Gateway) Providers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.adapters))
	for n := range g.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SendMessage routes req to the adapter named by modelIdentifier's prefix,
// e.g. "openai-gpt-4o" or "anthropic/claude-3-haiku". Errors are always
// *ProviderError.
func (g *Gateway) SendMessage(ctx context.Context, req Request, modelIdentifier string) (*Response, error) {
	provider, model := SplitIdentifier(modelIdentifier)
	g.mu.RLock()
	a, ok := g.adapters[provider]
	g.mu.RUnlock()
	if !ok {
		return nil, &ProviderError{Provider: provider, Model: modelIdentifier, Err: ErrProviderNotFound}
	}

	resp, err := a.SendMessage(ctx, req, model)
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, &ProviderError{Provider: provider, Model: model, Err: err}
	}
	if resp == nil {
		return nil, &ProviderError{Provider: provider, Model: model, Err: fmt.Errorf("adapter returned no response")}
	}
	return resp, nil
}

// SplitIdentifier separates the routing prefix from the provider-native
// model name. "/" takes precedence over "-".
func SplitIdentifier(id string) (provider, model string) {
	if i := strings.IndexByte(id, '/'); i > 0 {
		return strings.ToLower(id[:i]), id[i+1:]
	}
	if i := strings.IndexByte(id, '-'); i > 0 {
		return strings.ToLower(id[:i]), id[i+1:]
	}
	return strings.ToLower(id), id
}
