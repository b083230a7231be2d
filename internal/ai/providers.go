package ai

import (
	"net/http"

	"github.com/tsylvester/paynless-framework-sub011/internal/config"
)

// NewFromConfig builds a Gateway with one adapter per identifier prefix in
// the configured models. The entry's provider field picks the wire protocol;
// the first entry for a prefix supplies its base URL and API key. The dummy
// provider is always available.
func NewFromConfig(providers []config.ProviderConfig, client *http.Client) *Gateway {
	g := NewGateway()
	g.Register("dummy", DummyAdapter{})

	seen := make(map[string]bool)
	for _, p := range providers {
		name, _ := SplitIdentifier(p.APIIdentifier)
		if seen[name] {
			continue
		}
		seen[name] = true

		kind := p.Provider
		if kind == "" {
			kind = name
		}
		switch kind {
		case "anthropic":
			g.Register(name, NewAnthropicAdapter(AnthropicConfig{BaseURL: p.BaseURL, APIKey: p.APIKey(), HTTPClient: client}))
		case "google":
			g.Register(name, NewGoogleAdapter(GoogleConfig{BaseURL: p.BaseURL, APIKey: p.APIKey(), HTTPClient: client}))
		case "dummy":
			g.Register(name, DummyAdapter{})
		default:
			// Everything else is assumed to be OpenAI-compatible.
			g.Register(name, NewOpenAIAdapter(OpenAIConfig{Name: name, BaseURL: p.BaseURL, APIKey: p.APIKey(), HTTPClient: client}))
		}
	}
	return g
}
