// Package tokens estimates prompt token counts and converts token usage
// into wallet costs.
package tokens

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/tsylvester/paynless-framework-sub011/internal/config"
	"github.com/tsylvester/paynless-framework-sub011/internal/models"
)

// DefaultCharsPerToken is the ratio used when a strategy cannot count
// tokens locally.
const DefaultCharsPerToken = 4

// ChatML accounting for OpenAI-style chat models.
const (
	chatMLTokensPerMessage = 3
	chatMLTokensPerName    = 1
	chatMLReplyPriming     = 3
)

// ErrStrategyNotConfigured is returned when a model has no tokenization
// strategy.
var ErrStrategyNotConfigured = errors.New("tokens: tokenization strategy not configured")

var loaderOnce sync.Once

// useOfflineLoader makes tiktoken read its BPE ranks from the embedded
// loader instead of downloading them.
func useOfflineLoader() {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
}

// Strategy selects how tokens are counted for one model.
type Strategy struct {
	Type          string
	Encoding      string
	Model         string
	ChatML        bool
	CharsPerToken float64
}

// StrategyFromConfig builds a Strategy from a provider config entry.
func StrategyFromConfig(tc config.TokenizationConfig) Strategy {
	return Strategy{
		Type:          tc.Type,
		Encoding:      tc.Encoding,
		ChatML:        tc.ChatML,
		CharsPerToken: tc.CharsPerToken,
	}
}

// StrategyFromProvider builds a Strategy from a catalog row.
func StrategyFromProvider(p models.AIProvider) Strategy {
	return Strategy{
		Type:          p.TokenizationType,
		Encoding:      p.TokenizationEncoding,
		ChatML:        p.TokenizationChatML,
		CharsPerToken: p.CharsPerToken,
	}
}

// Message is the subset of a chat message that contributes to the prompt.
type Message struct {
	Role    string
	Content string
	Name    string
}

// Estimator counts prompt tokens under a fixed strategy. It is safe for
// concurrent use.
type Estimator struct {
	strategy Strategy
	enc      *tiktoken.Tiktoken
}

// NewEstimator validates s and prepares its encoder.
func NewEstimator(s Strategy) (*Estimator, error) {
	e := &Estimator{strategy: s}
	switch s.Type {
	case "":
		return nil, ErrStrategyNotConfigured
	case config.StrategyTiktoken:
		if s.Encoding == "" && s.Model == "" {
			return nil, fmt.Errorf("tokens: tiktoken strategy needs an encoding or model name: %w", ErrStrategyNotConfigured)
		}
		useOfflineLoader()
		var err error
		if s.Model != "" {
			e.enc, err = tiktoken.EncodingForModel(s.Model)
		} else {
			e.enc, err = tiktoken.GetEncoding(s.Encoding)
		}
		if err != nil {
			return nil, fmt.Errorf("tokens: load encoding %q: %w", s.Encoding+s.Model, err)
		}
	case config.StrategyRoughCharCount:
		if s.CharsPerToken < 0 {
			return nil, fmt.Errorf("tokens: invalid chars_per_token %v", s.CharsPerToken)
		}
		if s.CharsPerToken == 0 {
			e.strategy.CharsPerToken = DefaultCharsPerToken
		}
	default:
		// provider_specific_api, unknown and anything newer fall back to the
		// default character ratio.
		e.strategy.CharsPerToken = DefaultCharsPerToken
	}
	return e, nil
}

// EstimateText counts the tokens in a plain string.
func (e *Estimator) EstimateText(text string) int {
	if e.enc != nil {
		return len(e.enc.Encode(text, nil, nil))
	}
	return charEstimate(text, e.strategy.CharsPerToken)
}

// EstimateMessages counts the tokens a message list contributes to a
// prompt. A message with an unrecognized role is malformed input.
func (e *Estimator) EstimateMessages(msgs []Message) (int, error) {
	for i, m := range msgs {
		switch m.Role {
		case models.RoleSystem, models.RoleUser, models.RoleAssistant:
		default:
			return 0, fmt.Errorf("tokens: message %d has invalid role %q", i, m.Role)
		}
	}
	if e.enc == nil || !e.strategy.ChatML {
		return e.EstimateText(joinContent(msgs)), nil
	}

	n := 0
	for _, m := range msgs {
		n += chatMLTokensPerMessage
		n += len(e.enc.Encode(m.Role, nil, nil))
		n += len(e.enc.Encode(m.Content, nil, nil))
		if m.Name != "" {
			n += len(e.enc.Encode(m.Name, nil, nil)) + chatMLTokensPerName
		}
	}
	return n + chatMLReplyPriming, nil
}

func joinContent(msgs []Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Content
	}
	return strings.Join(parts, "\n")
}

// charEstimate is ceil(chars/ratio), counted in characters rather than
// bytes.
func charEstimate(text string, ratio float64) int {
	if ratio <= 0 {
		ratio = DefaultCharsPerToken
	}
	return int(math.Ceil(float64(len([]rune(text))) / ratio))
}
