package tokens

import (
	"errors"
	"math"

	"github.com/tsylvester/paynless-framework-sub011/internal/models"
)

// balanceShareCap limits a single reply to this fraction of the balance.
const balanceShareCap = 0.20

// Rates prices a model in wallet tokens per provider token.
type Rates struct {
	Input         float64
	Output        float64
	HardCapOutput int // zero means no cap
}

// RatesFromProvider reads the pricing columns of a catalog row.
func RatesFromProvider(p models.AIProvider) Rates {
	return Rates{
		Input:         p.InputTokenCostRate,
		Output:        p.OutputTokenCostRate,
		HardCapOutput: p.HardCapOutputTokens,
	}
}

func (r Rates) validate() error {
	if r.Input < 0 {
		return errors.New("tokens: invalid input token cost rate")
	}
	if r.Output <= 0 {
		return errors.New("tokens: invalid output token cost rate")
	}
	return nil
}

// MaxOutputTokens returns how many output tokens a caller with the given
// balance can afford after paying for the prompt. The result is further
// capped by a share of the balance and by the model's hard cap. Zero means
// nothing is affordable.
func MaxOutputTokens(balance int64, promptTokens int, r Rates) (int, error) {
	if err := r.validate(); err != nil {
		return 0, err
	}
	budget := float64(balance) - float64(promptTokens)*r.Input
	if budget <= 0 {
		return 0, nil
	}
	spendable := math.Floor(budget / r.Output)
	limit := math.Floor(balanceShareCap * float64(balance) / r.Output)
	if r.HardCapOutput > 0 {
		limit = math.Min(limit, float64(r.HardCapOutput))
	}
	return int(math.Max(0, math.Min(spendable, limit))), nil
}

// Cost converts reported usage into the wallet amount to debit, rounding up.
func Cost(u models.TokenUsage, r Rates) int64 {
	return EstimateCost(u.PromptTokens, u.CompletionTokens, r)
}

// EstimateCost prices a prompt and completion size.
func EstimateCost(promptTokens, completionTokens int, r Rates) int64 {
	c := float64(promptTokens)*r.Input + float64(completionTokens)*r.Output
	return int64(math.Ceil(c))
}

// ApplyHardCap clamps completion tokens to the model's hard cap. The total
// is recomputed when the clamp applies.
func ApplyHardCap(u models.TokenUsage, hardCap int) models.TokenUsage {
	if hardCap > 0 && u.CompletionTokens > hardCap {
		u.CompletionTokens = hardCap
		u.TotalTokens = u.PromptTokens + hardCap
	}
	return u
}

// ValidUsage reports whether a provider's usage report can be billed.
func ValidUsage(u *models.TokenUsage) bool {
	return u != nil && u.PromptTokens >= 0 && u.CompletionTokens >= 0
}
