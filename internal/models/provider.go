package models

import "time"

// AIProvider is a catalog entry for a model users can select, with its
// pricing and tokenization settings.
type AIProvider struct {
	ID                     string  `gorm:"primaryKey;size:64"`
	Name                   string  `gorm:"size:128;not null"`
	APIIdentifier          string  `gorm:"size:128;not null;uniqueIndex"`
	Provider               string  `gorm:"size:32;not null;index"`
	BaseURL                string  `gorm:"size:255"`
	APIKeyEnv              string  `gorm:"size:64"`
	IsActive               bool    `gorm:"not null"`
	InputTokenCostRate     float64 `gorm:"not null"`
	OutputTokenCostRate    float64 `gorm:"not null"`
	HardCapOutputTokens    int
	ProviderMaxInputTokens int
	TokenizationType       string  `gorm:"size:32;not null"`
	TokenizationEncoding   string  `gorm:"size:64"`
	TokenizationChatML     bool    `gorm:"column:tokenization_chatml"`
	CharsPerToken          float64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}
