package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrorTypeAIProvider marks an assistant row recording a failed provider call.
const ErrorTypeAIProvider = "ai_provider_error"

// Chat is one conversation owned by a user.
type Chat struct {
	ID             string `gorm:"primaryKey;size:36"`
	UserID         string `gorm:"size:64;not null;index"`
	OrganizationID string `gorm:"size:64"`
	Title          string `gorm:"size:255"`
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Messages []ChatMessage `gorm:"foreignKey:ChatID"`
}

// BeforeCreate assigns a UUID when none was set.
func (c *Chat) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// TokenUsage is the normalized usage reported by an AI provider.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatMessage is a node in a chat's message tree. ResponseToMessageID is the
// parent pointer; IsActiveInThread marks the selected root-to-leaf path.
// IsActiveInThread carries no gorm default so that false is always written.
type ChatMessage struct {
	ID                  string         `gorm:"primaryKey;size:36"`
	ChatID              string         `gorm:"size:36;not null;index:idx_chat_active"`
	UserID              *string        `gorm:"size:64"`
	Role                string         `gorm:"size:16;not null"`
	Content             string         `gorm:"type:text"`
	AIProviderID        *string        `gorm:"size:64"`
	TokenUsage          datatypes.JSON `gorm:"type:json"`
	ResponseToMessageID *string        `gorm:"size:36;index"`
	IsActiveInThread    bool           `gorm:"not null;index:idx_chat_active"`
	ErrorType           *string        `gorm:"size:32"`
	CreatedAt           time.Time
}

// BeforeCreate assigns a UUID when none was set.
func (m *ChatMessage) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// Usage decodes the stored token usage. It returns nil when none was stored.
func (m *ChatMessage) Usage() (*TokenUsage, error) {
	if len(m.TokenUsage) == 0 || string(m.TokenUsage) == "null" {
		return nil, nil
	}
	var u TokenUsage
	if err := json.Unmarshal(m.TokenUsage, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// SetUsage encodes u into the TokenUsage column. A nil u clears it.
func (m *ChatMessage) SetUsage(u *TokenUsage) {
	if u == nil {
		m.TokenUsage = nil
		return
	}
	b, _ := json.Marshal(u)
	m.TokenUsage = datatypes.JSON(b)
}
