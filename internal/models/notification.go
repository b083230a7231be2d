package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Notification types emitted by the dialectic engine.
const (
	NotifyContributionsComplete = "contribution_generation_complete"
	NotifyContributionsFailed   = "contribution_generation_failed"
)

// Notification is an in-app message for a user.
type Notification struct {
	ID        string            `gorm:"primaryKey;size:36"`
	UserID    string            `gorm:"size:64;not null;index"`
	Type      string            `gorm:"size:64;not null"`
	Data      datatypes.JSONMap `gorm:"type:json"`
	IsRead    bool              `gorm:"not null"`
	CreatedAt time.Time
}

// BeforeCreate assigns a UUID when none was set.
func (n *Notification) BeforeCreate(*gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	return nil
}
