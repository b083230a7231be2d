package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DialecticProject is the root of a dialectic run, owned by one user.
type DialecticProject struct {
	ID                string `gorm:"primaryKey;size:36"`
	UserID            string `gorm:"size:64;not null;index"`
	ProjectName       string `gorm:"size:255;not null"`
	InitialUserPrompt string `gorm:"type:text"`
	ProcessTemplateID string `gorm:"size:36;not null"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// BeforeCreate assigns a UUID when none was set.
func (p *DialecticProject) BeforeCreate(*gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// ProcessTemplate owns a stage transition graph.
type ProcessTemplate struct {
	ID              string `gorm:"primaryKey;size:36"`
	Name            string `gorm:"size:128;not null;uniqueIndex"`
	Description     string `gorm:"type:text"`
	StartingStageID string `gorm:"size:36"`
	CreatedAt       time.Time
}

// BeforeCreate assigns a UUID when none was set.
func (t *ProcessTemplate) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// DialecticStage is one step of a dialectic process, e.g. thesis.
type DialecticStage struct {
	ID                    string `gorm:"primaryKey;size:36"`
	Slug                  string `gorm:"size:64;not null;uniqueIndex"`
	DisplayName           string `gorm:"size:128;not null"`
	DefaultSystemPromptID string `gorm:"size:64"`
	Prompt                string `gorm:"type:text"`
	CreatedAt             time.Time
}

// BeforeCreate assigns a UUID when none was set.
func (s *DialecticStage) BeforeCreate(*gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// StageTransition is a directed edge in a template's stage graph.
type StageTransition struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	ProcessTemplateID string `gorm:"size:36;not null;uniqueIndex:idx_transition_edge"`
	SourceStageID     string `gorm:"size:36;not null;uniqueIndex:idx_transition_edge"`
	TargetStageID     string `gorm:"size:36;not null;uniqueIndex:idx_transition_edge"`
}

// Session statuses are derived from the stage slug.
func StatusPending(slug string) string            { return "pending_" + slug }
func StatusGenerationComplete(slug string) string { return slug + "_generation_complete" }
func StatusGenerationFailed(slug string) string   { return slug + "_generation_failed" }

// DialecticSession tracks one project's progress through its stage graph.
type DialecticSession struct {
	ID                 string                      `gorm:"primaryKey;size:36"`
	ProjectID          string                      `gorm:"size:36;not null;index"`
	SessionDescription string                      `gorm:"type:text"`
	CurrentStageID     string                      `gorm:"size:36;not null"`
	IterationCount     int                         `gorm:"not null"`
	Status             string                      `gorm:"size:96;not null;index"`
	SelectedModelIDs   datatypes.JSONSlice[string] `gorm:"type:json"`
	AssociatedChatID   *string                     `gorm:"size:36"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// BeforeCreate assigns a UUID when none was set.
func (s *DialecticSession) BeforeCreate(*gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// Contribution is one model's persisted output for one stage of one session
// iteration. A retry or edit inserts a new row and clears IsLatestEdit on
// the row it supersedes.
type Contribution struct {
	ID                     string  `gorm:"primaryKey;size:36"`
	SessionID              string  `gorm:"size:36;not null;index:idx_contribution_stage"`
	UserID                 string  `gorm:"size:64;not null"`
	Stage                  string  `gorm:"size:64;not null;index:idx_contribution_stage"`
	IterationNumber        int     `gorm:"not null;index:idx_contribution_stage"`
	ModelID                string  `gorm:"size:64;not null"`
	ModelName              string  `gorm:"size:128"`
	ProviderName           string  `gorm:"size:32"`
	StorageBucket          string  `gorm:"size:128"`
	StoragePath            string  `gorm:"size:512"`
	FileName               string  `gorm:"size:255"`
	MimeType               string  `gorm:"size:64"`
	SizeBytes              int64
	RawResponseStoragePath string  `gorm:"size:512"`
	TokensUsedInput        int
	TokensUsedOutput       int
	ProcessingTimeMs       int64
	Error                  *string `gorm:"type:text"`
	EditVersion            int     `gorm:"not null"`
	IsLatestEdit           bool    `gorm:"not null"`
	TargetContributionID   *string `gorm:"size:36"`
	CreatedAt              time.Time
}

// BeforeCreate assigns a UUID when none was set.
func (c *Contribution) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}
