package db

import (
	"fmt"

	"github.com/tsylvester/paynless-framework-sub011/internal/config"
	"github.com/tsylvester/paynless-framework-sub011/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.TokenWallet{},
		&models.TokenTransaction{},
		&models.Chat{},
		&models.ChatMessage{},
		&models.AIProvider{},
		&models.DialecticProject{},
		&models.ProcessTemplate{},
		&models.DialecticStage{},
		&models.StageTransition{},
		&models.DialecticSession{},
		&models.Contribution{},
		&models.Notification{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// ProviderFromConfig maps a provider config entry onto its catalog row.
func ProviderFromConfig(pc config.ProviderConfig) models.AIProvider {
	return models.AIProvider{
		ID:                     pc.ID,
		Name:                   pc.Name,
		APIIdentifier:          pc.APIIdentifier,
		Provider:               pc.Provider,
		BaseURL:                pc.BaseURL,
		APIKeyEnv:              pc.APIKeyEnv,
		IsActive:               true,
		InputTokenCostRate:     pc.InputTokenCostRate,
		OutputTokenCostRate:    pc.OutputTokenCostRate,
		HardCapOutputTokens:    pc.HardCapOutputTokens,
		ProviderMaxInputTokens: pc.ProviderMaxInputTokens,
		TokenizationType:       pc.Tokenization.Type,
		TokenizationEncoding:   pc.Tokenization.Encoding,
		TokenizationChatML:     pc.Tokenization.ChatML,
		CharsPerToken:          pc.Tokenization.CharsPerToken,
	}
}

// SeedProviders upserts AIProvider rows from configuration.
func SeedProviders(db *gorm.DB, providers []config.ProviderConfig) error {
	for _, pc := range providers {
		p := ProviderFromConfig(pc)
		result := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "api_identifier", "provider", "base_url", "api_key_env", "is_active",
				"input_token_cost_rate", "output_token_cost_rate", "hard_cap_output_tokens",
				"provider_max_input_tokens", "tokenization_type", "tokenization_encoding",
				"tokenization_chatml", "chars_per_token",
			}),
		}).Create(&p)
		if result.Error != nil {
			return fmt.Errorf("db: seed provider %q: %w", pc.ID, result.Error)
		}
	}
	return nil
}

// SeedTemplates upserts process templates, their stages, and their
// transition edges. A template's edges are replaced wholesale.
func SeedTemplates(db *gorm.DB, templates []config.TemplateConfig) error {
	for _, tc := range templates {
		err := db.Transaction(func(tx *gorm.DB) error {
			stageIDs := make(map[string]string, len(tc.Stages))
			for _, sc := range tc.Stages {
				id, err := upsertStage(tx, sc)
				if err != nil {
					return err
				}
				stageIDs[sc.Slug] = id
			}

			tpl := models.ProcessTemplate{
				Name:            tc.Name,
				Description:     tc.Description,
				StartingStageID: stageIDs[tc.StartingStage],
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}},
				DoUpdates: clause.AssignmentColumns([]string{"description", "starting_stage_id"}),
			}).Create(&tpl).Error; err != nil {
				return fmt.Errorf("db: seed template %q: %w", tc.Name, err)
			}
			// On conflict the existing row keeps its id.
			tpl = models.ProcessTemplate{}
			if err := tx.Where("name = ?", tc.Name).First(&tpl).Error; err != nil {
				return fmt.Errorf("db: reload template %q: %w", tc.Name, err)
			}

			if err := tx.Where("process_template_id = ?", tpl.ID).Delete(&models.StageTransition{}).Error; err != nil {
				return fmt.Errorf("db: clear transitions for %q: %w", tc.Name, err)
			}
			for _, tr := range tc.Transitions {
				edge := models.StageTransition{
					ProcessTemplateID: tpl.ID,
					SourceStageID:     stageIDs[tr.From],
					TargetStageID:     stageIDs[tr.To],
				}
				if err := tx.Create(&edge).Error; err != nil {
					return fmt.Errorf("db: seed transition %s->%s: %w", tr.From, tr.To, err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func upsertStage(tx *gorm.DB, sc config.StageConfig) (string, error) {
	stage := models.DialecticStage{
		Slug:                  sc.Slug,
		DisplayName:           sc.DisplayName,
		DefaultSystemPromptID: sc.DefaultPromptID,
		Prompt:                sc.Prompt,
	}
	if stage.DisplayName == "" {
		stage.DisplayName = sc.Slug
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "default_system_prompt_id", "prompt"}),
	}).Create(&stage).Error; err != nil {
		return "", fmt.Errorf("db: seed stage %q: %w", sc.Slug, err)
	}
	var stored models.DialecticStage
	if err := tx.Where("slug = ?", sc.Slug).First(&stored).Error; err != nil {
		return "", fmt.Errorf("db: reload stage %q: %w", sc.Slug, err)
	}
	return stored.ID, nil
}
