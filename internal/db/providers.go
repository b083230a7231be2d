package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/tsylvester/paynless-framework-sub011/internal/models"
	"gorm.io/gorm"
)

// ErrProviderNotFound is returned when no catalog row matches.
var ErrProviderNotFound = errors.New("db: provider not found")

// FindProvider looks up a catalog row by id, falling back to api identifier.
func FindProvider(ctx context.Context, db *gorm.DB, idOrIdentifier string) (*models.AIProvider, error) {
	for _, col := range []string{"id", "api_identifier"} {
		var p models.AIProvider
		res := db.WithContext(ctx).Where(col+" = ?", idOrIdentifier).Limit(1).Find(&p)
		if res.Error != nil {
			return nil, fmt.Errorf("db: find provider %s: %w", idOrIdentifier, res.Error)
		}
		if res.RowsAffected == 1 {
			return &p, nil
		}
	}
	return nil, ErrProviderNotFound
}

// ActiveProviders lists the catalog rows users may select, by name.
func ActiveProviders(ctx context.Context, db *gorm.DB) ([]models.AIProvider, error) {
	var ps []models.AIProvider
	if err := db.WithContext(ctx).Where("is_active = ?", true).Order("name ASC").Find(&ps).Error; err != nil {
		return nil, fmt.Errorf("db: list providers: %w", err)
	}
	return ps, nil
}
