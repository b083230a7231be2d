package dialectic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tsylvester/paynless-framework-sub011/internal/blob"
	"github.com/tsylvester/paynless-framework-sub011/internal/models"
	"gorm.io/gorm"
)

// maxUploadAttempts bounds file name collision retries.
const maxUploadAttempts = 5

// ContributionUpload is one model's output to store and register.
type ContributionUpload struct {
	ProjectID    string
	SessionID    string
	UserID       string
	StageSlug    string
	Iteration    int
	ModelID      string
	ModelSlug    string
	ModelName    string
	ProviderName string
	Content      string
	// RawResponse is stored beside the content when present.
	RawResponse    []byte
	TokensInput    int
	TokensOutput   int
	ProcessingTime time.Duration
	// TargetContributionID names the contribution this one supersedes.
	TargetContributionID *string
}

// Registrar persists a contribution's artifacts and its row.
type Registrar interface {
	RegisterContribution(ctx context.Context, up ContributionUpload) (*models.Contribution, error)
}

// FileManager stores contribution artifacts in a blob bucket and records
// them as Contribution rows.
type FileManager struct {
	db     *gorm.DB
	store  blob.Store
	bucket string
	log    *slog.Logger
}

// NewFileManager creates a FileManager writing to bucket.
func NewFileManager(db *gorm.DB, store blob.Store, bucket string, logger *slog.Logger) *FileManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileManager{db: db, store: store, bucket: bucket, log: logger}
}

// RegisterContribution uploads the content under the first free file name,
// stores the raw response best effort, and inserts the Contribution row.
// Uploaded objects are removed again if the row cannot be written.
func (f *FileManager) RegisterContribution(ctx context.Context, up ContributionUpload) (*models.Contribution, error) {
	if up.SessionID == "" || up.StageSlug == "" || up.Iteration < 1 || up.ModelID == "" {
		return nil, fmt.Errorf("dialectic: register contribution: missing session, stage, iteration or model")
	}
	dir := blob.StageDir(up.ProjectID, up.SessionID, up.Iteration, up.StageSlug)
	slug := up.ModelSlug
	if slug == "" {
		slug = up.ModelID
	}

	var fileName string
	attempt := 0
	for ; attempt < maxUploadAttempts; attempt++ {
		name := blob.ContributionFileName(slug, attempt, up.StageSlug)
		_, err := f.store.Upload(ctx, f.bucket, dir+"/"+name, []byte(up.Content), blob.UploadOptions{ContentType: "text/markdown"})
		if errors.Is(err, blob.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dialectic: upload contribution %s: %w", name, err)
		}
		fileName = name
		break
	}
	if fileName == "" {
		return nil, fmt.Errorf("dialectic: upload contribution for %s: %d file name collisions", up.ModelID, maxUploadAttempts)
	}
	uploaded := []string{dir + "/" + fileName}

	var rawPath string
	if len(up.RawResponse) > 0 {
		p := dir + "/" + blob.RawResponseFileName(slug, attempt, up.StageSlug)
		if _, err := f.store.Upload(ctx, f.bucket, p, up.RawResponse, blob.UploadOptions{ContentType: "application/json", Upsert: true}); err != nil {
			f.log.Warn("raw response upload failed", "path", p, "error", err)
		} else {
			rawPath = p
			uploaded = append(uploaded, p)
		}
	}

	c := &models.Contribution{
		SessionID:              up.SessionID,
		UserID:                 up.UserID,
		Stage:                  up.StageSlug,
		IterationNumber:        up.Iteration,
		ModelID:                up.ModelID,
		ModelName:              up.ModelName,
		ProviderName:           up.ProviderName,
		StorageBucket:          f.bucket,
		StoragePath:            dir,
		FileName:               fileName,
		MimeType:               "text/markdown",
		SizeBytes:              int64(len(up.Content)),
		RawResponseStoragePath: rawPath,
		TokensUsedInput:        up.TokensInput,
		TokensUsedOutput:       up.TokensOutput,
		ProcessingTimeMs:       up.ProcessingTime.Milliseconds(),
		EditVersion:            1,
		IsLatestEdit:           true,
		TargetContributionID:   up.TargetContributionID,
	}
	err := f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if up.TargetContributionID != nil {
			var target models.Contribution
			if err := tx.Where("id = ?", *up.TargetContributionID).First(&target).Error; err != nil {
				return fmt.Errorf("dialectic: load superseded contribution %s: %w", *up.TargetContributionID, err)
			}
			if err := tx.Model(&models.Contribution{}).Where("id = ?", target.ID).Update("is_latest_edit", false).Error; err != nil {
				return fmt.Errorf("dialectic: supersede contribution %s: %w", target.ID, err)
			}
			c.EditVersion = target.EditVersion + 1
		}
		if err := tx.Create(c).Error; err != nil {
			return fmt.Errorf("dialectic: insert contribution: %w", err)
		}
		return nil
	})
	if err != nil {
		if rmErr := f.store.Remove(ctx, f.bucket, uploaded...); rmErr != nil {
			f.log.Warn("cleanup after failed registration", "paths", uploaded, "error", rmErr)
		}
		return nil, err
	}
	return c, nil
}

// ContributionPath is the object path of a contribution's content.
func ContributionPath(c models.Contribution) string {
	return c.StoragePath + "/" + c.FileName
}
