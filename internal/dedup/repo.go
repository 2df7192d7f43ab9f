package dedup

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/clearlinehq/vaultbridge/pkg/db/models"
)

// Repository persists the webhook dedup ledger.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Insert(ctx context.Context, record *models.WebhookEventRecord) error
	Find(ctx context.Context, eventKey string) (*models.WebhookEventRecord, error)
	SetAppliedVersion(ctx context.Context, eventKey string, version int64) error
	SetProcessingError(ctx context.Context, eventKey, message string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a dedup ledger repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Insert(ctx context.Context, record *models.WebhookEventRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *repository) Find(ctx context.Context, eventKey string) (*models.WebhookEventRecord, error) {
	var record models.WebhookEventRecord
	if err := r.db.WithContext(ctx).
		Where("event_key = ?", eventKey).
		First(&record).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *repository) SetAppliedVersion(ctx context.Context, eventKey string, version int64) error {
	return r.db.WithContext(ctx).
		Model(&models.WebhookEventRecord{}).
		Where("event_key = ?", eventKey).
		Update("applied_version", version).Error
}

func (r *repository) SetProcessingError(ctx context.Context, eventKey, message string) error {
	return r.db.WithContext(ctx).
		Model(&models.WebhookEventRecord{}).
		Where("event_key = ?", eventKey).
		Update("processing_error", message).Error
}

func (r *repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("first_seen_at < ?", cutoff).
		Delete(&models.WebhookEventRecord{})
	return result.RowsAffected, result.Error
}
