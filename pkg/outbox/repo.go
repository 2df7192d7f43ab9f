package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/clearlinehq/vaultbridge/pkg/db/models"
)

// Repository persists outbox rows. Inserts ride the same transaction as the
// state change they describe; the publisher drains them afterwards.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Insert(ctx context.Context, event *models.OutboxEvent) error
	FetchUnpublished(ctx context.Context, batchSize, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause string) error
	// DeletePublishedBefore evicts published rows older than cutoff and
	// reports how many were removed.
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an outbox repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Insert(ctx context.Context, event *models.OutboxEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *repository) FetchUnpublished(ctx context.Context, batchSize, maxAttempts int) ([]models.OutboxEvent, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	var events []models.OutboxEvent
	query := r.db.WithContext(ctx).
		Where("published_at IS NULL")
	if maxAttempts > 0 {
		query = query.Where("attempt_count < ?", maxAttempts)
	}
	if err := query.
		Order("created_at ASC").
		Limit(batchSize).
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{"published_at": now}).Error
}

func (r *repository) MarkFailed(ctx context.Context, id uuid.UUID, cause string) error {
	return r.db.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"last_error":    cause,
		}).Error
}

func (r *repository) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("published_at IS NOT NULL AND published_at < ?", cutoff).
		Delete(&models.OutboxEvent{})
	return result.RowsAffected, result.Error
}
