package saga

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/clearlinehq/vaultbridge/pkg/db/models"
	"github.com/clearlinehq/vaultbridge/pkg/enums"
)

// Repository persists saga records.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, record *models.SagaRecord) error
	Update(ctx context.Context, record *models.SagaRecord) error
	FindByIdempotencyKey(ctx context.Context, key string) (*models.SagaRecord, error)
	// ListStuck returns non-terminal sagas untouched for at least grace,
	// oldest first.
	ListStuck(ctx context.Context, limit int, grace time.Duration) ([]models.SagaRecord, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a saga repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, record *models.SagaRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *repository) Update(ctx context.Context, record *models.SagaRecord) error {
	return r.db.WithContext(ctx).Save(record).Error
}

func (r *repository) FindByIdempotencyKey(ctx context.Context, key string) (*models.SagaRecord, error) {
	if key == "" {
		return nil, nil
	}
	var record models.SagaRecord
	if err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&record).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *repository) ListStuck(ctx context.Context, limit int, grace time.Duration) ([]models.SagaRecord, error) {
	if limit <= 0 {
		limit = 250
	}
	cutoff := time.Now().UTC().Add(-grace)
	statuses := []enums.SagaStatus{
		enums.SagaStatusPending,
		enums.SagaStatusCompensationPending,
	}
	var records []models.SagaRecord
	if err := r.db.WithContext(ctx).
		Where("status IN (?)", statuses).
		Where("updated_at < ?", cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
