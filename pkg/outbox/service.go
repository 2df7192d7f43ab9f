// Package outbox implements transactional event bookkeeping. Settlement,
// chargeback, and saga-compensation notices are written to the outbox table
// in the same transaction as the state they describe and published to Pub/Sub
// by a separate drain loop, so a publish failure never loses an event.
package outbox

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"

	"github.com/clearlinehq/vaultbridge/pkg/db/models"
	"github.com/clearlinehq/vaultbridge/pkg/enums"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
)

// Publisher pushes one serialized event to the downstream topic.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte) error
}

// ServiceParams groups dependencies for the outbox service.
type ServiceParams struct {
	Repo   Repository
	Logger *logger.Logger
}

// Service writes outbox rows.
type Service struct {
	repo Repository
	logg *logger.Logger
}

// NewService builds the outbox service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, errors.New("repo is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{repo: params.Repo, logg: params.Logger}, nil
}

// Emit appends one event inside the caller's transaction.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, aggregateID string, payload any) error {
	if !eventType.IsValid() {
		return errors.New("unknown outbox event type")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.repo.WithTx(tx).Insert(ctx, &models.OutboxEvent{
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     encoded,
	})
}

// DrainParams tunes one drain pass.
type DrainParams struct {
	BatchSize   int
	MaxAttempts int
}

// Drain publishes one batch of unpublished rows. Failures are recorded per
// row and retried on later passes until MaxAttempts.
func (s *Service) Drain(ctx context.Context, publisher Publisher, params DrainParams) (int, error) {
	events, err := s.repo.FetchUnpublished(ctx, params.BatchSize, params.MaxAttempts)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, event := range events {
		if err := publisher.Publish(ctx, string(event.EventType), event.Payload); err != nil {
			s.logg.Error(s.logg.WithField(ctx, "outbox_event_id", event.ID.String()), "outbox publish failed", err)
			if markErr := s.repo.MarkFailed(ctx, event.ID, err.Error()); markErr != nil {
				return published, markErr
			}
			continue
		}
		if err := s.repo.MarkPublished(ctx, event.ID); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}
