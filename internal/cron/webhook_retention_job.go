package cron

import (
	"context"
	"fmt"

	"github.com/clearlinehq/vaultbridge/internal/dedup"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
)

// WebhookRetentionJobParams configure the webhook ledger cleanup job.
type WebhookRetentionJobParams struct {
	Logger *logger.Logger
	Dedup  *dedup.Deduplicator
}

// NewWebhookRetentionJob builds the job that evicts webhook event records past
// the dedup retention window.
func NewWebhookRetentionJob(params WebhookRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Dedup == nil {
		return nil, fmt.Errorf("deduplicator required")
	}
	return &webhookRetentionJob{logg: params.Logger, dedup: params.Dedup}, nil
}

type webhookRetentionJob struct {
	logg  *logger.Logger
	dedup *dedup.Deduplicator
}

func (j *webhookRetentionJob) Name() string { return "webhook-ledger-retention" }

func (j *webhookRetentionJob) Run(ctx context.Context) error {
	deleted, err := j.dedup.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("webhook ledger sweep: %w", err)
	}
	j.logg.Info(j.logg.WithField(ctx, "rows_deleted", deleted), "webhook ledger retention complete")
	return nil
}
