// Package reconcile holds the jobs that drive stuck state to convergence. Each
// job runs well after the gateway's redelivery horizon, re-queries the gateway
// where needed, and replays the answer through the same transition path the
// synchronous and webhook channels use.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/clearlinehq/vaultbridge/internal/cron"
	"github.com/clearlinehq/vaultbridge/pkg/db/models"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
)

type sagaReconciler interface {
	ListStuck(ctx context.Context, limit int, grace time.Duration) ([]models.SagaRecord, error)
	ReconcileRecord(ctx context.Context, record *models.SagaRecord) error
}

// SagaJobParams configure the stuck-saga sweep.
type SagaJobParams struct {
	Logger *logger.Logger
	Saga   sagaReconciler
	Limit  int
	Grace  time.Duration
}

// NewSagaJob builds the job that finishes or compensates sagas stuck past the
// grace window.
func NewSagaJob(params SagaJobParams) (cron.Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Saga == nil {
		return nil, fmt.Errorf("saga service required")
	}
	return &sagaJob{
		logg:  params.Logger,
		saga:  params.Saga,
		limit: params.Limit,
		grace: params.Grace,
	}, nil
}

type sagaJob struct {
	logg  *logger.Logger
	saga  sagaReconciler
	limit int
	grace time.Duration
}

func (j *sagaJob) Name() string { return "saga-reconcile" }

func (j *sagaJob) Run(ctx context.Context) error {
	records, err := j.saga.ListStuck(ctx, j.limit, j.grace)
	if err != nil {
		return fmt.Errorf("list stuck sagas: %w", err)
	}

	var errs error
	resolved := 0
	for i := range records {
		if err := j.saga.ReconcileRecord(ctx, &records[i]); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("saga %s: %w", records[i].ID, err))
			continue
		}
		resolved++
	}

	reportCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(records),
		"resolved":   resolved,
	})
	j.logg.Info(reportCtx, "saga reconcile sweep complete")
	return errs
}
