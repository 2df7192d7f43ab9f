package reconcile

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clearlinehq/vaultbridge/pkg/db/models"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
)

type fakeSagaReconciler struct {
	stuck      []models.SagaRecord
	reconciled []uuid.UUID
	failOn     uuid.UUID
}

func (f *fakeSagaReconciler) ListStuck(context.Context, int, time.Duration) ([]models.SagaRecord, error) {
	return f.stuck, nil
}

func (f *fakeSagaReconciler) ReconcileRecord(_ context.Context, record *models.SagaRecord) error {
	if record.ID == f.failOn {
		return errors.New("gateway unreachable")
	}
	f.reconciled = append(f.reconciled, record.ID)
	return nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Level: zerolog.Disabled, Output: io.Discard})
}

func TestSagaJob_ReconcilesEveryStuckRecord(t *testing.T) {
	reconciler := &fakeSagaReconciler{stuck: []models.SagaRecord{
		{ID: uuid.New()},
		{ID: uuid.New()},
	}}
	job, err := NewSagaJob(SagaJobParams{Logger: testLogger(), Saga: reconciler, Limit: 10, Grace: 25 * time.Hour})
	if err != nil {
		t.Fatalf("construct job: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(reconciler.reconciled) != 2 {
		t.Fatalf("reconciled %d of 2", len(reconciler.reconciled))
	}
}

func TestSagaJob_OneFailureDoesNotStopTheSweep(t *testing.T) {
	bad := uuid.New()
	reconciler := &fakeSagaReconciler{
		stuck:  []models.SagaRecord{{ID: bad}, {ID: uuid.New()}},
		failOn: bad,
	}
	job, err := NewSagaJob(SagaJobParams{Logger: testLogger(), Saga: reconciler})
	if err != nil {
		t.Fatalf("construct job: %v", err)
	}
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected aggregated error")
	}
	if len(reconciler.reconciled) != 1 {
		t.Fatalf("healthy record not reconciled after failure")
	}
}
