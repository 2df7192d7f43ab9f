package main

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clearlinehq/vaultbridge/pkg/config"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
	"github.com/clearlinehq/vaultbridge/pkg/outbox"
)

type fakeDrainer struct {
	calls     int
	lastBatch int
	published int
	err       error
}

func (f *fakeDrainer) Drain(ctx context.Context, publisher outbox.Publisher, params outbox.DrainParams) (int, error) {
	f.calls++
	f.lastBatch = params.BatchSize
	return f.published, f.err
}

type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, eventType string, payload []byte) error {
	return nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Level: zerolog.Disabled, Output: io.Discard})
}

func testService(t *testing.T, drain *fakeDrainer) *Service {
	t.Helper()
	service, err := NewService(ServiceParams{
		Config: &config.Config{
			Outbox: config.OutboxConfig{BatchSize: 10, MaxAttempts: 3, PollIntervalMS: 5},
		},
		Logger:    testLogger(),
		Outbox:    drain,
		Publisher: noopPublisher{},
	})
	if err != nil {
		t.Fatalf("building service: %v", err)
	}
	return service
}

func TestDrainOnceForwardsBatchSettings(t *testing.T) {
	drain := &fakeDrainer{published: 2}
	service := testService(t, drain)

	service.drainOnce(context.Background())

	if drain.calls != 1 {
		t.Fatalf("expected one drain pass, got %d", drain.calls)
	}
	if drain.lastBatch != 10 {
		t.Fatalf("expected batch size 10, got %d", drain.lastBatch)
	}
}

func TestDrainOnceSwallowsErrors(t *testing.T) {
	drain := &fakeDrainer{err: errors.New("publish backend down")}
	service := testService(t, drain)

	service.drainOnce(context.Background())

	if drain.calls != 1 {
		t.Fatalf("expected the failed pass to count, got %d", drain.calls)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	drain := &fakeDrainer{}
	service := testService(t, drain)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop after cancel")
	}

	if drain.calls == 0 {
		t.Fatal("expected at least one drain pass before cancel")
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceParams{
		Logger:    testLogger(),
		Outbox:    &fakeDrainer{},
		Publisher: noopPublisher{},
	}); err == nil {
		t.Fatal("expected error without config")
	}
	if _, err := NewService(ServiceParams{
		Config: &config.Config{},
		Logger: testLogger(),
		Outbox: &fakeDrainer{},
	}); err == nil {
		t.Fatal("expected error without publisher")
	}
}
