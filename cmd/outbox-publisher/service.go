package main

import (
	"context"
	"errors"
	"time"

	"github.com/clearlinehq/vaultbridge/pkg/config"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
	"github.com/clearlinehq/vaultbridge/pkg/outbox"
)

const (
	defaultBatchSize   = 50
	defaultPollMs      = 500
	defaultMaxAttempts = 10
)

type drainer interface {
	Drain(ctx context.Context, publisher outbox.Publisher, params outbox.DrainParams) (int, error)
}

type ServiceParams struct {
	Config    *config.Config
	Logger    *logger.Logger
	Outbox    drainer
	Publisher outbox.Publisher
}

// Service polls the outbox table and pushes unpublished rows downstream.
type Service struct {
	logg         *logger.Logger
	outbox       drainer
	publisher    outbox.Publisher
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox service is required")
	}
	if params.Publisher == nil {
		return nil, errors.New("publisher is required")
	}

	batchSize := params.Config.Outbox.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	maxAttempts := params.Config.Outbox.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	pollMs := params.Config.Outbox.PollIntervalMS
	if pollMs <= 0 {
		pollMs = defaultPollMs
	}

	return &Service{
		logg:         params.Logger,
		outbox:       params.Outbox,
		publisher:    params.Publisher,
		batchSize:    batchSize,
		maxAttempts:  maxAttempts,
		pollInterval: time.Duration(pollMs) * time.Millisecond,
	}, nil
}

// Run drains the outbox until the context is canceled. A failed pass is
// logged and retried on the next tick; rows keep their unpublished state, so
// nothing is lost.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.drainOnce(ctx)
		}
	}
}

func (s *Service) drainOnce(ctx context.Context) {
	published, err := s.outbox.Drain(ctx, s.publisher, outbox.DrainParams{
		BatchSize:   s.batchSize,
		MaxAttempts: s.maxAttempts,
	})
	if err != nil {
		s.logg.Error(ctx, "outbox drain pass failed", err)
		return
	}
	if published > 0 {
		s.logg.Info(s.logg.WithField(ctx, "published", published), "outbox drain pass complete")
	}
}
