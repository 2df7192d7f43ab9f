// Package dedup guards webhook processing against the gateway's at-least-once
// delivery. Every event key is checked and recorded before any state change
// is attempted, so a redelivery can never apply twice and a stale event can
// never overwrite newer state.
package dedup

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/clearlinehq/vaultbridge/internal/statemachine"
	"github.com/clearlinehq/vaultbridge/pkg/config"
	"github.com/clearlinehq/vaultbridge/pkg/db"
	"github.com/clearlinehq/vaultbridge/pkg/db/models"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
	"github.com/clearlinehq/vaultbridge/pkg/redis"
)

// Admission is the three-way disposition of an incoming event.
type Admission int

const (
	// Admitted: first sighting, safe to apply.
	Admitted Admission = iota
	// Duplicate: the key was seen before; acknowledge without applying.
	Duplicate
	// Superseded: first sighting, but local state has already moved past the
	// event; record it and acknowledge without applying.
	Superseded
)

const dedupScope = "gateway"

// DeduplicatorParams groups dependencies for the deduplicator.
type DeduplicatorParams struct {
	Repo   Repository
	KV     redis.KVStore
	Config config.DedupConfig
	Logger *logger.Logger
}

// Deduplicator performs the check-and-record. The database row is the source
// of truth; the redis marker in front of it only short-circuits the common
// redelivery burst.
type Deduplicator struct {
	repo      Repository
	kv        redis.KVStore
	retention time.Duration
	logg      *logger.Logger
}

// NewDeduplicator builds the event deduplicator.
func NewDeduplicator(params DeduplicatorParams) (*Deduplicator, error) {
	if params.Repo == nil {
		return nil, errors.New("repo is required")
	}
	if params.KV == nil {
		return nil, errors.New("kv store is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	retention := params.Config.Retention
	if retention <= 0 {
		retention = 48 * time.Hour
	}
	return &Deduplicator{
		repo:      params.Repo,
		kv:        params.KV,
		retention: retention,
		logg:      params.Logger,
	}, nil
}

// Admit checks and records one event atomically with the transaction that
// will apply it. candidateVersion is the ordering the event carries (zero if
// none); currentVersion is the entity version the caller read in the same
// transaction.
func (d *Deduplicator) Admit(ctx context.Context, tx *gorm.DB, eventKey, eventType string, candidateVersion, currentVersion int64) (Admission, error) {
	marker := d.kv.DedupKey(dedupScope, eventKey)
	won, err := d.kv.SetNX(ctx, marker, "1", d.retention)
	if err != nil {
		// Redis being down must not drop events; the insert below still
		// guarantees exactly-once admission.
		d.logg.Warn(d.logg.WithEventKey(ctx, eventKey), "dedup marker unavailable, relying on ledger")
	} else if !won {
		// The marker outlives an apply transaction that rolled back, so it
		// cannot decide a drop on its own. Only a ledger row proves the
		// event was recorded.
		existing, findErr := d.repo.WithTx(tx).Find(ctx, eventKey)
		if findErr != nil {
			return Duplicate, findErr
		}
		if existing != nil {
			return Duplicate, nil
		}
	}

	record := &models.WebhookEventRecord{
		EventKey:    eventKey,
		EventType:   eventType,
		FirstSeenAt: time.Now().UTC(),
	}
	if err := d.repo.WithTx(tx).Insert(ctx, record); err != nil {
		if db.IsUniqueViolation(err, "") {
			return Duplicate, nil
		}
		return Duplicate, err
	}

	if statemachine.StaleCandidate(candidateVersion, currentVersion) {
		return Superseded, nil
	}
	return Admitted, nil
}

// RecordApplied stores the entity version an admitted event produced.
func (d *Deduplicator) RecordApplied(ctx context.Context, tx *gorm.DB, eventKey string, version int64) error {
	return d.repo.WithTx(tx).SetAppliedVersion(ctx, eventKey, version)
}

// RecordError notes why an admitted event could not be applied. The record
// stays in the ledger so the delivery is still acknowledged and redeliveries
// of the same broken payload stay duplicates.
func (d *Deduplicator) RecordError(ctx context.Context, tx *gorm.DB, eventKey string, cause error) error {
	message := cause.Error()
	return d.repo.WithTx(tx).SetProcessingError(ctx, eventKey, message)
}

// Sweep evicts ledger rows older than the retention window. Retention never
// drops below the gateway's redelivery horizon, so an evicted key can no
// longer be redelivered.
func (d *Deduplicator) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-d.retention)
	return d.repo.DeleteOlderThan(ctx, cutoff)
}
