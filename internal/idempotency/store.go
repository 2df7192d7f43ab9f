// Package idempotency provides the begin-or-join guard for caller-facing
// mutating operations. A caller-supplied key either starts the operation,
// joins an attempt already in flight, or replays the stored outcome of a
// completed attempt. The same key never reaches the gateway twice as two
// distinct executions.
package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/clearlinehq/vaultbridge/pkg/config"
	pkgerrors "github.com/clearlinehq/vaultbridge/pkg/errors"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
	"github.com/clearlinehq/vaultbridge/pkg/redis"
)

// Outcome reports how a key was resolved.
type Outcome int

const (
	// FirstAttempt: this call executed the operation.
	FirstAttempt Outcome = iota
	// JoinedInFlight: another attempt held the key; this call waited for and
	// returned that attempt's outcome without executing.
	JoinedInFlight
	// AlreadyCompleted: the stored outcome of a finished attempt was replayed.
	AlreadyCompleted
)

const flightSuffix = ":flight"

// Fn produces the operation's serialized outcome. A nil error marks the
// outcome as complete and replayable, declines included; an error leaves the
// key free for a fresh attempt.
type Fn func(ctx context.Context) ([]byte, error)

// StoreParams groups dependencies for the idempotency store.
type StoreParams struct {
	KV     redis.KVStore
	Config config.IdempotencyConfig
	Logger *logger.Logger
}

// Store coordinates attempts across goroutines and processes. In-process
// concurrency collapses through singleflight; cross-process concurrency
// through a redis flight marker plus polling for the winner's result.
type Store struct {
	kv        redis.KVStore
	group     singleflight.Group
	resultTTL time.Duration
	flightTTL time.Duration
	pollEvery time.Duration
	logg      *logger.Logger
}

// NewStore builds the idempotency store.
func NewStore(params StoreParams) (*Store, error) {
	if params.KV == nil {
		return nil, errors.New("kv store is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	cfg := params.Config
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 48 * time.Hour
	}
	if cfg.FlightTTL <= 0 {
		cfg.FlightTTL = 2 * time.Minute
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 200 * time.Millisecond
	}
	return &Store{
		kv:        params.KV,
		resultTTL: cfg.ResultTTL,
		flightTTL: cfg.FlightTTL,
		pollEvery: cfg.PollEvery,
		logg:      params.Logger,
	}, nil
}

type runResult struct {
	data    []byte
	outcome Outcome
}

// Run resolves one idempotency key within a scope. The scope separates
// operation families so the same caller key may be used for, say, a charge
// and a cancel without colliding.
func (s *Store) Run(ctx context.Context, scope, key string, fn Fn) ([]byte, Outcome, error) {
	if strings.TrimSpace(key) == "" {
		return nil, FirstAttempt, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}
	resultKey := s.kv.IdempotencyKey(scope, key)

	if data, ok, err := s.lookup(ctx, resultKey); err != nil {
		return nil, FirstAttempt, err
	} else if ok {
		return data, AlreadyCompleted, nil
	}

	value, err, shared := s.group.Do(resultKey, func() (any, error) {
		return s.acquireAndRun(ctx, resultKey, fn)
	})
	if err != nil {
		return nil, FirstAttempt, err
	}
	res := value.(runResult)
	if shared && res.outcome == FirstAttempt {
		res.outcome = JoinedInFlight
	}
	return res.data, res.outcome, nil
}

func (s *Store) acquireAndRun(ctx context.Context, resultKey string, fn Fn) (runResult, error) {
	flightKey := resultKey + flightSuffix

	won, err := s.kv.SetNX(ctx, flightKey, "1", s.flightTTL)
	if err != nil {
		return runResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquiring idempotency flight marker")
	}
	if !won {
		// Another process holds the key. The result may have landed between
		// our lookup and the SetNX, so check before settling into the wait.
		data, err := s.awaitResult(ctx, resultKey)
		if err != nil {
			return runResult{}, err
		}
		return runResult{data: data, outcome: JoinedInFlight}, nil
	}

	data, err := fn(ctx)
	if err != nil {
		// Release the key so a retry can make a fresh attempt. An ambiguous
		// gateway outcome still releases: re-running is safe because the same
		// key is forwarded to the gateway, which collapses the duplicate.
		if delErr := s.kv.Del(ctx, flightKey); delErr != nil {
			s.logg.Warn(s.logg.WithField(ctx, "key", flightKey), "failed to release idempotency flight marker")
		}
		return runResult{}, err
	}

	if err := s.kv.Set(ctx, resultKey, string(data), s.resultTTL); err != nil {
		return runResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "storing idempotency result")
	}
	if err := s.kv.Del(ctx, flightKey); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "key", flightKey), "failed to release idempotency flight marker")
	}
	return runResult{data: data, outcome: FirstAttempt}, nil
}

// awaitResult polls for the winner's stored outcome until the flight TTL
// elapses. Expiry without a result means the winner died mid-operation; the
// caller gets a retryable dependency error rather than a second execution.
func (s *Store) awaitResult(ctx context.Context, resultKey string) ([]byte, error) {
	deadline := time.NewTimer(s.flightTTL)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for {
		data, ok, err := s.lookup(ctx, resultKey)
		if err != nil {
			return nil, err
		}
		if ok {
			return data, nil
		}
		select {
		case <-ctx.Done():
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, ctx.Err(), "waiting on in-flight attempt")
		case <-deadline.C:
			return nil, pkgerrors.New(pkgerrors.CodeDependency, "in-flight attempt did not complete")
		case <-ticker.C:
		}
	}
}

func (s *Store) lookup(ctx context.Context, resultKey string) ([]byte, bool, error) {
	data, err := s.kv.Get(ctx, resultKey)
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reading idempotency result")
	}
	return []byte(data), true, nil
}
