package idempotency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clearlinehq/vaultbridge/pkg/config"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
)

type memoryKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryKV() *memoryKV {
	return &memoryKV{data: map[string]string{}}
}

func (m *memoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.data[key]
	if !ok {
		return "", goredis.Nil
	}
	return value, nil
}

func (m *memoryKV) Set(_ context.Context, key string, value any, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = fmt.Sprint(value)
	return nil
}

func (m *memoryKV) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = fmt.Sprint(value)
	return true, nil
}

func (m *memoryKV) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

func (m *memoryKV) IdempotencyKey(scope, id string) string {
	return "vb:idempotency:" + scope + ":" + id
}

func (m *memoryKV) DedupKey(scope, id string) string {
	return "vb:dedup:" + scope + ":" + id
}

func testStore(t *testing.T, kv *memoryKV) *Store {
	t.Helper()
	store, err := NewStore(StoreParams{
		KV: kv,
		Config: config.IdempotencyConfig{
			ResultTTL: time.Hour,
			FlightTTL: 2 * time.Second,
			PollEvery: 5 * time.Millisecond,
		},
		Logger: logger.New(logger.Options{ServiceName: "test", Level: zerolog.Disabled, Output: io.Discard}),
	})
	if err != nil {
		t.Fatalf("store setup: %v", err)
	}
	return store
}

func TestRun_ConcurrentCallsExecuteOnce(t *testing.T) {
	store := testStore(t, newMemoryKV())
	var executions atomic.Int32

	const callers = 16
	results := make([][]byte, callers)
	outcomes := make([]Outcome, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], outcomes[i], errs[i] = store.Run(context.Background(), "charge", "key-1", func(context.Context) ([]byte, error) {
				executions.Add(1)
				time.Sleep(20 * time.Millisecond)
				return []byte(`{"status":"approved"}`), nil
			})
		}(i)
	}
	wg.Wait()

	if got := executions.Load(); got != 1 {
		t.Fatalf("expected exactly one execution, got %d", got)
	}
	firsts := 0
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if string(results[i]) != `{"status":"approved"}` {
			t.Fatalf("caller %d got %q", i, results[i])
		}
		if outcomes[i] == FirstAttempt {
			firsts++
		}
	}
	if firsts != 1 {
		t.Fatalf("expected exactly one FirstAttempt, got %d", firsts)
	}
}

func TestRun_ReplaysCompletedOutcome(t *testing.T) {
	store := testStore(t, newMemoryKV())
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) ([]byte, error) {
		calls++
		return []byte("done"), nil
	}

	if _, outcome, err := store.Run(ctx, "charge", "key-2", fn); err != nil || outcome != FirstAttempt {
		t.Fatalf("first run: outcome=%d err=%v", outcome, err)
	}
	data, outcome, err := store.Run(ctx, "charge", "key-2", fn)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if outcome != AlreadyCompleted {
		t.Fatalf("expected AlreadyCompleted, got %d", outcome)
	}
	if string(data) != "done" {
		t.Fatalf("replay data %q", data)
	}
	if calls != 1 {
		t.Fatalf("fn ran %d times", calls)
	}
}

func TestRun_FailedAttemptReleasesKey(t *testing.T) {
	store := testStore(t, newMemoryKV())
	ctx := context.Background()

	boom := errors.New("gateway down")
	if _, _, err := store.Run(ctx, "charge", "key-3", func(context.Context) ([]byte, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected failure to surface, got %v", err)
	}

	data, outcome, err := store.Run(ctx, "charge", "key-3", func(context.Context) ([]byte, error) {
		return []byte("recovered"), nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if outcome != FirstAttempt {
		t.Fatalf("retry should be a fresh attempt, got %d", outcome)
	}
	if string(data) != "recovered" {
		t.Fatalf("retry data %q", data)
	}
}

func TestRun_ScopesDoNotCollide(t *testing.T) {
	store := testStore(t, newMemoryKV())
	ctx := context.Background()

	if _, _, err := store.Run(ctx, "charge", "shared", func(context.Context) ([]byte, error) {
		return []byte("charged"), nil
	}); err != nil {
		t.Fatalf("charge: %v", err)
	}

	data, outcome, err := store.Run(ctx, "cancel", "shared", func(context.Context) ([]byte, error) {
		return []byte("cancelled"), nil
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if outcome != FirstAttempt || string(data) != "cancelled" {
		t.Fatalf("cancel scope collided: outcome=%d data=%q", outcome, data)
	}
}

func TestRun_RequiresKey(t *testing.T) {
	store := testStore(t, newMemoryKV())
	if _, _, err := store.Run(context.Background(), "charge", "  ", func(context.Context) ([]byte, error) {
		return nil, nil
	}); err == nil {
		t.Fatal("expected validation error for blank key")
	}
}
