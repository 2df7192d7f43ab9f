// Package billing exposes the customer billing surface: provisioning,
// one-off ledger operations, subscription cancellation, payment profile
// maintenance, and the status read model.
package billing

import (
	"net/http"
	"strings"

	"github.com/clearlinehq/vaultbridge/internal/idempotency"
	pkgerrors "github.com/clearlinehq/vaultbridge/pkg/errors"
)

const idempotencyKeyHeader = "Idempotency-Key"

// idempotencyKey pulls the caller-supplied key off the request. Mutating
// operations refuse to run without one; retries under a fresh key are
// distinct attempts, so the key has to come from the caller.
func idempotencyKey(r *http.Request) (string, error) {
	key := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	if key == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header is required")
	}
	return key, nil
}

// statusForOutcome picks the HTTP status for an idempotent operation. Only
// the attempt that actually executed reports the created status; replays
// and joined waiters get 200.
func statusForOutcome(outcome idempotency.Outcome, created int) int {
	if outcome == idempotency.FirstAttempt {
		return created
	}
	return http.StatusOK
}
