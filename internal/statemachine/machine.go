// Package statemachine holds the pure transition tables for payment profiles
// and subscriptions. It performs no I/O; persistence and the compare-and-swap
// on version live with the callers, so the synchronous path, the webhook path,
// and the reconcile worker all converge through identical rules.
package statemachine

import "github.com/clearlinehq/vaultbridge/pkg/enums"

// Decision classifies what a transition request means against current state.
type Decision int

const (
	// DecisionApply: the event moves the entity to a new state; version bumps.
	DecisionApply Decision = iota
	// DecisionConverge: the entity is already in the event's target state.
	// Whichever channel delivered first won; this one is a no-op confirmation,
	// not a duplicate and not an error.
	DecisionConverge
	// DecisionReject: the event's source-state expectation does not match;
	// the event is logically stale and must not be applied.
	DecisionReject
)

// NextVault returns the vault status an event produces from the current one.
func NextVault(current enums.VaultStatus, event VaultEvent) (enums.VaultStatus, Decision) {
	switch ev := event.(type) {
	case VaultRequested:
		if current == enums.VaultStatusPending {
			return current, DecisionConverge
		}
		if current == enums.VaultStatusAbsent || current == enums.VaultStatusFailed {
			return enums.VaultStatusPending, DecisionApply
		}
		return current, DecisionReject

	case VaultConfirmed:
		if current == enums.VaultStatusActive {
			return current, DecisionConverge
		}
		if current == enums.VaultStatusPending || current == enums.VaultStatusAbsent {
			return enums.VaultStatusActive, DecisionApply
		}
		return current, DecisionReject

	case VaultRejected:
		if current == enums.VaultStatusFailed {
			return current, DecisionConverge
		}
		if current == enums.VaultStatusPending {
			return enums.VaultStatusFailed, DecisionApply
		}
		return current, DecisionReject

	case VaultRemoved:
		if current == enums.VaultStatusDeleted {
			return current, DecisionConverge
		}
		if current.IsTerminal() {
			return current, DecisionReject
		}
		return enums.VaultStatusDeleted, DecisionApply

	default:
		_ = ev
		return current, DecisionReject
	}
}

// NextSubscription returns the subscription status an event produces. The
// vault status gates activation: a subscription may only become active while
// its payment profile is active.
func NextSubscription(current enums.SubscriptionStatus, vault enums.VaultStatus, event SubscriptionEvent) (enums.SubscriptionStatus, Decision) {
	switch ev := event.(type) {
	case SubscriptionRequested:
		if current == enums.SubscriptionStatusPending {
			return current, DecisionConverge
		}
		if current == enums.SubscriptionStatusNone || current == enums.SubscriptionStatusFailed {
			return enums.SubscriptionStatusPending, DecisionApply
		}
		return current, DecisionReject

	case SubscriptionActivated:
		if current == enums.SubscriptionStatusActive {
			return current, DecisionConverge
		}
		if current.IsTerminal() {
			return current, DecisionReject
		}
		if vault != enums.VaultStatusActive {
			return current, DecisionReject
		}
		if current == enums.SubscriptionStatusPending || current == enums.SubscriptionStatusNone {
			return enums.SubscriptionStatusActive, DecisionApply
		}
		return current, DecisionReject

	case SubscriptionPaused:
		if current == enums.SubscriptionStatusPaused {
			return current, DecisionConverge
		}
		if current == enums.SubscriptionStatusActive {
			return enums.SubscriptionStatusPaused, DecisionApply
		}
		return current, DecisionReject

	case SubscriptionResumed:
		if current == enums.SubscriptionStatusActive {
			return current, DecisionConverge
		}
		if current == enums.SubscriptionStatusPaused {
			if vault != enums.VaultStatusActive {
				return current, DecisionReject
			}
			return enums.SubscriptionStatusActive, DecisionApply
		}
		return current, DecisionReject

	case SubscriptionCancelled:
		if current == enums.SubscriptionStatusCancelled {
			return current, DecisionConverge
		}
		if current.IsTerminal() {
			return current, DecisionReject
		}
		return enums.SubscriptionStatusCancelled, DecisionApply

	case SubscriptionFailed:
		if current == enums.SubscriptionStatusFailed {
			return current, DecisionConverge
		}
		if current == enums.SubscriptionStatusPending {
			return enums.SubscriptionStatusFailed, DecisionApply
		}
		return current, DecisionReject

	default:
		_ = ev
		return current, DecisionReject
	}
}

// StaleCandidate reports whether an event's own ordering field marks it as
// logically older than state already applied. A zero candidate version means
// the event carries no ordering information and is judged by state alone.
func StaleCandidate(candidateVersion, currentVersion int64) bool {
	return candidateVersion > 0 && candidateVersion <= currentVersion
}
