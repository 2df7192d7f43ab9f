package statemachine

// VaultEvent is the closed set of inputs that move a payment profile. Both
// synchronous gateway results and admitted webhook events are normalized into
// these kinds before they reach the machine, so a new event kind is a
// compile-time-visible addition rather than an ignored default branch.
type VaultEvent interface {
	vaultEvent()
}

// VaultRequested marks the saga dispatching the vault-create step.
type VaultRequested struct{}

// VaultConfirmed reports the gateway accepting the stored payment method,
// from either the synchronous response or the webhook.
type VaultConfirmed struct {
	VaultID  string
	LastFour string
}

// VaultRejected reports a decline or gateway error on the vault step.
type VaultRejected struct {
	Code string
	Text string
}

// VaultRemoved reports an explicit delete, including saga compensation.
type VaultRemoved struct{}

func (VaultRequested) vaultEvent() {}
func (VaultConfirmed) vaultEvent() {}
func (VaultRejected) vaultEvent()  {}
func (VaultRemoved) vaultEvent()   {}

// SubscriptionEvent is the closed set of inputs that move a subscription.
type SubscriptionEvent interface {
	subscriptionEvent()
}

// SubscriptionRequested marks the saga dispatching the subscription-create step.
type SubscriptionRequested struct{}

// SubscriptionActivated reports the gateway confirming enrollment, from the
// synchronous response, the recurring add webhook, or a reconcile query.
type SubscriptionActivated struct {
	SubscriptionID string
}

// SubscriptionPaused reports a pause taking effect.
type SubscriptionPaused struct{}

// SubscriptionResumed reports a paused subscription returning to active.
type SubscriptionResumed struct{}

// SubscriptionCancelled reports deletion, explicit or webhook-driven.
type SubscriptionCancelled struct{}

// SubscriptionFailed reports a decline or a pending enrollment that never
// confirmed within its deadline.
type SubscriptionFailed struct {
	Code string
	Text string
}

func (SubscriptionRequested) subscriptionEvent() {}
func (SubscriptionActivated) subscriptionEvent() {}
func (SubscriptionPaused) subscriptionEvent()    {}
func (SubscriptionResumed) subscriptionEvent()   {}
func (SubscriptionCancelled) subscriptionEvent() {}
func (SubscriptionFailed) subscriptionEvent()    {}
