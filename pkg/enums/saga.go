package enums

// SagaStatus tracks a provisioning saga end to end.
type SagaStatus string

const (
	SagaStatusPending SagaStatus = "pending"
	SagaStatusDone    SagaStatus = "done"
	SagaStatusFailed  SagaStatus = "failed"
	// SagaStatusCompensationPending marks a saga whose compensating call
	// failed; the reconcile worker retries it.
	SagaStatusCompensationPending SagaStatus = "compensation_pending"
	SagaStatusCompensated         SagaStatus = "compensated"
)

// IsTerminal reports whether the saga needs no further attention.
func (s SagaStatus) IsTerminal() bool {
	switch s {
	case SagaStatusDone, SagaStatusFailed, SagaStatusCompensated:
		return true
	}
	return false
}

// SagaStepStatus tracks one step inside a saga.
type SagaStepStatus string

const (
	SagaStepPending     SagaStepStatus = "pending"
	SagaStepDone        SagaStepStatus = "done"
	SagaStepFailed      SagaStepStatus = "failed"
	SagaStepCompensated SagaStepStatus = "compensated"
)
