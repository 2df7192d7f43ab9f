package enums

import "fmt"

// OutboxEventType names the bookkeeping events emitted via the outbox.
type OutboxEventType string

const (
	EventSettlementRecorded OutboxEventType = "settlement_recorded"
	EventChargebackRecorded OutboxEventType = "chargeback_recorded"
	EventSagaCompensated    OutboxEventType = "saga_compensated"
	EventCompensationStuck  OutboxEventType = "compensation_stuck"
)

var validOutboxEventTypes = []OutboxEventType{
	EventSettlementRecorded,
	EventChargebackRecorded,
	EventSagaCompensated,
	EventCompensationStuck,
}

// IsValid reports whether the value matches a known outbox event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into an OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox event type %q", value)
}
