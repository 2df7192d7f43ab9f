package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/clearlinehq/vaultbridge/pkg/enums"
)

// SagaStep is one entry in a SagaRecord's ordered step list.
type SagaStep struct {
	Name   string               `json:"name"`
	Status enums.SagaStepStatus `json:"status"`
}

// SagaRecord tracks one provisioning saga. Steps are stored as an ordered
// JSON list; Outcome holds the caller-visible result replayed on re-entry.
type SagaRecord struct {
	ID                    uuid.UUID        `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	IdempotencyKey        string           `gorm:"column:idempotency_key;not null;unique"`
	CustomerID            string           `gorm:"column:customer_id;not null;index"`
	PlanID                string           `gorm:"column:plan_id;not null"`
	GatewaySubscriptionID *string          `gorm:"column:gateway_subscription_id"`
	Steps                 json.RawMessage  `gorm:"column:steps;type:jsonb;not null"`
	Status                enums.SagaStatus `gorm:"column:status;not null;default:'pending'"`
	Outcome               json.RawMessage  `gorm:"column:outcome;type:jsonb"`
	CreatedAt             time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

// StepList decodes the stored steps.
func (s *SagaRecord) StepList() ([]SagaStep, error) {
	var steps []SagaStep
	if len(s.Steps) == 0 {
		return steps, nil
	}
	if err := json.Unmarshal(s.Steps, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// SetStepList encodes and stores the steps.
func (s *SagaRecord) SetStepList(steps []SagaStep) error {
	encoded, err := json.Marshal(steps)
	if err != nil {
		return err
	}
	s.Steps = encoded
	return nil
}
