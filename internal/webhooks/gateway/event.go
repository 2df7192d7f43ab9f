package gatewaywebhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/shopspring/decimal"

	pkgerrors "github.com/clearlinehq/vaultbridge/pkg/errors"
)

// Gateway event types.
const (
	EventSaleSuccess        = "transaction.sale.success"
	EventSaleFailure        = "transaction.sale.failure"
	EventSubscriptionAdd    = "recurring.subscription.add"
	EventSubscriptionUpdate = "recurring.subscription.update"
	EventSubscriptionDelete = "recurring.subscription.delete"
	EventPaymentSuccess     = "recurring.payment.success"
	EventPaymentFailure     = "recurring.payment.failure"
	EventSettlementComplete = "settlement.batch.complete"
	EventChargebackReceived = "chargeback.received"
)

// Envelope is the gateway's delivery wrapper.
type Envelope struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Body      EventBody `json:"event_body"`
}

// EventBody carries the union of fields the gateway includes per event type.
// EntityVersion is the gateway's ordering hint; zero when absent.
type EventBody struct {
	CustomerVaultID string          `json:"customer_vault_id"`
	SubscriptionID  string          `json:"subscription_id"`
	TransactionID   string          `json:"transaction_id"`
	TransactionIDs  []string        `json:"transaction_ids"`
	OrderID         string          `json:"order_id"`
	Amount          decimal.Decimal `json:"amount"`
	ResponseCode    string          `json:"response_code"`
	ResponseText    string          `json:"responsetext"`
	State           string          `json:"state"`
	Reason          string          `json:"reason"`
	EntityVersion   int64           `json:"entity_version"`
}

// ParseEnvelope decodes one delivery. The event type must be present; an
// unrecognized type is left to the service to record, not a parse failure.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unparsable webhook payload")
	}
	if envelope.EventType == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "webhook payload missing event_type")
	}
	return &envelope, nil
}

// EventKey returns the dedup key for a delivery: the gateway's event id when
// present, otherwise a digest of the raw body so byte-identical redeliveries
// still collapse.
func EventKey(envelope *Envelope, raw []byte) string {
	if envelope != nil && envelope.EventID != "" {
		return envelope.EventID
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
