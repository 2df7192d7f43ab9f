package gateway

import (
	"encoding/xml"
	"strings"

	pkgerrors "github.com/clearlinehq/vaultbridge/pkg/errors"
)

// QueryParams selects which authoritative records to fetch. At least one
// selector must be set.
type QueryParams struct {
	CustomerID     string
	SubscriptionID string
	TransactionID  string
	OrderID        string
}

// QueryResult is the authoritative state the gateway reports for the selected
// records. The reconcile worker replays it through the same transition path as
// webhooks.
type QueryResult struct {
	Vault        *VaultRecord
	Subscription *SubscriptionRecord
	Transaction  *TransactionRecord
}

// VaultRecord is the gateway's view of a stored payment profile.
type VaultRecord struct {
	VaultID  string
	LastFour string
}

// SubscriptionRecord is the gateway's view of a subscription.
type SubscriptionRecord struct {
	SubscriptionID string
	State          string
	PlanID         string
}

// TransactionRecord is the gateway's view of a transaction.
type TransactionRecord struct {
	TransactionID string
	Condition     string
	Amount        string
}

type queryEnvelope struct {
	XMLName      xml.Name           `xml:"query_response"`
	Vault        *queryVault        `xml:"customer_vault"`
	Subscription *querySubscription `xml:"subscription"`
	Transaction  *queryTransaction  `xml:"transaction"`
}

type queryVault struct {
	VaultID  string `xml:"customer_vault_id"`
	CCNumber string `xml:"cc_number"`
}

type querySubscription struct {
	SubscriptionID string `xml:"subscription_id"`
	State          string `xml:"state"`
	PlanID         string `xml:"plan_id"`
}

type queryTransaction struct {
	TransactionID string `xml:"transaction_id"`
	Condition     string `xml:"condition"`
	Amount        string `xml:"amount"`
}

func parseQueryResponse(body []byte) (*QueryResult, error) {
	var envelope queryEnvelope
	if err := xml.Unmarshal(body, &envelope); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayMalformed, err, "unparsable query response")
	}

	result := &QueryResult{}
	if envelope.Vault != nil {
		result.Vault = &VaultRecord{
			VaultID:  envelope.Vault.VaultID,
			LastFour: lastFour(envelope.Vault.CCNumber),
		}
	}
	if envelope.Subscription != nil {
		result.Subscription = &SubscriptionRecord{
			SubscriptionID: envelope.Subscription.SubscriptionID,
			State:          strings.ToLower(strings.TrimSpace(envelope.Subscription.State)),
			PlanID:         envelope.Subscription.PlanID,
		}
	}
	if envelope.Transaction != nil {
		result.Transaction = &TransactionRecord{
			TransactionID: envelope.Transaction.TransactionID,
			Condition:     strings.ToLower(strings.TrimSpace(envelope.Transaction.Condition)),
			Amount:        envelope.Transaction.Amount,
		}
	}
	return result, nil
}

func lastFour(masked string) string {
	masked = strings.TrimSpace(masked)
	if len(masked) < 4 {
		return ""
	}
	return masked[len(masked)-4:]
}
