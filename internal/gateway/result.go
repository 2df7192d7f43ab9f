package gateway

import (
	"net/url"

	pkgerrors "github.com/clearlinehq/vaultbridge/pkg/errors"
)

// Outcome is the three-way disposition of a well-formed gateway response.
// Declines and gateway errors are domain results, not Go errors.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeDeclined Outcome = "declined"
	OutcomeError    Outcome = "error"
)

// Result is a parsed transact response.
type Result struct {
	Outcome        Outcome
	ResponseCode   string
	ResponseText   string
	TransactionID  string
	AuthCode       string
	VaultID        string
	SubscriptionID string
}

// Approved reports whether the gateway accepted the operation.
func (r *Result) Approved() bool {
	return r != nil && r.Outcome == OutcomeApproved
}

func parseTransactResponse(body []byte) (*Result, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayMalformed, err, "unparsable transact response")
	}

	var outcome Outcome
	switch values.Get("response") {
	case "1":
		outcome = OutcomeApproved
	case "2":
		outcome = OutcomeDeclined
	case "3":
		outcome = OutcomeError
	default:
		return nil, pkgerrors.New(pkgerrors.CodeGatewayMalformed, "transact response missing response field").
			WithDetails(map[string]any{"response": values.Get("response")})
	}

	return &Result{
		Outcome:        outcome,
		ResponseCode:   values.Get("response_code"),
		ResponseText:   values.Get("responsetext"),
		TransactionID:  values.Get("transactionid"),
		AuthCode:       values.Get("authcode"),
		VaultID:        values.Get("customer_vault_id"),
		SubscriptionID: values.Get("subscription_id"),
	}, nil
}
