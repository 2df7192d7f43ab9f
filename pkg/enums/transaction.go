package enums

import "fmt"

// TransactionType mirrors the gateway's transaction operations.
type TransactionType string

const (
	TransactionTypeSale    TransactionType = "sale"
	TransactionTypeAuth    TransactionType = "auth"
	TransactionTypeCapture TransactionType = "capture"
	TransactionTypeVoid    TransactionType = "void"
	TransactionTypeRefund  TransactionType = "refund"
	TransactionTypeCredit  TransactionType = "credit"
)

var validTransactionTypes = []TransactionType{
	TransactionTypeSale,
	TransactionTypeAuth,
	TransactionTypeCapture,
	TransactionTypeVoid,
	TransactionTypeRefund,
	TransactionTypeCredit,
}

// IsValid reports whether the value is a known transaction type.
func (t TransactionType) IsValid() bool {
	for _, candidate := range validTransactionTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseTransactionType converts raw input into a TransactionType.
func ParseTransactionType(value string) (TransactionType, error) {
	for _, candidate := range validTransactionTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid transaction type %q", value)
}

// TransactionStatus records where a ledger entry sits between submission and
// settlement.
type TransactionStatus string

const (
	TransactionStatusPending  TransactionStatus = "pending"
	TransactionStatusApproved TransactionStatus = "approved"
	TransactionStatusDeclined TransactionStatus = "declined"
	TransactionStatusError    TransactionStatus = "error"
	TransactionStatusSettled  TransactionStatus = "settled"
	TransactionStatusUnknown  TransactionStatus = "unknown"
)

// IsTerminal reports whether the status may no longer change. A pending or
// unknown entry accepts exactly one terminal update (settlement or
// reconciliation outcome); everything else is frozen.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TransactionStatusDeclined, TransactionStatusError, TransactionStatusSettled:
		return true
	}
	return false
}
