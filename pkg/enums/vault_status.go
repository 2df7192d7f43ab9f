package enums

import "fmt"

// VaultStatus tracks the lifecycle of a tokenized payment profile in the
// gateway's customer vault.
type VaultStatus string

const (
	VaultStatusAbsent  VaultStatus = "absent"
	VaultStatusPending VaultStatus = "pending"
	VaultStatusActive  VaultStatus = "active"
	VaultStatusFailed  VaultStatus = "failed"
	VaultStatusDeleted VaultStatus = "deleted"
)

var validVaultStatuses = []VaultStatus{
	VaultStatusAbsent,
	VaultStatusPending,
	VaultStatusActive,
	VaultStatusFailed,
	VaultStatusDeleted,
}

// IsValid reports whether the value is a known vault status.
func (v VaultStatus) IsValid() bool {
	for _, candidate := range validVaultStatuses {
		if candidate == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (v VaultStatus) IsTerminal() bool {
	return v == VaultStatusDeleted
}

// ParseVaultStatus converts raw input into a VaultStatus.
func ParseVaultStatus(value string) (VaultStatus, error) {
	for _, candidate := range validVaultStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid vault status %q", value)
}
