package enums

import "fmt"

// PayoutEntryType distinguishes seller transfers from their reversals.
type PayoutEntryType string

const (
	PayoutEntryTransfer PayoutEntryType = "transfer"
	PayoutEntryReversal PayoutEntryType = "reversal"
)

var validPayoutEntryTypes = []PayoutEntryType{
	PayoutEntryTransfer,
	PayoutEntryReversal,
}

// String implements fmt.Stringer.
func (p PayoutEntryType) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PayoutEntryType.
func (p PayoutEntryType) IsValid() bool {
	for _, candidate := range validPayoutEntryTypes {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePayoutEntryType converts raw input into a PayoutEntryType.
func ParsePayoutEntryType(value string) (PayoutEntryType, error) {
	for _, candidate := range validPayoutEntryTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payout entry type %q", value)
}

// PayoutEntryStatus tracks execution of a payout intent against the gateway.
type PayoutEntryStatus string

const (
	PayoutStatusPending  PayoutEntryStatus = "pending"
	PayoutStatusExecuted PayoutEntryStatus = "executed"
	PayoutStatusSkipped  PayoutEntryStatus = "skipped"
	PayoutStatusFailed   PayoutEntryStatus = "failed"
)

var validPayoutEntryStatuses = []PayoutEntryStatus{
	PayoutStatusPending,
	PayoutStatusExecuted,
	PayoutStatusSkipped,
	PayoutStatusFailed,
}

// IsValid reports whether the value is a known PayoutEntryStatus.
func (p PayoutEntryStatus) IsValid() bool {
	for _, candidate := range validPayoutEntryStatuses {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePayoutEntryStatus converts raw input into a PayoutEntryStatus.
func ParsePayoutEntryStatus(value string) (PayoutEntryStatus, error) {
	for _, candidate := range validPayoutEntryStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payout entry status %q", value)
}
