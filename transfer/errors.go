package transfer

import "fmt"

// Denial reason tags returned in the error body. The tags are part of the API
// contract and never change wording.
const (
	ReasonInvalidRequestID    = "invalid-request-id"
	ReasonAlreadyProcessed    = "already-processed"
	ReasonTooManyTransfers    = "too-many-transfers"
	ReasonInvalidAmount       = "invalid-amount"
	ReasonNegativeOrNull      = "negative-or-null-amounts"
	ReasonUnknownAccount      = "unknown-account"
	ReasonInsufficientBalance = "insufficient-account-balance"
	ReasonInvalidPayload      = "invalid-payload"
)

// Error is a denial of a bulk submission: an HTTP status, a fixed machine
// reason tag and a human-readable detail string.
type Error struct {
	Status  int
	Reason  string
	Details string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Details)
}

func denied(status int, reason, details string) *Error {
	return &Error{Status: status, Reason: reason, Details: details}
}
