package store

import (
	"time"

	"github.com/google/uuid"
)

// BulkStatus is the lifecycle state of a bulk request.
type BulkStatus string

const (
	// StatusPending is the initial state set at intake.
	StatusPending BulkStatus = "PENDING"
	// StatusCompleted means every child transfer succeeded and the account
	// has been debited. Terminal.
	StatusCompleted BulkStatus = "COMPLETED"
	// StatusFailed means at least one child transfer failed and the
	// reservation has been released. Terminal.
	StatusFailed BulkStatus = "FAILED"
)

// BankAccount is an organization's account. Balance and ongoing amounts are
// integer cents; after every commit ongoing_transfer_cents <= balance_cents.
type BankAccount struct {
	ID                   int64
	OrganizationName     string
	IBAN                 string
	BIC                  string
	BalanceCents         int64
	OngoingTransferCents int64
}

// BulkRequest tracks one bulk submission. The request UUID is client-supplied
// and globally unique; it is the idempotency key for intake.
type BulkRequest struct {
	ID                   int64
	RequestUUID          uuid.UUID
	BankAccountID        int64
	Status               BulkStatus
	TotalAmountCents     int64
	ProcessedAmountCents int64
	CreatedAt            time.Time
	CompletedAt          *time.Time
}

// Terminal reports whether the bulk has reached a sticky final state.
func (b *BulkRequest) Terminal() bool {
	return b.Status == StatusCompleted || b.Status == StatusFailed
}

// Transaction is one credit-transfer ledger row. AmountCents is negative: the
// sign is applied once at creation to denote a debit and never re-flipped.
// Rows are immutable once written and serve as an attempt log even when the
// owning bulk ends up FAILED.
type Transaction struct {
	ID               int64
	TransferUUID     uuid.UUID
	BulkRequestUUID  uuid.UUID
	CounterpartyName string
	CounterpartyIBAN string
	CounterpartyBIC  string
	AmountCents      int64
	AmountCurrency   string
	BankAccountID    int64
	Description      string
}
