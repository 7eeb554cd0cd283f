// Package broker provides the two job queues that decouple intake from
// execution: a transfer queue carrying one job per child transfer and a
// finalize queue carrying one outcome report per attempted transfer. Both an
// in-process FIFO and a Kafka-backed implementation satisfy the same
// contract.
package broker

import "github.com/google/uuid"

// TransferJob instructs a worker to execute one child credit transfer. It is
// self-contained: the worker never re-reads the bulk submission.
type TransferJob struct {
	TransferUUID     uuid.UUID `json:"transfer_uuid"`
	BulkRequestUUID  uuid.UUID `json:"bulk_request_uuid"`
	CounterpartyName string    `json:"counterparty_name"`
	CounterpartyIBAN string    `json:"counterparty_iban"`
	CounterpartyBIC  string    `json:"counterparty_bic"`
	AmountCents      int64     `json:"amount_cents"`
	AmountCurrency   string    `json:"amount_currency"`
	BankAccountID    int64     `json:"bank_account_id"`
	Description      string    `json:"description"`
}

// FinalizeBulkJob reports the outcome of one transfer attempt to the
// finalizer. AmountCents is the single transfer's amount, used to advance the
// bulk's processed total on success.
type FinalizeBulkJob struct {
	BulkRequestUUID uuid.UUID `json:"bulk_request_uuid"`
	BankAccountID   int64     `json:"bank_account_id"`
	AmountCents     int64     `json:"single_transferred_amount_cents"`
	Success         bool      `json:"success"`
}
