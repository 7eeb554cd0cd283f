// Package store provides durable storage for bank accounts, bulk transfer
// requests and transaction ledger rows. Two implementations share one
// contract: an in-memory store used by the reference build and the tests, and
// a PostgreSQL store for production deployments.
//
// Every write happens inside a Store.Atomic unit of work. The *ForUpdate
// lookups acquire an exclusive row lock with SELECT ... FOR UPDATE semantics:
// any two units of work holding the same row lock serialize. The lock order
// across the system is bulk request row before account row; any code path
// touching both must follow it.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrAccountNotFound indicates no bank account matches the lookup.
	ErrAccountNotFound = errors.New("bank account not found")

	// ErrBulkNotFound indicates no bulk request matches the lookup.
	ErrBulkNotFound = errors.New("bulk request not found")

	// ErrTransferNotFound indicates no transaction row carries the transfer UUID.
	ErrTransferNotFound = errors.New("transfer transaction not found")

	// ErrBulkExists indicates a bulk request with the same request UUID has
	// already been admitted. It is the storage side of the idempotency gate.
	ErrBulkExists = errors.New("bulk request already exists")

	// ErrAlreadyProcessed indicates a transaction row with the same transfer
	// UUID already exists. This is NOT a failure with at-least-once delivery:
	// the consumer drops the duplicate job and moves on.
	ErrAlreadyProcessed = errors.New("transfer already processed")
)

// TransferRecord carries the fields of a transfer job that become a ledger
// row. AmountCents is the positive job amount; the store persists it negated
// since ledger rows record debits.
type TransferRecord struct {
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

// Tx is the set of operations available inside one atomic unit of work.
type Tx interface {
	// AccountForUpdate looks up an account by its natural key and acquires an
	// exclusive lock on the row.
	AccountForUpdate(ctx context.Context, bic, iban string) (*BankAccount, error)

	// AccountByID looks up an account by internal id without locking.
	AccountByID(ctx context.Context, id int64) (*BankAccount, error)

	// AccountByIDForUpdate looks up an account by internal id and acquires an
	// exclusive lock on the row.
	AccountByIDForUpdate(ctx context.Context, id int64) (*BankAccount, error)

	// FindBulkRequest looks up a bulk request by request UUID without locking.
	FindBulkRequest(ctx context.Context, requestUUID uuid.UUID) (*BulkRequest, error)

	// BulkRequestForUpdate looks up a bulk request by request UUID and
	// acquires an exclusive lock on the row.
	BulkRequestForUpdate(ctx context.Context, requestUUID uuid.UUID) (*BulkRequest, error)

	// FindTransaction looks up a ledger row by transfer UUID.
	FindTransaction(ctx context.Context, transferUUID uuid.UUID) (*Transaction, error)

	// TransactionsForBulk returns every ledger row belonging to the bulk,
	// oldest first.
	TransactionsForBulk(ctx context.Context, bulkUUID uuid.UUID) ([]*Transaction, error)

	// CreateBulkRequest creates a PENDING bulk request with zero processed
	// amount. A duplicate request UUID surfaces as ErrBulkExists.
	CreateBulkRequest(ctx context.Context, accountID int64, requestUUID uuid.UUID, totalCents int64) (*BulkRequest, error)

	// CreateTransaction inserts a ledger row for the record, storing the
	// amount negated. A duplicate transfer UUID surfaces as ErrAlreadyProcessed.
	CreateTransaction(ctx context.Context, rec TransferRecord) (*Transaction, error)

	// ReserveFunds earmarks delta cents against the account by incrementing
	// its ongoing transfer amount. The account must be locked by the caller.
	ReserveFunds(ctx context.Context, account *BankAccount, deltaCents int64) error

	// UpdateAccount persists the balance and ongoing amounts of a loaded,
	// locked account row.
	UpdateAccount(ctx context.Context, account *BankAccount) error

	// UpdateBulkRequest persists status, processed amount and completion time
	// of a loaded, locked bulk request row.
	UpdateBulkRequest(ctx context.Context, bulk *BulkRequest) error

	// CreateAccount provisions a bank account. Accounts are provisioned
	// out-of-band in production; this exists for seeding and tests.
	CreateAccount(ctx context.Context, account *BankAccount) (*BankAccount, error)
}

// Store owns the storage backend and hands out atomic units of work.
type Store interface {
	// Atomic runs fn inside a single transaction. If fn returns an error the
	// transaction rolls back and the error is returned; otherwise it commits.
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	// Close releases the backend resources.
	Close()
}
