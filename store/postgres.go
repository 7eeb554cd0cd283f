package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the production implementation backed by a pgx connection
// pool. Row locks are taken with SELECT ... FOR UPDATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool to the given DSN and verifies the
// connection with a ping.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("PostgreSQL connection pool ready (max: %d)", cfg.MaxConns)
	return &PostgresStore{pool: pool}, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS bank_accounts (
		id BIGSERIAL PRIMARY KEY,
		organization_name TEXT NOT NULL,
		iban TEXT NOT NULL,
		bic TEXT NOT NULL,
		balance_cents BIGINT NOT NULL DEFAULT 0 CHECK (balance_cents >= 0),
		ongoing_transfer_cents BIGINT NOT NULL DEFAULT 0 CHECK (ongoing_transfer_cents >= 0),
		CONSTRAINT bank_accounts_bic_iban_key UNIQUE (bic, iban)
	)`,
	`CREATE TABLE IF NOT EXISTS bulk_requests (
		id BIGSERIAL PRIMARY KEY,
		request_uuid UUID NOT NULL,
		bank_account_id BIGINT NOT NULL REFERENCES bank_accounts(id),
		status TEXT NOT NULL DEFAULT 'PENDING',
		total_amount_cents BIGINT NOT NULL DEFAULT 0,
		processed_amount_cents BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at TIMESTAMPTZ,
		CONSTRAINT bulk_requests_request_uuid_key UNIQUE (request_uuid)
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id BIGSERIAL PRIMARY KEY,
		transfer_uuid UUID NOT NULL,
		bulk_request_uuid UUID NOT NULL,
		counterparty_name TEXT NOT NULL,
		counterparty_iban TEXT NOT NULL,
		counterparty_bic TEXT NOT NULL,
		amount_cents BIGINT NOT NULL,
		amount_currency TEXT NOT NULL,
		bank_account_id BIGINT NOT NULL REFERENCES bank_accounts(id),
		description TEXT NOT NULL,
		CONSTRAINT transactions_transfer_uuid_key UNIQUE (transfer_uuid)
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_bulk_request_uuid_idx
		ON transactions (bulk_request_uuid)`,
}

// Migrate applies the schema. Statements are idempotent so running them on
// every startup is safe.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Atomic begins a transaction, runs fn and commits, rolling back if fn
// returns an error.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

type pgTx struct {
	tx pgx.Tx
}

const accountColumns = `id, organization_name, iban, bic, balance_cents, ongoing_transfer_cents`

func scanAccount(row pgx.Row) (*BankAccount, error) {
	var a BankAccount
	err := row.Scan(&a.ID, &a.OrganizationName, &a.IBAN, &a.BIC, &a.BalanceCents, &a.OngoingTransferCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return &a, nil
}

func (t *pgTx) AccountForUpdate(ctx context.Context, bic, iban string) (*BankAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM bank_accounts
		WHERE bic = $1 AND iban = $2
		FOR UPDATE`
	return scanAccount(t.tx.QueryRow(ctx, query, strings.TrimSpace(bic), strings.TrimSpace(iban)))
}

func (t *pgTx) AccountByID(ctx context.Context, id int64) (*BankAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM bank_accounts WHERE id = $1`
	return scanAccount(t.tx.QueryRow(ctx, query, id))
}

func (t *pgTx) AccountByIDForUpdate(ctx context.Context, id int64) (*BankAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM bank_accounts WHERE id = $1 FOR UPDATE`
	return scanAccount(t.tx.QueryRow(ctx, query, id))
}

const bulkColumns = `id, request_uuid, bank_account_id, status, total_amount_cents, processed_amount_cents, created_at, completed_at`

func scanBulk(row pgx.Row) (*BulkRequest, error) {
	var b BulkRequest
	err := row.Scan(&b.ID, &b.RequestUUID, &b.BankAccountID, &b.Status,
		&b.TotalAmountCents, &b.ProcessedAmountCents, &b.CreatedAt, &b.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBulkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan bulk request: %w", err)
	}
	return &b, nil
}

func (t *pgTx) FindBulkRequest(ctx context.Context, requestUUID uuid.UUID) (*BulkRequest, error) {
	query := `SELECT ` + bulkColumns + ` FROM bulk_requests WHERE request_uuid = $1`
	return scanBulk(t.tx.QueryRow(ctx, query, requestUUID))
}

func (t *pgTx) BulkRequestForUpdate(ctx context.Context, requestUUID uuid.UUID) (*BulkRequest, error) {
	query := `SELECT ` + bulkColumns + ` FROM bulk_requests WHERE request_uuid = $1 FOR UPDATE`
	return scanBulk(t.tx.QueryRow(ctx, query, requestUUID))
}

const transactionColumns = `id, transfer_uuid, bulk_request_uuid, counterparty_name, counterparty_iban, counterparty_bic, amount_cents, amount_currency, bank_account_id, description`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var tr Transaction
	err := row.Scan(&tr.ID, &tr.TransferUUID, &tr.BulkRequestUUID,
		&tr.CounterpartyName, &tr.CounterpartyIBAN, &tr.CounterpartyBIC,
		&tr.AmountCents, &tr.AmountCurrency, &tr.BankAccountID, &tr.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	return &tr, nil
}

func (t *pgTx) FindTransaction(ctx context.Context, transferUUID uuid.UUID) (*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE transfer_uuid = $1`
	return scanTransaction(t.tx.QueryRow(ctx, query, transferUUID))
}

func (t *pgTx) TransactionsForBulk(ctx context.Context, bulkUUID uuid.UUID) ([]*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE bulk_request_uuid = $1
		ORDER BY id`
	rows, err := t.tx.Query(ctx, query, bulkUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		tr, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (t *pgTx) CreateBulkRequest(ctx context.Context, accountID int64, requestUUID uuid.UUID, totalCents int64) (*BulkRequest, error) {
	query := `INSERT INTO bulk_requests (request_uuid, bank_account_id, status, total_amount_cents, processed_amount_cents)
		VALUES ($1, $2, $3, $4, 0)
		RETURNING id, created_at`

	b := &BulkRequest{
		RequestUUID:      requestUUID,
		BankAccountID:    accountID,
		Status:           StatusPending,
		TotalAmountCents: totalCents,
	}
	err := t.tx.QueryRow(ctx, query, requestUUID, accountID, StatusPending, totalCents).
		Scan(&b.ID, &b.CreatedAt)
	if isUniqueViolation(err, "bulk_requests_request_uuid_key") {
		return nil, ErrBulkExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create bulk request: %w", err)
	}
	return b, nil
}

func (t *pgTx) CreateTransaction(ctx context.Context, rec TransferRecord) (*Transaction, error) {
	query := `INSERT INTO transactions (transfer_uuid, bulk_request_uuid, counterparty_name,
			counterparty_iban, counterparty_bic, amount_cents, amount_currency, bank_account_id, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	tr := &Transaction{
		TransferUUID:     rec.TransferUUID,
		BulkRequestUUID:  rec.BulkRequestUUID,
		CounterpartyName: rec.CounterpartyName,
		CounterpartyIBAN: rec.CounterpartyIBAN,
		CounterpartyBIC:  rec.CounterpartyBIC,
		AmountCents:      -rec.AmountCents, // debit
		AmountCurrency:   rec.AmountCurrency,
		BankAccountID:    rec.BankAccountID,
		Description:      rec.Description,
	}
	err := t.tx.QueryRow(ctx, query,
		rec.TransferUUID, rec.BulkRequestUUID, rec.CounterpartyName,
		rec.CounterpartyIBAN, rec.CounterpartyBIC, tr.AmountCents,
		rec.AmountCurrency, rec.BankAccountID, rec.Description,
	).Scan(&tr.ID)
	if isUniqueViolation(err, "transactions_transfer_uuid_key") {
		return nil, ErrAlreadyProcessed
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	return tr, nil
}

func (t *pgTx) ReserveFunds(ctx context.Context, account *BankAccount, deltaCents int64) error {
	query := `UPDATE bank_accounts SET ongoing_transfer_cents = ongoing_transfer_cents + $1 WHERE id = $2`
	if _, err := t.tx.Exec(ctx, query, deltaCents, account.ID); err != nil {
		return fmt.Errorf("failed to reserve funds: %w", err)
	}
	account.OngoingTransferCents += deltaCents
	return nil
}

func (t *pgTx) UpdateAccount(ctx context.Context, account *BankAccount) error {
	query := `UPDATE bank_accounts SET balance_cents = $1, ongoing_transfer_cents = $2 WHERE id = $3`
	tag, err := t.tx.Exec(ctx, query, account.BalanceCents, account.OngoingTransferCents, account.ID)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *pgTx) UpdateBulkRequest(ctx context.Context, bulk *BulkRequest) error {
	query := `UPDATE bulk_requests SET status = $1, processed_amount_cents = $2, completed_at = $3 WHERE id = $4`
	tag, err := t.tx.Exec(ctx, query, bulk.Status, bulk.ProcessedAmountCents, bulk.CompletedAt, bulk.ID)
	if err != nil {
		return fmt.Errorf("failed to update bulk request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBulkNotFound
	}
	return nil
}

func (t *pgTx) CreateAccount(ctx context.Context, account *BankAccount) (*BankAccount, error) {
	query := `INSERT INTO bank_accounts (organization_name, iban, bic, balance_cents, ongoing_transfer_cents)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	a := cloneAccount(account)
	err := t.tx.QueryRow(ctx, query,
		a.OrganizationName, a.IBAN, a.BIC, a.BalanceCents, a.OngoingTransferCents,
	).Scan(&a.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return a, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}
