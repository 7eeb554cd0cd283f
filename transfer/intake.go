// Package transfer implements the bulk credit-transfer lifecycle: intake with
// funds reservation, per-transfer execution against the remote gateway, and
// finalization into a terminal COMPLETED or FAILED state.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/paynet/bulk-transfers/amounts"
	"github.com/paynet/bulk-transfers/broker"
	"github.com/paynet/bulk-transfers/store"
)

// MaxBulkSize is the largest number of credit transfers one bulk may carry.
const MaxBulkSize = 1000

// CreditTransfer is one outgoing transfer inside a bulk submission. Amount is
// a decimal euro string; it is converted to cents at intake.
type CreditTransfer struct {
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	CounterpartyName string `json:"counterparty_name"`
	CounterpartyBIC  string `json:"counterparty_bic"`
	CounterpartyIBAN string `json:"counterparty_iban"`
	Description      string `json:"description"`
}

// BulkTransferRequest is the intake payload. RequestID is the client-supplied
// idempotency key and must be a canonical lowercase UUID.
type BulkTransferRequest struct {
	RequestID        string           `json:"request_id"`
	OrganizationBIC  string           `json:"organization_bic"`
	OrganizationIBAN string           `json:"organization_iban"`
	CreditTransfers  []CreditTransfer `json:"credit_transfers"`
}

// Service owns the intake pipeline. The same store and broker are shared with
// the worker and finalizer.
type Service struct {
	store    store.Store
	broker   broker.Broker
	notifier Notifier
}

// NewService builds the intake service.
func NewService(st store.Store, br broker.Broker) *Service {
	return &Service{store: st, broker: br}
}

// SetNotifier enables lifecycle event publishing on acceptance.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// SubmitBulk admits a bulk submission: it validates the payload, reserves the
// aggregate amount against the account and enqueues one transfer job per
// credit transfer, all inside one unit of work with the account row locked.
// A denial is returned as *Error; any other error is an internal failure.
func (s *Service) SubmitBulk(ctx context.Context, req BulkTransferRequest) (*store.BulkRequest, error) {
	requestUUID, err := uuid.Parse(req.RequestID)
	// Re-serialization equality rejects upper-case and non-canonical forms
	// that uuid.Parse would otherwise accept.
	if err != nil || requestUUID.String() != req.RequestID {
		return nil, denied(http.StatusUnprocessableEntity, ReasonInvalidRequestID,
			fmt.Sprintf("request_id %q is not a canonical UUID", req.RequestID))
	}

	var bulk *store.BulkRequest
	err = s.store.Atomic(ctx, func(tx store.Tx) error {
		if _, err := tx.FindBulkRequest(ctx, requestUUID); err == nil {
			return denied(http.StatusUnprocessableEntity, ReasonAlreadyProcessed,
				fmt.Sprintf("bulk request %s has already been processed", requestUUID))
		} else if !errors.Is(err, store.ErrBulkNotFound) {
			return err
		}

		if len(req.CreditTransfers) > MaxBulkSize {
			return denied(http.StatusRequestEntityTooLarge, ReasonTooManyTransfers,
				fmt.Sprintf("%d credit transfers exceed the maximum of %d", len(req.CreditTransfers), MaxBulkSize))
		}

		cents := make([]int64, len(req.CreditTransfers))
		for i, ct := range req.CreditTransfers {
			c, err := amounts.ToCents(ct.Amount)
			if err != nil {
				return denied(http.StatusUnprocessableEntity, ReasonInvalidAmount,
					fmt.Sprintf("amount %q is not a valid decimal with at most two fractional digits", ct.Amount))
			}
			cents[i] = c
		}
		for _, c := range cents {
			if c <= 0 {
				return denied(http.StatusUnprocessableEntity, ReasonNegativeOrNull,
					"every transfer amount must be strictly positive")
			}
		}

		// Amounts are individually valid, but their sum must not wrap: a
		// wrapped negative total would sail through the funds check below.
		var total int64
		for _, c := range cents {
			if total > math.MaxInt64-c {
				return denied(http.StatusUnprocessableEntity, ReasonInsufficientBalance,
					"aggregate amount exceeds the representable total")
			}
			total += c
		}

		account, err := tx.AccountForUpdate(ctx, req.OrganizationBIC, req.OrganizationIBAN)
		if errors.Is(err, store.ErrAccountNotFound) {
			return denied(http.StatusNotFound, ReasonUnknownAccount,
				fmt.Sprintf("no account matches bic=%s iban=%s", req.OrganizationBIC, req.OrganizationIBAN))
		}
		if err != nil {
			return err
		}

		// Ongoing plus new against balance, so concurrent admissions that
		// already reserved funds are counted.
		if total+account.OngoingTransferCents > account.BalanceCents {
			return denied(http.StatusUnprocessableEntity, ReasonInsufficientBalance,
				fmt.Sprintf("total %s exceeds available balance", amounts.FormatCents(total)))
		}

		bulk, err = tx.CreateBulkRequest(ctx, account.ID, requestUUID, total)
		if errors.Is(err, store.ErrBulkExists) {
			return denied(http.StatusUnprocessableEntity, ReasonAlreadyProcessed,
				fmt.Sprintf("bulk request %s has already been processed", requestUUID))
		}
		if err != nil {
			return err
		}
		if err := tx.ReserveFunds(ctx, account, total); err != nil {
			return err
		}

		// The account lock is held across the enqueues so a concurrent
		// admission observes the updated reservation immediately.
		for i, ct := range req.CreditTransfers {
			job := broker.TransferJob{
				TransferUUID:     uuid.New(),
				BulkRequestUUID:  requestUUID,
				CounterpartyName: ct.CounterpartyName,
				CounterpartyIBAN: ct.CounterpartyIBAN,
				CounterpartyBIC:  ct.CounterpartyBIC,
				AmountCents:      cents[i],
				AmountCurrency:   ct.Currency,
				BankAccountID:    account.ID,
				Description:      ct.Description,
			}
			if err := s.broker.EnqueueTransfer(ctx, job); err != nil {
				return fmt.Errorf("failed to enqueue transfer job: %w", err)
			}
		}

		log.Printf("bulk_id=%s accepted: %d transfers, total=%s, account_id=%d",
			requestUUID, len(req.CreditTransfers), amounts.FormatCents(total), account.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.BulkUpdated(bulk)
	}
	return bulk, nil
}

// BulkStatus is a read-only snapshot of one bulk's progress.
type BulkStatus struct {
	BulkID         uuid.UUID
	Status         store.BulkStatus
	TotalCents     int64
	ProcessedCents int64
	Transfers      int
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// LookupBulk returns the current state of a bulk request.
func (s *Service) LookupBulk(ctx context.Context, requestUUID uuid.UUID) (*BulkStatus, error) {
	var out *BulkStatus
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		bulk, err := tx.FindBulkRequest(ctx, requestUUID)
		if err != nil {
			return err
		}
		rows, err := tx.TransactionsForBulk(ctx, requestUUID)
		if err != nil {
			return err
		}
		out = &BulkStatus{
			BulkID:         bulk.RequestUUID,
			Status:         bulk.Status,
			TotalCents:     bulk.TotalAmountCents,
			ProcessedCents: bulk.ProcessedAmountCents,
			Transfers:      len(rows),
			CreatedAt:      bulk.CreatedAt,
			CompletedAt:    bulk.CompletedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
