package transfer

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/paynet/bulk-transfers/broker"
	"github.com/paynet/bulk-transfers/store"
)

// Notifier receives bulk lifecycle updates. The events hub implements it; a
// nil Notifier disables notifications.
type Notifier interface {
	BulkUpdated(bulk *store.BulkRequest)
}

// Finalizer is the single serialized writer of bulk status. It consumes
// outcome reports, tracks progress and settles each bulk into COMPLETED or
// FAILED, releasing the funds reservation.
type Finalizer struct {
	store    store.Store
	notifier Notifier
}

// NewFinalizer builds a finalizer. notifier may be nil.
func NewFinalizer(st store.Store, notifier Notifier) *Finalizer {
	return &Finalizer{store: st, notifier: notifier}
}

// Process handles one finalize job. Lock order is bulk row then account row;
// every writer touching both must follow it. Jobs for absent or already
// terminal bulks are dropped, which makes redelivery and the
// success-after-cancel race safe.
func (f *Finalizer) Process(ctx context.Context, job broker.FinalizeBulkJob) error {
	var updated *store.BulkRequest
	err := f.store.Atomic(ctx, func(tx store.Tx) error {
		bulk, err := tx.BulkRequestForUpdate(ctx, job.BulkRequestUUID)
		if errors.Is(err, store.ErrBulkNotFound) {
			log.Printf("bulk_id=%s not found, dropping finalize job", job.BulkRequestUUID)
			return nil
		}
		if err != nil {
			return err
		}
		if bulk.Terminal() {
			log.Printf("bulk_id=%s already finalized status=%s, dropping", bulk.RequestUUID, bulk.Status)
			return nil
		}

		account, err := tx.AccountByIDForUpdate(ctx, bulk.BankAccountID)
		if errors.Is(err, store.ErrAccountNotFound) {
			log.Printf("bulk_id=%s could not finalize: account %d not found", bulk.RequestUUID, bulk.BankAccountID)
			return nil
		}
		if err != nil {
			return err
		}

		if !job.Success {
			return f.cancel(ctx, tx, bulk, account, &updated)
		}
		return f.advance(ctx, tx, bulk, account, job.AmountCents, &updated)
	})
	if err != nil {
		return err
	}

	if updated != nil && f.notifier != nil {
		f.notifier.BulkUpdated(updated)
	}
	return nil
}

// cancel fails the whole bulk and releases the reservation. Balance is never
// touched: partial successes leave ledger rows as audit traces but do not
// debit.
func (f *Finalizer) cancel(ctx context.Context, tx store.Tx, bulk *store.BulkRequest, account *store.BankAccount, updated **store.BulkRequest) error {
	log.Printf("bulk_id=%s CANCEL account_id=%d total=%d", bulk.RequestUUID, account.ID, bulk.TotalAmountCents)

	account.OngoingTransferCents -= bulk.TotalAmountCents
	now := time.Now().UTC()
	bulk.Status = store.StatusFailed
	bulk.CompletedAt = &now

	if err := tx.UpdateAccount(ctx, account); err != nil {
		return err
	}
	if err := tx.UpdateBulkRequest(ctx, bulk); err != nil {
		return err
	}
	*updated = bulk
	return nil
}

// advance records one successful transfer and completes the bulk once the
// processed total reaches the reserved total.
func (f *Finalizer) advance(ctx context.Context, tx store.Tx, bulk *store.BulkRequest, account *store.BankAccount, singleCents int64, updated **store.BulkRequest) error {
	bulk.ProcessedAmountCents += singleCents

	if bulk.ProcessedAmountCents < bulk.TotalAmountCents {
		log.Printf("bulk_id=%s in progress processed=%d total=%d",
			bulk.RequestUUID, bulk.ProcessedAmountCents, bulk.TotalAmountCents)
		if err := tx.UpdateBulkRequest(ctx, bulk); err != nil {
			return err
		}
		*updated = bulk
		return nil
	}

	account.OngoingTransferCents -= bulk.TotalAmountCents
	account.BalanceCents -= bulk.TotalAmountCents
	now := time.Now().UTC()
	bulk.Status = store.StatusCompleted
	bulk.CompletedAt = &now

	log.Printf("bulk_id=%s COMPLETED total=%d balance=%d", bulk.RequestUUID, bulk.TotalAmountCents, account.BalanceCents)

	if err := tx.UpdateAccount(ctx, account); err != nil {
		return err
	}
	if err := tx.UpdateBulkRequest(ctx, bulk); err != nil {
		return err
	}
	*updated = bulk
	return nil
}
