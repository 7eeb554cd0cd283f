package transfer

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paynet/bulk-transfers/broker"
	"github.com/paynet/bulk-transfers/gateway"
	"github.com/paynet/bulk-transfers/store"
)

var processedTransfers int64

// ProcessedTransfers returns the number of transfer jobs executed since
// startup, successful or not.
func ProcessedTransfers() int64 {
	return atomic.LoadInt64(&processedTransfers)
}

// Worker executes transfer jobs: it records the attempt as a ledger row,
// calls the remote gateway and reports the outcome to the finalize queue.
type Worker struct {
	store   store.Store
	broker  broker.Broker
	gateway gateway.RemoteTransferGateway
}

// NewWorker builds a transfer worker.
func NewWorker(st store.Store, br broker.Broker, gw gateway.RemoteTransferGateway) *Worker {
	return &Worker{store: st, broker: br, gateway: gw}
}

// Process handles one transfer job. Duplicate deliveries are dropped by the
// transfer UUID uniqueness check; the ledger row is written before the
// gateway call so a failed transfer still leaves an attempt record. The
// returned error marks an infrastructure failure only; a gateway refusal is
// handled by emitting a success=false finalize job.
func (w *Worker) Process(ctx context.Context, job broker.TransferJob) error {
	err := w.store.Atomic(ctx, func(tx store.Tx) error {
		account, err := tx.AccountByID(ctx, job.BankAccountID)
		if errors.Is(err, store.ErrAccountNotFound) {
			log.Printf("bulk_id=%s dropping transfer %s: account %d unknown, cancelling bulk",
				job.BulkRequestUUID, job.TransferUUID, job.BankAccountID)
			return w.broker.EnqueueFinalize(ctx, broker.FinalizeBulkJob{
				BulkRequestUUID: job.BulkRequestUUID,
				BankAccountID:   job.BankAccountID,
				AmountCents:     job.AmountCents,
				Success:         false,
			})
		}
		if err != nil {
			return err
		}

		if _, err := tx.FindTransaction(ctx, job.TransferUUID); err == nil {
			// At-least-once delivery: a redelivered job is dropped silently.
			log.Printf("bulk_id=%s transfer %s already processed, dropping",
				job.BulkRequestUUID, job.TransferUUID)
			return nil
		} else if !errors.Is(err, store.ErrTransferNotFound) {
			return err
		}

		txn, err := tx.CreateTransaction(ctx, store.TransferRecord{
			TransferUUID:     job.TransferUUID,
			BulkRequestUUID:  job.BulkRequestUUID,
			CounterpartyName: job.CounterpartyName,
			CounterpartyIBAN: job.CounterpartyIBAN,
			CounterpartyBIC:  job.CounterpartyBIC,
			AmountCents:      job.AmountCents,
			AmountCurrency:   job.AmountCurrency,
			BankAccountID:    account.ID,
			Description:      job.Description,
		})
		if err != nil {
			// Losing the insert race aborts the unit of work; returning the
			// error keeps the store from trying to commit the aborted tx.
			return err
		}
		log.Printf("bulk_id=%s transfer_uuid=%s transaction recorded amount=%d",
			job.BulkRequestUUID, txn.TransferUUID, txn.AmountCents)

		atomic.AddInt64(&processedTransfers, 1)

		success := true
		if err := w.gateway.Send(ctx, job); err != nil {
			log.Printf("bulk_id=%s transfer %s gateway send failed: %v",
				job.BulkRequestUUID, job.TransferUUID, err)
			success = false
		}

		return w.broker.EnqueueFinalize(ctx, broker.FinalizeBulkJob{
			BulkRequestUUID: job.BulkRequestUUID,
			BankAccountID:   account.ID,
			AmountCents:     job.AmountCents,
			Success:         success,
		})
	})
	if errors.Is(err, store.ErrAlreadyProcessed) {
		// Another worker won the insert race on the same transfer UUID.
		log.Printf("bulk_id=%s transfer %s already processed, dropping",
			job.BulkRequestUUID, job.TransferUUID)
		return nil
	}
	return err
}

// Pool runs a fixed number of goroutines that poll a queue and hand each job
// to a process function. On shutdown the pool stops pulling new jobs but
// finishes the ones in hand.
type Pool struct {
	name     string
	workers  int
	interval time.Duration
	dequeue  func(ctx context.Context) (bool, error)

	wg sync.WaitGroup
}

// NewPool builds a pool of n workers named for logging. dequeue must pull and
// fully process one job, returning false when the queue was empty.
func NewPool(name string, n int, interval time.Duration, dequeue func(ctx context.Context) (bool, error)) *Pool {
	return &Pool{name: name, workers: n, interval: interval, dequeue: dequeue}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has drained its in-flight job.
func (p *Pool) Run(ctx context.Context) {
	// In-flight jobs must complete even after shutdown begins, so the work
	// itself runs on a context that survives cancellation.
	workCtx := context.WithoutCancel(ctx)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					log.Printf("[%s:%d] stopping", p.name, id)
					return
				default:
				}

				ok, err := p.dequeue(workCtx)
				if err != nil {
					log.Printf("[%s:%d] job failed: %v", p.name, id, err)
				}
				if !ok {
					select {
					case <-ctx.Done():
						log.Printf("[%s:%d] stopping", p.name, id)
						return
					case <-time.After(p.interval):
					}
				}
			}
		}(i)
	}
	p.wg.Wait()
}

// NewTransferPool wires a Worker to the transfer queue. The job is acked only
// after Process succeeds, so a crash mid-job leaves it for redelivery.
func NewTransferPool(w *Worker, br broker.Broker, n int) *Pool {
	return NewPool("transfer-worker", n, 50*time.Millisecond, func(ctx context.Context) (bool, error) {
		job, ack, ok, err := br.DequeueTransfer(ctx)
		if err != nil || !ok {
			return false, err
		}
		if err := w.Process(ctx, job); err != nil {
			return true, err
		}
		return true, ack(ctx)
	})
}

// NewFinalizePool wires a Finalizer to the finalize queue.
func NewFinalizePool(f *Finalizer, br broker.Broker, n int) *Pool {
	return NewPool("finalizer", n, 50*time.Millisecond, func(ctx context.Context) (bool, error) {
		job, ack, ok, err := br.DequeueFinalize(ctx)
		if err != nil || !ok {
			return false, err
		}
		if err := f.Process(ctx, job); err != nil {
			return true, err
		}
		return true, ack(ctx)
	})
}
