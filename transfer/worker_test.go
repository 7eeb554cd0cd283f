package transfer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/paynet/bulk-transfers/broker"
	"github.com/paynet/bulk-transfers/gateway"
	"github.com/paynet/bulk-transfers/store"
)

func jobFor(e *env, amountCents int64) broker.TransferJob {
	return broker.TransferJob{
		TransferUUID:     uuid.New(),
		BulkRequestUUID:  uuid.New(),
		CounterpartyName: "Bip Bip",
		CounterpartyIBAN: "EE383680981021245685",
		CounterpartyBIC:  "CRLYFRPPTOU",
		AmountCents:      amountCents,
		AmountCurrency:   "EUR",
		BankAccountID:    e.account.ID,
		Description:      "Wonderland/4410",
	}
}

func (e *env) findTransaction(t *testing.T, transferUUID uuid.UUID) (*store.Transaction, error) {
	t.Helper()
	var out *store.Transaction
	err := e.store.Atomic(context.Background(), func(tx store.Tx) error {
		var err error
		out, err = tx.FindTransaction(context.Background(), transferUUID)
		return err
	})
	return out, err
}

func TestWorkerSuccess(t *testing.T) {
	e := newEnv(t, 10000000, 0)
	w := NewWorker(e.store, e.broker, gateway.NewStubGateway())
	job := jobFor(e, 1450)

	if err := w.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	txn, err := e.findTransaction(t, job.TransferUUID)
	if err != nil {
		t.Fatalf("transaction not recorded: %v", err)
	}
	if txn.AmountCents != -1450 {
		t.Errorf("amount = %d, want -1450", txn.AmountCents)
	}

	fin, _, ok, err := e.broker.DequeueFinalize(context.Background())
	if err != nil || !ok {
		t.Fatalf("no finalize job: ok=%v err=%v", ok, err)
	}
	if !fin.Success || fin.BulkRequestUUID != job.BulkRequestUUID || fin.AmountCents != 1450 {
		t.Errorf("finalize job = %+v", fin)
	}
}

func TestWorkerGatewayFailure(t *testing.T) {
	e := newEnv(t, 10000000, 0)
	gw := gateway.NewStubGateway()
	w := NewWorker(e.store, e.broker, gw)
	job := jobFor(e, 1450)
	gw.FailTransfer(job.TransferUUID.String())

	if err := w.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// The attempt is still recorded as a ledger row.
	if _, err := e.findTransaction(t, job.TransferUUID); err != nil {
		t.Errorf("attempt row missing after gateway failure: %v", err)
	}

	fin, _, ok, err := e.broker.DequeueFinalize(context.Background())
	if err != nil || !ok {
		t.Fatalf("no finalize job: ok=%v err=%v", ok, err)
	}
	if fin.Success {
		t.Error("finalize job reports success after gateway failure")
	}
}

func TestWorkerDuplicateDelivery(t *testing.T) {
	e := newEnv(t, 10000000, 0)
	w := NewWorker(e.store, e.broker, gateway.NewStubGateway())
	job := jobFor(e, 1450)

	if err := w.Process(context.Background(), job); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := w.Process(context.Background(), job); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	// Exactly one finalize job: the duplicate is dropped silently.
	if depth := e.broker.FinalizeDepth(); depth != 1 {
		t.Errorf("finalize depth = %d after duplicate, want 1", depth)
	}
}

// racingStore hides existing ledger rows from the dedupe lookup, so a
// redelivered job always reaches the insert and hits the unique index the way
// two racing workers would.
type racingStore struct{ store.Store }

func (s racingStore) Atomic(ctx context.Context, fn func(store.Tx) error) error {
	return s.Store.Atomic(ctx, func(tx store.Tx) error {
		return fn(racingTx{tx})
	})
}

type racingTx struct{ store.Tx }

func (racingTx) FindTransaction(context.Context, uuid.UUID) (*store.Transaction, error) {
	return nil, store.ErrTransferNotFound
}

func TestWorkerInsertRaceDropsSilently(t *testing.T) {
	e := newEnv(t, 10000000, 0)
	w := NewWorker(racingStore{e.store}, e.broker, gateway.NewStubGateway())
	job := jobFor(e, 1450)

	if err := w.Process(context.Background(), job); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	// The losing delivery must be dropped without surfacing an error and
	// without emitting a second finalize job.
	if err := w.Process(context.Background(), job); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if depth := e.broker.FinalizeDepth(); depth != 1 {
		t.Errorf("finalize depth = %d after insert race, want 1", depth)
	}
}

// ackRecordingBroker counts transfer acks so tests can observe when a pool
// confirms a job.
type ackRecordingBroker struct {
	*broker.MemoryBroker
	acks int64
}

func (b *ackRecordingBroker) DequeueTransfer(ctx context.Context) (broker.TransferJob, broker.Ack, bool, error) {
	job, ack, ok, err := b.MemoryBroker.DequeueTransfer(ctx)
	if !ok || err != nil {
		return job, ack, ok, err
	}
	counted := func(ctx context.Context) error {
		atomic.AddInt64(&b.acks, 1)
		return ack(ctx)
	}
	return job, counted, ok, err
}

type failingStore struct{}

func (failingStore) Atomic(context.Context, func(store.Tx) error) error {
	return errors.New("storage unavailable")
}

func (failingStore) Close() {}

func TestTransferPoolAcksProcessedJobs(t *testing.T) {
	e := newEnv(t, 10000000, 0)
	br := &ackRecordingBroker{MemoryBroker: e.broker}
	w := NewWorker(e.store, br, gateway.NewStubGateway())

	if err := br.EnqueueTransfer(context.Background(), jobFor(e, 1450)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewTransferPool(w, br, 1).Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&br.acks) == 0 {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("processed job was never acked")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestTransferPoolKeepsFailedJobsUnacked(t *testing.T) {
	e := newEnv(t, 10000000, 0)
	br := &ackRecordingBroker{MemoryBroker: e.broker}
	w := NewWorker(failingStore{}, br, gateway.NewStubGateway())

	if err := br.EnqueueTransfer(context.Background(), jobFor(e, 1450)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewTransferPool(w, br, 1).Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for br.TransferDepth() != 0 {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("pool never pulled the job")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if n := atomic.LoadInt64(&br.acks); n != 0 {
		t.Errorf("failed job was acked %d time(s); it must stay unacked for redelivery", n)
	}
}

func TestWorkerUnknownAccount(t *testing.T) {
	e := newEnv(t, 10000000, 0)
	w := NewWorker(e.store, e.broker, gateway.NewStubGateway())
	job := jobFor(e, 1450)
	job.BankAccountID = 999

	if err := w.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if _, err := e.findTransaction(t, job.TransferUUID); !errors.Is(err, store.ErrTransferNotFound) {
		t.Errorf("ledger row written for unknown account: err=%v", err)
	}

	fin, _, ok, err := e.broker.DequeueFinalize(context.Background())
	if err != nil || !ok {
		t.Fatalf("no finalize job: ok=%v err=%v", ok, err)
	}
	if fin.Success {
		t.Error("unknown account must emit a cancelling finalize job")
	}
}
