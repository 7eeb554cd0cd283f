package broker

import (
	"context"
	"sync"
)

// Ack marks a dequeued job as fully processed. Delivery is at-least-once: a
// job whose ack never runs is redelivered, so callers ack only after the job's
// side effects are durable.
type Ack func(ctx context.Context) error

// Broker carries transfer and finalize jobs between the intake, the workers
// and the finalizer. Dequeues are non-blocking: ok is false when the queue is
// empty, and callers poll.
type Broker interface {
	EnqueueTransfer(ctx context.Context, job TransferJob) error
	DequeueTransfer(ctx context.Context) (TransferJob, Ack, bool, error)

	EnqueueFinalize(ctx context.Context, job FinalizeBulkJob) error
	DequeueFinalize(ctx context.Context) (FinalizeBulkJob, Ack, bool, error)

	Close() error
}

// noopAck is returned by brokers whose dequeue already removes the job.
func noopAck(context.Context) error { return nil }

// MemoryBroker is an in-process FIFO pair used by the reference build and the
// tests. Each queue preserves enqueue order independently of the other.
type MemoryBroker struct {
	mu        sync.Mutex
	transfers []TransferJob
	finalizes []FinalizeBulkJob
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

func (b *MemoryBroker) EnqueueTransfer(_ context.Context, job TransferJob) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transfers = append(b.transfers, job)
	return nil
}

func (b *MemoryBroker) DequeueTransfer(_ context.Context) (TransferJob, Ack, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.transfers) == 0 {
		return TransferJob{}, nil, false, nil
	}
	job := b.transfers[0]
	b.transfers = b.transfers[1:]
	return job, noopAck, true, nil
}

func (b *MemoryBroker) EnqueueFinalize(_ context.Context, job FinalizeBulkJob) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalizes = append(b.finalizes, job)
	return nil
}

func (b *MemoryBroker) DequeueFinalize(_ context.Context) (FinalizeBulkJob, Ack, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.finalizes) == 0 {
		return FinalizeBulkJob{}, nil, false, nil
	}
	job := b.finalizes[0]
	b.finalizes = b.finalizes[1:]
	return job, noopAck, true, nil
}

// TransferDepth returns the number of queued transfer jobs.
func (b *MemoryBroker) TransferDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.transfers)
}

// FinalizeDepth returns the number of queued finalize jobs.
func (b *MemoryBroker) FinalizeDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.finalizes)
}

// Close is a no-op for the in-process broker.
func (b *MemoryBroker) Close() error { return nil }
