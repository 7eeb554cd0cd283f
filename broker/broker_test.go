package broker

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestMemoryBrokerFIFO(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	var want []uuid.UUID
	for i := 0; i < 5; i++ {
		u := uuid.New()
		want = append(want, u)
		if err := b.EnqueueTransfer(ctx, TransferJob{TransferUUID: u}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	for i, u := range want {
		job, ack, ok, err := b.DequeueTransfer(ctx)
		if err != nil || !ok {
			t.Fatalf("dequeue %d: ok=%v err=%v", i, ok, err)
		}
		if job.TransferUUID != u {
			t.Errorf("dequeue %d = %s, want %s", i, job.TransferUUID, u)
		}
		if err := ack(ctx); err != nil {
			t.Errorf("ack %d: %v", i, err)
		}
	}
}

func TestMemoryBrokerEmptyDequeue(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	if _, _, ok, err := b.DequeueTransfer(ctx); ok || err != nil {
		t.Errorf("empty transfer dequeue: ok=%v err=%v", ok, err)
	}
	if _, _, ok, err := b.DequeueFinalize(ctx); ok || err != nil {
		t.Errorf("empty finalize dequeue: ok=%v err=%v", ok, err)
	}
}

// The two queues must not see each other's jobs.
func TestMemoryBrokerQueueIndependence(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	bulkUUID := uuid.New()

	if err := b.EnqueueTransfer(ctx, TransferJob{BulkRequestUUID: bulkUUID}); err != nil {
		t.Fatal(err)
	}
	if err := b.EnqueueFinalize(ctx, FinalizeBulkJob{BulkRequestUUID: bulkUUID, Success: true}); err != nil {
		t.Fatal(err)
	}

	if b.TransferDepth() != 1 || b.FinalizeDepth() != 1 {
		t.Fatalf("depths = %d/%d, want 1/1", b.TransferDepth(), b.FinalizeDepth())
	}

	fin, _, ok, err := b.DequeueFinalize(ctx)
	if err != nil || !ok {
		t.Fatalf("finalize dequeue: ok=%v err=%v", ok, err)
	}
	if !fin.Success || fin.BulkRequestUUID != bulkUUID {
		t.Errorf("finalize job = %+v", fin)
	}
	if b.TransferDepth() != 1 {
		t.Errorf("transfer depth = %d after finalize dequeue, want 1", b.TransferDepth())
	}
}
