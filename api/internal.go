package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/paynet/bulk-transfers/broker"
)

// Internal job endpoints of the reference build. They stand in for a real
// message broker: POST enqueues a job, GET dequeues one job AND processes it,
// returning 404 when the queue is empty.

func (s *Server) handleEnqueueTransfer(w http.ResponseWriter, r *http.Request) {
	var job broker.TransferJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "malformed transfer job"})
		return
	}
	if err := s.broker.EnqueueTransfer(r.Context(), job); err != nil {
		log.Printf("failed to enqueue transfer job %s: %v", job.TransferUUID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "enqueue failed"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":            "enqueued",
		"transfer_uuid":     job.TransferUUID.String(),
		"bulk_request_uuid": job.BulkRequestUUID.String(),
		"type":              "process-transfer",
	})
}

func (s *Server) handleConsumeTransfer(w http.ResponseWriter, r *http.Request) {
	job, ack, ok, err := s.broker.DequeueTransfer(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "dequeue failed"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "No transfer job in queue"})
		return
	}

	if err := s.worker.Process(r.Context(), job); err != nil {
		log.Printf("bulk_id=%s processing of transfer job %s failed: %v", job.BulkRequestUUID, job.TransferUUID, err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"status":            "failed",
			"transfer_uuid":     job.TransferUUID.String(),
			"bulk_request_uuid": job.BulkRequestUUID.String(),
			"type":              "process-transfer",
		})
		return
	}
	if err := ack(r.Context()); err != nil {
		log.Printf("bulk_id=%s ack of transfer job %s failed: %v", job.BulkRequestUUID, job.TransferUUID, err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "processed",
		"transfer_uuid":     job.TransferUUID.String(),
		"bulk_request_uuid": job.BulkRequestUUID.String(),
		"amount_cents":      job.AmountCents,
		"type":              "process-transfer",
	})
}

func (s *Server) handleEnqueueFinalize(w http.ResponseWriter, r *http.Request) {
	var job broker.FinalizeBulkJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "malformed bulk job"})
		return
	}
	if err := s.broker.EnqueueFinalize(r.Context(), job); err != nil {
		log.Printf("failed to enqueue bulk job %s: %v", job.BulkRequestUUID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "enqueue failed"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":            "enqueued",
		"bulk_request_uuid": job.BulkRequestUUID.String(),
		"type":              "finalize-bulk",
	})
}

func (s *Server) handleConsumeFinalize(w http.ResponseWriter, r *http.Request) {
	job, ack, ok, err := s.broker.DequeueFinalize(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "dequeue failed"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "No bulk job in queue"})
		return
	}

	if err := s.finalizer.Process(r.Context(), job); err != nil {
		log.Printf("bulk_id=%s processing of bulk job failed: %v", job.BulkRequestUUID, err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"status":            "failed",
			"bulk_request_uuid": job.BulkRequestUUID.String(),
			"type":              "finalize-bulk",
		})
		return
	}
	if err := ack(r.Context()); err != nil {
		log.Printf("bulk_id=%s ack of bulk job failed: %v", job.BulkRequestUUID, err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "processed",
		"bulk_request_uuid": job.BulkRequestUUID.String(),
		"type":              "finalize-bulk",
	})
}
