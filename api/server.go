// Package api exposes the HTTP surface: bulk submission, bulk status, the
// internal job endpoints of the reference build, the events WebSocket and the
// health checks.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/paynet/bulk-transfers/broker"
	"github.com/paynet/bulk-transfers/store"
	"github.com/paynet/bulk-transfers/transfer"
)

// Server routes HTTP requests to the transfer service. The internal job
// endpoints are optional: they are wired only in the reference build, where a
// GET both dequeues and processes one job.
type Server struct {
	service   *transfer.Service
	worker    *transfer.Worker
	finalizer *transfer.Finalizer
	broker    broker.Broker
	events    http.Handler

	bulksAccepted int64
	bulksDenied   int64
}

// NewServer builds the HTTP server. worker, finalizer and br may be nil when
// jobs are processed by background pools instead of the internal endpoints;
// events may be nil when the WebSocket stream is disabled.
func NewServer(service *transfer.Service, worker *transfer.Worker, finalizer *transfer.Finalizer, br broker.Broker, events http.Handler) *Server {
	return &Server{
		service:   service,
		worker:    worker,
		finalizer: finalizer,
		broker:    br,
		events:    events,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /transfers/bulk", s.handleSubmitBulk)
	mux.HandleFunc("GET /transfers/bulk/{uuid}", s.handleBulkStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	if s.broker != nil {
		mux.HandleFunc("POST /internal/jobs/transfer", s.handleEnqueueTransfer)
		mux.HandleFunc("GET /internal/jobs/transfer", s.handleConsumeTransfer)
		mux.HandleFunc("POST /internal/jobs/bulk", s.handleEnqueueFinalize)
		mux.HandleFunc("GET /internal/jobs/bulk", s.handleConsumeFinalize)
	}
	if s.events != nil {
		mux.Handle("/ws", s.events)
	}
	return mux
}

type errorBody struct {
	BulkID  string       `json:"bulk_id"`
	Message string       `json:"message"`
	Error   errorDetails `json:"error"`
}

type errorDetails struct {
	Reason  string `json:"reason"`
	Details string `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeDenial(w http.ResponseWriter, bulkID string, derr *transfer.Error) {
	atomic.AddInt64(&s.bulksDenied, 1)
	log.Printf("bulk_id=%s denied status=%d reason=%s: %s", bulkID, derr.Status, derr.Reason, derr.Details)
	writeJSON(w, derr.Status, errorBody{
		BulkID:  bulkID,
		Message: "Bulk transfer denied",
		Error:   errorDetails{Reason: derr.Reason, Details: derr.Details},
	})
}

func (s *Server) handleSubmitBulk(w http.ResponseWriter, r *http.Request) {
	req, derr := decodeBulkRequest(r)
	if derr != nil {
		s.writeDenial(w, req.RequestID, derr)
		return
	}

	bulk, err := s.service.SubmitBulk(r.Context(), req)
	if err != nil {
		var denial *transfer.Error
		if errors.As(err, &denial) {
			s.writeDenial(w, req.RequestID, denial)
			return
		}
		log.Printf("bulk_id=%s intake failed: %v", req.RequestID, err)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			BulkID:  req.RequestID,
			Message: "Bulk transfer denied",
			Error:   errorDetails{Reason: "internal-error", Details: "internal error, submission may be retried"},
		})
		return
	}

	atomic.AddInt64(&s.bulksAccepted, 1)
	writeJSON(w, http.StatusCreated, map[string]string{
		"bulk_id": bulk.RequestUUID.String(),
		"message": "Bulk transfer accepted",
	})
}

// decodeBulkRequest decodes the payload strictly: unknown keys, missing
// fields and wrongly typed fields are all schema violations.
func decodeBulkRequest(r *http.Request) (transfer.BulkTransferRequest, *transfer.Error) {
	var req transfer.BulkTransferRequest

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, &transfer.Error{
			Status:  http.StatusUnprocessableEntity,
			Reason:  transfer.ReasonInvalidPayload,
			Details: fmt.Sprintf("malformed request body: %v", err),
		}
	}

	if derr := validateShape(req); derr != nil {
		return req, derr
	}
	return req, nil
}

func validateShape(req transfer.BulkTransferRequest) *transfer.Error {
	shape := func(details string) *transfer.Error {
		return &transfer.Error{
			Status:  http.StatusUnprocessableEntity,
			Reason:  transfer.ReasonInvalidPayload,
			Details: details,
		}
	}

	if strings.TrimSpace(req.RequestID) == "" {
		return shape("request_id is required")
	}
	if strings.TrimSpace(req.OrganizationBIC) == "" {
		return shape("organization_bic is required")
	}
	if strings.TrimSpace(req.OrganizationIBAN) == "" {
		return shape("organization_iban is required")
	}
	for i, ct := range req.CreditTransfers {
		switch {
		case ct.Amount == "":
			return shape(fmt.Sprintf("credit_transfers[%d].amount is required", i))
		case len(ct.Currency) != 3:
			return shape(fmt.Sprintf("credit_transfers[%d].currency must be a 3-letter code", i))
		case strings.TrimSpace(ct.CounterpartyName) == "":
			return shape(fmt.Sprintf("credit_transfers[%d].counterparty_name is required", i))
		case strings.TrimSpace(ct.CounterpartyBIC) == "":
			return shape(fmt.Sprintf("credit_transfers[%d].counterparty_bic is required", i))
		case strings.TrimSpace(ct.CounterpartyIBAN) == "":
			return shape(fmt.Sprintf("credit_transfers[%d].counterparty_iban is required", i))
		case utf8.RuneCountInString(ct.Description) < 10:
			return shape(fmt.Sprintf("credit_transfers[%d].description must be at least 10 characters", i))
		}
	}
	return nil
}

func (s *Server) handleBulkStatus(w http.ResponseWriter, r *http.Request) {
	requestUUID, err := uuid.Parse(r.PathValue("uuid"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "bulk request not found"})
		return
	}

	status, err := s.service.LookupBulk(r.Context(), requestUUID)
	if errors.Is(err, store.ErrBulkNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "bulk request not found"})
		return
	}
	if err != nil {
		log.Printf("bulk_id=%s status lookup failed: %v", requestUUID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "internal error"})
		return
	}

	body := map[string]any{
		"bulk_id":                status.BulkID.String(),
		"status":                 string(status.Status),
		"total_amount_cents":     status.TotalCents,
		"processed_amount_cents": status.ProcessedCents,
		"transfers":              status.Transfers,
		"created_at":             status.CreatedAt,
	}
	if status.CompletedAt != nil {
		body["completed_at"] = status.CompletedAt
	}
	writeJSON(w, http.StatusOK, body)
}
