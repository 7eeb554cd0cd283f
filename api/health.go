package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/paynet/bulk-transfers/transfer"
)

var startTime = time.Now()

// storeReady is flipped by the host once the database connection and
// migrations have succeeded.
var storeReady int32

// SetStoreReady marks the storage backend as ready to serve traffic.
func SetStoreReady(ready bool) {
	if ready {
		atomic.StoreInt32(&storeReady, 1)
	} else {
		atomic.StoreInt32(&storeReady, 0)
	}
}

type healthStatus struct {
	Status             string    `json:"status"`
	Service            string    `json:"service"`
	Timestamp          time.Time `json:"timestamp"`
	Uptime             string    `json:"uptime"`
	BulksAccepted      int64     `json:"bulks_accepted"`
	BulksDenied        int64     `json:"bulks_denied"`
	TransfersProcessed int64     `json:"transfers_processed"`
}

type readinessStatus struct {
	Ready      bool      `json:"ready"`
	Service    string    `json:"service"`
	Timestamp  time.Time `json:"timestamp"`
	StoreReady bool      `json:"store_ready"`
}

// handleHealth is the liveness probe: the process is up and serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthStatus{
		Status:             "healthy",
		Service:            "bulk-transfers",
		Timestamp:          time.Now(),
		Uptime:             time.Since(startTime).String(),
		BulksAccepted:      atomic.LoadInt64(&s.bulksAccepted),
		BulksDenied:        atomic.LoadInt64(&s.bulksDenied),
		TransfersProcessed: transfer.ProcessedTransfers(),
	})
}

// handleReady is the readiness probe: traffic is accepted only once the
// storage backend is up.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := atomic.LoadInt32(&storeReady) == 1

	status := readinessStatus{
		Ready:      ready,
		Service:    "bulk-transfers",
		Timestamp:  time.Now(),
		StoreReady: ready,
	}
	if ready {
		writeJSON(w, http.StatusOK, status)
	} else {
		writeJSON(w, http.StatusServiceUnavailable, status)
	}
}
