// Package gateway talks to the external settlement system that actually moves
// the money. The engine treats it as a black box: a transfer either goes
// through or it does not, and a failed send fails the whole bulk.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/paynet/bulk-transfers/broker"
)

// RemoteTransferGateway sends one credit transfer to the external system. A
// nil error means the counterparty has been credited. Implementations must be
// idempotent on transfer UUID.
type RemoteTransferGateway interface {
	Send(ctx context.Context, job broker.TransferJob) error
}

// HTTPGateway posts transfer orders as JSON to a partner endpoint.
type HTTPGateway struct {
	endpoint string
	client   *http.Client
	retry    RetryConfig
}

// NewHTTPGateway builds a gateway against the given endpoint with retry and
// circuit breaker protection.
func NewHTTPGateway(endpoint string) *HTTPGateway {
	return &HTTPGateway{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		retry:    DefaultRetryConfig("remote-gateway"),
	}
}

// Send posts the transfer order, retrying transient failures. Any response
// outside 2xx is a failure.
func (g *HTTPGateway) Send(ctx context.Context, job broker.TransferJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal transfer order: %w", err)
	}

	return RetryWithBackoff(ctx, g.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := g.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to reach remote gateway: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("remote gateway rejected transfer %s: status %d", job.TransferUUID, resp.StatusCode)
		}
		return nil
	})
}

// StubGateway is a scriptable in-process gateway for the reference build and
// the tests. By default every send succeeds; individual transfers can be
// scripted to fail by transfer UUID or by counterparty name.
type StubGateway struct {
	mu              sync.Mutex
	failUUIDs       map[string]struct{}
	failCounterpart map[string]struct{}
	sent            []broker.TransferJob
}

// NewStubGateway creates a gateway that accepts every transfer.
func NewStubGateway() *StubGateway {
	return &StubGateway{
		failUUIDs:       make(map[string]struct{}),
		failCounterpart: make(map[string]struct{}),
	}
}

// FailTransfer scripts a failure for the given transfer UUID.
func (g *StubGateway) FailTransfer(transferUUID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failUUIDs[transferUUID] = struct{}{}
}

// FailCounterparty scripts a failure for every transfer naming the
// counterparty. Intake generates transfer UUIDs internally, so tests script
// failures by a field the client controls.
func (g *StubGateway) FailCounterparty(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failCounterpart[name] = struct{}{}
}

// Send records the job and fails if it was scripted to.
func (g *StubGateway) Send(_ context.Context, job broker.TransferJob) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sent = append(g.sent, job)
	if _, ok := g.failUUIDs[job.TransferUUID.String()]; ok {
		return fmt.Errorf("scripted failure for transfer %s", job.TransferUUID)
	}
	if _, ok := g.failCounterpart[job.CounterpartyName]; ok {
		return fmt.Errorf("scripted failure for counterparty %s", job.CounterpartyName)
	}
	return nil
}

// Sent returns a copy of every job the gateway has seen, in order.
func (g *StubGateway) Sent() []broker.TransferJob {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]broker.TransferJob, len(g.sent))
	copy(out, g.sent)
	return out
}
