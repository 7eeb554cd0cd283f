package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/paynet/bulk-transfers/broker"
)

func testJob() broker.TransferJob {
	return broker.TransferJob{
		TransferUUID:     uuid.New(),
		BulkRequestUUID:  uuid.New(),
		CounterpartyName: "Bip Bip",
		CounterpartyIBAN: "EE383680981021245685",
		CounterpartyBIC:  "CRLYFRPPTOU",
		AmountCents:      1450,
		AmountCurrency:   "EUR",
		BankAccountID:    1,
		Description:      "Wonderland/4410",
	}
}

func TestStubGatewayScriptedFailures(t *testing.T) {
	g := NewStubGateway()
	ctx := context.Background()

	ok := testJob()
	if err := g.Send(ctx, ok); err != nil {
		t.Fatalf("unscripted send failed: %v", err)
	}

	bad := testJob()
	g.FailTransfer(bad.TransferUUID.String())
	if err := g.Send(ctx, bad); err == nil {
		t.Fatal("scripted transfer UUID should fail")
	}

	byName := testJob()
	byName.CounterpartyName = "Blocked Org"
	g.FailCounterparty("Blocked Org")
	if err := g.Send(ctx, byName); err == nil {
		t.Fatal("scripted counterparty should fail")
	}

	if got := len(g.Sent()); got != 3 {
		t.Errorf("sent count = %d, want 3", got)
	}
}

func TestHTTPGatewaySend(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL)
	if err := g.Send(context.Background(), testJob()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestHTTPGatewayRetriesThenFails(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL)
	g.retry.InitialDelay = time.Millisecond
	g.retry.MaxDelay = time.Millisecond

	if err := g.Send(context.Background(), testJob()); err == nil {
		t.Fatal("Send should fail on persistent 502")
	}
	if calls != g.retry.MaxAttempts {
		t.Errorf("calls = %d, want %d", calls, g.retry.MaxAttempts)
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 10*time.Millisecond, 1)
	fail := errors.New("down")

	cfg := RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, CircuitBreaker: cb}

	for i := 0; i < 3; i++ {
		if err := RetryWithBackoff(context.Background(), cfg, func() error { return fail }); err == nil {
			t.Fatal("expected failure")
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s after threshold, want open", cb.State())
	}

	// While open, calls fail fast.
	err := RetryWithBackoff(context.Background(), cfg, func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("error = %v, want ErrCircuitOpen", err)
	}

	// After the reset timeout a success closes the circuit again.
	time.Sleep(15 * time.Millisecond)
	if err := RetryWithBackoff(context.Background(), cfg, func() error { return nil }); err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %s after recovery, want closed", cb.State())
	}
}
