package frontdoor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"orderflow/internal/payment"
	"orderflow/internal/resilience"
)

func TestHTTPStatusClientDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/orders/o-1/payment" {
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payment.Status{
			OrderID:     "o-1",
			PaymentID:   "pay-1",
			Status:      payment.StatusCharged,
			AmountCents: 1250,
		})
	}))
	t.Cleanup(srv.Close)

	client := NewHTTPStatusClient(srv.URL, srv.Client())
	status, err := client.Status(context.Background(), "o-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.PaymentID != "pay-1" || status.AmountCents != 1250 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestHTTPStatusClientMapsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	client := NewHTTPStatusClient(srv.URL, srv.Client())
	if _, err := client.Status(context.Background(), "o-404"); !errors.Is(err, payment.ErrStatusNotFound) {
		t.Fatalf("expected ErrStatusNotFound, got %v", err)
	}
}

func TestHTTPStatusClientRejectsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client := NewHTTPStatusClient(srv.URL, srv.Client())
	if _, err := client.Status(context.Background(), "o-1"); err == nil {
		t.Fatalf("expected error for 500 response")
	}
}

type countingStatusClient struct {
	calls int
	fn    func(call int) (payment.Status, error)
}

func (c *countingStatusClient) Status(_ context.Context, _ string) (payment.Status, error) {
	c.calls++
	return c.fn(c.calls)
}

func TestResilientStatusClientRetriesTransientErrors(t *testing.T) {
	base := &countingStatusClient{fn: func(call int) (payment.Status, error) {
		if call < 3 {
			return payment.Status{}, errors.New("transient")
		}
		return payment.Status{OrderID: "o-1", Status: payment.StatusCharged}, nil
	}}
	client := NewResilientStatusClient(base, nil, nil, resilience.RetryPolicy{
		MaxAttempts: 3,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	})

	status, err := client.Status(context.Background(), "o-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != payment.StatusCharged {
		t.Fatalf("unexpected status %+v", status)
	}
	if base.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", base.calls)
	}
}

func TestResilientStatusClientDoesNotRetryNotFound(t *testing.T) {
	base := &countingStatusClient{fn: func(int) (payment.Status, error) {
		return payment.Status{}, payment.ErrStatusNotFound
	}}
	client := NewResilientStatusClient(base, nil, nil, resilience.RetryPolicy{
		MaxAttempts: 5,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	})

	if _, err := client.Status(context.Background(), "o-404"); !errors.Is(err, payment.ErrStatusNotFound) {
		t.Fatalf("expected ErrStatusNotFound, got %v", err)
	}
	if base.calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", base.calls)
	}
}

func TestResilientStatusClientNotFoundDoesNotTripBreaker(t *testing.T) {
	base := &countingStatusClient{fn: func(int) (payment.Status, error) {
		return payment.Status{}, payment.ErrStatusNotFound
	}}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{MaxFailures: 2})
	client := NewResilientStatusClient(base, nil, breaker, resilience.RetryPolicy{MaxAttempts: 1})

	for i := 0; i < 5; i++ {
		if _, err := client.Status(context.Background(), "o-404"); !errors.Is(err, payment.ErrStatusNotFound) {
			t.Fatalf("call %d: expected ErrStatusNotFound, got %v", i, err)
		}
	}
	if base.calls != 5 {
		t.Fatalf("expected breaker to stay closed, got %d calls", base.calls)
	}
}

func TestResilientStatusClientWaitsForRateLimitToken(t *testing.T) {
	base := &countingStatusClient{fn: func(int) (payment.Status, error) {
		return payment.Status{OrderID: "o-1", Status: payment.StatusCharged}, nil
	}}
	limiter := resilience.NewRateLimiter(time.Hour, 1)
	client := NewResilientStatusClient(base, limiter, nil, resilience.RetryPolicy{MaxAttempts: 1})

	if _, err := client.Status(context.Background(), "o-1"); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Status(ctx, "o-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while waiting for a token, got %v", err)
	}
	if base.calls != 1 {
		t.Fatalf("expected no call without a token, got %d", base.calls)
	}
}

func TestResilientStatusClientFailsFastWhenOpen(t *testing.T) {
	base := &countingStatusClient{fn: func(int) (payment.Status, error) {
		return payment.Status{}, errors.New("redis down")
	}}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		MaxFailures:  3,
		ResetTimeout: time.Hour,
	})
	client := NewResilientStatusClient(base, nil, breaker, resilience.RetryPolicy{MaxAttempts: 1})

	for i := 0; i < 3; i++ {
		if _, err := client.Status(context.Background(), "o-1"); err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
	}

	_, err := client.Status(context.Background(), "o-1")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if base.calls != 3 {
		t.Fatalf("expected no call while open, got %d", base.calls)
	}
}
