package frontdoor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"orderflow/internal/payment"
	"orderflow/internal/resilience"
)

// StatusClient answers the front door's payment-status query.
type StatusClient interface {
	Status(ctx context.Context, orderID string) (payment.Status, error)
}

// StoreStatusClient reads payment status straight from the status store,
// for single-binary wiring where the payment worker runs in-process.
type StoreStatusClient struct {
	store payment.StatusStore
}

// NewStoreStatusClient constructs a store-backed status client.
func NewStoreStatusClient(store payment.StatusStore) *StoreStatusClient {
	return &StoreStatusClient{store: store}
}

func (c *StoreStatusClient) Status(ctx context.Context, orderID string) (payment.Status, error) {
	return c.store.Get(ctx, orderID)
}

// HTTPStatusClient queries a remote payment status endpoint.
type HTTPStatusClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStatusClient constructs a client for the payment service at baseURL.
func NewHTTPStatusClient(baseURL string, client *http.Client) *HTTPStatusClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPStatusClient{baseURL: baseURL, client: client}
}

func (c *HTTPStatusClient) Status(ctx context.Context, orderID string) (payment.Status, error) {
	url := c.baseURL + "/api/orders/" + orderID + "/payment"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return payment.Status{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return payment.Status{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return payment.Status{}, payment.ErrStatusNotFound
	case resp.StatusCode != http.StatusOK:
		return payment.Status{}, fmt.Errorf("payment status query returned %d", resp.StatusCode)
	}

	var status payment.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return payment.Status{}, fmt.Errorf("decode payment status: %w", err)
	}
	return status, nil
}

// ResilientStatusClient wraps a StatusClient with a rate limiter, a circuit
// breaker and a retry policy. A missing status is a valid answer: it neither
// counts toward the breaker nor gets retried.
type ResilientStatusClient struct {
	base    StatusClient
	limiter *resilience.RateLimiter
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryPolicy
}

// NewResilientStatusClient constructs a limiter-and-breaker-wrapped status
// client. limiter and breaker may be nil to disable those layers.
func NewResilientStatusClient(base StatusClient, limiter *resilience.RateLimiter, breaker *resilience.CircuitBreaker, retry resilience.RetryPolicy) *ResilientStatusClient {
	if retry.ShouldRetry == nil {
		retry.ShouldRetry = func(err error) bool {
			return !errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded) &&
				!errors.Is(err, resilience.ErrCircuitOpen) &&
				!errors.Is(err, payment.ErrStatusNotFound)
		}
	}
	return &ResilientStatusClient{base: base, limiter: limiter, breaker: breaker, retry: retry}
}

func (c *ResilientStatusClient) Status(ctx context.Context, orderID string) (payment.Status, error) {
	var status payment.Status
	attempt := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		var notFound bool
		call := func() error {
			s, err := c.base.Status(ctx, orderID)
			if errors.Is(err, payment.ErrStatusNotFound) {
				notFound = true
				return nil
			}
			if err != nil {
				return err
			}
			status = s
			return nil
		}

		var err error
		if c.breaker != nil {
			err = c.breaker.Execute(call)
		} else {
			err = call()
		}
		if err != nil {
			return err
		}
		if notFound {
			return payment.ErrStatusNotFound
		}
		return nil
	}

	err := c.retry.Do(ctx, attempt)
	return status, err
}
