package payment

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Payment status values exposed to the front door's query path.
const (
	StatusCharged = "charged"
	StatusFailed  = "failed"
)

// ErrStatusNotFound signals no payment status recorded for the order.
var ErrStatusNotFound = errors.New("payment status not found")

// Status is the latest payment outcome for an order.
type Status struct {
	OrderID     string    `json:"order_id"`
	PaymentID   string    `json:"payment_id,omitempty"`
	Status      string    `json:"status"`
	AmountCents int64     `json:"amount_cents"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StatusStore records the latest payment status per order.
type StatusStore interface {
	Set(ctx context.Context, status Status) error
	Get(ctx context.Context, orderID string) (Status, error)
}

// MemoryStatusStore keeps statuses in a process-local map.
type MemoryStatusStore struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMemoryStatusStore constructs an empty in-memory status store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{statuses: make(map[string]Status)}
}

func (s *MemoryStatusStore) Set(ctx context.Context, status Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.statuses[status.OrderID] = status
	s.mu.Unlock()
	return nil
}

func (s *MemoryStatusStore) Get(ctx context.Context, orderID string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[orderID]
	if !ok {
		return Status{}, ErrStatusNotFound
	}
	return status, nil
}

// RedisStatusClient is the minimal client surface used by RedisStatusStore.
type RedisStatusClient interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// RedisStatusStore keeps the latest payment status per order in a Redis
// hash with an optional TTL.
type RedisStatusStore struct {
	client    RedisStatusClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStatusStore constructs a Redis-backed status store.
func NewRedisStatusStore(client RedisStatusClient, ttl time.Duration) *RedisStatusStore {
	return &RedisStatusStore{
		client:    client,
		keyPrefix: "payment:",
		ttl:       ttl,
	}
}

func (s *RedisStatusStore) Set(ctx context.Context, status Status) error {
	key := s.keyPrefix + status.OrderID
	if err := s.client.HSet(ctx, key, map[string]any{
		"order_id":     status.OrderID,
		"payment_id":   status.PaymentID,
		"status":       status.Status,
		"amount_cents": status.AmountCents,
		"updated_at":   status.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}).Err(); err != nil {
		return err
	}
	if s.ttl > 0 {
		return s.client.Expire(ctx, key, s.ttl).Err()
	}
	return nil
}

func (s *RedisStatusStore) Get(ctx context.Context, orderID string) (Status, error) {
	fields, err := s.client.HGetAll(ctx, s.keyPrefix+orderID).Result()
	if err != nil {
		return Status{}, err
	}
	if len(fields) == 0 {
		return Status{}, ErrStatusNotFound
	}

	status := Status{
		OrderID:   fields["order_id"],
		PaymentID: fields["payment_id"],
		Status:    fields["status"],
	}
	if raw := fields["amount_cents"]; raw != "" {
		if cents, err := strconv.ParseInt(raw, 10, 64); err == nil {
			status.AmountCents = cents
		}
	}
	if raw := fields["updated_at"]; raw != "" {
		if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			status.UpdatedAt = at
		}
	}
	return status, nil
}
