package payment

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryStatusStoreRoundTrip(t *testing.T) {
	store := NewMemoryStatusStore()
	ctx := context.Background()

	want := Status{
		OrderID:     "o-1",
		PaymentID:   "pay-1",
		Status:      StatusCharged,
		AmountCents: 1250,
		UpdatedAt:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := store.Set(ctx, want); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := store.Get(ctx, "o-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	if _, err := store.Get(ctx, "o-missing"); !errors.Is(err, ErrStatusNotFound) {
		t.Fatalf("expected ErrStatusNotFound, got %v", err)
	}
}

// fakeRedisClient records hash writes and serves reads from a map, standing
// in for a real Redis connection.
type fakeRedisClient struct {
	hashes  map[string]map[string]string
	expires map[string]time.Duration
}

func newFakeRedisClient() *fakeRedisClient {
	return &fakeRedisClient{
		hashes:  make(map[string]map[string]string),
		expires: make(map[string]time.Duration),
	}
}

func (f *fakeRedisClient) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	hash, ok := f.hashes[key]
	if !ok {
		hash = make(map[string]string)
		f.hashes[key] = hash
	}
	for _, v := range values {
		fields, ok := v.(map[string]any)
		if !ok {
			cmd.SetErr(errors.New("unexpected HSet argument"))
			return cmd
		}
		for name, value := range fields {
			switch typed := value.(type) {
			case string:
				hash[name] = typed
			case int64:
				hash[name] = strconv.FormatInt(typed, 10)
			default:
				cmd.SetErr(errors.New("unexpected field type"))
				return cmd
			}
		}
	}
	cmd.SetVal(int64(len(f.hashes[key])))
	return cmd
}

func (f *fakeRedisClient) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	f.expires[key] = expiration
	cmd.SetVal(true)
	return cmd
}

func (f *fakeRedisClient) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	cmd := redis.NewMapStringStringCmd(ctx)
	hash := f.hashes[key]
	out := make(map[string]string, len(hash))
	for k, v := range hash {
		out[k] = v
	}
	cmd.SetVal(out)
	return cmd
}

func TestRedisStatusStoreRoundTrip(t *testing.T) {
	client := newFakeRedisClient()
	store := NewRedisStatusStore(client, time.Hour)
	ctx := context.Background()

	want := Status{
		OrderID:     "o-1",
		PaymentID:   "pay-1",
		Status:      StatusCharged,
		AmountCents: 1250,
		UpdatedAt:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := store.Set(ctx, want); err != nil {
		t.Fatalf("set: %v", err)
	}

	if ttl := client.expires["payment:o-1"]; ttl != time.Hour {
		t.Fatalf("expected 1h ttl, got %v", ttl)
	}

	got, err := store.Get(ctx, "o-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PaymentID != "pay-1" || got.Status != StatusCharged || got.AmountCents != 1250 {
		t.Fatalf("unexpected status %+v", got)
	}
	if !got.UpdatedAt.Equal(want.UpdatedAt) {
		t.Fatalf("expected %v, got %v", want.UpdatedAt, got.UpdatedAt)
	}
}

func TestRedisStatusStoreMissingKey(t *testing.T) {
	store := NewRedisStatusStore(newFakeRedisClient(), 0)

	if _, err := store.Get(context.Background(), "o-missing"); !errors.Is(err, ErrStatusNotFound) {
		t.Fatalf("expected ErrStatusNotFound, got %v", err)
	}
}

func TestRedisStatusStoreSkipsExpireWithoutTTL(t *testing.T) {
	client := newFakeRedisClient()
	store := NewRedisStatusStore(client, 0)

	if err := store.Set(context.Background(), Status{OrderID: "o-1", Status: StatusFailed}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if len(client.expires) != 0 {
		t.Fatalf("expected no expirations, got %v", client.expires)
	}
}
