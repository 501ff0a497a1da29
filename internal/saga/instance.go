package saga

import (
	"context"
	"errors"
	"time"
)

// State is the saga position of one order. There is no persisted initial
// state: an instance is created atomically with its first transition.
type State string

const (
	StateWaitingForPayment             State = "waiting_for_payment"
	StateWaitingForKitchenConfirmation State = "waiting_for_kitchen_confirmation"
	StateCompleted                     State = "completed"
	StateFailed                        State = "failed"
)

// Terminal reports whether the state accepts no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Instance is the per-order saga record. OrderID is the correlation id and
// the unique key. PaymentProcessedAt and KitchenConfirmedAt are write-once,
// set by the transition that fires them.
type Instance struct {
	OrderID            string
	State              State
	CustomerID         string
	AmountCents        int64
	RestaurantID       string
	FailureReason      string
	CreatedAt          time.Time
	PaymentProcessedAt *time.Time
	KitchenConfirmedAt *time.Time

	// Version increments on every save; stores reject stale writes.
	Version int64
}

var (
	// ErrNotFound signals no instance exists for the order id.
	ErrNotFound = errors.New("saga instance not found")
	// ErrVersionConflict signals a save raced another writer.
	ErrVersionConflict = errors.New("saga instance version conflict")
)

// Store persists saga instances keyed by order id. Save with expectedVersion
// zero creates the instance and fails with ErrVersionConflict if one already
// exists; otherwise it replaces the stored instance only if its current
// version equals expectedVersion. Retention is a store policy, not a saga
// concern: nothing here deletes instances.
type Store interface {
	Load(ctx context.Context, orderID string) (Instance, error)
	Save(ctx context.Context, inst Instance, expectedVersion int64) error
	// Pending returns all non-terminal instances, for the deadline sweep.
	Pending(ctx context.Context) ([]Instance, error)
}
