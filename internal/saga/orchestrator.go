package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"orderflow/internal/broker"
	"orderflow/internal/contracts"
)

// Rejection is the observable signal for a message the orchestrator dropped:
// unknown instance, terminal instance, or a transition the current state
// does not define. Rejections are reported, never fatal.
type Rejection struct {
	OrderID     string
	MessageType string
	Reason      string
}

// Config wires an Orchestrator. Store and Commands are required; the rest
// default to production values.
type Config struct {
	Store    Store
	Commands broker.Publisher
	Logger   *slog.Logger
	Now      func() time.Time
	// NewRestaurantID generates the restaurant id sent with ConfirmKitchen.
	NewRestaurantID func() string
	// OnReject observes dropped messages (monitoring, dead-lettering).
	OnReject func(Rejection)
	// OnTransition observes every applied state transition.
	OnTransition func(orderID string, to State)
}

// Orchestrator owns the per-order state machine. All saga mutation flows
// through Handle; messages for the same order id are serialized on a
// per-key lock, so transitions apply in causal order per instance while
// unrelated orders proceed concurrently.
type Orchestrator struct {
	store        Store
	commands     broker.Publisher
	logger       *slog.Logger
	now          func() time.Time
	restaurantID func() string
	onReject     func(Rejection)
	onTransition func(string, State)

	keys keyedLocks
}

// New constructs an Orchestrator.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:        cfg.Store,
		commands:     cfg.Commands,
		logger:       cfg.Logger,
		now:          cfg.Now,
		restaurantID: cfg.NewRestaurantID,
		onReject:     cfg.OnReject,
		onTransition: cfg.OnTransition,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.restaurantID == nil {
		o.restaurantID = uuid.NewString
	}
	o.keys.locks = make(map[string]*keyLock)
	return o
}

// Handle applies one correlated message to the order's state machine.
// Duplicate deliveries are no-ops: creation is guarded by the store's
// create-version check and every other transition by its precondition
// state. The outbound command is published before the instance is saved;
// if the process dies between the two, redelivery re-runs the transition
// and the deterministic command id dedupes downstream.
func (o *Orchestrator) Handle(ctx context.Context, env contracts.Envelope) error {
	if env.CorrelationID == "" {
		o.reject(Rejection{MessageType: env.Type, Reason: "missing correlation id"})
		return nil
	}

	unlock := o.keys.lock(env.CorrelationID)
	defer unlock()

	switch env.Type {
	case contracts.TypeOrderPlaced:
		return o.onOrderPlaced(ctx, env)
	case contracts.TypePaymentProcessed:
		return o.onPaymentProcessed(ctx, env)
	case contracts.TypeKitchenConfirmed:
		return o.onKitchenConfirmed(ctx, env)
	case contracts.TypeOrderRejected:
		return o.onOrderRejected(ctx, env)
	default:
		o.reject(Rejection{OrderID: env.CorrelationID, MessageType: env.Type, Reason: "unrecognized message type"})
		return nil
	}
}

func (o *Orchestrator) onOrderPlaced(ctx context.Context, env contracts.Envelope) error {
	var evt contracts.OrderPlaced
	if err := contracts.Decode(env, contracts.TypeOrderPlaced, &evt); err != nil {
		o.reject(Rejection{OrderID: env.CorrelationID, MessageType: env.Type, Reason: err.Error()})
		return nil
	}

	if _, err := o.store.Load(ctx, evt.OrderID); err == nil {
		o.reject(Rejection{OrderID: evt.OrderID, MessageType: env.Type, Reason: "instance already exists"})
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("load saga %s: %w", evt.OrderID, err)
	}

	charge, err := contracts.NewChargePayment(contracts.ChargePayment{
		OrderID:     evt.OrderID,
		CustomerID:  evt.CustomerID,
		AmountCents: evt.TotalAmountCents,
	}, o.now())
	if err != nil {
		return err
	}
	if err := o.commands.SendCommand(ctx, broker.PaymentQueue, charge); err != nil {
		return fmt.Errorf("send charge command for %s: %w", evt.OrderID, err)
	}

	inst := Instance{
		OrderID:     evt.OrderID,
		State:       StateWaitingForPayment,
		CustomerID:  evt.CustomerID,
		AmountCents: evt.TotalAmountCents,
		CreatedAt:   evt.PlacedAt,
	}
	if err := o.save(ctx, inst, 0); err != nil {
		return err
	}

	o.logger.Info("saga started", "order_id", evt.OrderID, "amount_cents", evt.TotalAmountCents)
	return nil
}

func (o *Orchestrator) onPaymentProcessed(ctx context.Context, env contracts.Envelope) error {
	var evt contracts.PaymentProcessed
	if err := contracts.Decode(env, contracts.TypePaymentProcessed, &evt); err != nil {
		o.reject(Rejection{OrderID: env.CorrelationID, MessageType: env.Type, Reason: err.Error()})
		return nil
	}

	inst, ok, err := o.loadFor(ctx, evt.OrderID, env.Type, StateWaitingForPayment)
	if err != nil || !ok {
		return err
	}

	confirm, err := contracts.NewConfirmKitchen(contracts.ConfirmKitchen{
		OrderID:      evt.OrderID,
		RestaurantID: o.restaurantID(),
	}, o.now())
	if err != nil {
		return err
	}
	if err := o.commands.SendCommand(ctx, broker.KitchenQueue, confirm); err != nil {
		return fmt.Errorf("send confirm command for %s: %w", evt.OrderID, err)
	}

	processedAt := evt.ProcessedAt
	inst.PaymentProcessedAt = &processedAt
	inst.State = StateWaitingForKitchenConfirmation
	if err := o.save(ctx, inst, inst.Version); err != nil {
		return err
	}

	o.logger.Info("payment recorded", "order_id", evt.OrderID, "payment_id", evt.PaymentID)
	return nil
}

func (o *Orchestrator) onKitchenConfirmed(ctx context.Context, env contracts.Envelope) error {
	var evt contracts.KitchenConfirmed
	if err := contracts.Decode(env, contracts.TypeKitchenConfirmed, &evt); err != nil {
		o.reject(Rejection{OrderID: env.CorrelationID, MessageType: env.Type, Reason: err.Error()})
		return nil
	}

	inst, ok, err := o.loadFor(ctx, evt.OrderID, env.Type, StateWaitingForKitchenConfirmation)
	if err != nil || !ok {
		return err
	}

	confirmedAt := evt.ConfirmedAt
	inst.KitchenConfirmedAt = &confirmedAt
	inst.RestaurantID = evt.KitchenID
	inst.State = StateCompleted
	if err := o.save(ctx, inst, inst.Version); err != nil {
		return err
	}

	o.logger.Info("saga completed",
		"order_id", evt.OrderID,
		"restaurant_id", evt.KitchenID,
		"estimated_prep", evt.EstimatedPrepTime)
	return nil
}

func (o *Orchestrator) onOrderRejected(ctx context.Context, env contracts.Envelope) error {
	var evt contracts.OrderRejected
	if err := contracts.Decode(env, contracts.TypeOrderRejected, &evt); err != nil {
		o.reject(Rejection{OrderID: env.CorrelationID, MessageType: env.Type, Reason: err.Error()})
		return nil
	}

	inst, err := o.store.Load(ctx, evt.OrderID)
	if errors.Is(err, ErrNotFound) {
		o.reject(Rejection{OrderID: evt.OrderID, MessageType: env.Type, Reason: "unknown instance"})
		return nil
	}
	if err != nil {
		return fmt.Errorf("load saga %s: %w", evt.OrderID, err)
	}
	if inst.State.Terminal() {
		o.reject(Rejection{OrderID: evt.OrderID, MessageType: env.Type, Reason: "instance is terminal"})
		return nil
	}

	inst.State = StateFailed
	inst.FailureReason = evt.Reason
	if err := o.save(ctx, inst, inst.Version); err != nil {
		return err
	}

	o.logger.Warn("saga failed", "order_id", evt.OrderID, "reason", evt.Reason)
	return nil
}

// loadFor loads the instance and checks the transition's precondition state.
// A miss or wrong state yields a rejection and ok=false; store failures are
// returned for redelivery.
func (o *Orchestrator) loadFor(ctx context.Context, orderID, msgType string, want State) (Instance, bool, error) {
	inst, err := o.store.Load(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		o.reject(Rejection{OrderID: orderID, MessageType: msgType, Reason: "unknown instance"})
		return Instance{}, false, nil
	}
	if err != nil {
		return Instance{}, false, fmt.Errorf("load saga %s: %w", orderID, err)
	}
	if inst.State != want {
		reason := "transition not defined for state " + string(inst.State)
		if inst.State.Terminal() {
			reason = "instance is terminal"
		}
		o.reject(Rejection{OrderID: orderID, MessageType: msgType, Reason: reason})
		return Instance{}, false, nil
	}
	return inst, true, nil
}

func (o *Orchestrator) save(ctx context.Context, inst Instance, expectedVersion int64) error {
	if err := o.store.Save(ctx, inst, expectedVersion); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			// another writer got there first: treat as duplicate delivery
			o.reject(Rejection{OrderID: inst.OrderID, Reason: "concurrent update, transition dropped"})
			return nil
		}
		return fmt.Errorf("save saga %s: %w", inst.OrderID, err)
	}
	if o.onTransition != nil {
		o.onTransition(inst.OrderID, inst.State)
	}
	return nil
}

func (o *Orchestrator) reject(r Rejection) {
	o.logger.Warn("message rejected",
		"order_id", r.OrderID,
		"message_type", r.MessageType,
		"reason", r.Reason)
	if o.onReject != nil {
		o.onReject(r)
	}
}

// keyLock is a refcounted per-order mutex so the lock table does not grow
// with every order ever seen.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
