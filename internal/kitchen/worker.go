package kitchen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"orderflow/internal/broker"
	"orderflow/internal/contracts"
	"orderflow/internal/resilience"
)

// Prep time estimates are drawn uniformly from [MinPrepTime, MaxPrepTime).
const (
	MinPrepTime = 15 * time.Minute
	MaxPrepTime = 45 * time.Minute
)

// Confirmer performs the kitchen-side confirmation and returns the
// estimated preparation time.
type Confirmer interface {
	Confirm(ctx context.Context, orderID, restaurantID string) (time.Duration, error)
}

// SimulatedConfirmer stands in for a real kitchen system: a bounded delay
// then a uniformly drawn prep estimate.
type SimulatedConfirmer struct {
	Delay time.Duration
	Sleep func(context.Context, time.Duration) error
	Intn  func(int) int
	// Fail, when set, makes the confirmation fail with the returned error.
	Fail func(orderID string) error
}

// NewSimulatedConfirmer constructs a confirmer with the given delay.
func NewSimulatedConfirmer(delay time.Duration) *SimulatedConfirmer {
	return &SimulatedConfirmer{Delay: delay}
}

func (c *SimulatedConfirmer) Confirm(ctx context.Context, orderID, restaurantID string) (time.Duration, error) {
	sleep := c.Sleep
	if sleep == nil {
		sleep = resilience.SleepWithContext
	}
	if err := sleep(ctx, c.Delay); err != nil {
		return 0, err
	}
	if c.Fail != nil {
		if err := c.Fail(orderID); err != nil {
			return 0, err
		}
	}
	intn := c.Intn
	if intn == nil {
		intn = rand.Intn
	}
	spread := int(MaxPrepTime - MinPrepTime)
	return MinPrepTime + time.Duration(intn(spread)), nil
}

// Worker consumes ConfirmKitchen commands and publishes KitchenConfirmed,
// or OrderRejected when the confirmation fails.
type Worker struct {
	confirmer Confirmer
	events    broker.Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	seen map[string]struct{}
}

// WorkerConfig wires a kitchen Worker.
type WorkerConfig struct {
	Confirmer Confirmer
	Events    broker.Publisher
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewWorker constructs a kitchen Worker.
func NewWorker(cfg WorkerConfig) *Worker {
	w := &Worker{
		confirmer: cfg.Confirmer,
		events:    cfg.Events,
		logger:    cfg.Logger,
		now:       cfg.Now,
		seen:      make(map[string]struct{}),
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

// Handle processes one ConfirmKitchen command, deduping redeliveries by
// message id. The kitchen id echoed in the event is the restaurant id the
// orchestrator assigned in the command.
func (w *Worker) Handle(ctx context.Context, env contracts.Envelope) error {
	var cmd contracts.ConfirmKitchen
	if err := contracts.Decode(env, contracts.TypeConfirmKitchen, &cmd); err != nil {
		w.logger.Error("kitchen command dropped", "message_id", env.ID, "error", err)
		return nil
	}

	if w.duplicate(env.ID) {
		w.logger.Debug("duplicate confirm command", "message_id", env.ID, "order_id", cmd.OrderID)
		return nil
	}

	w.logger.Info("confirming order", "order_id", cmd.OrderID, "restaurant_id", cmd.RestaurantID)

	prep, err := w.confirmer.Confirm(ctx, cmd.OrderID, cmd.RestaurantID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return w.rejected(ctx, env.ID, cmd, err)
	}

	out, err := contracts.NewKitchenConfirmed(contracts.KitchenConfirmed{
		OrderID:           cmd.OrderID,
		KitchenID:         cmd.RestaurantID,
		ConfirmedAt:       w.now(),
		EstimatedPrepTime: prep,
	})
	if err != nil {
		return err
	}
	if err := w.events.PublishEvent(ctx, out); err != nil {
		return fmt.Errorf("publish kitchen confirmed for %s: %w", cmd.OrderID, err)
	}
	w.markSeen(env.ID)

	w.logger.Info("order confirmed", "order_id", cmd.OrderID, "estimated_prep", prep)
	return nil
}

func (w *Worker) rejected(ctx context.Context, msgID string, cmd contracts.ConfirmKitchen, cause error) error {
	out, err := contracts.NewOrderRejected(contracts.OrderRejected{
		OrderID:    cmd.OrderID,
		Reason:     "kitchen confirmation failed: " + cause.Error(),
		RejectedAt: w.now(),
	})
	if err != nil {
		return err
	}
	if err := w.events.PublishEvent(ctx, out); err != nil {
		return fmt.Errorf("publish order rejected for %s: %w", cmd.OrderID, err)
	}
	w.markSeen(msgID)

	w.logger.Warn("kitchen confirmation rejected", "order_id", cmd.OrderID, "error", cause)
	return nil
}

func (w *Worker) duplicate(msgID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.seen[msgID]
	return ok
}

func (w *Worker) markSeen(msgID string) {
	w.mu.Lock()
	w.seen[msgID] = struct{}{}
	w.mu.Unlock()
}
