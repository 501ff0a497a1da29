package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"orderflow/internal/broker"
	"orderflow/internal/contracts"
)

// Sweeper fails sagas stuck in a waiting state past a deadline. It does not
// mutate instances itself: it publishes OrderRejected and lets the broker
// deliver it to the orchestrator, keeping a single mutation path for saga
// state. Sweeping is optional; leave it unwired for indefinite waits.
type Sweeper struct {
	store    Store
	events   broker.Publisher
	deadline time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper constructs a sweeper that rejects instances waiting longer
// than deadline in their current state.
func NewSweeper(store Store, events broker.Publisher, deadline time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		events:   events,
		deadline: deadline,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps every interval until the context ends.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("saga sweep failed", "error", err)
			}
		}
	}
}

// Sweep publishes a rejection for every instance past its deadline.
func (s *Sweeper) Sweep(ctx context.Context) error {
	pending, err := s.store.Pending(ctx)
	if err != nil {
		return fmt.Errorf("list pending sagas: %w", err)
	}

	now := s.now()
	for _, inst := range pending {
		since := inst.CreatedAt
		if inst.State == StateWaitingForKitchenConfirmation && inst.PaymentProcessedAt != nil {
			since = *inst.PaymentProcessedAt
		}
		if now.Sub(since) <= s.deadline {
			continue
		}

		env, err := contracts.NewOrderRejected(contracts.OrderRejected{
			OrderID:    inst.OrderID,
			Reason:     "saga deadline exceeded in state " + string(inst.State),
			RejectedAt: now,
		})
		if err != nil {
			return err
		}
		if err := s.events.PublishEvent(ctx, env); err != nil {
			return fmt.Errorf("publish deadline rejection for %s: %w", inst.OrderID, err)
		}
		s.logger.Warn("saga deadline exceeded", "order_id", inst.OrderID, "state", inst.State)
	}
	return nil
}
