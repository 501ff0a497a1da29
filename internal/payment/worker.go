package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"orderflow/internal/broker"
	"orderflow/internal/contracts"
)

// Worker consumes ChargePayment commands, charges through the gateway, and
// publishes PaymentProcessed, or OrderRejected when the charge fails, so a
// failed payment terminates the saga instead of stranding it.
type Worker struct {
	gateway Gateway
	events  broker.Publisher
	status  StatusStore
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	seen map[string]struct{}
}

// WorkerConfig wires a payment Worker. Gateway and Events are required;
// Status is optional.
type WorkerConfig struct {
	Gateway Gateway
	Events  broker.Publisher
	Status  StatusStore
	Logger  *slog.Logger
	Now     func() time.Time
}

// NewWorker constructs a payment Worker.
func NewWorker(cfg WorkerConfig) *Worker {
	w := &Worker{
		gateway: cfg.Gateway,
		events:  cfg.Events,
		status:  cfg.Status,
		logger:  cfg.Logger,
		now:     cfg.Now,
		seen:    make(map[string]struct{}),
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

// Handle processes one ChargePayment command. Redelivered commands are
// dropped by message id, and the id is recorded only after the outcome
// event is published, so a crash in between replays the whole step.
func (w *Worker) Handle(ctx context.Context, env contracts.Envelope) error {
	var cmd contracts.ChargePayment
	if err := contracts.Decode(env, contracts.TypeChargePayment, &cmd); err != nil {
		w.logger.Error("payment command dropped", "message_id", env.ID, "error", err)
		return nil
	}

	if w.duplicate(env.ID) {
		w.logger.Debug("duplicate charge command", "message_id", env.ID, "order_id", cmd.OrderID)
		return nil
	}

	w.logger.Info("processing payment", "order_id", cmd.OrderID, "amount_cents", cmd.AmountCents)

	paymentID, err := w.gateway.Charge(ctx, cmd.OrderID, cmd.CustomerID, cmd.AmountCents)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return w.rejected(ctx, env.ID, cmd, err)
	}

	processed := contracts.PaymentProcessed{
		OrderID:     cmd.OrderID,
		PaymentID:   paymentID,
		AmountCents: cmd.AmountCents,
		ProcessedAt: w.now(),
	}
	out, err := contracts.NewPaymentProcessed(processed)
	if err != nil {
		return err
	}
	if err := w.events.PublishEvent(ctx, out); err != nil {
		return fmt.Errorf("publish payment processed for %s: %w", cmd.OrderID, err)
	}

	w.record(ctx, Status{
		OrderID:     cmd.OrderID,
		PaymentID:   paymentID,
		Status:      StatusCharged,
		AmountCents: cmd.AmountCents,
		UpdatedAt:   processed.ProcessedAt,
	})
	w.markSeen(env.ID)

	w.logger.Info("payment processed", "order_id", cmd.OrderID, "payment_id", paymentID)
	return nil
}

func (w *Worker) rejected(ctx context.Context, msgID string, cmd contracts.ChargePayment, cause error) error {
	now := w.now()
	out, err := contracts.NewOrderRejected(contracts.OrderRejected{
		OrderID:    cmd.OrderID,
		Reason:     "payment failed: " + cause.Error(),
		RejectedAt: now,
	})
	if err != nil {
		return err
	}
	if err := w.events.PublishEvent(ctx, out); err != nil {
		return fmt.Errorf("publish order rejected for %s: %w", cmd.OrderID, err)
	}

	w.record(ctx, Status{
		OrderID:     cmd.OrderID,
		Status:      StatusFailed,
		AmountCents: cmd.AmountCents,
		UpdatedAt:   now,
	})
	w.markSeen(msgID)

	w.logger.Warn("payment rejected", "order_id", cmd.OrderID, "error", cause)
	return nil
}

func (w *Worker) record(ctx context.Context, status Status) {
	if w.status == nil {
		return
	}
	if err := w.status.Set(ctx, status); err != nil {
		w.logger.Error("record payment status", "order_id", status.OrderID, "error", err)
	}
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
