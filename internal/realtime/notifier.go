package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"orderflow/internal/contracts"
)

// StatusUpdate is the JSON document pushed to WebSocket clients for every
// saga event.
type StatusUpdate struct {
	OrderID string    `json:"order_id"`
	Status  string    `json:"status"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Notifier turns broker events into hub broadcasts. It is a broker event
// handler; commands and unknown event types are ignored.
type Notifier struct {
	hub    *Hub
	logger *slog.Logger
}

// NewNotifier constructs a Notifier feeding the hub.
func NewNotifier(hub *Hub, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{hub: hub, logger: logger}
}

// Handle converts one event envelope into a status broadcast.
func (n *Notifier) Handle(ctx context.Context, env contracts.Envelope) error {
	update := StatusUpdate{OrderID: env.CorrelationID, At: env.OccurredAt}

	switch env.Type {
	case contracts.TypeOrderPlaced:
		update.Status = "placed"
	case contracts.TypePaymentProcessed:
		update.Status = "payment_processed"
	case contracts.TypeKitchenConfirmed:
		update.Status = "confirmed"
		var evt contracts.KitchenConfirmed
		if err := contracts.Decode(env, contracts.TypeKitchenConfirmed, &evt); err == nil {
			update.Detail = "estimated prep " + evt.EstimatedPrepTime.String()
		}
	case contracts.TypeOrderRejected:
		update.Status = "rejected"
		var evt contracts.OrderRejected
		if err := contracts.Decode(env, contracts.TypeOrderRejected, &evt); err == nil {
			update.Detail = evt.Reason
		}
	default:
		return nil
	}

	body, err := json.Marshal(update)
	if err != nil {
		n.logger.Error("marshal status update", "order_id", update.OrderID, "error", err)
		return nil
	}

	select {
	case n.hub.Broadcast <- body:
	default:
		// hub backlogged; drop rather than stall event consumption
	}
	return nil
}
