package payment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"orderflow/internal/resilience"
)

// Gateway performs the external charge. Implementations must be safe for
// concurrent calls across distinct order ids.
type Gateway interface {
	Charge(ctx context.Context, orderID, customerID string, amountCents int64) (paymentID string, err error)
}

// SimulatedGateway stands in for a real payment processor: a bounded delay
// then a generated payment id. The sleep respects the context, so a charge
// never blocks past cancellation.
type SimulatedGateway struct {
	Delay time.Duration
	Sleep func(context.Context, time.Duration) error
	NewID func() string
	// Fail, when set, makes the charge fail with the returned error.
	Fail func(orderID string) error
}

// NewSimulatedGateway constructs a gateway with the given processing delay.
func NewSimulatedGateway(delay time.Duration) *SimulatedGateway {
	return &SimulatedGateway{Delay: delay}
}

func (g *SimulatedGateway) Charge(ctx context.Context, orderID, customerID string, amountCents int64) (string, error) {
	sleep := g.Sleep
	if sleep == nil {
		sleep = resilience.SleepWithContext
	}
	if err := sleep(ctx, g.Delay); err != nil {
		return "", err
	}
	if g.Fail != nil {
		if err := g.Fail(orderID); err != nil {
			return "", err
		}
	}
	newID := g.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return newID(), nil
}
