package broker

import (
	"context"
	"errors"

	"orderflow/internal/contracts"
	"orderflow/internal/resilience"
)

// Queue names for point-to-point commands. Events fan out to every
// subscriber and need no queue name from the publisher's side.
const (
	PaymentQueue = "payment-service"
	KitchenQueue = "restaurant-service"
)

// ErrClosed is returned for operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// Handler processes one delivered envelope. Delivery is at-least-once: a
// non-nil error may cause redelivery of the identical message, so handlers
// must be idempotent.
type Handler func(ctx context.Context, env contracts.Envelope) error

// Publisher is the outbound half of a broker.
type Publisher interface {
	// SendCommand delivers the envelope to exactly one consumer of the queue.
	SendCommand(ctx context.Context, queue string, env contracts.Envelope) error
	// PublishEvent delivers the envelope to every event subscriber.
	PublishEvent(ctx context.Context, env contracts.Envelope) error
}

// Broker delivers commands point-to-point and events by fan-out.
type Broker interface {
	Publisher

	// ConsumeCommands registers a handler for a command queue. Deliveries are
	// handled sequentially per registration until ctx ends.
	ConsumeCommands(ctx context.Context, queue string, h Handler) error
	// SubscribeEvents registers a named event subscription. Each name gets
	// its own copy of every event, in publish order.
	SubscribeEvents(ctx context.Context, name string, h Handler) error

	Close() error
}

// RetryingPublisher retries failed publishes with backoff. A send the broker
// cannot accept is surfaced as an error only after the policy is exhausted,
// never silently dropped.
type RetryingPublisher struct {
	base  Publisher
	retry resilience.RetryPolicy
}

// NewRetryingPublisher wraps base with the retry policy.
func NewRetryingPublisher(base Publisher, retry resilience.RetryPolicy) *RetryingPublisher {
	return &RetryingPublisher{base: base, retry: retry}
}

func (p *RetryingPublisher) SendCommand(ctx context.Context, queue string, env contracts.Envelope) error {
	return p.retry.Do(ctx, func() error {
		return p.base.SendCommand(ctx, queue, env)
	})
}

func (p *RetryingPublisher) PublishEvent(ctx context.Context, env contracts.Envelope) error {
	return p.retry.Do(ctx, func() error {
		return p.base.PublishEvent(ctx, env)
	})
}
