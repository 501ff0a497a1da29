package observability

import (
	"context"

	"orderflow/internal/broker"
	"orderflow/internal/contracts"
)

// Measure wraps a broker handler with a handling span per message type.
func Measure(m *Metrics, h broker.Handler) broker.Handler {
	return func(ctx context.Context, env contracts.Envelope) error {
		span := m.Start(env.Type)
		err := h(ctx, env)
		span.End(err)
		return err
	}
}

// CountPublishes wraps a publisher so every accepted publish is counted.
type CountPublishes struct {
	base    broker.Publisher
	metrics *Metrics
}

// NewCountPublishes wraps base with publish counting.
func NewCountPublishes(base broker.Publisher, metrics *Metrics) *CountPublishes {
	return &CountPublishes{base: base, metrics: metrics}
}

func (c *CountPublishes) SendCommand(ctx context.Context, queue string, env contracts.Envelope) error {
	if err := c.base.SendCommand(ctx, queue, env); err != nil {
		return err
	}
	c.metrics.AddPublished(env.Type)
	return nil
}

func (c *CountPublishes) PublishEvent(ctx context.Context, env contracts.Envelope) error {
	if err := c.base.PublishEvent(ctx, env); err != nil {
		return err
	}
	c.metrics.AddPublished(env.Type)
	return nil
}
