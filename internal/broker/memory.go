package broker

import (
	"context"
	"log/slog"
	"sync"

	"orderflow/internal/contracts"
)

const memoryBufferSize = 128

// MemoryBroker is an in-process broker for single-binary wiring and tests.
// Commands go to one consumer per queue; events fan out to every
// subscription, each of which sees events in publish order.
type MemoryBroker struct {
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]chan contracts.Envelope
	subs   map[string]chan contracts.Envelope
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewMemoryBroker constructs an in-memory broker.
func NewMemoryBroker(logger *slog.Logger) *MemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBroker{
		logger: logger,
		queues: make(map[string]chan contracts.Envelope),
		subs:   make(map[string]chan contracts.Envelope),
		done:   make(chan struct{}),
	}
}

func (b *MemoryBroker) SendCommand(ctx context.Context, queue string, env contracts.Envelope) error {
	ch, err := b.channel(b.queues, queue)
	if err != nil {
		return err
	}
	return b.deliver(ctx, ch, env)
}

func (b *MemoryBroker) PublishEvent(ctx context.Context, env contracts.Envelope) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	targets := make([]chan contracts.Envelope, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		if err := b.deliver(ctx, ch, env); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBroker) ConsumeCommands(ctx context.Context, queue string, h Handler) error {
	ch, err := b.channel(b.queues, queue)
	if err != nil {
		return err
	}
	b.run(ctx, queue, ch, h)
	return nil
}

func (b *MemoryBroker) SubscribeEvents(ctx context.Context, name string, h Handler) error {
	ch, err := b.channel(b.subs, name)
	if err != nil {
		return err
	}
	b.run(ctx, name, ch, h)
	return nil
}

// Close stops delivery. Pending envelopes in buffers are dropped.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

func (b *MemoryBroker) channel(set map[string]chan contracts.Envelope, name string) (chan contracts.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch, ok := set[name]
	if !ok {
		ch = make(chan contracts.Envelope, memoryBufferSize)
		set[name] = ch
	}
	return ch, nil
}

func (b *MemoryBroker) deliver(ctx context.Context, ch chan contracts.Envelope, env contracts.Envelope) error {
	select {
	case ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	}
}

func (b *MemoryBroker) run(ctx context.Context, name string, ch chan contracts.Envelope, h Handler) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case env := <-ch:
				if err := h(ctx, env); err != nil {
					b.logger.Error("handler failed, dropping message",
						"destination", name,
						"message_id", env.ID,
						"type", env.Type,
						"error", err)
				}
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
		}
	}()
}
