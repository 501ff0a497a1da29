package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"orderflow/internal/contracts"
)

const (
	eventsExchange = "orderflow.events"

	publishTimeout = 5 * time.Second
	dialTimeout    = 10 * time.Second
	maxReconnect   = 30 * time.Second
)

// AMQPBroker delivers messages over RabbitMQ: commands through durable
// queues on the default exchange, events through a durable fanout exchange
// with one queue per subscription name. A background watcher reconnects
// with exponential backoff when the connection or publish channel drops.
type AMQPBroker struct {
	url      string
	prefetch int
	logger   *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	pubChan *amqp.Channel

	closed    chan struct{}
	closeOnce sync.Once
	reconnect chan struct{}
	wg        sync.WaitGroup
}

// DialAMQP connects to RabbitMQ, declares the command and event topology,
// and starts the reconnect watcher. Further connection failures are retried
// in the background; only the initial connect is a hard error.
func DialAMQP(ctx context.Context, url string, prefetch int, logger *slog.Logger) (*AMQPBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &AMQPBroker{
		url:       url,
		prefetch:  prefetch,
		logger:    logger,
		closed:    make(chan struct{}),
		reconnect: make(chan struct{}, 1),
	}

	if err := b.connectOnce(); err != nil {
		return nil, fmt.Errorf("amqp connect: %w", err)
	}

	go b.watch()
	return b, nil
}

func (b *AMQPBroker) SendCommand(ctx context.Context, queue string, env contracts.Envelope) error {
	return b.publish(ctx, "", queue, env)
}

func (b *AMQPBroker) PublishEvent(ctx context.Context, env contracts.Envelope) error {
	return b.publish(ctx, eventsExchange, "", env)
}

func (b *AMQPBroker) publish(ctx context.Context, exchange, key string, env contracts.Envelope) error {
	b.mu.RLock()
	conn := b.conn
	ch := b.pubChan
	b.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return errors.New("amqp: connection is not open")
	}
	if ch == nil || ch.IsClosed() {
		return errors.New("amqp: publish channel is not open")
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("amqp: marshal envelope: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return ch.PublishWithContext(pubCtx,
		exchange, key, false, false,
		amqp.Publishing{
			DeliveryMode:  amqp.Persistent,
			ContentType:   "application/json",
			MessageId:     env.ID,
			CorrelationId: env.CorrelationID,
			Type:          env.Type,
			Body:          body,
		})
}

func (b *AMQPBroker) ConsumeCommands(ctx context.Context, queue string, h Handler) error {
	return b.consume(ctx, queue, h)
}

func (b *AMQPBroker) SubscribeEvents(ctx context.Context, name string, h Handler) error {
	return b.consume(ctx, eventsExchange+"."+name, h)
}

// consume runs a delivery loop for the queue, re-subscribing after
// reconnects until the context ends or the broker closes.
func (b *AMQPBroker) consume(ctx context.Context, queue string, h Handler) error {
	deliveries, err := b.subscribe(queue)
	if err != nil {
		return err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			if deliveries == nil {
				select {
				case <-ctx.Done():
					return
				case <-b.closed:
					return
				case <-time.After(time.Second):
				}
				deliveries, err = b.subscribe(queue)
				if err != nil {
					b.logger.Warn("amqp resubscribe failed", "queue", queue, "error", err)
					deliveries = nil
				}
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-b.closed:
				return
			case d, ok := <-deliveries:
				if !ok {
					// channel dropped; resubscribe after reconnect
					deliveries = nil
					continue
				}
				b.handle(ctx, queue, d, h)
			}
		}
	}()
	return nil
}

func (b *AMQPBroker) handle(ctx context.Context, queue string, d amqp.Delivery, h Handler) {
	var env contracts.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		b.logger.Error("amqp: undecodable message dropped", "queue", queue, "error", err)
		_ = d.Nack(false, false)
		return
	}
	if err := h(ctx, env); err != nil {
		// transient handler failure: requeue for redelivery
		b.logger.Warn("amqp: handler failed, requeueing",
			"queue", queue, "message_id", env.ID, "type", env.Type, "error", err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// subscribe opens a fresh consumer channel with prefetch applied and
// declares the queue so subscription works regardless of start order.
func (b *AMQPBroker) subscribe(queue string) (<-chan amqp.Delivery, error) {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return nil, errors.New("amqp: connection is not ready")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if b.prefetch > 0 {
		if err := ch.Qos(b.prefetch, 0, false); err != nil {
			ch.Close()
			return nil, err
		}
	}
	if err := declareQueue(ch, queue); err != nil {
		ch.Close()
		return nil, err
	}
	return ch.Consume(queue, "", false, false, false, false, nil)
}

func (b *AMQPBroker) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })

	b.mu.Lock()
	if b.pubChan != nil {
		_ = b.pubChan.Close()
		b.pubChan = nil
	}
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

func (b *AMQPBroker) connectOnce() error {
	conn, err := amqp.DialConfig(b.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(dialTimeout),
	})
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}

	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	b.mu.Lock()
	b.conn = conn
	if b.pubChan != nil {
		_ = b.pubChan.Close()
	}
	b.pubChan = ch
	b.mu.Unlock()

	go func() {
		connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
		chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-b.closed:
			return
		case <-connClosed:
		case <-chClosed:
		}
		select {
		case b.reconnect <- struct{}{}:
		default:
		}
	}()

	b.logger.Info("amqp connected", "exchange", eventsExchange)
	return nil
}

// watch reconnects with exponential backoff after a dropped connection.
func (b *AMQPBroker) watch() {
	backoff := time.Second
	for {
		select {
		case <-b.closed:
			return
		case <-b.reconnect:
			for {
				select {
				case <-b.closed:
					return
				default:
				}

				if err := b.connectOnce(); err == nil {
					backoff = time.Second
					b.logger.Info("amqp reconnected")
					break
				} else {
					b.logger.Error("amqp reconnect failed", "error", err)
				}

				time.Sleep(backoff)
				if backoff < maxReconnect {
					backoff *= 2
					if backoff > maxReconnect {
						backoff = maxReconnect
					}
				}
			}
		}
	}
}

// declareTopology declares the command queues and the event fanout exchange.
func declareTopology(ch *amqp.Channel) error {
	for _, queue := range []string{PaymentQueue, KitchenQueue} {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return err
		}
	}
	return ch.ExchangeDeclare(eventsExchange, "fanout", true, false, false, false, nil)
}

// declareQueue ensures a queue exists; event subscription queues are bound
// to the fanout exchange.
func declareQueue(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}
	if len(queue) > len(eventsExchange) && queue[:len(eventsExchange)] == eventsExchange {
		return ch.QueueBind(queue, "", eventsExchange, false, nil)
	}
	return nil
}
