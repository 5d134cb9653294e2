package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/plendy/sharesync/internal/propagation"
	"github.com/plendy/sharesync/pkg/logger"
	"github.com/plendy/sharesync/pkg/storage"
)

const (
	defaultExchangeName = "grants.events"
	defaultQueueName    = "sharesync.grant-events"
	defaultPrefetch     = 10
)

// Handler reacts to grant lifecycle events. [propagation.Propagator]
// implements it.
type Handler interface {
	OnGrantCreated(ctx context.Context, grant *storage.Grant) error
	OnGrantUpdated(ctx context.Context, before, after *storage.Grant) error
	OnGrantDeleted(ctx context.Context, grant *storage.Grant) error
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithExchangeName overrides the topic exchange the consumer binds to.
func WithExchangeName(name string) ConsumerOption {
	return func(c *Consumer) { c.exchangeName = name }
}

// WithQueueName overrides the queue the consumer declares.
func WithQueueName(name string) ConsumerOption {
	return func(c *Consumer) { c.queueName = name }
}

// WithPrefetch overrides the channel prefetch count.
func WithPrefetch(n int) ConsumerOption {
	return func(c *Consumer) { c.prefetch = n }
}

// Consumer drains grant lifecycle events from the broker and dispatches them
// to the handler. Transient handler failures are nacked for broker
// redelivery; validation failures are acked and dropped since malformed data
// will not self-correct.
type Consumer struct {
	uri          string
	exchangeName string
	queueName    string
	prefetch     int

	handler Handler
	logger  logger.Logger
}

// NewConsumer creates a Consumer. It does not connect; Run does.
func NewConsumer(uri string, handler Handler, l logger.Logger, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		uri:          uri,
		exchangeName: defaultExchangeName,
		queueName:    defaultQueueName,
		prefetch:     defaultPrefetch,
		handler:      handler,
		logger:       l,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Run connects and consumes until ctx is cancelled, reconnecting with
// exponential backoff when the broker connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // keep reconnecting until shutdown

	for {
		err := c.consume(ctx, bo)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		c.logger.Warn("broker connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", wait),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// consume runs one connection lifetime: dial, declare, and drain deliveries
// until the channel closes or ctx is cancelled.
func (c *Consumer) consume(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	conn, err := amqp091.Dial(c.uri)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	channel, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer channel.Close()

	if err := channel.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	if err := channel.ExchangeDeclare(c.exchangeName, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	queue, err := channel.QueueDeclare(c.queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	for _, key := range []string{KeyGrantCreated, KeyGrantUpdated, KeyGrantDeleted} {
		if err := channel.QueueBind(queue.Name, key, c.exchangeName, false, nil); err != nil {
			return fmt.Errorf("bind queue for %s: %w", key, err)
		}
	}

	// A unique tag per connection keeps restarted consumers distinguishable
	// in broker diagnostics.
	consumerTag := "sharesync-" + uuid.NewString()
	deliveries, err := channel.Consume(queue.Name, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	c.logger.Info("consuming grant events",
		zap.String("exchange", c.exchangeName),
		zap.String("queue", queue.Name),
	)
	bo.Reset()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handleDelivery(ctx, delivery)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp091.Delivery) {
	env, err := DecodeEnvelope(delivery.Body)
	if err != nil {
		c.logger.Warn("dropping undecodable grant event",
			zap.String("routing_key", delivery.RoutingKey),
			zap.Error(err),
		)
		_ = delivery.Ack(false)
		return
	}

	switch env.Type {
	case KeyGrantCreated:
		err = c.handler.OnGrantCreated(ctx, env.Grant.ToStorage())
	case KeyGrantUpdated:
		err = c.handler.OnGrantUpdated(ctx, env.Before.ToStorage(), env.After.ToStorage())
	case KeyGrantDeleted:
		err = c.handler.OnGrantDeleted(ctx, env.Grant.ToStorage())
	}

	if err == nil {
		_ = delivery.Ack(false)
		return
	}

	if errors.Is(err, propagation.ErrInvalidGrant) {
		// Malformed data will not self-correct; drop instead of retrying.
		_ = delivery.Ack(false)
		return
	}

	// Transient store failure: rely on the broker's at-least-once
	// redelivery instead of an in-process retry loop.
	c.logger.Warn("grant event failed, requeueing",
		zap.String("type", env.Type),
		zap.Error(err),
	)
	_ = delivery.Nack(false, true)
}
