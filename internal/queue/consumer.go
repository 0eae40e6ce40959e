package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// settlement is what a consumer does with a delivery once it has been handled.
type settlement int

const (
	settleAck settlement = iota
	settleReject
	settleRequeue
	settleDeadLetter
)

func (s settlement) String() string {
	switch s {
	case settleAck:
		return "ack"
	case settleReject:
		return "reject"
	case settleRequeue:
		return "requeue"
	case settleDeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// RabbitMQConsumer feeds call messages to a handler, one delivery at a time per
// Consume call. A call holds its delivery for minutes, so each consumer channel
// prefetches a single message and concurrency comes from running several consumers.
type RabbitMQConsumer struct {
	client     *RabbitMQ
	logger     *zap.Logger
	staleAfter time.Duration
	now        func() time.Time
}

func NewRabbitMQConsumer(client *RabbitMQ, staleAfter time.Duration, logger *zap.Logger) *RabbitMQConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:     client,
		logger:     logger,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	backoff := reconnectBackoff
	for {
		err := c.consumeOnce(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = reconnectBackoff
			continue
		}
		c.logger.Warn("call consumer interrupted, resubscribing",
			zap.String("queue", queue),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := c.handleDelivery(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler MessageHandler) error {
	action, msg := c.process(ctx, d, handler)

	var err error
	switch action {
	case settleAck:
		err = d.Ack(false)
	case settleReject:
		err = d.Reject(false)
	case settleRequeue:
		err = d.Nack(false, true)
	case settleDeadLetter:
		err = d.Nack(false, false)
	}
	if err != nil {
		return fmt.Errorf("failed to %s delivery for %s: %w", action, msg.RetryStateID, err)
	}
	return nil
}

// process runs the handler when the delivery is usable and decides how to settle it.
func (c *RabbitMQConsumer) process(ctx context.Context, d amqp.Delivery, handler MessageHandler) (settlement, CallMessage) {
	var msg CallMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.logger.Warn("rejecting call message: invalid JSON",
			zap.String("messageId", d.MessageId),
			zap.Error(err),
		)
		return settleReject, msg
	}
	if err := msg.Validate(); err != nil {
		c.logger.Warn("rejecting call message: validation failed",
			zap.String("retryStateId", msg.RetryStateID),
			zap.Error(err),
		)
		return settleReject, msg
	}

	// The due scanner republishes enrollments it has not heard back about, so
	// an old message is a duplicate of a newer one.
	if c.staleAfter > 0 && !d.Timestamp.IsZero() && c.now().Sub(d.Timestamp) > c.staleAfter {
		c.logger.Info("dropping stale call message",
			zap.String("retryStateId", msg.RetryStateID),
			zap.Time("publishedAt", d.Timestamp),
		)
		return settleAck, msg
	}

	if err := handler(ctx, msg); err != nil {
		// One redelivery, then the DLQ. The database stays authoritative and the
		// due scanner republishes the enrollment later.
		action := settleRequeue
		if d.Redelivered {
			action = settleDeadLetter
		}
		c.logger.Warn("call message handler failed",
			zap.String("retryStateId", msg.RetryStateID),
			zap.String("correlationId", msg.CorrelationID),
			zap.Stringer("settlement", action),
			zap.Error(err),
		)
		return action, msg
	}

	return settleAck, msg
}
