package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQPublisher enqueues call messages and waits for the broker to confirm
// each one, so callers only record a message as enqueued once it is durable.
type RabbitMQPublisher struct {
	client *RabbitMQ
	now    func() time.Time
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, now: time.Now}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, queue string, msg CallMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}

	publishing, err := encodeCallMessage(msg, p.now().UTC())
	if err != nil {
		return err
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, publishing)
	if err != nil {
		return fmt.Errorf("failed to publish call %s to %q: %w", msg.RetryStateID, queue, err)
	}
	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for broker confirm of call %s: %w", msg.RetryStateID, err)
	}
	if !acked {
		return fmt.Errorf("broker refused call %s on %q", msg.RetryStateID, queue)
	}
	return nil
}

// encodeCallMessage builds the persistent AMQP publishing for msg. Confirmation
// calls carry a higher priority than qualification calls.
func encodeCallMessage(msg CallMessage, publishedAt time.Time) (amqp.Publishing, error) {
	if err := msg.Validate(); err != nil {
		return amqp.Publishing{}, fmt.Errorf("invalid call message: %w", err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal call message: %w", err)
	}

	headers := amqp.Table{"campaignId": msg.CampaignID}
	if !msg.DueAt.IsZero() {
		headers["dueAt"] = msg.DueAt.UTC().Format(time.RFC3339)
	}

	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     publishedAt,
		MessageId:     msg.RetryStateID,
		CorrelationId: msg.CorrelationID,
		Priority:      PriorityValue(msg.CampaignKind),
		Headers:       headers,
		Body:          body,
	}, nil
}
