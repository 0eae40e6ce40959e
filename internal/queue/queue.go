package queue

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/callflow-engine/internal/domain"
)

// Publisher publishes call messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg CallMessage) error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg CallMessage) error

// Consumer consumes call messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
}

const (
	// CallsQueue is the work queue due enrollments are published to.
	CallsQueue = "calls"

	// queueMaxPriority is the RabbitMQ x-max-priority value for work queues.
	queueMaxPriority int32 = 2
)

var workQueues = []string{CallsQueue}

// DLQName returns the dead-letter queue name for a work queue, e.g. dlq.calls.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

func WorkQueueNames() []string {
	return append([]string(nil), workQueues...)
}

func DLQNames() []string {
	queues := make([]string, 0, len(workQueues))
	for _, q := range workQueues {
		queues = append(queues, DLQName(q))
	}
	return queues
}

// PriorityValue maps a campaign kind to RabbitMQ message priority. Confirmation
// calls protect booked appointments and go first.
func PriorityValue(kind domain.CampaignKind) uint8 {
	switch kind {
	case domain.CampaignConfirmation:
		return 2
	case domain.CampaignQualification:
		return 1
	default:
		return 0
	}
}
