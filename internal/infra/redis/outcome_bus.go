package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/callflow-engine/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const outcomeChannel = "callflow:outcomes"

type outcomeEvent struct {
	AttemptID      string         `json:"attemptId"`
	Outcome        domain.Outcome `json:"outcome"`
	Reason         string         `json:"reason,omitempty"`
	Intent         domain.Intent  `json:"intent,omitempty"`
	DurationMillis int64          `json:"durationMillis,omitempty"`
	CompletedAt    time.Time      `json:"completedAt"`
}

// OutcomeBus fans recorded call outcomes out to every engine instance so the
// worker waiting on an attempt wakes up wherever the callback landed.
type OutcomeBus struct {
	client  *goredis.Client
	channel string
	logger  *zap.Logger
}

func NewOutcomeBus(client *goredis.Client, logger *zap.Logger) (*OutcomeBus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutcomeBus{client: client, channel: outcomeChannel, logger: logger}, nil
}

func (b *OutcomeBus) Publish(ctx context.Context, attemptID string, rec domain.OutcomeRecord) error {
	if strings.TrimSpace(attemptID) == "" {
		return fmt.Errorf("attempt id is required")
	}

	payload, err := json.Marshal(outcomeEvent{
		AttemptID:      attemptID,
		Outcome:        rec.Outcome,
		Reason:         rec.Reason,
		Intent:         rec.Intent,
		DurationMillis: rec.Duration.Milliseconds(),
		CompletedAt:    rec.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal outcome event: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish outcome event: %w", err)
	}
	return nil
}

// OutcomeSubscription is an active subscription to the outcome channel.
type OutcomeSubscription struct {
	pubsub *goredis.PubSub
	logger *zap.Logger
}

// Subscribe returns once Redis has confirmed the subscription.
func (b *OutcomeBus) Subscribe(ctx context.Context) (*OutcomeSubscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to outcomes: %w", err)
	}
	return &OutcomeSubscription{pubsub: pubsub, logger: b.logger}, nil
}

// Run hands every received outcome to deliver until ctx ends.
func (s *OutcomeSubscription) Run(ctx context.Context, deliver func(attemptID string, rec domain.OutcomeRecord)) error {
	defer s.Close()

	messages := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("outcome subscription closed")
			}

			var event outcomeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.logger.Warn("discarding malformed outcome event", zap.Error(err))
				continue
			}
			if !event.Outcome.IsValid() || event.AttemptID == "" {
				s.logger.Warn("discarding invalid outcome event",
					zap.String("attemptId", event.AttemptID),
					zap.String("outcome", event.Outcome.String()),
				)
				continue
			}

			deliver(event.AttemptID, domain.OutcomeRecord{
				Outcome:     event.Outcome,
				Reason:      event.Reason,
				Intent:      event.Intent,
				Duration:    time.Duration(event.DurationMillis) * time.Millisecond,
				CompletedAt: event.CompletedAt,
			})
		}
	}
}

func (s *OutcomeSubscription) Close() error {
	return s.pubsub.Close()
}
