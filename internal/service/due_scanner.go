package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/callflow-engine/internal/queue"
	"github.com/kursadbilgin/callflow-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultDueScanInterval = 15 * time.Second
	defaultDueScanLimit    = 100
	defaultRequeueAfter    = 10 * time.Minute
)

// DueScanner periodically enqueues enrollments whose next eligible time has passed.
type DueScanner struct {
	states       repository.RetryStateRepository
	publisher    queue.Publisher
	logger       *zap.Logger
	interval     time.Duration
	limit        int
	requeueAfter time.Duration
	now          func() time.Time
}

func NewDueScanner(
	states repository.RetryStateRepository,
	publisher queue.Publisher,
	interval time.Duration,
	limit int,
	requeueAfter time.Duration,
	logger *zap.Logger,
) (*DueScanner, error) {
	if states == nil {
		return nil, fmt.Errorf("retry state repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if interval <= 0 {
		interval = defaultDueScanInterval
	}
	if limit <= 0 {
		limit = defaultDueScanLimit
	}
	if requeueAfter <= 0 {
		requeueAfter = defaultRequeueAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DueScanner{
		states:       states,
		publisher:    publisher,
		logger:       logger,
		interval:     interval,
		limit:        limit,
		requeueAfter: requeueAfter,
		now:          time.Now,
	}, nil
}

func (s *DueScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial scan so already-due enrollments do not wait for the first ticker edge.
	if err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("due scanner initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("due scanner scan failed", zap.Error(err))
			}
		}
	}
}

func (s *DueScanner) scanDue(ctx context.Context) error {
	now := s.now().UTC()
	due, err := s.states.GetDue(ctx, now, now.Add(-s.requeueAfter), s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch due enrollments: %w", err)
	}

	for i := range due {
		state := due[i]
		if state.NextEligibleAt == nil {
			continue
		}
		msg := queue.CallMessage{
			RetryStateID:  state.ID,
			ContactID:     state.ContactID,
			CampaignID:    state.CampaignID,
			CampaignKind:  state.CampaignKind,
			CorrelationID: uuid.NewString(),
			DueAt:         *state.NextEligibleAt,
		}

		if err := s.publisher.Publish(ctx, queue.CallsQueue, msg); err != nil {
			s.logger.Error("failed to enqueue due enrollment",
				zap.String("retryStateId", state.ID),
				zap.String("queue", queue.CallsQueue),
				zap.Error(err),
			)
			continue
		}

		stamped, err := s.states.MarkEnqueued(ctx, state.ID, msg.DueAt, now)
		if err != nil {
			s.logger.Error("failed to stamp enqueue time",
				zap.String("retryStateId", state.ID),
				zap.Error(err),
			)
			continue
		}
		if !stamped {
			s.logger.Debug("enrollment moved after publish, enqueue time left unset",
				zap.String("retryStateId", state.ID),
				zap.Time("dueAt", msg.DueAt),
			)
		}
	}

	return nil
}
