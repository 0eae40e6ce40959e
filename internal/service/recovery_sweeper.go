package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/callflow-engine/internal/classifier"
	"github.com/kursadbilgin/callflow-engine/internal/domain"
	"github.com/kursadbilgin/callflow-engine/internal/lease"
	"github.com/kursadbilgin/callflow-engine/internal/observability"
	"github.com/kursadbilgin/callflow-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRecoveryInterval = time.Minute
	defaultRecoveryLimit    = 100
	defaultStuckAfter       = 17 * time.Minute
	recoveryLeaseTTL        = time.Minute
)

// RecoverySweeper finalizes attempts whose worker died before an outcome was applied.
type RecoverySweeper struct {
	states     repository.RetryStateRepository
	attempts   repository.AttemptRepository
	locker     lease.Locker
	finalizer  *Finalizer
	logger     *zap.Logger
	metrics    *observability.Metrics
	interval   time.Duration
	stuckAfter time.Duration
	limit      int
	now        func() time.Time
}

func NewRecoverySweeper(
	states repository.RetryStateRepository,
	attempts repository.AttemptRepository,
	locker lease.Locker,
	finalizer *Finalizer,
	interval time.Duration,
	stuckAfter time.Duration,
	limit int,
	logger *zap.Logger,
) (*RecoverySweeper, error) {
	if states == nil || attempts == nil {
		return nil, fmt.Errorf("retry state and attempt repositories are required")
	}
	if locker == nil || finalizer == nil {
		return nil, fmt.Errorf("locker and finalizer are required")
	}
	if interval <= 0 {
		interval = defaultRecoveryInterval
	}
	if stuckAfter <= 0 {
		stuckAfter = defaultStuckAfter
	}
	if limit <= 0 {
		limit = defaultRecoveryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RecoverySweeper{
		states:     states,
		attempts:   attempts,
		locker:     locker,
		finalizer:  finalizer,
		logger:     logger,
		interval:   interval,
		stuckAfter: stuckAfter,
		limit:      limit,
		now:        time.Now,
	}, nil
}

func (s *RecoverySweeper) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *RecoverySweeper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("recovery sweeper initial sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("recovery sweeper sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *RecoverySweeper) sweep(ctx context.Context) error {
	stuck, err := s.states.GetStuckAttempting(ctx, s.now().UTC().Add(-s.stuckAfter), s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch stuck attempts: %w", err)
	}

	for i := range stuck {
		if err := s.recover(ctx, &stuck[i]); err != nil {
			s.logger.Error("failed to recover stuck attempt",
				append(observability.EnrollmentFields(&stuck[i]), zap.Error(err))...,
			)
		}
	}
	return nil
}

func (s *RecoverySweeper) recover(ctx context.Context, state *domain.RetryState) error {
	held, err := s.locker.Acquire(ctx, lease.ContactKey(state.ContactID), recoveryLeaseTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLeaseNotAcquired) {
			return nil
		}
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseTimeout)
		defer cancel()
		_ = held.Release(releaseCtx)
	}()

	attempts, err := s.attempts.ListByRetryState(ctx, state.ID)
	if err != nil {
		return fmt.Errorf("failed to list attempts: %w", err)
	}
	latest := latestAttempt(attempts)
	if latest == nil || latest.AttemptNumber != state.AttemptCount {
		return fmt.Errorf("%w: no attempt %d recorded for enrollment %s", domain.ErrConflict, state.AttemptCount, state.ID)
	}

	outcome, reason := classifier.Orphaned()
	updated, err := s.finalizer.Complete(ctx, state.ID, latest.ID, domain.OutcomeRecord{
		Outcome:     outcome,
		Reason:      reason,
		CompletedAt: s.now().UTC(),
	})
	if err != nil {
		return err
	}

	s.metrics.IncRecoveredAttempt()
	s.logger.Warn("orphaned attempt finalized",
		append(observability.EnrollmentFields(updated), zap.String("attemptId", latest.ID))...,
	)
	return nil
}

func latestAttempt(attempts []domain.CallAttempt) *domain.CallAttempt {
	var latest *domain.CallAttempt
	for i := range attempts {
		if latest == nil || attempts[i].AttemptNumber > latest.AttemptNumber {
			latest = &attempts[i]
		}
	}
	return latest
}
