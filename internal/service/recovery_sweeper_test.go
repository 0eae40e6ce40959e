package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/callflow-engine/internal/config"
	"github.com/kursadbilgin/callflow-engine/internal/domain"
	"github.com/kursadbilgin/callflow-engine/internal/lease"
	"github.com/kursadbilgin/callflow-engine/internal/repository"
	"go.uber.org/zap"
)

func newTestSweeper(t *testing.T, states *fakeRetryStateRepo, attempts *fakeAttemptRepo, locker *fakeLocker, now time.Time) *RecoverySweeper {
	t.Helper()

	finalizer, err := NewFinalizer(states, attempts, newTestResolver(t), config.DefaultPolicies(), nil, nil, nil)
	if err != nil {
		t.Fatalf("NewFinalizer() error = %v", err)
	}
	finalizer.now = func() time.Time { return now }

	sweeper, err := NewRecoverySweeper(states, attempts, locker, finalizer, time.Second, 17*time.Minute, 10, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRecoverySweeper() error = %v", err)
	}
	sweeper.now = func() time.Time { return now }
	return sweeper
}

func TestNewRecoverySweeperValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewRecoverySweeper(nil, &fakeAttemptRepo{}, &fakeLocker{}, &Finalizer{}, 0, 0, 0, nil); err == nil {
		t.Fatal("expected error when retry state repository is nil")
	}
	if _, err := NewRecoverySweeper(&fakeRetryStateRepo{}, &fakeAttemptRepo{}, nil, &Finalizer{}, 0, 0, 0, nil); err == nil {
		t.Fatal("expected error when locker is nil")
	}
}

func TestRecoverySweeperFinalizesOrphanedAttempt(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 14, 0, 0, 0, easternTime(t))
	state := attemptingState(2)

	var (
		recorded    []domain.OutcomeRecord
		transitions []repository.Transition
	)
	states := &fakeRetryStateRepo{
		getStuckAttemptingFn: func(ctx context.Context, since time.Time, limit int) ([]domain.RetryState, error) {
			if want := now.Add(-17 * time.Minute); !since.Equal(want) {
				t.Fatalf("since = %v, want %v", since, want)
			}
			return []domain.RetryState{*state}, nil
		},
		getByIDFn: func(ctx context.Context, id string) (*domain.RetryState, error) {
			copied := *state
			return &copied, nil
		},
		finalizeFn: func(ctx context.Context, id string, expect domain.State, tr repository.Transition) (*domain.RetryState, bool, error) {
			transitions = append(transitions, tr)
			return applyTransition(*state, tr), false, nil
		},
	}
	attempts := &fakeAttemptRepo{
		listByRetryStateFn: func(ctx context.Context, retryStateID string) ([]domain.CallAttempt, error) {
			return []domain.CallAttempt{{ID: "a-1", AttemptNumber: 1}, {ID: "a-2", AttemptNumber: 2}}, nil
		},
		recordOutcomeFn: func(ctx context.Context, id string, rec domain.OutcomeRecord) (bool, error) {
			if id != "a-2" {
				t.Fatalf("attempt id = %q, want a-2", id)
			}
			recorded = append(recorded, rec)
			return true, nil
		},
	}
	locker := &fakeLocker{}

	sweeper := newTestSweeper(t, states, attempts, locker, now)
	if err := sweeper.sweep(context.Background()); err != nil {
		t.Fatalf("sweep() error = %v", err)
	}

	if len(recorded) != 1 || recorded[0].Outcome != domain.OutcomeCarrierError || recorded[0].Reason != "orphaned-attempt" {
		t.Fatalf("recorded = %+v, want orphaned carrier-error", recorded)
	}
	if len(transitions) != 1 || transitions[0].State != domain.StateScheduled {
		t.Fatalf("transitions = %+v, want one retry", transitions)
	}
	if keys := locker.releasedKeys(); len(keys) != 1 {
		t.Fatalf("released leases = %v, want one", keys)
	}
}

func TestRecoverySweeperSkipsLeasedContact(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 14, 0, 0, 0, easternTime(t))
	states := &fakeRetryStateRepo{
		getStuckAttemptingFn: func(ctx context.Context, since time.Time, limit int) ([]domain.RetryState, error) {
			return []domain.RetryState{*attemptingState(1)}, nil
		},
	}
	attempts := &fakeAttemptRepo{
		listByRetryStateFn: func(ctx context.Context, retryStateID string) ([]domain.CallAttempt, error) {
			t.Fatal("attempts must not be read while another worker holds the lease")
			return nil, nil
		},
	}
	locker := &fakeLocker{
		acquireFn: func(ctx context.Context, key string, ttl time.Duration) (lease.Lease, error) {
			return nil, domain.ErrLeaseNotAcquired
		},
	}

	sweeper := newTestSweeper(t, states, attempts, locker, now)
	if err := sweeper.sweep(context.Background()); err != nil {
		t.Fatalf("sweep() error = %v", err)
	}
}

func TestRecoverySweeperRepositoryError(t *testing.T) {
	t.Parallel()

	states := &fakeRetryStateRepo{
		getStuckAttemptingFn: func(ctx context.Context, since time.Time, limit int) ([]domain.RetryState, error) {
			return nil, errors.New("db down")
		},
	}

	sweeper := newTestSweeper(t, states, &fakeAttemptRepo{}, &fakeLocker{}, time.Now())
	if err := sweeper.sweep(context.Background()); err == nil {
		t.Fatal("expected sweep() error")
	}
}

func TestRecoverySweeperStartReturnsOnContextCancel(t *testing.T) {
	t.Parallel()

	sweeper := newTestSweeper(t, &fakeRetryStateRepo{}, &fakeAttemptRepo{}, &fakeLocker{}, time.Now())
	sweeper.interval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := sweeper.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}
