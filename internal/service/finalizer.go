package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/callflow-engine/internal/config"
	"github.com/kursadbilgin/callflow-engine/internal/domain"
	"github.com/kursadbilgin/callflow-engine/internal/observability"
	"github.com/kursadbilgin/callflow-engine/internal/provider"
	"github.com/kursadbilgin/callflow-engine/internal/repository"
	"github.com/kursadbilgin/callflow-engine/internal/retry"
	"github.com/kursadbilgin/callflow-engine/internal/timezone"
	"go.uber.org/zap"
)

// Finalizer completes an attempt: it stores the outcome once, plans the next
// step with the campaign's policy and applies it to the enrollment.
type Finalizer struct {
	states     repository.RetryStateRepository
	attempts   repository.AttemptRepository
	resolver   *timezone.Resolver
	planners   map[string]*retry.Planner
	fallback   *retry.Planner
	dispatcher *Dispatcher
	crm        provider.CRMClient
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

func NewFinalizer(
	states repository.RetryStateRepository,
	attempts repository.AttemptRepository,
	resolver *timezone.Resolver,
	policies *config.Policies,
	dispatcher *Dispatcher,
	crm provider.CRMClient,
	logger *zap.Logger,
) (*Finalizer, error) {
	if states == nil || attempts == nil {
		return nil, fmt.Errorf("retry state and attempt repositories are required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("timezone resolver is required")
	}
	if policies == nil {
		policies = config.DefaultPolicies()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	fallback, err := retry.NewPlanner(policies.Default)
	if err != nil {
		return nil, fmt.Errorf("invalid default retry policy: %w", err)
	}
	planners := make(map[string]*retry.Planner, len(policies.Campaigns))
	for id, campaign := range policies.Campaigns {
		planner, err := retry.NewPlanner(campaign.Policy)
		if err != nil {
			return nil, fmt.Errorf("invalid retry policy for campaign %s: %w", id, err)
		}
		planners[id] = planner
	}

	return &Finalizer{
		states:     states,
		attempts:   attempts,
		resolver:   resolver,
		planners:   planners,
		fallback:   fallback,
		dispatcher: dispatcher,
		crm:        crm,
		logger:     logger,
		now:        time.Now,
	}, nil
}

func (f *Finalizer) SetMetrics(metrics *observability.Metrics) {
	if f == nil {
		return
	}
	f.metrics = metrics
}

// Complete records rec for the attempt and finalizes the enrollment. When
// another writer already stored an outcome, the stored outcome is used.
func (f *Finalizer) Complete(
	ctx context.Context,
	retryStateID string,
	attemptID string,
	rec domain.OutcomeRecord,
) (*domain.RetryState, error) {
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = f.now().UTC()
	}

	recorded, err := f.attempts.RecordOutcome(ctx, attemptID, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to record attempt outcome: %w", err)
	}
	if !recorded {
		stored, err := f.attempts.GetByID(ctx, attemptID)
		if err != nil {
			return nil, fmt.Errorf("failed to load stored attempt outcome: %w", err)
		}
		if stored.Outcome == nil {
			return nil, fmt.Errorf("%w: attempt %s has no stored outcome", domain.ErrConflict, attemptID)
		}
		rec = recordFromAttempt(stored)
	} else {
		f.metrics.IncCallOutcome(rec.Outcome.String())
	}

	state, err := f.states.GetByID(ctx, retryStateID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload retry state: %w", err)
	}
	if state.State != domain.StateAttempting {
		f.logger.Info("enrollment already finalized, skipping",
			append(observability.EnrollmentFields(state), zap.String("attemptId", attemptID))...,
		)
		return state, nil
	}

	return f.apply(ctx, state, attemptID, rec)
}

// Escalate moves a scheduled enrollment straight to escalation without placing a call.
func (f *Finalizer) Escalate(
	ctx context.Context,
	state *domain.RetryState,
	reason domain.EscalationReason,
) (*domain.RetryState, error) {
	now := f.now().UTC()
	updated, _, err := f.states.Finalize(ctx, state.ID, state.State, repository.Transition{
		State:            domain.StateEscalated,
		Escalated:        true,
		EscalationReason: &reason,
		At:               now,
	})
	if err != nil {
		return nil, err
	}
	f.afterEscalation(ctx, updated, reason, false)
	return updated, nil
}

func (f *Finalizer) apply(
	ctx context.Context,
	state *domain.RetryState,
	attemptID string,
	rec domain.OutcomeRecord,
) (*domain.RetryState, error) {
	now := f.now().UTC()

	transition := repository.Transition{
		LastOutcome: &rec.Outcome,
		At:          now,
	}
	if rec.Reason != "" {
		reason := rec.Reason
		transition.LastReason = &reason
	}
	if rec.Outcome.IsInfrastructure() {
		transition.InfraFailureDelta = 1
	}
	if rec.Outcome == domain.OutcomeAnsweredUnclear {
		transition.UnclearDelta = 1
	}

	decision := f.plannerFor(state.CampaignID).Plan(retry.Input{
		Outcome:           rec.Outcome,
		AttemptCount:      state.BudgetAttempts(),
		InfraFailureCount: state.InfraFailureCount + transition.InfraFailureDelta,
		Window:            f.windowFor(state),
		Now:               now,
	})

	switch decision.Action {
	case retry.ActionRetry:
		if state.DoNotCall {
			transition.State = domain.StateCancelled
			break
		}
		transition.State = domain.StateScheduled
		transition.NextEligibleAt = decision.NextEligibleAt
	case retry.ActionEscalate:
		reason := decision.EscalationReason
		transition.State = domain.StateEscalated
		transition.Escalated = true
		transition.EscalationReason = &reason
		if decision.ConfirmationStatus != "" {
			status := decision.ConfirmationStatus
			transition.ConfirmationStatus = &status
		}
	case retry.ActionTerminal:
		status := decision.ConfirmationStatus
		transition.State = domain.StateTerminal
		transition.ConfirmationStatus = &status
		transition.Archive = true
	}

	updated, statusWritten, err := f.states.Finalize(ctx, state.ID, domain.StateAttempting, transition)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			f.logger.Info("enrollment finalized concurrently, skipping",
				append(observability.EnrollmentFields(state), zap.String("attemptId", attemptID))...,
			)
			return f.states.GetByID(ctx, state.ID)
		}
		return nil, fmt.Errorf("failed to finalize retry state: %w", err)
	}

	fields := append(observability.EnrollmentFields(updated),
		zap.String("attemptId", attemptID),
		zap.String("outcome", rec.Outcome.String()),
		zap.String("action", string(decision.Action)),
	)

	switch decision.Action {
	case retry.ActionRetry:
		if updated.State == domain.StateScheduled {
			f.metrics.IncRetryScheduled(rec.Outcome.String())
			f.logger.Info("follow-up attempt scheduled", append(fields, zap.Timep("nextEligibleAt", updated.NextEligibleAt))...)
		} else {
			f.logger.Info("enrollment cancelled after do-not-call", fields...)
		}
	case retry.ActionEscalate:
		f.logger.Warn("enrollment escalated to manual follow-up",
			append(fields, zap.String("reason", decision.EscalationReason.String()))...,
		)
		f.afterEscalation(ctx, updated, decision.EscalationReason, statusWritten)
	case retry.ActionTerminal:
		f.logger.Info("enrollment reached terminal status",
			append(fields,
				zap.String("confirmationStatus", updated.CurrentConfirmationStatus().String()),
				zap.Bool("statusWritten", statusWritten),
			)...,
		)
		if statusWritten {
			f.dispatch(ctx, updated, decision.ConfirmationStatus)
		}
	}

	return updated, nil
}

func (f *Finalizer) afterEscalation(ctx context.Context, state *domain.RetryState, reason domain.EscalationReason, statusWritten bool) {
	f.metrics.IncEscalation(reason.String())

	if f.crm != nil {
		if err := f.crm.TagManualFollowUp(ctx, state.ContactID, reason); err != nil {
			f.logger.Error("failed to tag contact for manual follow-up",
				append(observability.EnrollmentFields(state),
					zap.String("reason", reason.String()),
					zap.Error(err),
				)...,
			)
		}
	}

	if statusWritten && reason == domain.EscalationNoAnswerExhausted {
		f.dispatch(ctx, state, domain.ConfirmationNoAnswerExhausted)
	}
}

func (f *Finalizer) dispatch(ctx context.Context, state *domain.RetryState, status domain.ConfirmationStatus) {
	if f.dispatcher == nil {
		return
	}

	_, err := f.dispatcher.Dispatch(ctx, DispatchRequest{
		RetryStateID:  state.ID,
		ContactID:     state.ContactID,
		CampaignID:    state.CampaignID,
		AppointmentID: state.AppointmentID,
		Phone:         state.Phone,
		Status:        status,
	})
	if err != nil {
		f.logger.Error("workflow dispatch failed",
			append(observability.EnrollmentFields(state),
				zap.String("confirmationStatus", status.String()),
				zap.Error(err),
			)...,
		)
	}
}

func (f *Finalizer) plannerFor(campaignID string) *retry.Planner {
	if planner, ok := f.planners[campaignID]; ok {
		return planner
	}
	return f.fallback
}

// windowFor resolves the enrollment's calling window; nil means unresolved.
func (f *Finalizer) windowFor(state *domain.RetryState) *timezone.Window {
	res, err := f.resolver.Resolve(timezone.RegionHint{Region: state.Region, Phone: state.Phone})
	if err != nil {
		return nil
	}
	return res.Window
}

func recordFromAttempt(a *domain.CallAttempt) domain.OutcomeRecord {
	rec := domain.OutcomeRecord{Outcome: *a.Outcome}
	if a.Reason != nil {
		rec.Reason = *a.Reason
	}
	if a.Intent != nil {
		rec.Intent = *a.Intent
	}
	if a.DurationMillis != nil {
		rec.Duration = time.Duration(*a.DurationMillis) * time.Millisecond
	}
	if a.CompletedAt != nil {
		rec.CompletedAt = *a.CompletedAt
	}
	return rec
}
