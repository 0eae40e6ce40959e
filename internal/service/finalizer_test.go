package service

import (
	"context"
	"testing"
	"time"

	"github.com/kursadbilgin/callflow-engine/internal/config"
	"github.com/kursadbilgin/callflow-engine/internal/domain"
	"github.com/kursadbilgin/callflow-engine/internal/repository"
	"github.com/kursadbilgin/callflow-engine/internal/retry"
	"github.com/kursadbilgin/callflow-engine/internal/timezone"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func easternTime(t *testing.T) *time.Location {
	t.Helper()

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation() error = %v", err)
	}
	return loc
}

func newTestResolver(t *testing.T) *timezone.Resolver {
	t.Helper()

	resolver, err := timezone.NewResolver(timezone.DefaultRegions())
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	return resolver
}

// attemptingState is an enrollment in the middle of its attemptCount-th call.
func attemptingState(attemptCount int) *domain.RetryState {
	return &domain.RetryState{
		ID:            "rs-1",
		ContactID:     "c-1",
		CampaignID:    "camp-1",
		CampaignKind:  domain.CampaignConfirmation,
		AppointmentID: "appt-1",
		Phone:         "+12125550123",
		Region:        "US-ET",
		State:         domain.StateAttempting,
		AttemptCount:  attemptCount,
	}
}

// applyTransition mirrors the repository's Finalize on an in-memory copy.
func applyTransition(s domain.RetryState, t repository.Transition) *domain.RetryState {
	s.State = t.State
	s.InfraFailureCount += t.InfraFailureDelta
	s.UnclearCount += t.UnclearDelta
	s.NextEligibleAt = t.NextEligibleAt
	s.AttemptingSince = nil
	if t.LastOutcome != nil {
		s.LastOutcome = t.LastOutcome
		s.LastReason = t.LastReason
	}
	if t.Escalated && !s.Escalated {
		s.Escalated = true
		s.EscalationReason = t.EscalationReason
	}
	if t.ConfirmationStatus != nil && s.CurrentConfirmationStatus().CanTransitionTo(*t.ConfirmationStatus) {
		status := *t.ConfirmationStatus
		s.ConfirmationStatus = &status
	}
	if t.Archive {
		at := t.At
		s.ArchivedAt = &at
	}
	return &s
}

type finalizerFixture struct {
	finalizer   *Finalizer
	states      *fakeRetryStateRepo
	attempts    *fakeAttemptRepo
	workflows   *fakeWorkflow
	sms         *fakeSMS
	crm         *fakeCRM
	transitions []repository.Transition
}

func newFinalizerFixture(t *testing.T, state *domain.RetryState, now time.Time) *finalizerFixture {
	t.Helper()

	f := &finalizerFixture{
		attempts:  &fakeAttemptRepo{},
		workflows: &fakeWorkflow{},
		sms:       &fakeSMS{},
		crm:       &fakeCRM{},
	}
	f.states = &fakeRetryStateRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.RetryState, error) {
			copied := *state
			return &copied, nil
		},
		finalizeFn: func(ctx context.Context, id string, expect domain.State, tr repository.Transition) (*domain.RetryState, bool, error) {
			if expect != state.State {
				t.Fatalf("Finalize() expect = %s, want %s", expect, state.State)
			}
			f.transitions = append(f.transitions, tr)
			updated := applyTransition(*state, tr)
			return updated, tr.ConfirmationStatus != nil, nil
		},
	}

	dispatcher, err := NewDispatcher(newMemoryDispatchRepo(), f.workflows, f.crm, f.sms, 3, time.Millisecond, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	finalizer, err := NewFinalizer(f.states, f.attempts, newTestResolver(t), config.DefaultPolicies(), dispatcher, f.crm, zap.NewNop())
	if err != nil {
		t.Fatalf("NewFinalizer() error = %v", err)
	}
	finalizer.now = func() time.Time { return now }
	f.finalizer = finalizer
	return f
}

func TestFinalizerFirstNoAnswerRetriesSameDay(t *testing.T) {
	t.Parallel()

	monday := time.Date(2026, 3, 2, 14, 0, 0, 0, easternTime(t))
	f := newFinalizerFixture(t, attemptingState(1), monday)

	updated, err := f.finalizer.Complete(context.Background(), "rs-1", "a-1", domain.OutcomeRecord{Outcome: domain.OutcomeNoAnswer})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if updated.State != domain.StateScheduled {
		t.Fatalf("state = %s, want SCHEDULED", updated.State)
	}
	want := monday.Add(2 * time.Hour)
	if updated.NextEligibleAt == nil || !updated.NextEligibleAt.Equal(want) {
		t.Fatalf("nextEligibleAt = %v, want %v", updated.NextEligibleAt, want)
	}
	if f.workflows.callCount() != 0 {
		t.Fatal("no workflow should be dispatched on retry")
	}
}

func TestFinalizerThirdNoAnswerEscalatesAndDispatches(t *testing.T) {
	t.Parallel()

	wednesday := time.Date(2026, 3, 4, 10, 0, 0, 0, easternTime(t))
	f := newFinalizerFixture(t, attemptingState(3), wednesday)

	updated, err := f.finalizer.Complete(context.Background(), "rs-1", "a-3", domain.OutcomeRecord{Outcome: domain.OutcomeNoAnswer})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if updated.State != domain.StateEscalated || !updated.Escalated {
		t.Fatalf("state = %s escalated=%v, want ESCALATED", updated.State, updated.Escalated)
	}
	if updated.NextEligibleAt != nil {
		t.Fatalf("nextEligibleAt = %v, want nil", updated.NextEligibleAt)
	}
	if updated.EscalationReason == nil || *updated.EscalationReason != domain.EscalationNoAnswerExhausted {
		t.Fatalf("escalation reason = %v", updated.EscalationReason)
	}
	if updated.CurrentConfirmationStatus() != domain.ConfirmationNoAnswerExhausted {
		t.Fatalf("confirmation status = %q", updated.CurrentConfirmationStatus())
	}

	if got := f.workflows.callCount(); got != 1 {
		t.Fatalf("workflow triggers = %d, want 1", got)
	}
	if f.workflows.calls[0].Kind != domain.WorkflowNoAnswerExhausted {
		t.Fatalf("workflow kind = %s", f.workflows.calls[0].Kind)
	}
	if got := f.sms.callCount(); got != 1 {
		t.Fatalf("sms sends = %d, want 1", got)
	}
	if tags := f.crm.taggedReasons(); len(tags) != 1 || tags[0] != domain.EscalationNoAnswerExhausted {
		t.Fatalf("crm tags = %v", tags)
	}
}

func TestFinalizerAnsweredConfirmedIsTerminal(t *testing.T) {
	t.Parallel()

	monday := time.Date(2026, 3, 2, 14, 0, 0, 0, easternTime(t))
	f := newFinalizerFixture(t, attemptingState(1), monday)

	updated, err := f.finalizer.Complete(context.Background(), "rs-1", "a-1", domain.OutcomeRecord{
		Outcome: domain.OutcomeAnsweredConfirmed,
		Intent:  domain.IntentConfirm,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if updated.State != domain.StateTerminal || updated.ArchivedAt == nil {
		t.Fatalf("state = %s archived=%v, want archived TERMINAL", updated.State, updated.ArchivedAt)
	}
	if updated.CurrentConfirmationStatus() != domain.ConfirmationConfirmed {
		t.Fatalf("confirmation status = %q", updated.CurrentConfirmationStatus())
	}
	if updated.Escalated {
		t.Fatal("answered outcome must never escalate")
	}
	if got := f.workflows.callCount(); got != 1 {
		t.Fatalf("workflow triggers = %d, want 1", got)
	}
	if got := f.sms.callCount(); got != 0 {
		t.Fatalf("sms sends = %d, want 0", got)
	}
}

func TestFinalizerAnsweredAfterExhaustedResetKeepsStoredStatus(t *testing.T) {
	t.Parallel()

	monday := time.Date(2026, 3, 2, 14, 0, 0, 0, easternTime(t))
	exhausted := domain.ConfirmationNoAnswerExhausted
	state := attemptingState(4)
	state.ResetAttemptCount = 3
	state.ConfirmationStatus = &exhausted

	f := newFinalizerFixture(t, state, monday)
	f.states.finalizeFn = func(ctx context.Context, id string, expect domain.State, tr repository.Transition) (*domain.RetryState, bool, error) {
		written := tr.ConfirmationStatus != nil && state.CurrentConfirmationStatus().CanTransitionTo(*tr.ConfirmationStatus)
		return applyTransition(*state, tr), written, nil
	}
	core, recorded := observer.New(zapcore.InfoLevel)
	f.finalizer.logger = zap.New(core)

	updated, err := f.finalizer.Complete(context.Background(), "rs-1", "a-4", domain.OutcomeRecord{
		Outcome: domain.OutcomeAnsweredConfirmed,
		Intent:  domain.IntentConfirm,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if updated.State != domain.StateTerminal {
		t.Fatalf("state = %s, want TERMINAL", updated.State)
	}
	if got := updated.CurrentConfirmationStatus(); got != domain.ConfirmationNoAnswerExhausted {
		t.Fatalf("confirmation status = %q, want no_answer_exhausted", got)
	}
	if got := f.workflows.callCount(); got != 0 {
		t.Fatalf("workflow triggers = %d, want 0", got)
	}

	entries := recorded.FilterMessage("enrollment reached terminal status").All()
	if len(entries) != 1 {
		t.Fatalf("terminal log entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["confirmationStatus"] != "no_answer_exhausted" {
		t.Fatalf("logged confirmationStatus = %v, want no_answer_exhausted", fields["confirmationStatus"])
	}
	if fields["statusWritten"] != false {
		t.Fatalf("logged statusWritten = %v, want false", fields["statusWritten"])
	}
}

func TestFinalizerInfraOutcomeUsesSeparateBudget(t *testing.T) {
	t.Parallel()

	monday := time.Date(2026, 3, 2, 14, 0, 0, 0, easternTime(t))
	state := attemptingState(3)
	state.InfraFailureCount = 1
	f := newFinalizerFixture(t, state, monday)

	updated, err := f.finalizer.Complete(context.Background(), "rs-1", "a-3", domain.OutcomeRecord{Outcome: domain.OutcomeCarrierError})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if len(f.transitions) != 1 || f.transitions[0].InfraFailureDelta != 1 {
		t.Fatalf("transitions = %+v, want one infra delta", f.transitions)
	}
	if updated.State != domain.StateScheduled {
		t.Fatalf("state = %s, want SCHEDULED", updated.State)
	}
	want := monday.Add(retry.DefaultInfraCooldown)
	if updated.NextEligibleAt == nil || !updated.NextEligibleAt.Equal(want) {
		t.Fatalf("nextEligibleAt = %v, want %v", updated.NextEligibleAt, want)
	}
}

func TestFinalizerInfraBudgetExhaustedEscalates(t *testing.T) {
	t.Parallel()

	monday := time.Date(2026, 3, 2, 14, 0, 0, 0, easternTime(t))
	state := attemptingState(3)
	state.InfraFailureCount = 2
	f := newFinalizerFixture(t, state, monday)

	updated, err := f.finalizer.Complete(context.Background(), "rs-1", "a-3", domain.OutcomeRecord{Outcome: domain.OutcomeAssistantError})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if updated.EscalationReason == nil || *updated.EscalationReason != domain.EscalationInfrastructureFailure {
		t.Fatalf("escalation reason = %v, want infrastructure_failure", updated.EscalationReason)
	}
	if f.workflows.callCount() != 0 {
		t.Fatal("infrastructure escalation must not dispatch a workflow")
	}
}

func TestFinalizerDoNotCallCancelsInsteadOfRetrying(t *testing.T) {
	t.Parallel()

	monday := time.Date(2026, 3, 2, 14, 0, 0, 0, easternTime(t))
	state := attemptingState(1)
	state.DoNotCall = true
	f := newFinalizerFixture(t, state, monday)

	updated, err := f.finalizer.Complete(context.Background(), "rs-1", "a-1", domain.OutcomeRecord{Outcome: domain.OutcomeBusy})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if updated.State != domain.StateCancelled || updated.NextEligibleAt != nil {
		t.Fatalf("state = %s next=%v, want CANCELLED without next", updated.State, updated.NextEligibleAt)
	}
}

func TestFinalizerUsesStoredOutcomeWhenWriteLost(t *testing.T) {
	t.Parallel()

	monday := time.Date(2026, 3, 2, 14, 0, 0, 0, easternTime(t))
	f := newFinalizerFixture(t, attemptingState(1), monday)

	stored := domain.OutcomeAnsweredCancelled
	f.attempts.recordOutcomeFn = func(ctx context.Context, id string, rec domain.OutcomeRecord) (bool, error) {
		return false, nil
	}
	f.attempts.getByIDFn = func(ctx context.Context, id string) (*domain.CallAttempt, error) {
		return &domain.CallAttempt{ID: id, Outcome: &stored}, nil
	}

	updated, err := f.finalizer.Complete(context.Background(), "rs-1", "a-1", domain.OutcomeRecord{Outcome: domain.OutcomeCarrierError})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if updated.CurrentConfirmationStatus() != domain.ConfirmationCancelled {
		t.Fatalf("confirmation status = %q, want cancelled", updated.CurrentConfirmationStatus())
	}
	if f.transitions[0].InfraFailureDelta != 0 {
		t.Fatal("lost timeout write must not be charged to the infra budget")
	}
}

func TestFinalizerSkipsAlreadyFinalizedEnrollment(t *testing.T) {
	t.Parallel()

	monday := time.Date(2026, 3, 2, 14, 0, 0, 0, easternTime(t))
	state := attemptingState(1)
	state.State = domain.StateScheduled
	f := newFinalizerFixture(t, state, monday)

	updated, err := f.finalizer.Complete(context.Background(), "rs-1", "a-1", domain.OutcomeRecord{Outcome: domain.OutcomeNoAnswer})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if updated.State != domain.StateScheduled {
		t.Fatalf("state = %s, want SCHEDULED", updated.State)
	}
	if len(f.transitions) != 0 {
		t.Fatalf("transitions = %d, want 0", len(f.transitions))
	}
}

func TestFinalizerUnresolvedRegionEscalates(t *testing.T) {
	t.Parallel()

	monday := time.Date(2026, 3, 2, 14, 0, 0, 0, easternTime(t))
	state := attemptingState(1)
	state.Region = "mars"
	f := newFinalizerFixture(t, state, monday)

	updated, err := f.finalizer.Complete(context.Background(), "rs-1", "a-1", domain.OutcomeRecord{Outcome: domain.OutcomeNoAnswer})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if updated.EscalationReason == nil || *updated.EscalationReason != domain.EscalationUnsupportedRegion {
		t.Fatalf("escalation reason = %v, want unsupported_region", updated.EscalationReason)
	}
}

func TestNewFinalizerRejectsInvalidCampaignPolicy(t *testing.T) {
	t.Parallel()

	policies := config.DefaultPolicies()
	policies.Campaigns["broken"] = config.Campaign{ID: "broken", Kind: domain.CampaignConfirmation}

	_, err := NewFinalizer(&fakeRetryStateRepo{}, &fakeAttemptRepo{}, newTestResolver(t), policies, nil, nil, nil)
	if err == nil {
		t.Fatal("expected error for a zero campaign policy")
	}
}
