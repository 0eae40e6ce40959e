package domain

import (
	"errors"
	"testing"
	"time"
)

func TestParseOutcomeFromString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    Outcome
		wantErr bool
	}{
		{name: "valid", input: "no-answer", want: OutcomeNoAnswer},
		{name: "mixed case with spaces", input: " Answered-Confirmed ", want: OutcomeAnsweredConfirmed},
		{name: "invalid", input: "hung-up", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseOutcomeFromString(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("ParseOutcomeFromString() error = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseOutcomeFromString() unexpected error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("ParseOutcomeFromString() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestOutcomeClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		outcome   Outcome
		retryable bool
		infra     bool
		status    ConfirmationStatus
	}{
		{outcome: OutcomeAnsweredConfirmed, status: ConfirmationConfirmed},
		{outcome: OutcomeAnsweredCancelled, status: ConfirmationCancelled},
		{outcome: OutcomeAnsweredReschedule, status: ConfirmationRescheduleRequested},
		{outcome: OutcomeAnsweredUnclear, retryable: true},
		{outcome: OutcomeNoAnswer, retryable: true},
		{outcome: OutcomeBusy, retryable: true},
		{outcome: OutcomeVoicemail, retryable: true},
		{outcome: OutcomeCarrierError, retryable: true, infra: true},
		{outcome: OutcomeAssistantError, retryable: true, infra: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.outcome.String(), func(t *testing.T) {
			t.Parallel()

			if got := tt.outcome.IsRetryable(); got != tt.retryable {
				t.Fatalf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if got := tt.outcome.IsInfrastructure(); got != tt.infra {
				t.Fatalf("IsInfrastructure() = %v, want %v", got, tt.infra)
			}
			status, ok := tt.outcome.ConfirmationStatus()
			if ok != (tt.status != "") || status != tt.status {
				t.Fatalf("ConfirmationStatus() = (%q, %v), want %q", status, ok, tt.status)
			}
		})
	}
}

func TestConfirmationStatusCanTransitionTo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from ConfirmationStatus
		to   ConfirmationStatus
		want bool
	}{
		{name: "unset to confirmed", from: "", to: ConfirmationConfirmed, want: true},
		{name: "reschedule to confirmed", from: ConfirmationRescheduleRequested, to: ConfirmationConfirmed, want: true},
		{name: "reschedule to cancelled", from: ConfirmationRescheduleRequested, to: ConfirmationCancelled, want: true},
		{name: "reschedule to exhausted", from: ConfirmationRescheduleRequested, to: ConfirmationNoAnswerExhausted},
		{name: "confirmed is final", from: ConfirmationConfirmed, to: ConfirmationCancelled},
		{name: "same status is a no-op", from: ConfirmationCancelled, to: ConfirmationCancelled},
		{name: "invalid target", from: "", to: "maybe"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Fatalf("CanTransitionTo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIdempotencyKey(t *testing.T) {
	t.Parallel()

	got := IdempotencyKey(" c-1 ", ConfirmationConfirmed, "appt-9")
	if got != "c-1:confirmed:appt-9" {
		t.Fatalf("IdempotencyKey() = %q", got)
	}
}

func TestWorkflowFor(t *testing.T) {
	t.Parallel()

	kind, ok := WorkflowFor(ConfirmationNoAnswerExhausted)
	if !ok || kind != WorkflowNoAnswerExhausted {
		t.Fatalf("WorkflowFor() = (%s, %v)", kind, ok)
	}
	if _, ok := WorkflowFor("unknown"); ok {
		t.Fatal("WorkflowFor(unknown) expected false")
	}
}

func TestParseStateAndCampaignKind(t *testing.T) {
	t.Parallel()

	state, err := ParseStateFromString(" scheduled ")
	if err != nil || state != StateScheduled {
		t.Fatalf("ParseStateFromString() = (%s, %v)", state, err)
	}
	if _, err := ParseStateFromString("pending"); !errors.Is(err, ErrValidation) {
		t.Fatalf("ParseStateFromString() error = %v, want ErrValidation", err)
	}

	kind, err := ParseCampaignKindFromString("qualification")
	if err != nil || kind != CampaignQualification {
		t.Fatalf("ParseCampaignKindFromString() = (%s, %v)", kind, err)
	}
	if _, err := ParseCampaignKindFromString("survey"); !errors.Is(err, ErrValidation) {
		t.Fatalf("ParseCampaignKindFromString() error = %v, want ErrValidation", err)
	}
}

func TestIsE164(t *testing.T) {
	t.Parallel()

	valid := []string{"+14155550100", "+442071838750"}
	invalid := []string{"", "14155550100", "+1-415-555", "+0123456789", "+1234567890123456"}

	for _, p := range valid {
		if !IsE164(p) {
			t.Fatalf("IsE164(%q) = false, want true", p)
		}
	}
	for _, p := range invalid {
		if IsE164(p) {
			t.Fatalf("IsE164(%q) = true, want false", p)
		}
	}
}

func TestRetryStateIsDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name   string
		mutate func(*RetryState)
		want   bool
	}{
		{name: "due", mutate: func(s *RetryState) {}, want: true},
		{name: "not yet eligible", mutate: func(s *RetryState) { s.NextEligibleAt = &future }},
		{name: "no next eligible time", mutate: func(s *RetryState) { s.NextEligibleAt = nil }},
		{name: "do not call", mutate: func(s *RetryState) { s.DoNotCall = true }},
		{name: "escalated", mutate: func(s *RetryState) { s.Escalated = true }},
		{name: "attempting", mutate: func(s *RetryState) { s.State = StateAttempting }},
		{name: "archived", mutate: func(s *RetryState) { s.ArchivedAt = &past }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			state := &RetryState{State: StateScheduled, NextEligibleAt: &past}
			tt.mutate(state)
			if got := state.IsDue(now); got != tt.want {
				t.Fatalf("IsDue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryStateCustomerAttempts(t *testing.T) {
	t.Parallel()

	state := &RetryState{AttemptCount: 4, InfraFailureCount: 2}
	if got := state.CustomerAttempts(); got != 2 {
		t.Fatalf("CustomerAttempts() = %d, want 2", got)
	}

	// After an operator reset only attempts made since the reset count.
	state = &RetryState{AttemptCount: 5, ResetAttemptCount: 4, InfraFailureCount: 0}
	if got := state.BudgetAttempts(); got != 1 {
		t.Fatalf("BudgetAttempts() = %d, want 1", got)
	}
	if got := state.CustomerAttempts(); got != 1 {
		t.Fatalf("CustomerAttempts() = %d, want 1", got)
	}
}

func TestRetryStateValidate(t *testing.T) {
	t.Parallel()

	valid := RetryState{
		ContactID:    "c-1",
		CampaignID:   "camp-1",
		CampaignKind: CampaignConfirmation,
		Phone:        "+14155550100",
		State:        StateScheduled,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error = %v", err)
	}

	invalid := valid
	invalid.Phone = "415-555-0100"
	if err := invalid.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("Validate() error = %v, want ErrValidation", err)
	}
}
