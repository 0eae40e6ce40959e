package domain

import (
	"fmt"
	"strings"
	"time"
)

// Contact is the CRM-owned person being called. The engine only keeps a cached copy.
type Contact struct {
	ID            string
	Phone         string
	DisplayName   string
	Region        string
	Timezone      string
	AppointmentID string
	DoNotCall     bool
}

func (c *Contact) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: contact id is required", ErrValidation)
	}
	if !IsE164(c.Phone) {
		return fmt.Errorf("%w: phone %q is not E.164", ErrValidation, c.Phone)
	}
	return nil
}

// IsE164 performs the structural E.164 check: a leading plus and 8 to 15 digits.
func IsE164(phone string) bool {
	if len(phone) < 9 || len(phone) > 16 || phone[0] != '+' {
		return false
	}
	for _, r := range phone[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return phone[1] != '0'
}

// RetryState is the per-enrollment accumulator the orchestration loop reads and mutates.
// An enrollment is one contact in one campaign for one appointment.
type RetryState struct {
	ID                 string
	ContactID          string
	CampaignID         string
	CampaignKind       CampaignKind
	AppointmentID      string
	Phone              string
	DisplayName        string
	Region             string
	Timezone           *string
	State              State
	AttemptCount       int
	ResetAttemptCount  int
	InfraFailureCount  int
	UnclearCount       int
	LastOutcome        *Outcome
	LastReason         *string
	NextEligibleAt     *time.Time
	Escalated          bool
	EscalationReason   *EscalationReason
	ConfirmationStatus *ConfirmationStatus
	DoNotCall          bool
	EnqueuedAt         *time.Time
	AttemptingSince    *time.Time
	ArchivedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// BudgetAttempts is the number of attempts made since the budgets were last reset.
// AttemptCount itself never decreases.
func (s *RetryState) BudgetAttempts() int {
	n := s.AttemptCount - s.ResetAttemptCount
	if n < 0 {
		return 0
	}
	return n
}

// CustomerAttempts is the number of attempts charged to the customer-facing budget.
func (s *RetryState) CustomerAttempts() int {
	n := s.BudgetAttempts() - s.InfraFailureCount
	if n < 0 {
		return 0
	}
	return n
}

// IsDue reports whether the enrollment may be attempted at now.
func (s *RetryState) IsDue(now time.Time) bool {
	if s.State != StateScheduled || s.DoNotCall || s.Escalated || s.ArchivedAt != nil {
		return false
	}
	return s.NextEligibleAt != nil && !s.NextEligibleAt.After(now)
}

func (s *RetryState) CurrentConfirmationStatus() ConfirmationStatus {
	if s.ConfirmationStatus == nil {
		return ""
	}
	return *s.ConfirmationStatus
}

func (s *RetryState) Validate() error {
	if strings.TrimSpace(s.ContactID) == "" {
		return fmt.Errorf("%w: contact id is required", ErrValidation)
	}
	if strings.TrimSpace(s.CampaignID) == "" {
		return fmt.Errorf("%w: campaign id is required", ErrValidation)
	}
	if !s.CampaignKind.IsValid() {
		return fmt.Errorf("%w: invalid campaign kind %q", ErrValidation, s.CampaignKind)
	}
	if !IsE164(s.Phone) {
		return fmt.Errorf("%w: phone %q is not E.164", ErrValidation, s.Phone)
	}
	if !s.State.IsValid() {
		return fmt.Errorf("%w: invalid state %q", ErrValidation, s.State)
	}
	return nil
}

// CallAttempt records one placed call. Its outcome is written exactly once.
type CallAttempt struct {
	ID             string
	RetryStateID   string
	ContactID      string
	CampaignID     string
	AttemptNumber  int
	ScheduledAt    *time.Time
	PlacedAt       *time.Time
	ExternalCallID *string
	Outcome        *Outcome
	Reason         *string
	Intent         *Intent
	DurationMillis *int64
	CompletedAt    *time.Time
	CreatedAt      time.Time
}

// OutcomeRecord is the single write that completes a CallAttempt.
type OutcomeRecord struct {
	Outcome     Outcome
	Reason      string
	Intent      Intent
	Duration    time.Duration
	CompletedAt time.Time
}
