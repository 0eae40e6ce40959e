package domain

import (
	"fmt"
	"strings"
	"time"
)

// ConfirmationStatus is the terminal classification of a confirmation-type contact.
type ConfirmationStatus string

const (
	ConfirmationConfirmed           ConfirmationStatus = "confirmed"
	ConfirmationCancelled           ConfirmationStatus = "cancelled"
	ConfirmationRescheduleRequested ConfirmationStatus = "reschedule_requested"
	ConfirmationNoAnswerExhausted   ConfirmationStatus = "no_answer_exhausted"
)

func (s ConfirmationStatus) String() string { return string(s) }

func (s ConfirmationStatus) IsValid() bool {
	switch s {
	case ConfirmationConfirmed, ConfirmationCancelled, ConfirmationRescheduleRequested, ConfirmationNoAnswerExhausted:
		return true
	}
	return false
}

// CanTransitionTo reports whether a persisted status may be replaced by next.
// An empty status accepts anything; reschedule_requested may still settle as
// confirmed or cancelled. Every other status is final.
func (s ConfirmationStatus) CanTransitionTo(next ConfirmationStatus) bool {
	if !next.IsValid() {
		return false
	}
	switch s {
	case "":
		return true
	case ConfirmationRescheduleRequested:
		return next == ConfirmationConfirmed || next == ConfirmationCancelled
	}
	return false
}

func ParseConfirmationStatusFromString(s string) (ConfirmationStatus, error) {
	st := ConfirmationStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid confirmation status %q", ErrValidation, s)
	}
	return st, nil
}

// WorkflowKind names the downstream notification workflow fired for a terminal status.
type WorkflowKind string

const (
	WorkflowConfirmed           WorkflowKind = "confirmed"
	WorkflowCancelled           WorkflowKind = "cancelled"
	WorkflowRescheduleRequested WorkflowKind = "reschedule_requested"
	WorkflowNoAnswerExhausted   WorkflowKind = "no_answer_exhausted"
)

func (k WorkflowKind) String() string { return string(k) }

// WorkflowFor maps a terminal status to its workflow kind.
func WorkflowFor(status ConfirmationStatus) (WorkflowKind, bool) {
	switch status {
	case ConfirmationConfirmed:
		return WorkflowConfirmed, true
	case ConfirmationCancelled:
		return WorkflowCancelled, true
	case ConfirmationRescheduleRequested:
		return WorkflowRescheduleRequested, true
	case ConfirmationNoAnswerExhausted:
		return WorkflowNoAnswerExhausted, true
	}
	return "", false
}

// DispatchStatus tracks delivery of one workflow dispatch.
type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "PENDING"
	DispatchDelivered DispatchStatus = "DELIVERED"
	DispatchFailed    DispatchStatus = "FAILED"
)

func (s DispatchStatus) String() string { return string(s) }

// IdempotencyKey builds the at-most-once key for a workflow dispatch.
func IdempotencyKey(contactID string, status ConfirmationStatus, appointmentID string) string {
	return strings.TrimSpace(contactID) + ":" + status.String() + ":" + strings.TrimSpace(appointmentID)
}

// WorkflowDispatch is the ledger row guarding a terminal transition's downstream side effects.
type WorkflowDispatch struct {
	ID             string
	IdempotencyKey string
	RetryStateID   string
	ContactID      string
	AppointmentID  string
	Kind           WorkflowKind
	Status         DispatchStatus
	ExecutionID    *string
	SMSMessageID   *string
	Attempts       int
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
