package domain

import (
	"fmt"
	"strings"
)

// Outcome is the canonical classification of a single call attempt.
type Outcome string

const (
	OutcomeAnsweredConfirmed  Outcome = "answered-confirmed"
	OutcomeAnsweredCancelled  Outcome = "answered-cancelled"
	OutcomeAnsweredReschedule Outcome = "answered-reschedule"
	OutcomeAnsweredUnclear    Outcome = "answered-unclear"
	OutcomeNoAnswer           Outcome = "no-answer"
	OutcomeBusy               Outcome = "busy"
	OutcomeVoicemail          Outcome = "voicemail"
	OutcomeCarrierError       Outcome = "carrier-error"
	OutcomeAssistantError     Outcome = "assistant-error"
)

func (o Outcome) String() string { return string(o) }

func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeAnsweredConfirmed, OutcomeAnsweredCancelled, OutcomeAnsweredReschedule,
		OutcomeAnsweredUnclear, OutcomeNoAnswer, OutcomeBusy, OutcomeVoicemail,
		OutcomeCarrierError, OutcomeAssistantError:
		return true
	}
	return false
}

// IsRetryable reports whether another automated attempt is still permitted after this outcome.
func (o Outcome) IsRetryable() bool {
	switch o {
	case OutcomeAnsweredUnclear, OutcomeNoAnswer, OutcomeBusy, OutcomeVoicemail,
		OutcomeCarrierError, OutcomeAssistantError:
		return true
	}
	return false
}

// IsInfrastructure reports whether the outcome counts against the infrastructure failure budget
// instead of the customer-facing attempt budget.
func (o Outcome) IsInfrastructure() bool {
	return o == OutcomeCarrierError || o == OutcomeAssistantError
}

// ConfirmationStatus returns the terminal status carried by an explicit customer intent.
func (o Outcome) ConfirmationStatus() (ConfirmationStatus, bool) {
	switch o {
	case OutcomeAnsweredConfirmed:
		return ConfirmationConfirmed, true
	case OutcomeAnsweredCancelled:
		return ConfirmationCancelled, true
	case OutcomeAnsweredReschedule:
		return ConfirmationRescheduleRequested, true
	}
	return "", false
}

func ParseOutcomeFromString(s string) (Outcome, error) {
	o := Outcome(strings.ToLower(strings.TrimSpace(s)))
	if !o.IsValid() {
		return "", fmt.Errorf("%w: invalid outcome %q", ErrValidation, s)
	}
	return o, nil
}

// Intent is what the customer stated during an answered confirmation call.
type Intent string

const (
	IntentNone       Intent = ""
	IntentConfirm    Intent = "confirm"
	IntentCancel     Intent = "cancel"
	IntentReschedule Intent = "reschedule"
	IntentUnclear    Intent = "unclear"
)

func (i Intent) String() string { return string(i) }

func (i Intent) IsValid() bool {
	switch i {
	case IntentNone, IntentConfirm, IntentCancel, IntentReschedule, IntentUnclear:
		return true
	}
	return false
}
