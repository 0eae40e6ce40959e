package domain

import (
	"fmt"
	"strings"
)

// State is the orchestration state of an enrollment.
type State string

const (
	StateScheduled  State = "SCHEDULED"
	StateAttempting State = "ATTEMPTING"
	StateEscalated  State = "ESCALATED"
	StateTerminal   State = "TERMINAL"
	StateCancelled  State = "CANCELLED"
)

func (s State) String() string { return string(s) }

func (s State) IsValid() bool {
	switch s {
	case StateScheduled, StateAttempting, StateEscalated, StateTerminal, StateCancelled:
		return true
	}
	return false
}

// IsFinal reports whether no automated call may follow this state.
func (s State) IsFinal() bool {
	return s == StateEscalated || s == StateTerminal || s == StateCancelled
}

func ParseStateFromString(s string) (State, error) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid state %q", ErrValidation, s)
	}
	return st, nil
}

// EscalationReason distinguishes why automation gave up on a contact.
type EscalationReason string

const (
	EscalationNoAnswerExhausted     EscalationReason = "no_answer_exhausted"
	EscalationInfrastructureFailure EscalationReason = "infrastructure_failure"
	EscalationUnsupportedRegion     EscalationReason = "unsupported_region"
)

func (r EscalationReason) String() string { return string(r) }

func (r EscalationReason) IsValid() bool {
	switch r {
	case EscalationNoAnswerExhausted, EscalationInfrastructureFailure, EscalationUnsupportedRegion:
		return true
	}
	return false
}

// CampaignKind is the type of call a campaign places.
type CampaignKind string

const (
	CampaignConfirmation  CampaignKind = "CONFIRMATION"
	CampaignQualification CampaignKind = "QUALIFICATION"
)

func (k CampaignKind) String() string { return string(k) }

func (k CampaignKind) IsValid() bool {
	switch k {
	case CampaignConfirmation, CampaignQualification:
		return true
	}
	return false
}

func ParseCampaignKindFromString(s string) (CampaignKind, error) {
	k := CampaignKind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("%w: invalid campaign kind %q", ErrValidation, s)
	}
	return k, nil
}
