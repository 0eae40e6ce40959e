// Package retry decides what happens to an enrollment after each classified attempt.
package retry

import (
	"fmt"
	"time"

	"github.com/kursadbilgin/callflow-engine/internal/domain"
	"github.com/kursadbilgin/callflow-engine/internal/timezone"
)

// Action is the planner's verdict for an enrollment.
type Action string

const (
	ActionTerminal Action = "terminal"
	ActionRetry    Action = "retry"
	ActionEscalate Action = "escalate"
)

const (
	DefaultEscalationThreshold = 3
	DefaultSameDayRetryDelay   = 2 * time.Hour
	DefaultInfraCooldown       = 5 * time.Minute
	DefaultInfraFailureBudget  = 3
)

// Policy holds the per-campaign retry knobs.
type Policy struct {
	EscalationThreshold int
	SameDayRetryDelay   time.Duration
	NextDayOffset       time.Duration
	InfraCooldown       time.Duration
	InfraFailureBudget  int
}

func DefaultPolicy() Policy {
	return Policy{
		EscalationThreshold: DefaultEscalationThreshold,
		SameDayRetryDelay:   DefaultSameDayRetryDelay,
		InfraCooldown:       DefaultInfraCooldown,
		InfraFailureBudget:  DefaultInfraFailureBudget,
	}
}

func (p Policy) Validate() error {
	if p.EscalationThreshold < 1 {
		return fmt.Errorf("%w: escalation threshold must be at least 1", domain.ErrValidation)
	}
	if p.InfraFailureBudget < 1 {
		return fmt.Errorf("%w: infra failure budget must be at least 1", domain.ErrValidation)
	}
	if p.SameDayRetryDelay < 0 || p.NextDayOffset < 0 || p.InfraCooldown < 0 {
		return fmt.Errorf("%w: retry delays must not be negative", domain.ErrValidation)
	}
	return nil
}

// Input is the state the planner sees after an outcome has been recorded.
// AttemptCount and InfraFailureCount already include the latest attempt.
type Input struct {
	Outcome           domain.Outcome
	AttemptCount      int
	InfraFailureCount int
	Window            *timezone.Window
	Now               time.Time
}

type Decision struct {
	Action             Action
	NextEligibleAt     *time.Time
	ConfirmationStatus domain.ConfirmationStatus
	EscalationReason   domain.EscalationReason
}

type Planner struct {
	policy Policy
}

func NewPlanner(policy Policy) (*Planner, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Planner{policy: policy}, nil
}

func (p *Planner) Policy() Policy {
	return p.policy
}

// Plan applies the retry and escalation rules. Every retry time it returns lies
// inside the window on an operating day.
func (p *Planner) Plan(in Input) Decision {
	if !in.Outcome.IsRetryable() {
		status, _ := in.Outcome.ConfirmationStatus()
		return Decision{Action: ActionTerminal, ConfirmationStatus: status}
	}

	if in.Window == nil {
		return Decision{Action: ActionEscalate, EscalationReason: domain.EscalationUnsupportedRegion}
	}

	if in.Outcome.IsInfrastructure() {
		if in.InfraFailureCount >= p.policy.InfraFailureBudget {
			return Decision{Action: ActionEscalate, EscalationReason: domain.EscalationInfrastructureFailure}
		}
		next := in.Window.Snap(in.Now.Add(p.policy.InfraCooldown))
		return Decision{Action: ActionRetry, NextEligibleAt: &next}
	}

	customerAttempts := in.AttemptCount - in.InfraFailureCount
	if customerAttempts >= p.policy.EscalationThreshold {
		return Decision{
			Action:             ActionEscalate,
			EscalationReason:   domain.EscalationNoAnswerExhausted,
			ConfirmationStatus: domain.ConfirmationNoAnswerExhausted,
		}
	}

	var next time.Time
	if customerAttempts <= 1 {
		next = in.Window.Snap(in.Now.Add(p.policy.SameDayRetryDelay))
	} else {
		next = in.Window.Snap(in.Window.NextBusinessDayStart(in.Now).Add(p.policy.NextDayOffset))
	}
	return Decision{Action: ActionRetry, NextEligibleAt: &next}
}

// FirstEligibleAt is when a fresh enrollment may first be called.
func FirstEligibleAt(window *timezone.Window, now, requestedAt time.Time) time.Time {
	at := now
	if requestedAt.After(now) {
		at = requestedAt
	}
	return window.Snap(at)
}
