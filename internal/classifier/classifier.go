// Package classifier turns raw voice platform termination signals into domain outcomes.
// Termination codes are normalised here and nowhere else.
package classifier

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/callflow-engine/internal/domain"
)

// Reasons recorded for outcomes the engine produces itself.
const (
	ReasonPlacementFailed = "placement-failed"
	ReasonOutcomeTimeout  = "outcome-timeout"
	ReasonOrphanedAttempt = "orphaned-attempt"
)

// Signal is what the voice platform reported at the end of a call.
type Signal struct {
	TerminationCode string
	Detail          string
	Intent          string
}

// History is the slice of enrollment state classification depends on.
type History struct {
	UnclearCount int
}

var exactCodes = map[string]domain.Outcome{
	"customer-did-not-answer":       domain.OutcomeNoAnswer,
	"no-answer":                     domain.OutcomeNoAnswer,
	"no_answer":                     domain.OutcomeNoAnswer,
	"sip-408":                       domain.OutcomeNoAnswer,
	"sip-480":                       domain.OutcomeNoAnswer,
	"customer-busy":                 domain.OutcomeBusy,
	"busy":                          domain.OutcomeBusy,
	"sip-486":                       domain.OutcomeBusy,
	"sip-600":                       domain.OutcomeBusy,
	"voicemail":                     domain.OutcomeVoicemail,
	"machine-detected":              domain.OutcomeVoicemail,
	"twilio-failed-to-connect-call": domain.OutcomeCarrierError,
	"failed-to-connect":             domain.OutcomeCarrierError,
	"assistant-error":               domain.OutcomeAssistantError,
	"customer-ended-call":           domain.OutcomeAnsweredUnclear,
	"assistant-ended-call":          domain.OutcomeAnsweredUnclear,
	"silence-timed-out":             domain.OutcomeAnsweredUnclear,
	"exceeded-max-duration":         domain.OutcomeAnsweredUnclear,
	"completed":                     domain.OutcomeAnsweredUnclear,
}

var prefixCodes = []struct {
	prefix  string
	outcome domain.Outcome
}{
	{prefix: "pipeline-error-", outcome: domain.OutcomeAssistantError},
	{prefix: "assistant-", outcome: domain.OutcomeAssistantError},
	{prefix: "twilio-", outcome: domain.OutcomeCarrierError},
	{prefix: "vonage-", outcome: domain.OutcomeCarrierError},
	{prefix: "phone-call-provider-", outcome: domain.OutcomeCarrierError},
	{prefix: "carrier-", outcome: domain.OutcomeCarrierError},
	{prefix: "sip-5", outcome: domain.OutcomeCarrierError},
	{prefix: "sip-4", outcome: domain.OutcomeCarrierError},
}

// Classify maps a termination signal onto exactly one outcome. A stated intent
// takes precedence over the termination code. An unclear answer is retried once;
// a second one is treated as no-answer.
func Classify(sig Signal, hist History) domain.Outcome {
	outcome := classifySignal(sig)
	if outcome == domain.OutcomeAnsweredUnclear && hist.UnclearCount >= 1 {
		return domain.OutcomeNoAnswer
	}
	return outcome
}

func classifySignal(sig Signal) domain.Outcome {
	if intent, err := ParseIntent(sig.Intent); err == nil {
		switch intent {
		case domain.IntentConfirm:
			return domain.OutcomeAnsweredConfirmed
		case domain.IntentCancel:
			return domain.OutcomeAnsweredCancelled
		case domain.IntentReschedule:
			return domain.OutcomeAnsweredReschedule
		case domain.IntentUnclear:
			return domain.OutcomeAnsweredUnclear
		}
	} else {
		return domain.OutcomeAnsweredUnclear
	}

	code := strings.ToLower(strings.TrimSpace(sig.TerminationCode))
	if outcome, ok := exactCodes[code]; ok {
		return outcome
	}
	for _, p := range prefixCodes {
		if strings.HasPrefix(code, p.prefix) {
			return p.outcome
		}
	}

	// Unknown codes are charged to the infrastructure budget.
	return domain.OutcomeCarrierError
}

// FromPlacementError classifies a call that could not be placed at all and
// returns the reason to record on the attempt.
func FromPlacementError(err error) (domain.Outcome, string) {
	reason := ReasonPlacementFailed
	if err != nil {
		reason += ": " + err.Error()
	}
	return domain.OutcomeCarrierError, reason
}

// Timeout classifies an attempt whose outcome never arrived.
func Timeout() (domain.Outcome, string) {
	return domain.OutcomeCarrierError, ReasonOutcomeTimeout
}

// ParseIntent normalises a customer stated intent. An empty string means no intent was captured.
func ParseIntent(s string) (domain.Intent, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return domain.IntentNone, nil
	case "confirm", "confirmed", "yes":
		return domain.IntentConfirm, nil
	case "cancel", "cancelled", "canceled":
		return domain.IntentCancel, nil
	case "reschedule", "rescheduled", "reschedule_requested":
		return domain.IntentReschedule, nil
	case "unclear":
		return domain.IntentUnclear, nil
	}
	return domain.IntentNone, fmt.Errorf("%w: invalid intent %q", domain.ErrValidation, s)
}

// Orphaned classifies an attempt whose worker disappeared before finalizing it.
func Orphaned() (domain.Outcome, string) {
	return domain.OutcomeCarrierError, ReasonOrphanedAttempt
}
