package provider

import (
	"context"

	"github.com/kursadbilgin/callflow-engine/internal/domain"
)

// VoiceClient places outbound calls on the voice platform.
type VoiceClient interface {
	PlaceCall(ctx context.Context, req PlaceCallRequest) (*PlaceCallResponse, error)
}

// WorkflowClient triggers downstream notification workflows.
type WorkflowClient interface {
	TriggerWorkflow(ctx context.Context, req WorkflowRequest) (string, error)
}

// SMSClient sends fallback text messages.
type SMSClient interface {
	SendSMS(ctx context.Context, req SMSRequest) (string, error)
}

// CRMClient reads contacts and writes follow-up markers back to the CRM.
type CRMClient interface {
	GetContact(ctx context.Context, contactID string) (*domain.Contact, error)
	TagManualFollowUp(ctx context.Context, contactID string, reason domain.EscalationReason) error
	SetConfirmationStatus(ctx context.Context, contactID, appointmentID string, status domain.ConfirmationStatus) error
}

type PlaceCallRequest struct {
	AttemptID     string
	ContactID     string
	CampaignID    string
	CampaignKind  domain.CampaignKind
	AppointmentID string
	Phone         string
	DisplayName   string
	AttemptNumber int
}

// PlaceCallResponse is the voice platform's acknowledgement. EndedReason is
// set only when the platform finished the call synchronously.
type PlaceCallResponse struct {
	ExternalCallID string
	EndedReason    string
	Intent         string
}

type WorkflowRequest struct {
	Kind           domain.WorkflowKind
	ContactID      string
	CampaignID     string
	AppointmentID  string
	IdempotencyKey string
}

type SMSRequest struct {
	ContactID      string
	Phone          string
	Template       domain.WorkflowKind
	IdempotencyKey string
}
