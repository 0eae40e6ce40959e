package repository

import (
	"time"

	"github.com/kursadbilgin/callflow-engine/internal/domain"
)

// RetryStateModel is the persistence model for the retry_states table.
type RetryStateModel struct {
	ID                 string                     `gorm:"type:uuid;primaryKey"`
	ContactID          string                     `gorm:"type:varchar(64);not null;uniqueIndex:idx_retry_states_enrollment,priority:1"`
	CampaignID         string                     `gorm:"type:varchar(64);not null;uniqueIndex:idx_retry_states_enrollment,priority:2"`
	AppointmentID      string                     `gorm:"type:varchar(64);not null;default:'';uniqueIndex:idx_retry_states_enrollment,priority:3"`
	CampaignKind       domain.CampaignKind        `gorm:"type:varchar(20);not null"`
	Phone              string                     `gorm:"type:varchar(20);not null"`
	DisplayName        string                     `gorm:"type:varchar(255);not null;default:''"`
	Region             string                     `gorm:"type:varchar(64);not null;default:''"`
	Timezone           *string                    `gorm:"type:varchar(64)"`
	State              domain.State               `gorm:"type:varchar(20);not null"`
	AttemptCount       int                        `gorm:"not null;default:0"`
	ResetAttemptCount  int                        `gorm:"not null;default:0"`
	InfraFailureCount  int                        `gorm:"not null;default:0"`
	UnclearCount       int                        `gorm:"not null;default:0"`
	LastOutcome        *domain.Outcome            `gorm:"type:varchar(32)"`
	LastReason         *string                    `gorm:"type:text"`
	NextEligibleAt     *time.Time                 `gorm:"precision:6"`
	Escalated          bool                       `gorm:"not null;default:false"`
	EscalationReason   *domain.EscalationReason   `gorm:"type:varchar(32)"`
	ConfirmationStatus *domain.ConfirmationStatus `gorm:"type:varchar(32)"`
	DoNotCall          bool                       `gorm:"not null;default:false"`
	EnqueuedAt         *time.Time                 `gorm:"precision:6"`
	AttemptingSince    *time.Time                 `gorm:"precision:6"`
	ArchivedAt         *time.Time                 `gorm:"precision:6"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (RetryStateModel) TableName() string {
	return "retry_states"
}

// CallAttemptModel is the persistence model for call_attempts.
type CallAttemptModel struct {
	ID             string          `gorm:"type:uuid;primaryKey"`
	RetryStateID   string          `gorm:"type:uuid;not null;uniqueIndex:idx_call_attempts_number,priority:1"`
	ContactID      string          `gorm:"type:varchar(64);not null"`
	CampaignID     string          `gorm:"type:varchar(64);not null"`
	AttemptNumber  int             `gorm:"not null;uniqueIndex:idx_call_attempts_number,priority:2"`
	ScheduledAt    *time.Time      `gorm:"precision:6"`
	PlacedAt       *time.Time      `gorm:"precision:6"`
	ExternalCallID *string         `gorm:"type:varchar(128)"`
	Outcome        *domain.Outcome `gorm:"type:varchar(32)"`
	Reason         *string         `gorm:"type:text"`
	Intent         *domain.Intent  `gorm:"type:varchar(16)"`
	DurationMillis *int64
	CompletedAt    *time.Time      `gorm:"precision:6"`
	CreatedAt      time.Time
}

func (CallAttemptModel) TableName() string {
	return "call_attempts"
}

// WorkflowDispatchModel is the persistence model for the workflow_dispatches ledger.
type WorkflowDispatchModel struct {
	ID             string                `gorm:"type:uuid;primaryKey"`
	IdempotencyKey string                `gorm:"type:varchar(255);not null;uniqueIndex:idx_workflow_dispatches_key"`
	RetryStateID   string                `gorm:"type:uuid;not null"`
	ContactID      string                `gorm:"type:varchar(64);not null;index"`
	AppointmentID  string                `gorm:"type:varchar(64);not null;default:''"`
	Kind           domain.WorkflowKind   `gorm:"type:varchar(32);not null"`
	Status         domain.DispatchStatus `gorm:"type:varchar(20);not null"`
	ExecutionID    *string               `gorm:"type:varchar(128)"`
	SMSMessageID   *string               `gorm:"type:varchar(128)"`
	Attempts       int                   `gorm:"not null;default:0"`
	LastError      *string               `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (WorkflowDispatchModel) TableName() string {
	return "workflow_dispatches"
}

func retryStateModelFromDomain(s *domain.RetryState) *RetryStateModel {
	if s == nil {
		return nil
	}

	return &RetryStateModel{
		ID:                 s.ID,
		ContactID:          s.ContactID,
		CampaignID:         s.CampaignID,
		AppointmentID:      s.AppointmentID,
		CampaignKind:       s.CampaignKind,
		Phone:              s.Phone,
		DisplayName:        s.DisplayName,
		Region:             s.Region,
		Timezone:           s.Timezone,
		State:              s.State,
		AttemptCount:       s.AttemptCount,
		ResetAttemptCount:  s.ResetAttemptCount,
		InfraFailureCount:  s.InfraFailureCount,
		UnclearCount:       s.UnclearCount,
		LastOutcome:        s.LastOutcome,
		LastReason:         s.LastReason,
		NextEligibleAt:     s.NextEligibleAt,
		Escalated:          s.Escalated,
		EscalationReason:   s.EscalationReason,
		ConfirmationStatus: s.ConfirmationStatus,
		DoNotCall:          s.DoNotCall,
		EnqueuedAt:         s.EnqueuedAt,
		AttemptingSince:    s.AttemptingSince,
		ArchivedAt:         s.ArchivedAt,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

func retryStateModelToDomain(m *RetryStateModel) *domain.RetryState {
	if m == nil {
		return nil
	}

	return &domain.RetryState{
		ID:                 m.ID,
		ContactID:          m.ContactID,
		CampaignID:         m.CampaignID,
		AppointmentID:      m.AppointmentID,
		CampaignKind:       m.CampaignKind,
		Phone:              m.Phone,
		DisplayName:        m.DisplayName,
		Region:             m.Region,
		Timezone:           m.Timezone,
		State:              m.State,
		AttemptCount:       m.AttemptCount,
		ResetAttemptCount:  m.ResetAttemptCount,
		InfraFailureCount:  m.InfraFailureCount,
		UnclearCount:       m.UnclearCount,
		LastOutcome:        m.LastOutcome,
		LastReason:         m.LastReason,
		NextEligibleAt:     m.NextEligibleAt,
		Escalated:          m.Escalated,
		EscalationReason:   m.EscalationReason,
		ConfirmationStatus: m.ConfirmationStatus,
		DoNotCall:          m.DoNotCall,
		EnqueuedAt:         m.EnqueuedAt,
		AttemptingSince:    m.AttemptingSince,
		ArchivedAt:         m.ArchivedAt,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.CallAttempt) *CallAttemptModel {
	if a == nil {
		return nil
	}

	return &CallAttemptModel{
		ID:             a.ID,
		RetryStateID:   a.RetryStateID,
		ContactID:      a.ContactID,
		CampaignID:     a.CampaignID,
		AttemptNumber:  a.AttemptNumber,
		ScheduledAt:    a.ScheduledAt,
		PlacedAt:       a.PlacedAt,
		ExternalCallID: a.ExternalCallID,
		Outcome:        a.Outcome,
		Reason:         a.Reason,
		Intent:         a.Intent,
		DurationMillis: a.DurationMillis,
		CompletedAt:    a.CompletedAt,
		CreatedAt:      a.CreatedAt,
	}
}

func attemptModelToDomain(m *CallAttemptModel) *domain.CallAttempt {
	if m == nil {
		return nil
	}

	return &domain.CallAttempt{
		ID:             m.ID,
		RetryStateID:   m.RetryStateID,
		ContactID:      m.ContactID,
		CampaignID:     m.CampaignID,
		AttemptNumber:  m.AttemptNumber,
		ScheduledAt:    m.ScheduledAt,
		PlacedAt:       m.PlacedAt,
		ExternalCallID: m.ExternalCallID,
		Outcome:        m.Outcome,
		Reason:         m.Reason,
		Intent:         m.Intent,
		DurationMillis: m.DurationMillis,
		CompletedAt:    m.CompletedAt,
		CreatedAt:      m.CreatedAt,
	}
}

func dispatchModelFromDomain(d *domain.WorkflowDispatch) *WorkflowDispatchModel {
	if d == nil {
		return nil
	}

	return &WorkflowDispatchModel{
		ID:             d.ID,
		IdempotencyKey: d.IdempotencyKey,
		RetryStateID:   d.RetryStateID,
		ContactID:      d.ContactID,
		AppointmentID:  d.AppointmentID,
		Kind:           d.Kind,
		Status:         d.Status,
		ExecutionID:    d.ExecutionID,
		SMSMessageID:   d.SMSMessageID,
		Attempts:       d.Attempts,
		LastError:      d.LastError,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func dispatchModelToDomain(m *WorkflowDispatchModel) *domain.WorkflowDispatch {
	if m == nil {
		return nil
	}

	return &domain.WorkflowDispatch{
		ID:             m.ID,
		IdempotencyKey: m.IdempotencyKey,
		RetryStateID:   m.RetryStateID,
		ContactID:      m.ContactID,
		AppointmentID:  m.AppointmentID,
		Kind:           m.Kind,
		Status:         m.Status,
		ExecutionID:    m.ExecutionID,
		SMSMessageID:   m.SMSMessageID,
		Attempts:       m.Attempts,
		LastError:      m.LastError,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
