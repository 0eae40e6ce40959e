package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/callflow-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ListParams struct {
	ContactID  *string
	CampaignID *string
	State      *domain.State
	Escalated  *bool
	Page       int
	PageSize   int
}

// Transition is the post-attempt update applied to an enrollment.
// Counter deltas are added to the stored counters; Escalated never clears a set flag.
type Transition struct {
	State              domain.State
	LastOutcome        *domain.Outcome
	LastReason         *string
	InfraFailureDelta  int
	UnclearDelta       int
	NextEligibleAt     *time.Time
	Escalated          bool
	EscalationReason   *domain.EscalationReason
	ConfirmationStatus *domain.ConfirmationStatus
	Archive            bool
	At                 time.Time
}

// ContactCache is the CRM data cached on an enrollment.
type ContactCache struct {
	Phone       string
	DisplayName string
	Region      string
	Timezone    *string
	DoNotCall   bool
}

type RetryStateRepository interface {
	Create(ctx context.Context, s *domain.RetryState) error
	GetByID(ctx context.Context, id string) (*domain.RetryState, error)
	GetByEnrollment(ctx context.Context, contactID, campaignID, appointmentID string) (*domain.RetryState, error)
	List(ctx context.Context, params ListParams) ([]domain.RetryState, int64, error)
	GetDue(ctx context.Context, now, enqueuedBefore time.Time, limit int) ([]domain.RetryState, error)
	MarkEnqueued(ctx context.Context, id string, dueAt, at time.Time) (bool, error)
	GetStuckAttempting(ctx context.Context, since time.Time, limit int) ([]domain.RetryState, error)
	BeginAttempt(ctx context.Context, id string, attempt *domain.CallAttempt) (*domain.RetryState, error)
	Finalize(ctx context.Context, id string, expect domain.State, t Transition) (*domain.RetryState, bool, error)
	Reschedule(ctx context.Context, id string, next time.Time) error
	RefreshContact(ctx context.Context, id string, c ContactCache) error
	MarkDoNotCall(ctx context.Context, contactID string) (int64, error)
	ResetEscalation(ctx context.Context, id string, next time.Time) (*domain.RetryState, error)
	Reopen(ctx context.Context, id string, next time.Time) (*domain.RetryState, error)
}

type GormRetryStateRepo struct {
	db *gorm.DB
}

func NewGormRetryStateRepo(db *gorm.DB) *GormRetryStateRepo {
	return &GormRetryStateRepo{db: db}
}

// Create inserts a new enrollment. An existing enrollment for the same
// contact, campaign and appointment yields domain.ErrConflict.
func (r *GormRetryStateRepo) Create(ctx context.Context, s *domain.RetryState) error {
	model := retryStateModelFromDomain(s)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "contact_id"}, {Name: "campaign_id"}, {Name: "appointment_id"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	if s != nil {
		*s = *retryStateModelToDomain(model)
	}
	return nil
}

func (r *GormRetryStateRepo) GetByID(ctx context.Context, id string) (*domain.RetryState, error) {
	var model RetryStateModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return retryStateModelToDomain(&model), nil
}

func (r *GormRetryStateRepo) GetByEnrollment(ctx context.Context, contactID, campaignID, appointmentID string) (*domain.RetryState, error) {
	var model RetryStateModel
	err := r.db.WithContext(ctx).
		Where("contact_id = ? AND campaign_id = ? AND appointment_id = ?", contactID, campaignID, appointmentID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return retryStateModelToDomain(&model), nil
}

func (r *GormRetryStateRepo) List(ctx context.Context, params ListParams) ([]domain.RetryState, int64, error) {
	query := r.db.WithContext(ctx).Model(&RetryStateModel{})

	if params.ContactID != nil {
		query = query.Where("contact_id = ?", *params.ContactID)
	}
	if params.CampaignID != nil {
		query = query.Where("campaign_id = ?", *params.CampaignID)
	}
	if params.State != nil {
		query = query.Where("state = ?", *params.State)
	}
	if params.Escalated != nil {
		query = query.Where("escalated = ?", *params.Escalated)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []RetryStateModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	states := make([]domain.RetryState, 0, len(models))
	for i := range models {
		states = append(states, *retryStateModelToDomain(&models[i]))
	}

	return states, total, nil
}

// GetDue returns scheduled enrollments whose next eligible time has passed and
// that were not handed to the queue after enqueuedBefore.
func (r *GormRetryStateRepo) GetDue(ctx context.Context, now, enqueuedBefore time.Time, limit int) ([]domain.RetryState, error) {
	var models []RetryStateModel
	err := r.db.WithContext(ctx).
		Where("state = ? AND next_eligible_at <= ?", domain.StateScheduled, now).
		Where("do_not_call = ? AND escalated = ? AND archived_at IS NULL", false, false).
		Where("enqueued_at IS NULL OR enqueued_at < ?", enqueuedBefore).
		Order("next_eligible_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	states := make([]domain.RetryState, 0, len(models))
	for i := range models {
		states = append(states, *retryStateModelToDomain(&models[i]))
	}
	return states, nil
}

// MarkEnqueued stamps the enqueue time of an enrollment that is still
// scheduled for dueAt. It reports false when the enrollment moved on after
// the message was published, leaving the new schedule unstamped.
func (r *GormRetryStateRepo) MarkEnqueued(ctx context.Context, id string, dueAt, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&RetryStateModel{}).
		Where("id = ? AND state = ? AND next_eligible_at = ?", id, domain.StateScheduled, dueAt).
		Update("enqueued_at", at)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// GetStuckAttempting returns enrollments that entered ATTEMPTING before since.
func (r *GormRetryStateRepo) GetStuckAttempting(ctx context.Context, since time.Time, limit int) ([]domain.RetryState, error) {
	var models []RetryStateModel
	err := r.db.WithContext(ctx).
		Where("state = ? AND attempting_since < ?", domain.StateAttempting, since).
		Order("attempting_since ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	states := make([]domain.RetryState, 0, len(models))
	for i := range models {
		states = append(states, *retryStateModelToDomain(&models[i]))
	}
	return states, nil
}

// BeginAttempt creates the attempt record and increments AttemptCount in one
// transaction, moving the enrollment to ATTEMPTING. The attempt number is
// assigned from the locked counter.
func (r *GormRetryStateRepo) BeginAttempt(ctx context.Context, id string, attempt *domain.CallAttempt) (*domain.RetryState, error) {
	if attempt == nil {
		return nil, fmt.Errorf("%w: attempt is required", domain.ErrValidation)
	}

	var updated *domain.RetryState
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model RetryStateModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		if model.State != domain.StateScheduled || model.DoNotCall || model.Escalated || model.ArchivedAt != nil {
			return fmt.Errorf("%w: enrollment %s is %s", domain.ErrConflict, id, model.State)
		}

		attempt.RetryStateID = model.ID
		attempt.ContactID = model.ContactID
		attempt.CampaignID = model.CampaignID
		attempt.AttemptNumber = model.AttemptCount + 1
		attempt.ScheduledAt = model.NextEligibleAt

		attemptModel := attemptModelFromDomain(attempt)
		if err := tx.Create(attemptModel).Error; err != nil {
			return err
		}

		now := attempt.CreatedAt
		if now.IsZero() {
			now = time.Now().UTC()
		}
		if err := tx.Model(&model).Updates(map[string]any{
			"attempt_count":    gorm.Expr("attempt_count + 1"),
			"state":            domain.StateAttempting,
			"next_eligible_at": nil,
			"enqueued_at":      nil,
			"attempting_since": now,
		}).Error; err != nil {
			return err
		}

		model.AttemptCount++
		model.State = domain.StateAttempting
		model.NextEligibleAt = nil
		model.EnqueuedAt = nil
		model.AttemptingSince = &now

		*attempt = *attemptModelToDomain(attemptModel)
		updated = retryStateModelToDomain(&model)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Finalize applies t to an enrollment currently in state expect. It reports
// whether the confirmation status was written; a status that may not replace
// the stored one is left untouched.
func (r *GormRetryStateRepo) Finalize(ctx context.Context, id string, expect domain.State, t Transition) (*domain.RetryState, bool, error) {
	var (
		updated       *domain.RetryState
		statusWritten bool
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model RetryStateModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if model.State != expect {
			return fmt.Errorf("%w: enrollment %s is %s, want %s", domain.ErrConflict, id, model.State, expect)
		}

		model.State = t.State
		model.InfraFailureCount += t.InfraFailureDelta
		model.UnclearCount += t.UnclearDelta
		model.NextEligibleAt = t.NextEligibleAt
		model.AttemptingSince = nil
		model.EnqueuedAt = nil
		if t.LastOutcome != nil {
			model.LastOutcome = t.LastOutcome
			model.LastReason = t.LastReason
		}
		if t.Escalated && !model.Escalated {
			model.Escalated = true
			model.EscalationReason = t.EscalationReason
		}
		if t.ConfirmationStatus != nil {
			current := domain.ConfirmationStatus("")
			if model.ConfirmationStatus != nil {
				current = *model.ConfirmationStatus
			}
			if current.CanTransitionTo(*t.ConfirmationStatus) {
				status := *t.ConfirmationStatus
				model.ConfirmationStatus = &status
				statusWritten = true
			}
		}
		if t.Archive && model.ArchivedAt == nil {
			at := t.At
			model.ArchivedAt = &at
		}

		if err := tx.Save(&model).Error; err != nil {
			return err
		}
		updated = retryStateModelToDomain(&model)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return updated, statusWritten, nil
}

// Reschedule moves a scheduled enrollment without recording an attempt.
func (r *GormRetryStateRepo) Reschedule(ctx context.Context, id string, next time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&RetryStateModel{}).
		Where("id = ? AND state = ?", id, domain.StateScheduled).
		Updates(map[string]any{
			"next_eligible_at": next,
			"enqueued_at":      nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormRetryStateRepo) RefreshContact(ctx context.Context, id string, c ContactCache) error {
	updates := map[string]any{
		"phone":        c.Phone,
		"display_name": c.DisplayName,
		"region":       c.Region,
		"timezone":     c.Timezone,
	}
	if c.DoNotCall {
		updates["do_not_call"] = true
	}

	result := r.db.WithContext(ctx).
		Model(&RetryStateModel{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkDoNotCall flags every enrollment of a contact. Scheduled enrollments are
// cancelled at once; an in-flight attempt observes the flag when it finishes.
func (r *GormRetryStateRepo) MarkDoNotCall(ctx context.Context, contactID string) (int64, error) {
	var affected int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&RetryStateModel{}).
			Where("contact_id = ?", contactID).
			Update("do_not_call", true)
		if result.Error != nil {
			return result.Error
		}
		affected = result.RowsAffected

		return tx.Model(&RetryStateModel{}).
			Where("contact_id = ? AND state = ?", contactID, domain.StateScheduled).
			Updates(map[string]any{
				"state":            domain.StateCancelled,
				"next_eligible_at": nil,
				"enqueued_at":      nil,
			}).Error
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// ResetEscalation is the operator action that clears an escalation and gives
// the enrollment fresh budgets.
func (r *GormRetryStateRepo) ResetEscalation(ctx context.Context, id string, next time.Time) (*domain.RetryState, error) {
	return r.restart(ctx, id, next, func(m *RetryStateModel) error {
		if !m.Escalated {
			return fmt.Errorf("%w: enrollment %s is not escalated", domain.ErrConflict, id)
		}
		return nil
	})
}

// Reopen restarts an archived reschedule_requested enrollment.
func (r *GormRetryStateRepo) Reopen(ctx context.Context, id string, next time.Time) (*domain.RetryState, error) {
	return r.restart(ctx, id, next, func(m *RetryStateModel) error {
		if m.ConfirmationStatus == nil || *m.ConfirmationStatus != domain.ConfirmationRescheduleRequested || m.ArchivedAt == nil {
			return fmt.Errorf("%w: enrollment %s cannot be reopened", domain.ErrConflict, id)
		}
		return nil
	})
}

func (r *GormRetryStateRepo) restart(ctx context.Context, id string, next time.Time, check func(*RetryStateModel) error) (*domain.RetryState, error) {
	var updated *domain.RetryState
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model RetryStateModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := check(&model); err != nil {
			return err
		}
		if model.DoNotCall {
			return fmt.Errorf("%w: contact %s is do-not-call", domain.ErrConflict, model.ContactID)
		}

		model.State = domain.StateScheduled
		model.Escalated = false
		model.EscalationReason = nil
		model.ResetAttemptCount = model.AttemptCount
		model.InfraFailureCount = 0
		model.UnclearCount = 0
		model.NextEligibleAt = &next
		model.EnqueuedAt = nil
		model.AttemptingSince = nil
		model.ArchivedAt = nil

		if err := tx.Save(&model).Error; err != nil {
			return err
		}
		updated = retryStateModelToDomain(&model)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
