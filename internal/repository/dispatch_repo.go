package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/callflow-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DispatchRepository interface {
	Reserve(ctx context.Context, d *domain.WorkflowDispatch) (bool, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.WorkflowDispatch, error)
	ListByContact(ctx context.Context, contactID string) ([]domain.WorkflowDispatch, error)
	MarkDelivered(ctx context.Context, id string, executionID, smsMessageID *string, attempts int) error
	MarkFailed(ctx context.Context, id string, lastErr string, attempts int) error
}

type GormDispatchRepo struct {
	db *gorm.DB
}

func NewGormDispatchRepo(db *gorm.DB) *GormDispatchRepo {
	return &GormDispatchRepo{db: db}
}

// Reserve claims the idempotency key of d. It returns false when another
// dispatch already holds the key.
func (r *GormDispatchRepo) Reserve(ctx context.Context, d *domain.WorkflowDispatch) (bool, error) {
	model := dispatchModelFromDomain(d)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	if d != nil {
		*d = *dispatchModelToDomain(model)
	}
	return true, nil
}

func (r *GormDispatchRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.WorkflowDispatch, error) {
	var model WorkflowDispatchModel
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return dispatchModelToDomain(&model), nil
}

func (r *GormDispatchRepo) ListByContact(ctx context.Context, contactID string) ([]domain.WorkflowDispatch, error) {
	var models []WorkflowDispatchModel
	err := r.db.WithContext(ctx).
		Where("contact_id = ?", contactID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	dispatches := make([]domain.WorkflowDispatch, 0, len(models))
	for i := range models {
		dispatches = append(dispatches, *dispatchModelToDomain(&models[i]))
	}
	return dispatches, nil
}

func (r *GormDispatchRepo) MarkDelivered(ctx context.Context, id string, executionID, smsMessageID *string, attempts int) error {
	return r.updateStatus(ctx, id, map[string]any{
		"status":         domain.DispatchDelivered,
		"execution_id":   executionID,
		"sms_message_id": smsMessageID,
		"attempts":       attempts,
		"last_error":     nil,
	})
}

func (r *GormDispatchRepo) MarkFailed(ctx context.Context, id string, lastErr string, attempts int) error {
	return r.updateStatus(ctx, id, map[string]any{
		"status":     domain.DispatchFailed,
		"attempts":   attempts,
		"last_error": lastErr,
	})
}

func (r *GormDispatchRepo) updateStatus(ctx context.Context, id string, updates map[string]any) error {
	result := r.db.WithContext(ctx).
		Model(&WorkflowDispatchModel{}).
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
