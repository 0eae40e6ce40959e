package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/callflow-engine/internal/domain"
	"gorm.io/gorm"
)

type AttemptRepository interface {
	GetByID(ctx context.Context, id string) (*domain.CallAttempt, error)
	GetByExternalCallID(ctx context.Context, externalCallID string) (*domain.CallAttempt, error)
	ListByRetryState(ctx context.Context, retryStateID string) ([]domain.CallAttempt, error)
	CountByRetryState(ctx context.Context, retryStateID string) (int64, error)
	MarkPlaced(ctx context.Context, id, externalCallID string, placedAt time.Time) error
	RecordOutcome(ctx context.Context, id string, rec domain.OutcomeRecord) (bool, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) GetByID(ctx context.Context, id string) (*domain.CallAttempt, error) {
	var model CallAttemptModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return attemptModelToDomain(&model), nil
}

func (r *GormAttemptRepo) GetByExternalCallID(ctx context.Context, externalCallID string) (*domain.CallAttempt, error) {
	var model CallAttemptModel
	err := r.db.WithContext(ctx).
		Where("external_call_id = ?", externalCallID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return attemptModelToDomain(&model), nil
}

func (r *GormAttemptRepo) ListByRetryState(ctx context.Context, retryStateID string) ([]domain.CallAttempt, error) {
	var models []CallAttemptModel
	err := r.db.WithContext(ctx).
		Where("retry_state_id = ?", retryStateID).
		Order("attempt_number ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.CallAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}

	return attempts, nil
}

func (r *GormAttemptRepo) CountByRetryState(ctx context.Context, retryStateID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&CallAttemptModel{}).
		Where("retry_state_id = ?", retryStateID).
		Count(&count).Error
	return count, err
}

func (r *GormAttemptRepo) MarkPlaced(ctx context.Context, id, externalCallID string, placedAt time.Time) error {
	updates := map[string]any{"placed_at": placedAt}
	if externalCallID != "" {
		updates["external_call_id"] = externalCallID
	}

	result := r.db.WithContext(ctx).
		Model(&CallAttemptModel{}).
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

// RecordOutcome writes the attempt outcome once. It reports false when an
// outcome was already stored, which callers treat as a duplicate.
func (r *GormAttemptRepo) RecordOutcome(ctx context.Context, id string, rec domain.OutcomeRecord) (bool, error) {
	updates := map[string]any{
		"outcome":      rec.Outcome,
		"reason":       rec.Reason,
		"completed_at": rec.CompletedAt,
	}
	if rec.Intent != domain.IntentNone {
		updates["intent"] = rec.Intent
	}
	if rec.Duration > 0 {
		updates["duration_millis"] = rec.Duration.Milliseconds()
	}

	result := r.db.WithContext(ctx).
		Model(&CallAttemptModel{}).
		Where("id = ? AND outcome IS NULL", id).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}
