package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func addRetryStatesResetAttemptCount() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_add_retry_states_reset_attempt_count",
		Migrate: func(tx *gorm.DB) error {
			statements := []string{
				`ALTER TABLE retry_states ADD COLUMN IF NOT EXISTS reset_attempt_count INTEGER NOT NULL DEFAULT 0`,
				`CREATE INDEX IF NOT EXISTS idx_retry_states_escalated ON retry_states (campaign_id, escalation_reason) WHERE escalated = true`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			statements := []string{
				`DROP INDEX IF EXISTS idx_retry_states_escalated`,
				`ALTER TABLE retry_states DROP COLUMN IF EXISTS reset_attempt_count`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
	}
}
