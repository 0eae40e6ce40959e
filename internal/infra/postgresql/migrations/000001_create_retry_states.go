package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/callflow-engine/internal/repository"
	"gorm.io/gorm"
)

func createRetryStatesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_retry_states",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.RetryStateModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_retry_states_due ON retry_states (next_eligible_at) WHERE state = 'SCHEDULED' AND escalated = false AND do_not_call = false AND archived_at IS NULL`,
				`CREATE INDEX IF NOT EXISTS idx_retry_states_attempting ON retry_states (attempting_since) WHERE state = 'ATTEMPTING'`,
				`CREATE INDEX IF NOT EXISTS idx_retry_states_contact ON retry_states (contact_id)`,
				`CREATE INDEX IF NOT EXISTS idx_retry_states_campaign_state ON retry_states (campaign_id, state, created_at)`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.RetryStateModel{})
		},
	}
}
